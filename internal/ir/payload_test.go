package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayloadDecodeKnownKinds(t *testing.T) {
	var key PublicKey
	key[0] = 0xab

	variants := []Variant{
		Message{Channel: "c", Author: "a", Content: "x"},
		Presence{Who: "bob", Status: "away"},
		TaskDelta{TaskID: "t1", Op: "update", Fields: IRObject{"done": IRBool(true)}},
		Registration{PeerKey: key, Endpoint: "http://b:7070", Tier: TierHardwareAttested},
	}
	for _, v := range variants {
		t.Run(string(v.Kind()), func(t *testing.T) {
			p := NewPayload(v)
			assert.Equal(t, int64(PayloadVersion), p.Version)

			got, err := p.Decode()
			require.NoError(t, err)
			assert.Equal(t, v, got)
		})
	}
}

func TestPayloadDecodeUnknownKind(t *testing.T) {
	p := Payload{Kind: "poll", Version: 1, Body: IRObject{"q": IRString("?")}}

	got, err := p.Decode()
	require.NoError(t, err)
	u, ok := got.(Unknown)
	require.True(t, ok)
	assert.Equal(t, Kind("poll"), u.Tag)
	assert.Equal(t, p.Body, u.Body)

	// Re-wrapping an Unknown reproduces the original payload.
	assert.Equal(t, p, NewPayload(u))
}

func TestPayloadDecodeFutureVersion(t *testing.T) {
	p := Payload{Kind: KindMessage, Version: PayloadVersion + 1, Body: IRObject{"text": IRString("new shape")}}

	got, err := p.Decode()
	require.NoError(t, err)
	assert.IsType(t, Unknown{}, got)
}

func TestPayloadDecodeShapeErrors(t *testing.T) {
	_, err := Payload{Kind: KindMessage, Version: 1, Body: IRObject{"channel": IRInt(1)}}.Decode()
	assert.ErrorIs(t, err, ErrPayloadShape)

	_, err = Payload{Kind: KindTaskDelta, Version: 1, Body: IRObject{"task_id": IRString("t"), "op": IRString("o")}}.Decode()
	assert.ErrorIs(t, err, ErrPayloadShape)

	_, err = Payload{Kind: KindRegistration, Version: 1, Body: IRObject{
		"peer_pubkey": IRString("zz"), "endpoint": IRString("e"), "tier": IRString("device-bound"),
	}}.Decode()
	assert.ErrorIs(t, err, ErrPayloadShape)
}

func TestPayloadNormalized(t *testing.T) {
	decomposed := "cafe\u0301"
	composed := "caf\u00e9"
	p := Payload{
		Kind:    Kind("note\u0301"),
		Version: 1,
		Body: IRObject{
			decomposed: IRArray{IRString(decomposed), IRInt(3)},
			"flag":     IRBool(true),
		},
	}

	n := p.Normalized()
	assert.Equal(t, Kind("not\u00e9"), n.Kind)
	assert.Equal(t, IRObject{
		composed: IRArray{IRString(composed), IRInt(3)},
		"flag":   IRBool(true),
	}, n.Body)
	assert.Equal(t, IRString(decomposed), p.Body[decomposed].(IRArray)[0], "the input is not modified")

	before, err := MarshalCanonical(p.canonical())
	require.NoError(t, err)
	after, err := MarshalCanonical(n.canonical())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	assert.Equal(t, IRObject{}, Payload{Kind: KindMessage}.Normalized().Body)
}
