package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRObjectUnmarshalJSON(t *testing.T) {
	var obj IRObject
	err := json.Unmarshal([]byte(`{"s":"x","n":7,"b":false,"a":[1,"y"],"o":{"z":null}}`), &obj)
	require.NoError(t, err)

	assert.Equal(t, IRString("x"), obj["s"])
	assert.Equal(t, IRInt(7), obj["n"])
	assert.Equal(t, IRBool(false), obj["b"])
	assert.Equal(t, IRArray{IRInt(1), IRString("y")}, obj["a"])
	assert.Equal(t, IRObject{"z": IRNull{}}, obj["o"])
}

func TestIRObjectUnmarshalRejectsFloat(t *testing.T) {
	var obj IRObject
	err := json.Unmarshal([]byte(`{"f":1.5}`), &obj)
	assert.Error(t, err)
}

func TestIRObjectGetString(t *testing.T) {
	obj := IRObject{"s": IRString("v"), "n": IRInt(1)}

	s, ok := obj.GetString("s")
	assert.True(t, ok)
	assert.Equal(t, "v", s)

	_, ok = obj.GetString("n")
	assert.False(t, ok)
	_, ok = obj.GetString("missing")
	assert.False(t, ok)
}

func TestToIRObject(t *testing.T) {
	obj, err := ToIRObject(map[string]any{
		"count": float64(3),
		"name":  "x",
		"tags":  []any{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, IRInt(3), obj["count"])
	assert.Equal(t, IRArray{IRString("a")}, obj["tags"])

	_, err = ToIRObject(map[string]any{"f": 2.5})
	assert.Error(t, err)
}
