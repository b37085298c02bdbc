package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fedlog/internal/ir"
)

var testReceived = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestAppendEventAssignsSequentialSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	for i, content := range []string{"a", "b", "c"} {
		seq, inserted, err := s.AppendEvent(ctx, createTestEvent(1, int64(100+i), content), testReceived)
		require.NoError(t, err)
		assert.True(t, inserted)
		assert.Equal(t, int64(i+1), seq)
	}

	head, err := s.HeadSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), head)
}

func TestAppendEventDuplicateIsNoOp(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	ev := createTestEvent(1, 100, "a")

	seq1, inserted, err := s.AppendEvent(ctx, ev, testReceived)
	require.NoError(t, err)
	require.True(t, inserted)

	_, _, err = s.AppendEvent(ctx, createTestEvent(1, 101, "b"), testReceived)
	require.NoError(t, err)

	seq2, inserted, err := s.AppendEvent(ctx, ev, testReceived)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, seq1, seq2)

	n, err := s.CountEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestEventByIDRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	ev := createTestEvent(7, 12345, "héllo <b>")
	ev.Payload = ir.NewPayload(ir.TaskDelta{
		TaskID: "t-1",
		Op:     "update",
		Fields: ir.IRObject{"done": ir.IRBool(true), "tags": ir.IRArray{ir.IRString("x")}},
	})
	id, err := ev.ComputeID()
	require.NoError(t, err)
	ev.ID = id

	seq, _, err := s.AppendEvent(ctx, ev, testReceived)
	require.NoError(t, err)

	got, err := s.EventByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, seq, got.LocalSeq)
	assert.Equal(t, ev.Origin, got.Origin)
	assert.Equal(t, ev.HLC, got.HLC)
	assert.Equal(t, ev.Payload, got.Payload)
	assert.Equal(t, ev.Signature, got.Signature)

	// The stored copy still hashes to its id.
	recomputed, err := got.ComputeID()
	require.NoError(t, err)
	assert.Equal(t, ev.ID, recomputed)
}

func TestEventByIDNotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.EventByID(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	has, err := s.HasEvent(t.Context(), "missing")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestEventsSince(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	for i := 0; i < 5; i++ {
		_, _, err := s.AppendEvent(ctx, createTestEvent(1, int64(100+i), "e"), testReceived)
		require.NoError(t, err)
	}

	all, err := s.EventsSince(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	tail, err := s.EventsSince(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{tail[0].LocalSeq, tail[1].LocalSeq, tail[2].LocalSeq})

	page, err := s.EventsSince(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0].LocalSeq)

	empty, err := s.EventsSince(ctx, 5, 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestEventsByOrigin(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	// Inserted out of HLC order on purpose.
	for _, phys := range []int64{300, 100, 200} {
		_, _, err := s.AppendEvent(ctx, createTestEvent(1, phys, "a"), testReceived)
		require.NoError(t, err)
	}
	_, _, err := s.AppendEvent(ctx, createTestEvent(2, 150, "b"), testReceived)
	require.NoError(t, err)

	all, err := s.EventsByOrigin(ctx, testKey(1), ir.Timestamp{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(100), all[0].HLC.PhysicalUS)
	assert.Equal(t, int64(300), all[2].HLC.PhysicalUS)

	after, err := s.EventsByOrigin(ctx, testKey(1), ir.Timestamp{PhysicalUS: 100}, 0)
	require.NoError(t, err)
	assert.Len(t, after, 2)
}

func TestMaxHLC(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	zero, err := s.MaxHLC(ctx)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	for _, phys := range []int64{500, 900, 700} {
		_, _, err := s.AppendEvent(ctx, createTestEvent(1, phys, "x"), testReceived)
		require.NoError(t, err)
	}
	got, err := s.MaxHLC(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(900), got.PhysicalUS)
}
