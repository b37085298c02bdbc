package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpenIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fedlog.db")

	s1, err := Open(path)
	require.NoError(t, err)
	_, _, err = s1.AppendEvent(t.Context(), createTestEvent(1, 100, "x"), testReceived)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	n, err := s2.CountEvents(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fedlog.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, inserted, err := s.AppendEvent(t.Context(), createTestEvent(1, 100, "x"), testReceived)
	require.NoError(t, err)
	assert.True(t, inserted)

	head, err := s.HeadSeq(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}
