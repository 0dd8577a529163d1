package boltstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, "bucket")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesBucket(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("bucket", "k", []byte("v")))
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("bucket", "k1", []byte("hello")))

	v, found, err := s.Get("bucket", "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), v)
}

func TestGet_MissingKeyReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.Get("bucket", "absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGet_MissingBucketReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.Get("no-such-bucket", "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPutOverwritesExistingValue(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("bucket", "k", []byte("first")))
	require.NoError(t, s.Put("bucket", "k", []byte("second")))

	v, found, err := s.Get("bucket", "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("second"), v)
}

func TestDeleteRemovesKey(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Put("bucket", "k", []byte("v")))
	require.NoError(t, s.Delete("bucket", "k"))

	_, found, err := s.Get("bucket", "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete_MissingBucketIsNoOp(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Delete("no-such-bucket", "k"))
}

func TestHealthCheck_ReportsWritable(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.HealthCheck()())
}
