package refstore

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgefab/conductor/internal/config"
)

func setupStore(t *testing.T, threshold int64, compress bool) *Store {
	t.Helper()

	s, err := New(context.Background(), &config.RefStoreConfig{
		Backend:         "filesystem",
		Path:            t.TempDir(),
		InlineThreshold: threshold,
		Compress:        compress,
		TTL:             time.Hour,
	})
	require.NoError(t, err)
	return s
}

func TestStore_InlineRoundTrip(t *testing.T) {
	s := setupStore(t, 1024, false)
	ctx := context.Background()

	payload := []byte(`{"feed":"https://example.com/rss"}`)
	ref, err := s.Wrap(ctx, payload, "application/json")
	require.NoError(t, err)

	assert.True(t, ref.Inline())
	assert.Equal(t, payload, ref.Payload)
	assert.Equal(t, int64(len(payload)), ref.SizeBytes)
	assert.Equal(t, Checksum(payload), ref.Checksum)
	assert.Empty(t, ref.Key)

	got, err := s.Resolve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStore_OutOfLineRoundTrip(t *testing.T) {
	s := setupStore(t, 16, false)
	ctx := context.Background()

	payload := []byte(strings.Repeat("conductor ", 100))
	ref, err := s.Wrap(ctx, payload, "text/plain")
	require.NoError(t, err)

	assert.False(t, ref.Inline())
	assert.Equal(t, StorageFilesystem, ref.StorageType)
	assert.NotEmpty(t, ref.Key)
	assert.Nil(t, ref.Payload)
	require.NotNil(t, ref.ExpiresAt)

	got, err := s.Resolve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, s.Delete(ctx, ref))
	_, err = s.Resolve(ctx, ref)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CompressedRoundTrip(t *testing.T) {
	s := setupStore(t, 16, true)
	ctx := context.Background()

	payload := bytes.Repeat([]byte("abcdefgh"), 512)
	ref, err := s.Wrap(ctx, payload, "application/octet-stream")
	require.NoError(t, err)

	assert.True(t, ref.Compressed)
	// SizeBytes reports the original payload size, not the stored size.
	assert.Equal(t, int64(len(payload)), ref.SizeBytes)

	got, err := s.Resolve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStore_ChecksumMismatch(t *testing.T) {
	s := setupStore(t, 16, false)
	ctx := context.Background()

	ref, err := s.Wrap(ctx, []byte(strings.Repeat("x", 100)), "text/plain")
	require.NoError(t, err)

	ref.Checksum = Checksum([]byte("tampered"))

	_, err = s.Resolve(ctx, ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestStore_ThresholdBoundary(t *testing.T) {
	s := setupStore(t, 8, false)
	ctx := context.Background()

	at, err := s.Wrap(ctx, []byte("12345678"), "text/plain")
	require.NoError(t, err)
	assert.True(t, at.Inline())

	over, err := s.Wrap(ctx, []byte("123456789"), "text/plain")
	require.NoError(t, err)
	assert.False(t, over.Inline())
}

func TestStore_DeleteInlineIsNoOp(t *testing.T) {
	s := setupStore(t, 1024, false)

	ref, err := s.Wrap(context.Background(), []byte("small"), "text/plain")
	require.NoError(t, err)
	require.NoError(t, s.Delete(context.Background(), ref))
}

func TestFilesystemBackend_RejectsPathTraversal(t *testing.T) {
	b := NewFilesystemBackend(t.TempDir())
	ctx := context.Background()

	err := b.Put(ctx, "../escape", bytes.NewReader([]byte("x")), 1)
	require.Error(t, err)

	_, err = b.Get(ctx, "/etc/passwd")
	require.Error(t, err)
}

func TestNewBackend_UnknownType(t *testing.T) {
	_, _, err := NewBackend(context.Background(), &config.RefStoreConfig{Backend: "ftp"})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
