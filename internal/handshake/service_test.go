package handshake

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgefab/conductor/internal/cache"
	"github.com/forgefab/conductor/internal/config"
	"github.com/forgefab/conductor/internal/database"
)

func testService(t *testing.T, ttl time.Duration) (*Service, *cache.Cache) {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := cache.New(time.Minute)
	t.Cleanup(c.Stop)

	return NewService(c, NewStore(db), ttl), c
}

func TestService_StashReceiveAcknowledge(t *testing.T) {
	s, _ := testService(t, time.Minute)
	ctx := context.Background()

	p := &Packet{
		PacketID:    "pkt-1",
		ExecutionID: "exec-1",
		StageID:     "stage-1",
		Control:     ControlBlock{Action: "fetch"},
	}
	require.NoError(t, s.Stash(ctx, p))

	got, err := s.Receive(ctx, "pkt-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.ExecutionID)

	// Receive does not consume; acknowledge does.
	_, err = s.Receive(ctx, "pkt-1")
	require.NoError(t, err)

	require.NoError(t, s.Acknowledge(ctx, "pkt-1"))

	_, err = s.Receive(ctx, "pkt-1")
	require.ErrorIs(t, err, ErrPacketNotFound)
	require.ErrorIs(t, s.Acknowledge(ctx, "pkt-1"), ErrPacketNotFound)
}

func TestService_CacheLossFallsBackToStore(t *testing.T) {
	s, c := testService(t, time.Minute)
	ctx := context.Background()

	p := &Packet{
		PacketID:    "pkt-1",
		ExecutionID: "exec-1",
		StageID:     "stage-1",
		Control:     ControlBlock{Action: "analyze", Attempt: 2},
	}
	require.NoError(t, s.Stash(ctx, p))

	// Simulate a cache restart between stash and receive.
	c.Delete("handshake:pkt-1")

	got, err := s.Receive(ctx, "pkt-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "analyze", got.Control.Action)
	assert.Equal(t, 2, got.Control.Attempt)

	require.NoError(t, s.Acknowledge(ctx, "pkt-1"))
	_, err = s.Receive(ctx, "pkt-1")
	require.ErrorIs(t, err, ErrPacketNotFound)
}

func TestService_UnknownPacket(t *testing.T) {
	s, _ := testService(t, time.Minute)

	_, err := s.Receive(context.Background(), "missing")
	require.ErrorIs(t, err, ErrPacketNotFound)
}

func TestService_Expiry(t *testing.T) {
	s, c := testService(t, -time.Second)
	ctx := context.Background()

	require.NoError(t, s.Stash(ctx, &Packet{PacketID: "pkt-1"}))
	c.Delete("handshake:pkt-1")

	_, err := s.Receive(ctx, "pkt-1")
	require.ErrorIs(t, err, ErrPacketNotFound)
}

func TestStore_DeleteExpired(t *testing.T) {
	s, _ := testService(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.store.Put(ctx, &Packet{PacketID: "stale"}, time.Now().Add(-time.Hour)))
	require.NoError(t, s.store.Put(ctx, &Packet{PacketID: "fresh"}, time.Now().Add(time.Hour)))

	n, err := s.store.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.store.Get(ctx, "fresh")
	require.NoError(t, err)
}
