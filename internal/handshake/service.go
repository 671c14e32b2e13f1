package handshake

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forgefab/conductor/internal/cache"
)

// ErrPacketNotFound is returned when a packet is absent from both the
// hand-off cache and the durable store, either expired or already
// acknowledged.
var ErrPacketNotFound = errors.New("handshake packet not found")

// Service keeps in-flight packets available for worker hand-off. The
// advisory cache is the fast path; every packet is also written to the
// durable store so a cache loss only costs a database read.
type Service struct {
	cache *cache.Cache
	store *Store
	ttl   time.Duration
}

// NewService creates a handshake hand-off service.
func NewService(c *cache.Cache, store *Store, ttl time.Duration) *Service {
	return &Service{cache: c, store: store, ttl: ttl}
}

func packetKey(packetID string) string {
	return "handshake:" + packetID
}

// Stash keeps a dispatched packet available for worker retrieval.
func (s *Service) Stash(ctx context.Context, p *Packet) error {
	s.cache.Set(packetKey(p.PacketID), p, s.ttl)

	if err := s.store.Put(ctx, p, time.Now().Add(s.ttl)); err != nil {
		return err
	}
	return nil
}

// Receive returns a stashed packet by id, falling back to the durable
// store on a cache miss and re-priming the cache on the way back.
func (s *Service) Receive(ctx context.Context, packetID string) (*Packet, error) {
	if v, ok := s.cache.Get(packetKey(packetID)); ok {
		if p, ok := v.(*Packet); ok {
			return p, nil
		}
	}

	p, err := s.store.Get(ctx, packetID)
	if err != nil {
		return nil, err
	}

	s.cache.Set(packetKey(packetID), p, s.ttl)
	return p, nil
}

// Acknowledge consumes a packet: once acknowledged it cannot be
// received again.
func (s *Service) Acknowledge(ctx context.Context, packetID string) error {
	_, cached := s.cache.Get(packetKey(packetID))
	s.cache.Delete(packetKey(packetID))

	deleted, err := s.store.Delete(ctx, packetID)
	if err != nil {
		return err
	}
	if !cached && !deleted {
		return ErrPacketNotFound
	}

	log.Debug().Str("packet_id", packetID).Msg("Handshake packet acknowledged")
	return nil
}
