// Package refstore abstracts oversized payloads behind small reference
// tokens so handshake packets stay small.
package refstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/forgefab/conductor/internal/config"
)

// Store wraps payloads into data references and resolves them back.
type Store struct {
	backend         Backend
	storageType     StorageType
	inlineThreshold int64
	compress        bool
	ttl             time.Duration
}

// New creates a Store over the configured backend.
func New(ctx context.Context, cfg *config.RefStoreConfig) (*Store, error) {
	backend, storageType, err := NewBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Store{
		backend:         backend,
		storageType:     storageType,
		inlineThreshold: cfg.InlineThreshold,
		compress:        cfg.Compress,
		ttl:             cfg.TTL,
	}, nil
}

// Wrap turns a payload into a DataRef. Payloads at or below the inline
// threshold travel inline; larger ones are stored in the backend and
// only the key travels.
func (s *Store) Wrap(ctx context.Context, payload []byte, contentType string) (*DataRef, error) {
	checksum := Checksum(payload)
	size := int64(len(payload))

	if size <= s.inlineThreshold {
		return &DataRef{
			StorageType: StorageInline,
			Payload:     payload,
			SizeBytes:   size,
			Checksum:    checksum,
			ContentType: contentType,
		}, nil
	}

	stored := payload
	compressed := false
	if s.compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(payload); err != nil {
			return nil, fmt.Errorf("compressing payload: %w", err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("compressing payload: %w", err)
		}
		stored = buf.Bytes()
		compressed = true
	}

	key := uuid.New().String()
	if err := s.backend.Put(ctx, key, bytes.NewReader(stored), int64(len(stored))); err != nil {
		return nil, fmt.Errorf("storing payload: %w", err)
	}

	expiresAt := time.Now().UTC().Add(s.ttl)

	log.Debug().
		Str("key", key).
		Int64("size", size).
		Bool("compressed", compressed).
		Msg("Stored out-of-line payload")

	return &DataRef{
		StorageType: s.storageType,
		Key:         key,
		SizeBytes:   size,
		Checksum:    checksum,
		ContentType: contentType,
		Compressed:  compressed,
		ExpiresAt:   &expiresAt,
	}, nil
}

// Resolve returns the payload behind a reference, verifying its checksum.
func (s *Store) Resolve(ctx context.Context, ref *DataRef) ([]byte, error) {
	if ref.Inline() {
		return ref.Payload, nil
	}

	rc, err := s.backend.Get(ctx, ref.Key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var reader io.Reader = rc
	if ref.Compressed {
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	if sum := Checksum(payload); sum != ref.Checksum {
		return nil, fmt.Errorf("checksum mismatch for key %s: got %s, want %s", ref.Key, sum, ref.Checksum)
	}

	return payload, nil
}

// Delete removes an out-of-line payload. Inline refs are a no-op.
func (s *Store) Delete(ctx context.Context, ref *DataRef) error {
	if ref.Inline() {
		return nil
	}
	return s.backend.Delete(ctx, ref.Key)
}

// InlineThreshold returns the configured inline size cutoff.
func (s *Store) InlineThreshold() int64 {
	return s.inlineThreshold
}

// Checksum returns the hex sha256 of a payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
