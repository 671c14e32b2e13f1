package handshake

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgefab/conductor/internal/database"
)

// Store is the durable copy of in-flight packets. Losing the advisory
// cache downgrades a receive to a database read instead of losing the
// hand-off.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Put upserts a packet. Re-dispatch of the same packet id replaces the
// stored payload and pushes the expiry out.
func (s *Store) Put(ctx context.Context, p *Packet, expiresAt time.Time) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding packet: %w", err)
	}

	query := `
		INSERT INTO handshake_packets (
			packet_id, execution_id, stage_id, payload, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(packet_id) DO UPDATE SET
			payload = excluded.payload,
			expires_at = excluded.expires_at
	`

	_, err = s.db.ExecContext(ctx, query,
		p.PacketID,
		p.ExecutionID,
		p.StageID,
		string(payload),
		time.Now().UTC().Format(time.RFC3339),
		expiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting handshake packet: %w", err)
	}

	return nil
}

// Get returns a stored packet. Expired rows are treated as absent and
// removed on the way out.
func (s *Store) Get(ctx context.Context, packetID string) (*Packet, error) {
	var payload, expires string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM handshake_packets WHERE packet_id = ?`,
		packetID,
	).Scan(&payload, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPacketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying handshake packet: %w", err)
	}

	expiresAt, err := time.Parse(time.RFC3339, expires)
	if err != nil {
		return nil, fmt.Errorf("parsing packet expiry: %w", err)
	}
	if time.Now().After(expiresAt) {
		_, _ = s.Delete(ctx, packetID)
		return nil, ErrPacketNotFound
	}

	var p Packet
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decoding packet: %w", err)
	}

	return &p, nil
}

// Delete removes a packet. Returns false when no row matched.
func (s *Store) Delete(ctx context.Context, packetID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM handshake_packets WHERE packet_id = ?`, packetID)
	if err != nil {
		return false, fmt.Errorf("deleting handshake packet: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	return rows > 0, nil
}

// DeleteExpired purges packets whose expiry has passed.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM handshake_packets WHERE expires_at <= ?`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("deleting expired handshake packets: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	return rows, nil
}
