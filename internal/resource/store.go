package resource

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forgefab/conductor/internal/database"
)

// Store persists allocations and usage records. The in-memory ledger is
// rebuilt from it on startup.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InsertAllocation(ctx context.Context, a *Allocation) error {
	query := `
		INSERT INTO resource_allocations (
			id, execution_id, resource_type, resource_name, quantity,
			status, allocated_at, released_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.ExecutionID,
		a.ResourceType,
		a.ResourceName,
		a.Quantity,
		a.Status,
		a.AllocatedAt.UTC().Format(time.RFC3339),
		a.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting allocation: %w", err)
	}

	return nil
}

// MarkReleased flips an allocation to released. Returns false when the
// allocation was already released, which callers treat as a no-op.
func (s *Store) MarkReleased(ctx context.Context, id string, releasedAt time.Time) (bool, error) {
	query := `
		UPDATE resource_allocations
		SET status = ?, released_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		AllocationReleased,
		releasedAt.UTC().Format(time.RFC3339),
		id,
		AllocationActive,
	)
	if err != nil {
		return false, fmt.Errorf("releasing allocation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	return rows > 0, nil
}

// ActiveAllocations returns every allocation still marked active.
func (s *Store) ActiveAllocations(ctx context.Context) ([]Allocation, error) {
	query := `
		SELECT id, execution_id, resource_type, resource_name, quantity,
		       status, allocated_at, released_at, expires_at
		FROM resource_allocations
		WHERE status = ?
		ORDER BY allocated_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, AllocationActive)
	if err != nil {
		return nil, fmt.Errorf("querying active allocations: %w", err)
	}
	defer rows.Close()

	return scanAllocations(rows)
}

// AllocationsForExecution returns every allocation owned by an execution.
func (s *Store) AllocationsForExecution(ctx context.Context, executionID string) ([]Allocation, error) {
	query := `
		SELECT id, execution_id, resource_type, resource_name, quantity,
		       status, allocated_at, released_at, expires_at
		FROM resource_allocations
		WHERE execution_id = ?
		ORDER BY allocated_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("querying execution allocations: %w", err)
	}
	defer rows.Close()

	return scanAllocations(rows)
}

func scanAllocations(rows *sql.Rows) ([]Allocation, error) {
	var allocations []Allocation

	for rows.Next() {
		var a Allocation
		var allocatedAt, expiresAt string
		var releasedAt sql.NullString

		if err := rows.Scan(
			&a.ID,
			&a.ExecutionID,
			&a.ResourceType,
			&a.ResourceName,
			&a.Quantity,
			&a.Status,
			&allocatedAt,
			&releasedAt,
			&expiresAt,
		); err != nil {
			return nil, fmt.Errorf("scanning allocation: %w", err)
		}

		t, err := time.Parse(time.RFC3339, allocatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing allocated_at: %w", err)
		}
		a.AllocatedAt = t

		t, err = time.Parse(time.RFC3339, expiresAt)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		a.ExpiresAt = t

		if releasedAt.Valid {
			t, err := time.Parse(time.RFC3339, releasedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing released_at: %w", err)
			}
			a.ReleasedAt = &t
		}

		allocations = append(allocations, a)
	}

	return allocations, rows.Err()
}

func (s *Store) InsertUsage(ctx context.Context, u *UsageRecord) error {
	query := `
		INSERT INTO resource_usage (
			id, execution_id, resource_name, quantity, cost_usd, period_key, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		u.ID,
		u.ExecutionID,
		u.ResourceName,
		u.Quantity,
		u.CostUSD,
		u.PeriodKey,
		u.RecordedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting usage record: %w", err)
	}

	return nil
}

// UsageInPeriod sums usage quantity for a resource within a period.
func (s *Store) UsageInPeriod(ctx context.Context, resourceName, periodKey string) (float64, error) {
	query := `
		SELECT COALESCE(SUM(quantity), 0)
		FROM resource_usage
		WHERE resource_name = ? AND period_key = ?
	`

	var total float64
	if err := s.db.QueryRowContext(ctx, query, resourceName, periodKey).Scan(&total); err != nil {
		return 0, fmt.Errorf("summing usage: %w", err)
	}

	return total, nil
}
