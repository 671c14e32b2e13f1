// Package execution persists executions, stage records, checkpoints and
// events. It is the source of truth after any crash; status transitions
// are guarded by compare-and-set so two concurrent writers cannot both
// win the same transition.
package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgefab/conductor/internal/database"
)

var (
	ErrNotFound = errors.New("execution not found")
	// ErrConflict is returned when a compare-and-set transition loses:
	// the record is not in any of the expected states.
	ErrConflict = errors.New("conflicting status transition")
)

// Store handles database operations for executions and their stages.
type Store struct {
	db *database.DB
}

// NewStore creates a new execution store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new execution in pending state.
func (s *Store) Create(ctx context.Context, e *Execution) error {
	query := `
		INSERT INTO executions (
			id, request_id, client_id, template_name, parameters,
			status, priority, retry_count, retried_from,
			started_at, completed_at, total_cost_usd, total_time_ms,
			error_message, checkpoint, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, 0, 0, '', '', ?, ?)
	`

	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.Priority == "" {
		e.Priority = PriorityNormal
	}

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.RequestID,
		e.ClientID,
		e.TemplateName,
		e.Parameters,
		e.Status,
		e.Priority,
		e.RetryCount,
		nullString(e.RetriedFrom),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	return nil
}

// Get retrieves an execution by ID.
func (s *Store) Get(ctx context.Context, id string) (*Execution, error) {
	return s.getWhere(ctx, "id = ?", id)
}

// GetByRequestID retrieves an execution by its client idempotency key.
func (s *Store) GetByRequestID(ctx context.Context, clientID, requestID string) (*Execution, error) {
	return s.getWhere(ctx, "client_id = ? AND request_id = ?", clientID, requestID)
}

func (s *Store) getWhere(ctx context.Context, where string, args ...any) (*Execution, error) {
	query := `
		SELECT id, request_id, client_id, template_name, parameters,
		       status, priority, retry_count, retried_from,
		       started_at, completed_at, total_cost_usd, total_time_ms,
		       error_message, checkpoint, created_at, updated_at
		FROM executions
		WHERE ` + where

	var e Execution
	var retriedFrom, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&e.ID,
		&e.RequestID,
		&e.ClientID,
		&e.TemplateName,
		&e.Parameters,
		&e.Status,
		&e.Priority,
		&e.RetryCount,
		&retriedFrom,
		&startedAt,
		&completedAt,
		&e.TotalCostUSD,
		&e.TotalTimeMs,
		&e.ErrorMessage,
		&e.Checkpoint,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying execution: %w", err)
	}

	e.RetriedFrom = retriedFrom.String
	if e.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &e, nil
}

// TransitionStatus moves an execution from one of the expected states to
// the next state. Returns ErrConflict when the current status is not in
// the expected set.
func (s *Store) TransitionStatus(ctx context.Context, id string, from []Status, to Status) error {
	placeholders := make([]string, len(from))
	args := []any{to, time.Now().UTC().Format(time.RFC3339)}
	extra := ""

	now := time.Now().UTC().Format(time.RFC3339)
	if to == StatusRunning {
		extra = ", started_at = ?"
		args = append(args, now)
	} else if to.Terminal() {
		extra = ", completed_at = ?"
		args = append(args, now)
	}

	args = append(args, id)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}

	query := fmt.Sprintf(`
		UPDATE executions
		SET status = ?, updated_at = ?%s
		WHERE id = ? AND status IN (%s)
	`, extra, strings.Join(placeholders, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transitioning execution status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConflict
	}

	return nil
}

// SetError records the causing error on an execution.
func (s *Store) SetError(ctx context.Context, id, message string) error {
	query := `UPDATE executions SET error_message = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, message, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("setting execution error: %w", err)
	}
	return nil
}

// Accumulate adds stage cost and time to the execution totals. Totals
// are monotonically non-decreasing while running.
func (s *Store) Accumulate(ctx context.Context, id string, costUSD float64, timeMs int64) error {
	if costUSD < 0 || timeMs < 0 {
		return fmt.Errorf("negative accumulation for execution %s", id)
	}

	query := `
		UPDATE executions
		SET total_cost_usd = total_cost_usd + ?,
		    total_time_ms = total_time_ms + ?,
		    updated_at = ?
		WHERE id = ?
	`
	_, err := s.db.ExecContext(ctx, query, costUSD, timeMs, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("accumulating execution totals: %w", err)
	}
	return nil
}

// SaveCheckpoint persists the resume point after a completed stage.
func (s *Store) SaveCheckpoint(ctx context.Context, id string, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}

	query := `UPDATE executions SET checkpoint = ?, updated_at = ? WHERE id = ?`
	_, err = s.db.ExecContext(ctx, query, string(data), cp.UpdatedAt.Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// ListByClient returns a client's executions, newest first.
func (s *Store) ListByClient(ctx context.Context, clientID string, limit int) ([]*Execution, error) {
	query := `
		SELECT id FROM executions
		WHERE client_id = ?
		ORDER BY created_at DESC
	`
	args := []any{clientID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning execution id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}

	executions := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, nil
}

// ListByStatus returns every execution in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM executions WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("querying executions by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning execution id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}

	executions := make([]*Execution, 0, len(ids))
	for _, id := range ids {
		e, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, nil
}

// CountByStatus returns how many executions are in the given status.
func (s *Store) CountByStatus(ctx context.Context, status Status) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE status = ?`, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting executions: %w", err)
	}
	return count, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
