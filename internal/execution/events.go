package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types recorded on the execution audit trail.
const (
	EventQueued         = "queued"
	EventAdmitted       = "admitted"
	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventStageSkipped   = "stage_skipped"
	EventCheckpoint     = "checkpoint"
	EventCompleted      = "completed"
	EventFailed         = "failed"
	EventCancelled      = "cancelled"
	EventRetried        = "retried"
)

// AppendEvent records one audit event for an execution.
func (s *Store) AppendEvent(ctx context.Context, executionID, eventType, message string, metadata map[string]any) error {
	meta := "{}"
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshaling event metadata: %w", err)
		}
		meta = string(data)
	}

	query := `
		INSERT INTO execution_events (id, execution_id, event_type, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		uuid.New().String(),
		executionID,
		eventType,
		message,
		meta,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	return nil
}

// RecentEvents returns the newest events for an execution.
func (s *Store) RecentEvents(ctx context.Context, executionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, execution_id, event_type, message, metadata, created_at
		FROM execution_events
		WHERE execution_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, executionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.EventType, &e.Message, &e.Metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// AddCostRow appends one line to the execution's cost breakdown.
func (s *Store) AddCostRow(ctx context.Context, row *CostRow) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	row.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO cost_breakdown (id, execution_id, stage_id, resource_name, quantity, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		row.ID,
		row.ExecutionID,
		row.StageID,
		row.ResourceName,
		row.Quantity,
		row.CostUSD,
		row.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting cost row: %w", err)
	}

	return nil
}

// CostBreakdown returns every cost line for an execution.
func (s *Store) CostBreakdown(ctx context.Context, executionID string) ([]CostRow, error) {
	query := `
		SELECT id, execution_id, stage_id, resource_name, quantity, cost_usd, created_at
		FROM cost_breakdown
		WHERE execution_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("querying cost breakdown: %w", err)
	}
	defer rows.Close()

	var costRows []CostRow
	for rows.Next() {
		var row CostRow
		var createdAt string
		if err := rows.Scan(&row.ID, &row.ExecutionID, &row.StageID, &row.ResourceName, &row.Quantity, &row.CostUSD, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning cost row: %w", err)
		}
		if row.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		costRows = append(costRows, row)
	}

	return costRows, rows.Err()
}
