package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrStageNotFound is returned for unknown stage ids.
var ErrStageNotFound = errors.New("stage not found")

// CreateStages materializes the stage records for an execution plan.
func (s *Store) CreateStages(ctx context.Context, stages []*StageExecution) error {
	if len(stages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO stage_executions (
			id, execution_id, worker_name, action, stage_order, status,
			input_ref, output_ref, summary, cost_usd, time_ms, retry_count,
			started_at, completed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, '', '', '', 0, 0, 0, NULL, NULL, ?, ?)
	`

	now := time.Now().UTC()
	for _, stage := range stages {
		stage.CreatedAt = now
		stage.UpdatedAt = now
		if stage.Status == "" {
			stage.Status = StagePending
		}

		if _, err := tx.ExecContext(ctx, query,
			stage.ID,
			stage.ExecutionID,
			stage.WorkerName,
			stage.Action,
			stage.StageOrder,
			stage.Status,
			now.Format(time.RFC3339),
			now.Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("inserting stage %s: %w", stage.ID, err)
		}
	}

	return tx.Commit()
}

// GetStages returns an execution's stages in stage order.
func (s *Store) GetStages(ctx context.Context, executionID string) ([]*StageExecution, error) {
	query := `
		SELECT id, execution_id, worker_name, action, stage_order, status,
		       input_ref, output_ref, summary, cost_usd, time_ms, retry_count,
		       started_at, completed_at, created_at, updated_at
		FROM stage_executions
		WHERE execution_id = ?
		ORDER BY stage_order ASC, created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("querying stages: %w", err)
	}
	defer rows.Close()

	var stages []*StageExecution
	for rows.Next() {
		var stage StageExecution
		var startedAt, completedAt sql.NullString
		var createdAt, updatedAt string

		if err := rows.Scan(
			&stage.ID,
			&stage.ExecutionID,
			&stage.WorkerName,
			&stage.Action,
			&stage.StageOrder,
			&stage.Status,
			&stage.InputRef,
			&stage.OutputRef,
			&stage.Summary,
			&stage.CostUSD,
			&stage.TimeMs,
			&stage.RetryCount,
			&startedAt,
			&completedAt,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning stage: %w", err)
		}

		if stage.StartedAt, err = parseNullTime(startedAt); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if stage.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		if stage.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if stage.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}

		stages = append(stages, &stage)
	}

	return stages, rows.Err()
}

// TransitionStage moves a stage between states with the same
// compare-and-set guarantee as execution transitions.
func (s *Store) TransitionStage(ctx context.Context, stageID string, from []StageStatus, to StageStatus) error {
	placeholders := make([]string, len(from))
	now := time.Now().UTC().Format(time.RFC3339)
	args := []any{to, now}
	extra := ""

	if to == StageRunning {
		extra = ", started_at = ?"
		args = append(args, now)
	} else if to.Terminal() {
		extra = ", completed_at = ?"
		args = append(args, now)
	}

	args = append(args, stageID)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}

	query := fmt.Sprintf(`
		UPDATE stage_executions
		SET status = ?, updated_at = ?%s
		WHERE id = ? AND status IN (%s)
	`, extra, strings.Join(placeholders, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transitioning stage status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}

	return nil
}

// CompleteStage records a successful stage: output reference, summary
// and accumulated cost/time, and flips the status to completed.
func (s *Store) CompleteStage(ctx context.Context, stageID, outputRef, summary string, costUSD float64, timeMs int64, retries int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		UPDATE stage_executions
		SET status = ?, output_ref = ?, summary = ?, cost_usd = ?, time_ms = ?,
		    retry_count = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		StageCompleted, outputRef, summary, costUSD, timeMs, retries,
		now, now, stageID, StagePending, StageRunning,
	)
	if err != nil {
		return fmt.Errorf("completing stage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}

	return nil
}

// FailStage records a failed stage with its final retry count.
func (s *Store) FailStage(ctx context.Context, stageID string, retries int) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		UPDATE stage_executions
		SET status = ?, retry_count = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		StageFailed, retries, now, now, stageID, StagePending, StageRunning,
	)
	if err != nil {
		return fmt.Errorf("failing stage: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrConflict
	}

	return nil
}

// SetStageInput stores the input data reference for a stage.
func (s *Store) SetStageInput(ctx context.Context, stageID, inputRef string) error {
	query := `UPDATE stage_executions SET input_ref = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, inputRef, time.Now().UTC().Format(time.RFC3339), stageID)
	if err != nil {
		return fmt.Errorf("setting stage input: %w", err)
	}
	return nil
}

// SkipRemainingStages marks every pending or running stage of an
// execution as skipped. Used on cancellation and early pipeline exit.
func (s *Store) SkipRemainingStages(ctx context.Context, executionID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		UPDATE stage_executions
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE execution_id = ? AND status IN (?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		StageSkipped, now, now, executionID, StagePending, StageRunning,
	)
	if err != nil {
		return fmt.Errorf("skipping remaining stages: %w", err)
	}
	return nil
}
