// Package dispatch implements the handshake protocol between the
// orchestrator and worker endpoints.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/forgefab/conductor/internal/config"
	"github.com/forgefab/conductor/internal/execution"
	"github.com/forgefab/conductor/internal/handshake"
	"github.com/forgefab/conductor/internal/metrics"
	"github.com/forgefab/conductor/internal/refstore"
	"github.com/forgefab/conductor/internal/template"
)

var (
	ErrUnknownWorker     = errors.New("unknown worker")
	ErrWorkerUnavailable = errors.New("worker unavailable")
	ErrMalformedSummary  = errors.New("malformed worker summary")
)

// Outcome is the result of one stage dispatch.
type Outcome struct {
	Status           execution.StageStatus
	Summary          *handshake.StageSummary
	OutputRef        *refstore.DataRef
	ResourceUsage    []handshake.ResourceUsage
	CostUSD          float64
	TimeMs           int64
	Attempts         int
	ContinuePipeline bool
	Err              error
}

// Coordinator dispatches handshake packets to workers and interprets
// their summaries.
type Coordinator struct {
	workers    map[string]config.WorkerConfig
	refs       *refstore.Store
	handshakes *handshake.Service
	skip       *SkipEvaluator
	httpClient *http.Client
	defaults   config.DispatchConfig
}

// NewCoordinator creates a worker coordinator.
func NewCoordinator(workers map[string]config.WorkerConfig, refs *refstore.Store, handshakes *handshake.Service, defaults config.DispatchConfig) (*Coordinator, error) {
	skip, err := NewSkipEvaluator()
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		workers:    workers,
		refs:       refs,
		handshakes: handshakes,
		skip:       skip,
		httpClient: &http.Client{},
		defaults:   defaults,
	}, nil
}

// ShouldSkip evaluates a stage's skip condition against the previous
// stage's summary and the execution parameters.
func (c *Coordinator) ShouldSkip(stage *template.PlanStage, prevSummary *handshake.StageSummary, params map[string]any) (bool, error) {
	if stage.SkipIf == "" {
		return false, nil
	}

	summaryMap := map[string]any{}
	if prevSummary != nil {
		data, err := json.Marshal(prevSummary)
		if err == nil {
			_ = json.Unmarshal(data, &summaryMap)
		}
	}

	return c.skip.ShouldSkip(stage.SkipIf, summaryMap, params)
}

// Dispatch runs the handshake protocol for one stage: build the packet,
// POST it to the worker, retry per the stage's policy, and interpret
// the summary. The returned outcome is terminal for the stage.
func (c *Coordinator) Dispatch(ctx context.Context, exec *execution.Execution, stage *execution.StageExecution, planStage *template.PlanStage, input *refstore.DataRef) (*Outcome, error) {
	worker, ok := c.workers[planStage.Worker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, planStage.Worker)
	}

	timeout := planStage.Timeout
	if timeout <= 0 {
		timeout = c.defaults.DefaultTimeout
	}

	maxAttempts, backoffKind, baseDelay := c.retryPolicy(planStage)

	packet := &handshake.Packet{
		PacketID:    uuid.New().String(),
		ExecutionID: exec.ID,
		StageID:     stage.ID,
		StageOrder:  stage.StageOrder,
		Timestamp:   time.Now().UTC(),
		Control: handshake.ControlBlock{
			Action:     planStage.Action,
			Priority:   string(exec.Priority),
			Checkpoint: true,
			TimeoutMs:  timeout.Milliseconds(),
			MaxRetries: maxAttempts,
		},
		DataRef: input,
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		packet.Control.Attempt = attempt
		if err := c.handshakes.Stash(ctx, packet); err != nil {
			log.Warn().
				Err(err).
				Str("packet_id", packet.PacketID).
				Msg("Failed to persist handshake packet")
		}

		start := time.Now()
		outcome, err := c.attempt(ctx, worker, packet, timeout)
		elapsed := time.Since(start)

		if err == nil {
			outcome.Attempts = attempt
			metrics.RecordStageDispatch(planStage.Worker, "completed", elapsed)
			return outcome, nil
		}

		lastErr = err
		metrics.RecordStageDispatch(planStage.Worker, "error", elapsed)

		log.Warn().
			Err(err).
			Str("execution_id", exec.ID).
			Str("stage_id", stage.ID).
			Str("worker", planStage.Worker).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("Stage dispatch attempt failed")

		if attempt < maxAttempts {
			delay := backoffDelay(backoffKind, baseDelay, attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return &Outcome{
		Status:   execution.StageFailed,
		Attempts: maxAttempts,
		Err:      fmt.Errorf("%w: %s: %w", ErrWorkerUnavailable, planStage.Worker, lastErr),
	}, nil
}

func (c *Coordinator) retryPolicy(planStage *template.PlanStage) (int, template.BackoffKind, time.Duration) {
	maxAttempts := c.defaults.DefaultMaxAttempts
	backoffKind := template.BackoffExponential
	baseDelay := c.defaults.DefaultBackoff

	if planStage.Retry != nil {
		if planStage.Retry.MaxAttempts > 0 {
			maxAttempts = planStage.Retry.MaxAttempts
		}
		if planStage.Retry.Backoff != "" {
			backoffKind = planStage.Retry.Backoff
		}
		if planStage.Retry.BaseDelay > 0 {
			baseDelay = planStage.Retry.BaseDelay
		}
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = config.DefaultBackoff
	}

	return maxAttempts, backoffKind, baseDelay
}

// attempt performs a single dispatch round trip.
func (c *Coordinator) attempt(ctx context.Context, worker config.WorkerConfig, packet *handshake.Packet, timeout time.Duration) (*Outcome, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(packet)
	if err != nil {
		return nil, fmt.Errorf("marshaling packet: %w", err)
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, worker.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Packet-ID", packet.PacketID)
	req.Header.Set("X-Execution-ID", packet.ExecutionID)
	if worker.Token != "" {
		req.Header.Set("Authorization", "Bearer "+worker.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting packet: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("worker returned HTTP %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var workerResp handshake.WorkerResponse
	if err := json.Unmarshal(respBody, &workerResp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSummary, err)
	}

	// A partial or garbled summary is a failure, not a success with
	// missing data.
	if !workerResp.Success {
		return nil, fmt.Errorf("worker reported failure: %s", workerResp.Error)
	}
	if workerResp.Summary == nil {
		return nil, fmt.Errorf("%w: missing summary", ErrMalformedSummary)
	}

	var outputRef *refstore.DataRef
	if workerResp.Output != nil {
		outputBytes, err := json.Marshal(workerResp.Output)
		if err != nil {
			return nil, fmt.Errorf("marshaling worker output: %w", err)
		}
		outputRef, err = c.refs.Wrap(ctx, outputBytes, "application/json")
		if err != nil {
			return nil, fmt.Errorf("storing worker output: %w", err)
		}
	}

	usage := workerResp.ResourceUsage
	if len(usage) == 0 && workerResp.Summary != nil {
		usage = workerResp.Summary.ResourceUsage
	}

	var cost float64
	for _, u := range usage {
		cost += u.CostUSD
	}

	timeMs := workerResp.Summary.ProcessingTimeMs

	return &Outcome{
		Status:           execution.StageCompleted,
		Summary:          workerResp.Summary,
		OutputRef:        outputRef,
		ResourceUsage:    usage,
		CostUSD:          cost,
		TimeMs:           timeMs,
		ContinuePipeline: workerResp.Summary.ContinuePipeline,
	}, nil
}

// backoffDelay computes the wait before the next attempt.
func backoffDelay(kind template.BackoffKind, base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}

	switch kind {
	case template.BackoffLinear:
		return base * time.Duration(attempt)
	default:
		return base * time.Duration(1<<(attempt-1))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
