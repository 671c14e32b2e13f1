// Package orchestrator drives admitted executions through their
// pipeline stages: skip evaluation, dispatch, checkpointing, cost
// accounting and finalization.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/forgefab/conductor/internal/dispatch"
	"github.com/forgefab/conductor/internal/execution"
	"github.com/forgefab/conductor/internal/metrics"
	"github.com/forgefab/conductor/internal/queue"
	"github.com/forgefab/conductor/internal/refstore"
	"github.com/forgefab/conductor/internal/resource"
	"github.com/forgefab/conductor/internal/template"
)

var (
	ErrNotCancellable = errors.New("execution is not cancellable")
	ErrNotRetryable   = errors.New("execution is not retryable")
	ErrInvalidRequest = errors.New("invalid execution request")
)

// allocationPoll bounds how long the orchestrator sleeps between
// allocation attempts for a resource-starved tier.
const allocationPoll = 2 * time.Second

// SubmitRequest is a client request to start a pipeline.
type SubmitRequest struct {
	ClientID     string
	RequestID    string
	TemplateName string
	Priority     execution.Priority
	Parameters   map[string]any
}

// Orchestrator owns the lifecycle of executions from submission to a
// terminal state. One goroutine runs per admitted execution.
type Orchestrator struct {
	store    *execution.Store
	ledger   *resource.Ledger
	registry *template.Registry
	coord    *dispatch.Coordinator
	refs     *refstore.Store
	tracker  *execution.Tracker
	queue    *queue.Manager

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator. The queue manager is attached afterwards
// with SetQueue because the queue's admit callback points back here.
func New(store *execution.Store, ledger *resource.Ledger, registry *template.Registry, coord *dispatch.Coordinator, refs *refstore.Store, tracker *execution.Tracker) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    store,
		ledger:   ledger,
		registry: registry,
		coord:    coord,
		refs:     refs,
		tracker:  tracker,
		cancels:  make(map[string]context.CancelFunc),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// SetQueue attaches the admission queue.
func (o *Orchestrator) SetQueue(q *queue.Manager) {
	o.queue = q
}

// Submit validates a request, records the execution and enqueues it.
// A repeated request_id from the same client returns the existing
// execution instead of creating a duplicate; created reports which.
func (o *Orchestrator) Submit(ctx context.Context, req *SubmitRequest) (exec *execution.Execution, created bool, err error) {
	if req.TemplateName == "" {
		return nil, false, fmt.Errorf("%w: template name is required", ErrInvalidRequest)
	}
	if req.Priority == "" {
		req.Priority = execution.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, false, fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, req.Priority)
	}

	if req.RequestID != "" {
		existing, err := o.store.GetByRequestID(ctx, req.ClientID, req.RequestID)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, execution.ErrNotFound) {
			return nil, false, err
		}
	}

	plan, err := o.registry.Resolve(req.TemplateName)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return nil, false, fmt.Errorf("%w: parameters not serializable: %v", ErrInvalidRequest, err)
	}

	exec = &execution.Execution{
		ID:           uuid.New().String(),
		RequestID:    req.RequestID,
		ClientID:     req.ClientID,
		TemplateName: req.TemplateName,
		Parameters:   string(params),
		Status:       execution.StatusPending,
		Priority:     req.Priority,
	}

	if err := o.store.Create(ctx, exec); err != nil {
		return nil, false, err
	}
	if err := o.store.CreateStages(ctx, stageRecords(exec.ID, plan)); err != nil {
		return nil, false, err
	}
	if err := o.queue.Enqueue(ctx, exec.ID, exec.Priority); err != nil {
		return nil, false, err
	}

	_ = o.store.AppendEvent(ctx, exec.ID, execution.EventQueued, "execution queued", map[string]any{
		"template": exec.TemplateName,
		"priority": string(exec.Priority),
	})

	log.Info().
		Str("execution_id", exec.ID).
		Str("client_id", exec.ClientID).
		Str("template", exec.TemplateName).
		Str("priority", string(exec.Priority)).
		Msg("Execution submitted")

	return exec, true, nil
}

func stageRecords(executionID string, plan *template.ExecutionPlan) []*execution.StageExecution {
	records := make([]*execution.StageExecution, 0, len(plan.Stages))
	for i := range plan.Stages {
		st := &plan.Stages[i]
		records = append(records, &execution.StageExecution{
			ID:          uuid.New().String(),
			ExecutionID: executionID,
			WorkerName:  st.Worker,
			Action:      st.Action,
			StageOrder:  st.StageOrder,
			Status:      execution.StagePending,
		})
	}
	return records
}

// Admit is the queue's admission callback: the execution is already
// running with its first-tier resources allocated.
func (o *Orchestrator) Admit(_ context.Context, exec *execution.Execution, plan *template.ExecutionPlan, set *resource.AllocationSet) {
	o.launch(exec, plan, set)
}

func (o *Orchestrator) launch(exec *execution.Execution, plan *template.ExecutionPlan, firstTier *resource.AllocationSet) {
	runCtx, cancel := context.WithCancel(o.baseCtx)

	o.mu.Lock()
	o.cancels[exec.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, exec.ID)
			o.mu.Unlock()
			cancel()
		}()
		o.run(runCtx, exec, plan, firstTier)
	}()
}

// Recover resumes executions that were running when the process died.
// Their recovered allocations are released and reacquired tier by tier
// as the run proceeds from the checkpoint.
func (o *Orchestrator) Recover(ctx context.Context) error {
	running, err := o.store.ListByStatus(ctx, execution.StatusRunning)
	if err != nil {
		return err
	}

	for _, exec := range running {
		plan, err := o.registry.Resolve(exec.TemplateName)
		if err != nil {
			log.Error().Err(err).Str("execution_id", exec.ID).Msg("Cannot resume execution, template unresolvable")
			o.failExecution(ctx, exec, fmt.Sprintf("resume failed: %v", err))
			continue
		}

		if err := o.ledger.ReleaseExecution(ctx, exec.ID); err != nil {
			return err
		}

		log.Info().Str("execution_id", exec.ID).Str("template", exec.TemplateName).Msg("Resuming execution from checkpoint")
		o.launch(exec, plan, nil)
	}

	if len(running) > 0 {
		log.Info().Int("count", len(running)).Msg("In-flight executions resumed")
	}
	return nil
}

// Stop cancels in-flight pipelines and waits for their goroutines.
// Interrupted executions stay running in the store and resume on the
// next start.
func (o *Orchestrator) Stop() {
	o.stop()
	o.wg.Wait()
}

// run drives one execution through its plan tiers.
func (o *Orchestrator) run(ctx context.Context, exec *execution.Execution, plan *template.ExecutionPlan, firstTier *resource.AllocationSet) {
	stages, err := o.store.GetStages(ctx, exec.ID)
	if err != nil {
		o.failExecution(ctx, exec, fmt.Sprintf("loading stages: %v", err))
		return
	}

	state, err := newRunState(exec, plan, stages)
	if err != nil {
		o.failExecution(ctx, exec, err.Error())
		return
	}

	for tierIdx, tier := range plan.Tiers {
		if state.tierDone(tier) {
			continue
		}
		if err := ctx.Err(); err != nil {
			o.onInterrupted(exec)
			return
		}

		set := firstTier
		if tierIdx > 0 || set == nil {
			set, err = o.allocateTier(ctx, exec.ID, tierRequirements(tier))
			if err != nil {
				if ctx.Err() != nil {
					o.onInterrupted(exec)
					return
				}
				o.releaseAndFail(ctx, exec, fmt.Sprintf("allocating tier %d resources: %v", tierIdx+1, err))
				return
			}
		}
		firstTier = nil

		ok := o.runTier(ctx, exec, state, tier)

		if err := o.ledger.Release(ctx, set); err != nil {
			log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to release tier allocations")
		}

		if ctx.Err() != nil {
			o.onInterrupted(exec)
			return
		}
		if !ok {
			o.releaseAndFail(ctx, exec, state.failure)
			return
		}

		o.checkpoint(ctx, exec, state)

		if state.earlyExit {
			if err := o.store.SkipRemainingStages(ctx, exec.ID); err != nil {
				log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to skip remaining stages")
			}
			break
		}
	}

	o.finalizeCompleted(ctx, exec, state)
}

// runTier dispatches the stages of one tier, concurrently when the tier
// has more than one stage. Returns false when a required stage failed.
func (o *Orchestrator) runTier(ctx context.Context, exec *execution.Execution, state *runState, tier []*template.PlanStage) bool {
	pending := make([]*template.PlanStage, 0, len(tier))
	for _, ps := range tier {
		if !state.stageDone(ps) {
			pending = append(pending, ps)
		}
	}
	if len(pending) == 0 {
		return true
	}

	if len(pending) == 1 {
		return o.runStage(ctx, exec, state, pending[0])
	}

	var wg sync.WaitGroup
	results := make([]bool, len(pending))
	for i, ps := range pending {
		wg.Add(1)
		go func(i int, ps *template.PlanStage) {
			defer wg.Done()
			results[i] = o.runStage(ctx, exec, state, ps)
		}(i, ps)
	}
	wg.Wait()

	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

// runStage executes a single stage end to end: skip evaluation,
// dispatch with retries, persistence of the result.
func (o *Orchestrator) runStage(ctx context.Context, exec *execution.Execution, state *runState, ps *template.PlanStage) bool {
	record := state.record(ps)
	if record == nil {
		state.fail(fmt.Sprintf("no stage record for %q", ps.Name))
		return false
	}

	if err := ctx.Err(); err != nil {
		return false
	}

	skip, err := o.coord.ShouldSkip(ps, state.prevSummary(), state.params)
	if err != nil {
		log.Warn().Err(err).
			Str("execution_id", exec.ID).
			Str("stage", ps.Name).
			Msg("Skip condition evaluation failed, running stage")
	}
	if skip {
		if err := o.store.TransitionStage(ctx, record.ID,
			[]execution.StageStatus{execution.StagePending}, execution.StageSkipped); err != nil {
			log.Error().Err(err).Str("stage_id", record.ID).Msg("Failed to mark stage skipped")
		}
		_ = o.store.AppendEvent(ctx, exec.ID, execution.EventStageSkipped, ps.Name, map[string]any{
			"condition": ps.SkipIf,
		})
		state.completeStage(record.ID, ps, nil, 0, 0)
		o.tracker.Invalidate(exec.ID)

		log.Info().Str("execution_id", exec.ID).Str("stage", ps.Name).Msg("Stage skipped")
		return true
	}

	if err := o.store.TransitionStage(ctx, record.ID,
		[]execution.StageStatus{execution.StagePending}, execution.StageRunning); err != nil {
		if errors.Is(err, execution.ErrConflict) {
			// Already terminal, e.g. completed before a restart.
			return true
		}
		state.fail(fmt.Sprintf("starting stage %q: %v", ps.Name, err))
		return false
	}

	_ = o.store.AppendEvent(ctx, exec.ID, execution.EventStageStarted, ps.Name, map[string]any{
		"worker": ps.Worker,
		"action": ps.Action,
	})
	o.tracker.Invalidate(exec.ID)

	inputRef, err := o.refs.Wrap(ctx, state.stageInput(ps), "application/json")
	if err != nil {
		state.fail(fmt.Sprintf("preparing stage %q input: %v", ps.Name, err))
		o.markStageFailed(ctx, exec, record, ps, 0)
		return false
	}
	if refJSON, err := json.Marshal(inputRef); err == nil {
		_ = o.store.SetStageInput(ctx, record.ID, string(refJSON))
	}

	outcome, err := o.coord.Dispatch(ctx, exec, record, ps, inputRef)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled or shutting down; the late result is discarded.
			return false
		}
		state.fail(fmt.Sprintf("dispatching stage %q: %v", ps.Name, err))
		o.markStageFailed(ctx, exec, record, ps, 0)
		return false
	}

	if outcome.Status != execution.StageCompleted {
		o.markStageFailed(ctx, exec, record, ps, outcome.Attempts)
		if ps.Optional {
			log.Warn().
				Str("execution_id", exec.ID).
				Str("stage", ps.Name).
				Err(outcome.Err).
				Msg("Optional stage failed, continuing")
			return true
		}
		state.fail(fmt.Sprintf("stage %q failed: %v", ps.Name, outcome.Err))
		return false
	}

	return o.persistStageSuccess(ctx, exec, state, ps, record, outcome)
}

func (o *Orchestrator) persistStageSuccess(ctx context.Context, exec *execution.Execution, state *runState, ps *template.PlanStage, record *execution.StageExecution, outcome *dispatch.Outcome) bool {
	var outputJSON string
	if outcome.OutputRef != nil {
		if data, err := json.Marshal(outcome.OutputRef); err == nil {
			outputJSON = string(data)
		}
	}
	summaryJSON := "{}"
	if data, err := json.Marshal(outcome.Summary); err == nil {
		summaryJSON = string(data)
	}

	if err := o.store.CompleteStage(ctx, record.ID, outputJSON, summaryJSON,
		outcome.CostUSD, outcome.TimeMs, outcome.Attempts-1); err != nil {
		state.fail(fmt.Sprintf("recording stage %q result: %v", ps.Name, err))
		return false
	}

	if err := o.store.Accumulate(ctx, exec.ID, outcome.CostUSD, outcome.TimeMs); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to accumulate totals")
	}

	for _, usage := range outcome.ResourceUsage {
		_ = o.store.AddCostRow(ctx, &execution.CostRow{
			ExecutionID:  exec.ID,
			StageID:      record.ID,
			ResourceName: usage.ResourceName,
			Quantity:     usage.Quantity,
			CostUSD:      usage.CostUSD,
		})
		if err := o.ledger.RecordUsage(ctx, exec.ID, usage.ResourceName, usage.Quantity, usage.CostUSD); err != nil {
			log.Warn().Err(err).
				Str("execution_id", exec.ID).
				Str("resource", usage.ResourceName).
				Msg("Failed to record resource usage")
		}
	}

	metrics.RecordExecutionCost(exec.TemplateName, outcome.CostUSD)

	_ = o.store.AppendEvent(ctx, exec.ID, execution.EventStageCompleted, ps.Name, map[string]any{
		"cost_usd": outcome.CostUSD,
		"time_ms":  outcome.TimeMs,
		"attempts": outcome.Attempts,
	})

	state.completeStage(record.ID, ps, outcome.Summary, outcome.CostUSD, outcome.TimeMs)
	if outcome.OutputRef != nil {
		state.setOutput(ps, outcome.OutputRef)
	}
	if !outcome.ContinuePipeline {
		state.earlyExit = true
		log.Info().Str("execution_id", exec.ID).Str("stage", ps.Name).Msg("Worker requested early pipeline exit")
	}

	o.tracker.Invalidate(exec.ID)

	log.Info().
		Str("execution_id", exec.ID).
		Str("stage", ps.Name).
		Float64("cost_usd", outcome.CostUSD).
		Int64("time_ms", outcome.TimeMs).
		Msg("Stage completed")

	return true
}

func (o *Orchestrator) markStageFailed(ctx context.Context, exec *execution.Execution, record *execution.StageExecution, ps *template.PlanStage, attempts int) {
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	if err := o.store.FailStage(ctx, record.ID, retries); err != nil {
		log.Error().Err(err).Str("stage_id", record.ID).Msg("Failed to mark stage failed")
	}
	_ = o.store.AppendEvent(ctx, exec.ID, execution.EventStageFailed, ps.Name, map[string]any{
		"attempts": attempts,
	})
	o.tracker.Invalidate(exec.ID)
}

// allocateTier reserves a tier's resources, polling while capacity or
// quota is temporarily exhausted. Unsatisfiable requirements fail fast.
func (o *Orchestrator) allocateTier(ctx context.Context, executionID string, reqs []resource.Requirement) (*resource.AllocationSet, error) {
	if len(reqs) == 0 {
		return &resource.AllocationSet{ExecutionID: executionID}, nil
	}

	for {
		avail := o.ledger.CheckAvailability(reqs)
		switch avail.Status {
		case resource.StatusUnavailable:
			return nil, fmt.Errorf("resources unavailable: %s", avail.Detail)
		case resource.StatusAvailable:
			set, err := o.ledger.Allocate(ctx, executionID, reqs)
			if err == nil {
				return set, nil
			}
			if !errors.Is(err, resource.ErrResourceExhausted) {
				return nil, err
			}
			// Lost a race with another allocator; wait and retry.
		}

		wait := allocationPoll
		if avail.WaitEstimate > 0 && avail.WaitEstimate < wait {
			wait = avail.WaitEstimate
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// checkpoint persists the resume point after a completed tier.
func (o *Orchestrator) checkpoint(ctx context.Context, exec *execution.Execution, state *runState) {
	cp := state.checkpoint()
	if err := o.store.SaveCheckpoint(ctx, exec.ID, cp); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to save checkpoint")
		return
	}
	_ = o.store.AppendEvent(ctx, exec.ID, execution.EventCheckpoint,
		fmt.Sprintf("checkpoint after stage order %d", cp.StageOrder), map[string]any{
			"completed_stages": len(cp.CompletedStages),
		})
}

// Cancel stops an execution cooperatively. Pending executions leave the
// queue; running executions stop at the next stage boundary. Terminal
// executions cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	exec, err := o.store.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return fmt.Errorf("%w: already %s", ErrNotCancellable, exec.Status)
	}

	if err := o.store.TransitionStatus(ctx, executionID,
		[]execution.Status{execution.StatusPending, execution.StatusRunning},
		execution.StatusCancelled); err != nil {
		if errors.Is(err, execution.ErrConflict) {
			return fmt.Errorf("%w: execution reached a terminal state", ErrNotCancellable)
		}
		return err
	}

	if _, err := o.queue.Remove(ctx, executionID); err != nil {
		log.Error().Err(err).Str("execution_id", executionID).Msg("Failed to remove cancelled execution from queue")
	}

	o.mu.Lock()
	if cancel, ok := o.cancels[executionID]; ok {
		cancel()
	}
	o.mu.Unlock()

	if err := o.store.SkipRemainingStages(ctx, executionID); err != nil {
		log.Error().Err(err).Str("execution_id", executionID).Msg("Failed to skip stages on cancel")
	}
	if err := o.ledger.ReleaseExecution(ctx, executionID); err != nil {
		log.Error().Err(err).Str("execution_id", executionID).Msg("Failed to release resources on cancel")
	}

	_ = o.store.AppendEvent(ctx, executionID, execution.EventCancelled, "cancelled by client", nil)
	o.tracker.Invalidate(executionID)
	metrics.RecordExecution(exec.TemplateName, string(execution.StatusCancelled))
	o.refreshRunningGauge(ctx)

	log.Info().Str("execution_id", executionID).Msg("Execution cancelled")
	return nil
}

// Retry creates a fresh execution from a failed one. The original stays
// failed; its remaining allocations are released before the new
// execution enters the queue.
func (o *Orchestrator) Retry(ctx context.Context, executionID string) (*execution.Execution, error) {
	original, err := o.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if original.Status != execution.StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, original.Status)
	}

	if err := o.ledger.ReleaseExecution(ctx, executionID); err != nil {
		return nil, fmt.Errorf("releasing original allocations: %w", err)
	}

	plan, err := o.registry.Resolve(original.TemplateName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	retryID := uuid.New().String()
	retry := &execution.Execution{
		ID:           retryID,
		RequestID:    retryRequestID(original, retryID),
		ClientID:     original.ClientID,
		TemplateName: original.TemplateName,
		Parameters:   original.Parameters,
		Status:       execution.StatusPending,
		Priority:     original.Priority,
		RetryCount:   original.RetryCount + 1,
		RetriedFrom:  original.ID,
	}

	if err := o.store.Create(ctx, retry); err != nil {
		return nil, err
	}
	if err := o.store.CreateStages(ctx, stageRecords(retry.ID, plan)); err != nil {
		return nil, err
	}
	if err := o.queue.Enqueue(ctx, retry.ID, retry.Priority); err != nil {
		return nil, err
	}

	_ = o.store.AppendEvent(ctx, original.ID, execution.EventRetried, "retried as new execution", map[string]any{
		"retry_execution_id": retry.ID,
	})
	_ = o.store.AppendEvent(ctx, retry.ID, execution.EventQueued, "retry of failed execution", map[string]any{
		"retried_from": original.ID,
		"retry_count":  retry.RetryCount,
	})

	log.Info().
		Str("execution_id", retry.ID).
		Str("retried_from", original.ID).
		Int("retry_count", retry.RetryCount).
		Msg("Execution retried")

	return retry, nil
}

// retryRequestID derives a fresh idempotency key for a retry. Keyless
// originals stay keyless; keyed ones get a suffix unique to the retry
// row, so the same failed execution can be retried more than once.
func retryRequestID(original *execution.Execution, retryID string) string {
	if original.RequestID == "" {
		return ""
	}
	return original.RequestID + ":retry-" + retryID[:8]
}

// finalizeCompleted closes out a pipeline whose stages all finished.
// The compare-and-set loses if a concurrent cancel won; in that case
// the cancel path already cleaned up.
func (o *Orchestrator) finalizeCompleted(ctx context.Context, exec *execution.Execution, state *runState) {
	if err := o.store.TransitionStatus(ctx, exec.ID,
		[]execution.Status{execution.StatusRunning}, execution.StatusCompleted); err != nil {
		if errors.Is(err, execution.ErrConflict) {
			log.Debug().Str("execution_id", exec.ID).Msg("Completion lost to concurrent transition")
			return
		}
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to complete execution")
		return
	}

	if err := o.ledger.ReleaseExecution(ctx, exec.ID); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to release resources on completion")
	}

	message := "pipeline completed"
	if state.earlyExit {
		message = "pipeline completed early at worker request"
	}
	_ = o.store.AppendEvent(ctx, exec.ID, execution.EventCompleted, message, map[string]any{
		"total_cost_usd": state.totalCostUSD,
		"total_time_ms":  state.totalTimeMs,
	})

	o.tracker.Invalidate(exec.ID)
	metrics.RecordExecution(exec.TemplateName, string(execution.StatusCompleted))
	o.refreshRunningGauge(ctx)

	log.Info().
		Str("execution_id", exec.ID).
		Str("template", exec.TemplateName).
		Float64("total_cost_usd", state.totalCostUSD).
		Int64("total_time_ms", state.totalTimeMs).
		Msg("Execution completed")
}

func (o *Orchestrator) releaseAndFail(ctx context.Context, exec *execution.Execution, message string) {
	if err := o.ledger.ReleaseExecution(ctx, exec.ID); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to release resources on failure")
	}
	if err := o.store.SkipRemainingStages(ctx, exec.ID); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to skip stages on failure")
	}
	o.failExecution(ctx, exec, message)
}

func (o *Orchestrator) failExecution(ctx context.Context, exec *execution.Execution, message string) {
	if err := o.store.TransitionStatus(ctx, exec.ID,
		[]execution.Status{execution.StatusPending, execution.StatusRunning},
		execution.StatusFailed); err != nil {
		if !errors.Is(err, execution.ErrConflict) {
			log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to fail execution")
		}
		return
	}

	_ = o.store.SetError(ctx, exec.ID, message)
	_ = o.store.AppendEvent(ctx, exec.ID, execution.EventFailed, message, nil)
	o.tracker.Invalidate(exec.ID)
	metrics.RecordExecution(exec.TemplateName, string(execution.StatusFailed))
	o.refreshRunningGauge(ctx)

	log.Warn().Str("execution_id", exec.ID).Str("error", message).Msg("Execution failed")
}

// onInterrupted handles a run loop that stopped because its context was
// cancelled: either a client cancel (already finalized) or a process
// shutdown (the execution resumes from its checkpoint on restart).
func (o *Orchestrator) onInterrupted(exec *execution.Execution) {
	current, err := o.store.Get(context.Background(), exec.ID)
	if err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to read interrupted execution")
		return
	}
	if current.Status == execution.StatusRunning {
		log.Info().Str("execution_id", exec.ID).Msg("Execution suspended, will resume from checkpoint")
	}
}

func (o *Orchestrator) refreshRunningGauge(ctx context.Context) {
	if n, err := o.store.CountByStatus(ctx, execution.StatusRunning); err == nil {
		metrics.SetExecutionsRunning(n)
	}
}

func tierRequirements(tier []*template.PlanStage) []resource.Requirement {
	merged := make(map[string]resource.Requirement)
	order := make([]string, 0, len(tier))
	for _, ps := range tier {
		for _, req := range ps.Resources {
			m, seen := merged[req.Name]
			if !seen {
				order = append(order, req.Name)
			}
			m.Name = req.Name
			m.Type = req.Type
			m.Quantity += req.Quantity
			merged[req.Name] = m
		}
	}

	reqs := make([]resource.Requirement, 0, len(merged))
	for _, name := range order {
		reqs = append(reqs, merged[name])
	}
	return reqs
}
