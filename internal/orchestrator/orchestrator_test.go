package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgefab/conductor/internal/cache"
	"github.com/forgefab/conductor/internal/config"
	"github.com/forgefab/conductor/internal/database"
	"github.com/forgefab/conductor/internal/dispatch"
	"github.com/forgefab/conductor/internal/execution"
	"github.com/forgefab/conductor/internal/handshake"
	"github.com/forgefab/conductor/internal/queue"
	"github.com/forgefab/conductor/internal/refstore"
	"github.com/forgefab/conductor/internal/resource"
	"github.com/forgefab/conductor/internal/template"
)

const pipelineTemplate = `
name: rss-intelligence
stages:
  - name: fetch
    worker: fetcher
    action: fetch
    stage_order: 1
    retry:
      max_attempts: 2
      backoff: linear
      base_delay: 1ms
    resources:
      - name: rss_fetch
        type: network
        quantity: 1
  - name: analyze
    worker: analyzer
    action: analyze
    stage_order: 2
    depends_on: [fetch]
    retry:
      max_attempts: 2
      backoff: linear
      base_delay: 1ms
    resources:
      - name: openai_api
        type: api
        quantity: 2
  - name: publish
    worker: publisher
    action: publish
    stage_order: 3
    depends_on: [analyze]
    retry:
      max_attempts: 1
    resources:
      - name: rss_fetch
        type: network
        quantity: 1
`

// stageHandler decides a worker's response for one action.
type stageHandler func(packet *handshake.Packet) handshake.WorkerResponse

func okResponse(items int, cost float64) handshake.WorkerResponse {
	return handshake.WorkerResponse{
		Success: true,
		Output:  map[string]any{"items": items},
		Summary: &handshake.StageSummary{
			ItemsProcessed:   items,
			ProcessingTimeMs: 100,
			ContinuePipeline: true,
		},
		ResourceUsage: []handshake.ResourceUsage{
			{ResourceName: "openai_api", Quantity: 1, CostUSD: cost},
		},
	}
}

type orchEnv struct {
	store  *execution.Store
	ledger *resource.Ledger
	queue  *queue.Manager
	orch   *Orchestrator

	handlers map[string]stageHandler
}

func setupOrchestrator(t *testing.T) *orchEnv {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tmplDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmplDir, "rss-intelligence.yaml"), []byte(pipelineTemplate), 0o644))
	registry, err := template.NewRegistry(tmplDir)
	require.NoError(t, err)

	env := &orchEnv{
		store:    execution.NewStore(db),
		handlers: make(map[string]stageHandler),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var packet handshake.Packet
		if err := json.NewDecoder(r.Body).Decode(&packet); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handler, ok := env.handlers[packet.Control.Action]
		if !ok {
			http.Error(w, "no handler for action", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(handler(&packet))
	}))
	t.Cleanup(srv.Close)

	env.ledger = resource.NewLedger(&config.ResourcesConfig{
		Pools: []config.PoolConfig{
			{Name: "rss_fetch", Type: "network", Capacity: 10, QuotaLimit: resource.Unlimited},
			{Name: "openai_api", Type: "api", Capacity: 10, QuotaLimit: resource.Unlimited},
		},
		AllocationTTL: time.Hour,
	}, resource.NewStore(db))

	refs, err := refstore.New(context.Background(), &config.RefStoreConfig{
		Backend:         "filesystem",
		Path:            t.TempDir(),
		InlineThreshold: 1 << 20,
		TTL:             time.Hour,
	})
	require.NoError(t, err)

	c := cache.New(time.Minute)
	t.Cleanup(c.Stop)
	handshakes := handshake.NewService(c, handshake.NewStore(db), time.Minute)

	workers := map[string]config.WorkerConfig{
		"fetcher":   {Endpoint: srv.URL},
		"analyzer":  {Endpoint: srv.URL},
		"publisher": {Endpoint: srv.URL},
	}
	coord, err := dispatch.NewCoordinator(workers, refs, handshakes, config.DispatchConfig{
		DefaultTimeout:     2 * time.Second,
		DefaultMaxAttempts: 2,
		DefaultBackoff:     time.Millisecond,
	})
	require.NoError(t, err)

	tracker := execution.NewTracker(env.store, c, time.Second)

	env.orch = New(env.store, env.ledger, registry, coord, refs, tracker)
	env.queue = queue.NewManager(db, env.store, env.ledger, registry, &config.QueueConfig{
		TickInterval: time.Hour,
	}, env.orch.Admit)
	env.orch.SetQueue(env.queue)
	t.Cleanup(env.orch.Stop)

	return env
}

func (e *orchEnv) submit(t *testing.T, requestID string) *execution.Execution {
	t.Helper()
	exec, created, err := e.orch.Submit(context.Background(), &SubmitRequest{
		ClientID:     "client-1",
		RequestID:    requestID,
		TemplateName: "rss-intelligence",
		Parameters:   map[string]any{"feed": "https://example.com/rss"},
	})
	require.NoError(t, err)
	require.True(t, created)
	return exec
}

func (e *orchEnv) waitForStatus(t *testing.T, executionID string, want execution.Status) *execution.Execution {
	t.Helper()
	var got *execution.Execution
	require.Eventually(t, func() bool {
		var err error
		got, err = e.store.Get(context.Background(), executionID)
		return err == nil && got.Status == want
	}, 5*time.Second, 10*time.Millisecond, "waiting for status %s", want)
	return got
}

func (e *orchEnv) allReleased(t *testing.T) {
	t.Helper()
	for _, s := range e.ledger.Status() {
		assert.Equal(t, 0.0, s.Allocated, "pool %s still holds allocations", s.Name)
	}
}

func TestOrchestrator_PipelineCompletes(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	env.handlers["fetch"] = func(*handshake.Packet) handshake.WorkerResponse { return okResponse(20, 0.01) }
	env.handlers["analyze"] = func(p *handshake.Packet) handshake.WorkerResponse {
		// The previous stage's output travels by reference.
		require.NotNil(t, p.DataRef)
		return okResponse(20, 0.05)
	}
	env.handlers["publish"] = func(*handshake.Packet) handshake.WorkerResponse { return okResponse(20, 0.00) }

	exec := env.submit(t, "req-1")
	env.queue.Tick(ctx)

	got := env.waitForStatus(t, exec.ID, execution.StatusCompleted)
	assert.InDelta(t, 0.06, got.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(300), got.TotalTimeMs)
	assert.Contains(t, got.Checkpoint, "stage_order")
	require.NotNil(t, got.CompletedAt)

	stages, err := env.store.GetStages(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, stages, 3)
	for _, st := range stages {
		assert.Equal(t, execution.StageCompleted, st.Status)
		assert.NotEmpty(t, st.Summary)
	}

	events, err := env.store.RecentEvents(ctx, exec.ID, 50)
	require.NoError(t, err)
	types := make(map[string]int)
	for _, ev := range events {
		types[ev.EventType]++
	}
	assert.Equal(t, 1, types[execution.EventQueued])
	assert.Equal(t, 1, types[execution.EventAdmitted])
	assert.Equal(t, 3, types[execution.EventStageCompleted])
	assert.Equal(t, 3, types[execution.EventCheckpoint])
	assert.Equal(t, 1, types[execution.EventCompleted])

	env.allReleased(t)
}

func TestOrchestrator_StageFailureFailsExecution(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	env.handlers["fetch"] = func(*handshake.Packet) handshake.WorkerResponse { return okResponse(5, 0.01) }
	env.handlers["analyze"] = func(*handshake.Packet) handshake.WorkerResponse {
		return handshake.WorkerResponse{Success: false, Error: "model quota exceeded"}
	}

	exec := env.submit(t, "req-1")
	env.queue.Tick(ctx)

	got := env.waitForStatus(t, exec.ID, execution.StatusFailed)
	assert.Contains(t, got.ErrorMessage, `stage "analyze" failed`)

	stages, err := env.store.GetStages(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StageCompleted, stages[0].Status)
	assert.Equal(t, execution.StageFailed, stages[1].Status)
	assert.Equal(t, execution.StageSkipped, stages[2].Status)
	assert.Equal(t, 1, stages[1].RetryCount, "one retry before giving up")

	env.allReleased(t)
}

func TestOrchestrator_Retry(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	env.handlers["fetch"] = func(*handshake.Packet) handshake.WorkerResponse {
		return handshake.WorkerResponse{Success: false, Error: "feed unreachable"}
	}

	exec := env.submit(t, "req-1")
	env.queue.Tick(ctx)
	env.waitForStatus(t, exec.ID, execution.StatusFailed)

	_, err := env.orch.Retry(ctx, exec.ID)
	require.NoError(t, err)

	// The retry is a fresh execution linked to the original.
	retry := func() *execution.Execution {
		items := env.queue.Snapshot()
		require.Len(t, items, 1)
		got, err := env.store.Get(ctx, items[0].ExecutionID)
		require.NoError(t, err)
		return got
	}()
	assert.NotEqual(t, exec.ID, retry.ID)
	assert.Equal(t, exec.ID, retry.RetriedFrom)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, execution.StatusPending, retry.Status)
	assert.Equal(t, "req-1:retry-"+retry.ID[:8], retry.RequestID)

	// The original stays failed and cannot be cancelled.
	original, err := env.store.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusFailed, original.Status)
	require.ErrorIs(t, env.orch.Cancel(ctx, exec.ID), ErrNotCancellable)

	// Fix the worker; the retried execution runs to completion.
	env.handlers["fetch"] = func(*handshake.Packet) handshake.WorkerResponse { return okResponse(3, 0.01) }
	env.handlers["analyze"] = func(*handshake.Packet) handshake.WorkerResponse { return okResponse(3, 0.02) }
	env.handlers["publish"] = func(*handshake.Packet) handshake.WorkerResponse { return okResponse(3, 0) }

	env.queue.Tick(ctx)
	env.waitForStatus(t, retry.ID, execution.StatusCompleted)
}

func TestOrchestrator_KeylessSubmissionsAreIndependent(t *testing.T) {
	env := setupOrchestrator(t)

	// Without a request id there is no idempotency key: every
	// submission creates a fresh execution.
	first := env.submit(t, "")
	second := env.submit(t, "")
	assert.NotEqual(t, first.ID, second.ID)
}

func TestOrchestrator_KeylessRetry(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	env.handlers["fetch"] = func(*handshake.Packet) handshake.WorkerResponse {
		return handshake.WorkerResponse{Success: false, Error: "feed unreachable"}
	}

	exec := env.submit(t, "")
	env.queue.Tick(ctx)
	env.waitForStatus(t, exec.ID, execution.StatusFailed)

	retry, err := env.orch.Retry(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, retry.RequestID)
	assert.Equal(t, exec.ID, retry.RetriedFrom)
}

func TestOrchestrator_RepeatedRetry(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	env.handlers["fetch"] = func(*handshake.Packet) handshake.WorkerResponse {
		return handshake.WorkerResponse{Success: false, Error: "feed unreachable"}
	}

	exec := env.submit(t, "req-5")
	env.queue.Tick(ctx)
	env.waitForStatus(t, exec.ID, execution.StatusFailed)

	// The same failed original can be retried more than once; each
	// retry is a fresh execution with its own request id.
	first, err := env.orch.Retry(ctx, exec.ID)
	require.NoError(t, err)
	second, err := env.orch.Retry(ctx, exec.ID)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, exec.ID, first.RetriedFrom)
	assert.Equal(t, exec.ID, second.RetriedFrom)
}

func TestOrchestrator_RetryRequiresFailedStatus(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	exec := env.submit(t, "")
	_, err := env.orch.Retry(ctx, exec.ID)
	require.ErrorIs(t, err, ErrNotRetryable)
}

func TestOrchestrator_EarlyExit(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	env.handlers["fetch"] = func(*handshake.Packet) handshake.WorkerResponse {
		// Nothing to process; the worker declares the pipeline done.
		return handshake.WorkerResponse{
			Success: true,
			Summary: &handshake.StageSummary{
				ItemsProcessed:   0,
				ContinuePipeline: false,
			},
		}
	}

	exec := env.submit(t, "")
	env.queue.Tick(ctx)

	env.waitForStatus(t, exec.ID, execution.StatusCompleted)

	stages, err := env.store.GetStages(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StageCompleted, stages[0].Status)
	assert.Equal(t, execution.StageSkipped, stages[1].Status)
	assert.Equal(t, execution.StageSkipped, stages[2].Status)

	env.allReleased(t)
}

func TestOrchestrator_CancelPending(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	exec := env.submit(t, "")
	require.Equal(t, 1, env.queue.Depth())

	require.NoError(t, env.orch.Cancel(ctx, exec.ID))
	assert.Equal(t, 0, env.queue.Depth())

	got, err := env.store.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCancelled, got.Status)

	stages, err := env.store.GetStages(ctx, exec.ID)
	require.NoError(t, err)
	for _, st := range stages {
		assert.Equal(t, execution.StageSkipped, st.Status)
	}

	// Cancelling twice fails: the execution is already terminal.
	require.ErrorIs(t, env.orch.Cancel(ctx, exec.ID), ErrNotCancellable)
}

func TestOrchestrator_CancelRunning(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	started := make(chan string, 1)
	env.handlers["fetch"] = func(p *handshake.Packet) handshake.WorkerResponse {
		select {
		case started <- p.ExecutionID:
		default:
		}
		// Hold the stage open until the dispatch context is cancelled.
		time.Sleep(200 * time.Millisecond)
		return okResponse(1, 0)
	}

	exec := env.submit(t, "")
	env.queue.Tick(ctx)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("stage never started")
	}

	require.NoError(t, env.orch.Cancel(ctx, exec.ID))

	got := env.waitForStatus(t, exec.ID, execution.StatusCancelled)
	assert.Equal(t, execution.StatusCancelled, got.Status)
	env.allReleased(t)
}

func TestOrchestrator_SubmitIdempotency(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	first := env.submit(t, "req-7")

	again, created, err := env.orch.Submit(ctx, &SubmitRequest{
		ClientID:     "client-1",
		RequestID:    "req-7",
		TemplateName: "rss-intelligence",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, env.queue.Depth())

	// A different client may reuse the request id.
	other, created, err := env.orch.Submit(ctx, &SubmitRequest{
		ClientID:     "client-2",
		RequestID:    "req-7",
		TemplateName: "rss-intelligence",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	_, _, err := env.orch.Submit(ctx, &SubmitRequest{ClientID: "c"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = env.orch.Submit(ctx, &SubmitRequest{
		ClientID:     "c",
		TemplateName: "rss-intelligence",
		Priority:     "urgent",
	})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, _, err = env.orch.Submit(ctx, &SubmitRequest{
		ClientID:     "c",
		TemplateName: "no-such-template",
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestOrchestrator_RecoverResumesRunning(t *testing.T) {
	env := setupOrchestrator(t)
	ctx := context.Background()

	env.handlers["fetch"] = func(*handshake.Packet) handshake.WorkerResponse { return okResponse(2, 0.01) }
	env.handlers["analyze"] = func(*handshake.Packet) handshake.WorkerResponse { return okResponse(2, 0.01) }
	env.handlers["publish"] = func(*handshake.Packet) handshake.WorkerResponse { return okResponse(2, 0) }

	// Simulate an execution that was mid-flight when the process died:
	// running status, first stage already completed, resources still held.
	exec := env.submit(t, "")
	require.NoError(t, env.store.TransitionStatus(ctx, exec.ID,
		[]execution.Status{execution.StatusPending}, execution.StatusRunning))
	_, err := env.queue.Remove(ctx, exec.ID)
	require.NoError(t, err)

	stages, err := env.store.GetStages(ctx, exec.ID)
	require.NoError(t, err)
	require.NoError(t, env.store.TransitionStage(ctx, stages[0].ID,
		[]execution.StageStatus{execution.StagePending}, execution.StageRunning))
	require.NoError(t, env.store.CompleteStage(ctx, stages[0].ID, "", `{"items_processed":2,"continue_pipeline":true}`, 0.01, 100, 0))

	_, err = env.ledger.Allocate(ctx, exec.ID, []resource.Requirement{{Name: "rss_fetch", Quantity: 1}})
	require.NoError(t, err)

	require.NoError(t, env.orch.Recover(ctx))

	got := env.waitForStatus(t, exec.ID, execution.StatusCompleted)
	require.NotNil(t, got.CompletedAt)

	stages, err = env.store.GetStages(ctx, exec.ID)
	require.NoError(t, err)
	for _, st := range stages {
		assert.Equal(t, execution.StageCompleted, st.Status)
	}
	// The completed stage was not re-dispatched: its original totals stand.
	assert.InDelta(t, 0.01, stages[0].CostUSD, 1e-9)

	env.allReleased(t)
}
