package execution

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgefab/conductor/internal/config"
	"github.com/forgefab/conductor/internal/database"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewStore(db)
}

func newExecution(clientID, requestID string) *Execution {
	return &Execution{
		ID:           uuid.New().String(),
		RequestID:    requestID,
		ClientID:     clientID,
		TemplateName: "rss-intelligence",
		Parameters:   `{"feed":"https://example.com/rss"}`,
		Priority:     PriorityNormal,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	e := newExecution("client-1", "req-1")
	require.NoError(t, s.Create(ctx, e))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, PriorityNormal, got.Priority)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetByRequestID(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	e := newExecution("client-1", "req-42")
	require.NoError(t, s.Create(ctx, e))

	got, err := s.GetByRequestID(ctx, "client-1", "req-42")
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	// Same request id under another client is a different namespace.
	_, err = s.GetByRequestID(ctx, "client-2", "req-42")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RequestIDUniqueness(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	// An empty request id carries no idempotency key: a client may
	// submit any number of keyless executions.
	require.NoError(t, s.Create(ctx, newExecution("client-1", "")))
	require.NoError(t, s.Create(ctx, newExecution("client-1", "")))

	// Keyed submissions stay unique per client.
	require.NoError(t, s.Create(ctx, newExecution("client-1", "req-1")))
	require.Error(t, s.Create(ctx, newExecution("client-1", "req-1")))
	require.NoError(t, s.Create(ctx, newExecution("client-2", "req-1")))
}

func TestStore_TransitionStatus(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	e := newExecution("client-1", "")
	require.NoError(t, s.Create(ctx, e))

	require.NoError(t, s.TransitionStatus(ctx, e.ID, []Status{StatusPending}, StatusRunning))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	// Losing transition: the execution is no longer pending.
	err = s.TransitionStatus(ctx, e.ID, []Status{StatusPending}, StatusRunning)
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.TransitionStatus(ctx, e.ID, []Status{StatusRunning}, StatusCompleted))

	got, err = s.Get(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)

	// A terminal execution is out of every caller's expected set.
	err = s.TransitionStatus(ctx, e.ID, []Status{StatusPending, StatusRunning}, StatusCancelled)
	require.ErrorIs(t, err, ErrConflict)
}

func TestStore_ConcurrentCancelAndComplete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	e := newExecution("client-1", "")
	require.NoError(t, s.Create(ctx, e))
	require.NoError(t, s.TransitionStatus(ctx, e.ID, []Status{StatusPending}, StatusRunning))

	errComplete := s.TransitionStatus(ctx, e.ID, []Status{StatusRunning}, StatusCompleted)
	errCancel := s.TransitionStatus(ctx, e.ID, []Status{StatusRunning}, StatusCancelled)

	// Exactly one writer wins.
	require.NoError(t, errComplete)
	require.ErrorIs(t, errCancel, ErrConflict)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestStore_Accumulate(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	e := newExecution("client-1", "")
	require.NoError(t, s.Create(ctx, e))

	require.NoError(t, s.Accumulate(ctx, e.ID, 0.25, 1000))
	require.NoError(t, s.Accumulate(ctx, e.ID, 0.50, 2500))
	require.Error(t, s.Accumulate(ctx, e.ID, -1, 0))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(3500), got.TotalTimeMs)
}

func TestStore_Checkpoint(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	e := newExecution("client-1", "")
	require.NoError(t, s.Create(ctx, e))

	cp := &Checkpoint{
		StageOrder:      2,
		CompletedStages: []string{"stage-1", "stage-2"},
		TotalCostUSD:    0.30,
		TotalTimeMs:     4200,
	}
	require.NoError(t, s.SaveCheckpoint(ctx, e.ID, cp))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Checkpoint, `"stage_order":2`)
	assert.Contains(t, got.Checkpoint, "stage-2")
}

func TestStore_Stages(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	e := newExecution("client-1", "")
	require.NoError(t, s.Create(ctx, e))

	stages := []*StageExecution{
		{ID: uuid.New().String(), ExecutionID: e.ID, WorkerName: "fetcher", Action: "fetch", StageOrder: 1},
		{ID: uuid.New().String(), ExecutionID: e.ID, WorkerName: "analyzer", Action: "analyze", StageOrder: 2},
		{ID: uuid.New().String(), ExecutionID: e.ID, WorkerName: "publisher", Action: "publish", StageOrder: 3},
	}
	require.NoError(t, s.CreateStages(ctx, stages))

	got, err := s.GetStages(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "fetcher", got[0].WorkerName)
	assert.Equal(t, StagePending, got[0].Status)

	require.NoError(t, s.TransitionStage(ctx, stages[0].ID, []StageStatus{StagePending}, StageRunning))
	require.NoError(t, s.CompleteStage(ctx, stages[0].ID, `{"key":"abc"}`, `{"items_processed":10}`, 0.05, 1200, 0))

	err = s.TransitionStage(ctx, stages[0].ID, []StageStatus{StagePending}, StageRunning)
	require.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.FailStage(ctx, stages[1].ID, 2))

	require.NoError(t, s.SkipRemainingStages(ctx, e.ID))

	got, err = s.GetStages(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, got[0].Status)
	assert.Equal(t, StageFailed, got[1].Status)
	assert.Equal(t, StageSkipped, got[2].Status)
	assert.Equal(t, 2, got[1].RetryCount)
	assert.InDelta(t, 0.05, got[0].CostUSD, 1e-9)
}

func TestStore_EventsAndCosts(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	e := newExecution("client-1", "")
	require.NoError(t, s.Create(ctx, e))

	require.NoError(t, s.AppendEvent(ctx, e.ID, EventQueued, "execution queued", nil))
	require.NoError(t, s.AppendEvent(ctx, e.ID, EventAdmitted, "admitted", map[string]any{"priority": "high"}))

	events, err := s.RecentEvents(ctx, e.ID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.NoError(t, s.AddCostRow(ctx, &CostRow{
		ExecutionID:  e.ID,
		ResourceName: "openai_api",
		Quantity:     2,
		CostUSD:      0.04,
	}))

	rows, err := s.CostBreakdown(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "openai_api", rows[0].ResourceName)
}

func TestStore_ListByStatusAndClient(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := newExecution("client-1", "")
		require.NoError(t, s.Create(ctx, e))
		time.Sleep(time.Millisecond)
	}
	other := newExecution("client-2", "")
	require.NoError(t, s.Create(ctx, other))
	require.NoError(t, s.TransitionStatus(ctx, other.ID, []Status{StatusPending}, StatusRunning))

	mine, err := s.ListByClient(ctx, "client-1", 0)
	require.NoError(t, err)
	assert.Len(t, mine, 3)

	running, err := s.ListByStatus(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, other.ID, running[0].ID)

	n, err := s.CountByStatus(ctx, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
