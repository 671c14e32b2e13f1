// Package queue admits executions into the running state in priority
// order, gated by resource availability.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forgefab/conductor/internal/config"
	"github.com/forgefab/conductor/internal/database"
	"github.com/forgefab/conductor/internal/execution"
	"github.com/forgefab/conductor/internal/metrics"
	"github.com/forgefab/conductor/internal/resource"
	"github.com/forgefab/conductor/internal/template"
)

// AdmitFunc receives an admitted execution with its resolved plan and
// the resources already allocated for its first tier.
type AdmitFunc func(ctx context.Context, exec *execution.Execution, plan *template.ExecutionPlan, set *resource.AllocationSet)

// Manager owns the admission queue. Enqueue is safe to call
// concurrently; each admission check happens atomically against the
// resource ledger.
type Manager struct {
	mu      sync.Mutex
	pq      priorityQueue
	entries map[string]*Item

	db        *database.DB
	execStore *execution.Store
	ledger    *resource.Ledger
	registry  *template.Registry
	admit     AdmitFunc

	tick          time.Duration
	maxConcurrent int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a queue manager.
func NewManager(db *database.DB, execStore *execution.Store, ledger *resource.Ledger, registry *template.Registry, cfg *config.QueueConfig, admit AdmitFunc) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	tick := cfg.TickInterval
	if tick <= 0 {
		tick = config.DefaultQueueTick
	}

	return &Manager{
		entries:       make(map[string]*Item),
		db:            db,
		execStore:     execStore,
		ledger:        ledger,
		registry:      registry,
		admit:         admit,
		tick:          tick,
		maxConcurrent: cfg.MaxConcurrent,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Recover reloads persisted queue entries after a restart.
func (m *Manager) Recover(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT execution_id, priority, enqueued_at
		FROM execution_queue
		WHERE status = 'queued'
	`)
	if err != nil {
		return fmt.Errorf("querying queue entries: %w", err)
	}
	defer rows.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for rows.Next() {
		var item Item
		var enqueuedAt string
		if err := rows.Scan(&item.ExecutionID, &item.Priority, &enqueuedAt); err != nil {
			return fmt.Errorf("scanning queue entry: %w", err)
		}
		if item.EnqueuedAt, err = time.Parse(time.RFC3339, enqueuedAt); err != nil {
			return fmt.Errorf("parsing enqueued_at: %w", err)
		}

		m.pq.push(&item)
		m.entries[item.ExecutionID] = &item
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating queue entries: %w", err)
	}

	metrics.SetQueueDepth(len(m.entries))
	if count > 0 {
		log.Info().Int("count", count).Msg("Queue recovered")
	}
	return nil
}

// Enqueue inserts an execution into the priority queue and persists the
// entry. Duplicate enqueues for the same execution are rejected.
func (m *Manager) Enqueue(ctx context.Context, executionID string, priority execution.Priority) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[executionID]; exists {
		return fmt.Errorf("execution %s already queued", executionID)
	}

	item := &Item{
		ExecutionID: executionID,
		Priority:    priority,
		EnqueuedAt:  time.Now().UTC(),
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO execution_queue (execution_id, priority, enqueued_at, status)
		VALUES (?, ?, ?, 'queued')
	`, executionID, priority, item.EnqueuedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("persisting queue entry: %w", err)
	}

	m.pq.push(item)
	m.entries[executionID] = item
	metrics.SetQueueDepth(len(m.entries))

	log.Debug().
		Str("execution_id", executionID).
		Str("priority", string(priority)).
		Msg("Execution enqueued")

	return nil
}

// Remove drops an execution from the queue, e.g. on cancellation.
// Returns false when the execution was not queued.
func (m *Manager) Remove(ctx context.Context, executionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, exists := m.entries[executionID]
	if !exists {
		return false, nil
	}

	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM execution_queue WHERE execution_id = ?`, executionID); err != nil {
		return false, fmt.Errorf("removing queue entry: %w", err)
	}

	m.pq.remove(item)
	delete(m.entries, executionID)
	metrics.SetQueueDepth(len(m.entries))
	return true, nil
}

// Snapshot returns the queue contents in admission order.
func (m *Manager) Snapshot() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	ordered := m.pq.ordered()
	items := make([]Item, 0, len(ordered))
	for _, item := range ordered {
		items = append(items, *item)
	}
	return items
}

// Depth returns the number of queued executions.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Start begins the admission loop.
func (m *Manager) Start() {
	go m.run()
	log.Info().Dur("tick", m.tick).Msg("Queue manager started")
}

// Stop halts the admission loop.
func (m *Manager) Stop() {
	m.cancel()
	<-m.done
}

func (m *Manager) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Tick(m.ctx)
		}
	}
}

// Tick walks the queue in priority order and admits every execution
// whose first-tier resources are available. A resource-starved item
// does not block later items whose resources are free.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	candidates := m.pq.ordered()
	m.mu.Unlock()

	if len(candidates) == 0 {
		return
	}

	running, err := m.execStore.CountByStatus(ctx, execution.StatusRunning)
	if err != nil {
		log.Error().Err(err).Msg("Failed to count running executions")
		return
	}

	for _, item := range candidates {
		if m.maxConcurrent > 0 && running >= m.maxConcurrent {
			return
		}

		admitted, err := m.tryAdmit(ctx, item)
		if err != nil {
			log.Error().Err(err).Str("execution_id", item.ExecutionID).Msg("Admission failed")
			continue
		}
		if admitted {
			running++
		}
	}
}

func (m *Manager) tryAdmit(ctx context.Context, item *Item) (bool, error) {
	exec, err := m.execStore.Get(ctx, item.ExecutionID)
	if err != nil {
		// The execution is gone or unreadable; drop the entry.
		_, _ = m.Remove(ctx, item.ExecutionID)
		return false, err
	}

	if exec.Status != execution.StatusPending {
		// Cancelled or already picked up elsewhere.
		_, _ = m.Remove(ctx, item.ExecutionID)
		return false, nil
	}

	plan, err := m.registry.Resolve(exec.TemplateName)
	if err != nil {
		_, _ = m.Remove(ctx, item.ExecutionID)
		m.failExecution(ctx, exec, fmt.Sprintf("resolving template: %v", err))
		return false, nil
	}

	reqs := requirements(plan.FirstTierRequirements())
	if avail := m.ledger.CheckAvailability(reqs); avail.Status != resource.StatusAvailable {
		if avail.Status == resource.StatusUnavailable {
			// Unsatisfiable no matter how long we wait: unknown pool
			// or a request above total capacity.
			_, _ = m.Remove(ctx, item.ExecutionID)
			m.failExecution(ctx, exec, fmt.Sprintf("resources unavailable: %s", avail.Detail))
			return false, nil
		}
		// "Not yet" is not fatal; the item stays queued for the next tick.
		return false, nil
	}

	set, err := m.ledger.Allocate(ctx, exec.ID, reqs)
	if err != nil {
		// Lost the race since the availability check; stay queued.
		log.Debug().Err(err).Str("execution_id", exec.ID).Msg("Allocation raced, staying queued")
		return false, nil
	}

	if err := m.execStore.TransitionStatus(ctx, exec.ID,
		[]execution.Status{execution.StatusPending}, execution.StatusRunning); err != nil {
		_ = m.ledger.Release(ctx, set)
		_, _ = m.Remove(ctx, exec.ID)
		return false, err
	}

	if _, err := m.Remove(ctx, exec.ID); err != nil {
		return false, err
	}

	_ = m.execStore.AppendEvent(ctx, exec.ID, execution.EventAdmitted, "admitted by queue manager", map[string]any{
		"priority": string(exec.Priority),
	})

	exec.Status = execution.StatusRunning

	log.Info().
		Str("execution_id", exec.ID).
		Str("template", exec.TemplateName).
		Str("priority", string(exec.Priority)).
		Msg("Execution admitted")

	m.admit(ctx, exec, plan, set)
	return true, nil
}

func (m *Manager) failExecution(ctx context.Context, exec *execution.Execution, message string) {
	if err := m.execStore.TransitionStatus(ctx, exec.ID,
		[]execution.Status{execution.StatusPending}, execution.StatusFailed); err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to fail execution")
		return
	}
	_ = m.execStore.SetError(ctx, exec.ID, message)
	_ = m.execStore.AppendEvent(ctx, exec.ID, execution.EventFailed, message, nil)
	metrics.RecordExecution(exec.TemplateName, string(execution.StatusFailed))
}

func requirements(reqs []template.ResourceRequirement) []resource.Requirement {
	out := make([]resource.Requirement, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, resource.Requirement{
			Name:     r.Name,
			Type:     r.Type,
			Quantity: r.Quantity,
		})
	}
	return out
}
