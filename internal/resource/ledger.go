// Package resource arbitrates finite shared capacity (API quota, worker
// concurrency, storage) across concurrent executions. The ledger is the
// single arbiter: no component dispatches a stage without an allocation.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/forgefab/conductor/internal/config"
	"github.com/forgefab/conductor/internal/metrics"
)

var (
	ErrUnknownResource   = errors.New("unknown resource")
	ErrResourceExhausted = errors.New("resource exhausted")
)

// Unlimited marks a quota with no per-period budget.
const Unlimited = -1

type pool struct {
	cfg       config.PoolConfig
	allocated float64
	active    map[string]*Allocation
	quotaUsed float64
	periodKey string
}

// Ledger tracks allocation, usage and quota per resource pool. All
// mutations happen under one mutex so an allocation is all-or-nothing.
type Ledger struct {
	mu            sync.Mutex
	pools         map[string]*pool
	store         *Store
	allocationTTL time.Duration
	cron          *cron.Cron
	now           func() time.Time
}

// NewLedger builds a ledger from the configured pools.
func NewLedger(cfg *config.ResourcesConfig, store *Store) *Ledger {
	l := &Ledger{
		pools:         make(map[string]*pool),
		store:         store,
		allocationTTL: cfg.AllocationTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}
	if l.allocationTTL <= 0 {
		l.allocationTTL = config.DefaultAllocationTTL
	}

	for _, pc := range cfg.Pools {
		l.pools[pc.Name] = &pool{
			cfg:    pc,
			active: make(map[string]*Allocation),
		}
	}

	return l
}

// Recover rebuilds in-memory state from persisted active allocations and
// the current period's usage. Call once at startup before serving.
func (l *Ledger) Recover(ctx context.Context) error {
	active, err := l.store.ActiveAllocations(ctx)
	if err != nil {
		return fmt.Errorf("loading active allocations: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for i := range active {
		a := active[i]
		p, ok := l.pools[a.ResourceName]
		if !ok {
			log.Warn().Str("resource", a.ResourceName).Str("allocation", a.ID).
				Msg("Active allocation references unconfigured pool")
			continue
		}
		if now.After(a.ExpiresAt) {
			if _, err := l.store.MarkReleased(ctx, a.ID, now); err != nil {
				return err
			}
			continue
		}
		p.active[a.ID] = &a
		p.allocated += a.Quantity
	}

	for name, p := range l.pools {
		key := periodKey(p.cfg.QuotaPeriod, now)
		used, err := l.store.UsageInPeriod(ctx, name, key)
		if err != nil {
			return err
		}
		p.periodKey = key
		p.quotaUsed = used
		metrics.SetResourceAllocated(name, p.allocated)
	}

	log.Info().Int("allocations", len(active)).Msg("Resource ledger recovered")
	return nil
}

// CheckAvailability is a pure read: it reports whether the requirements
// could be satisfied right now without reserving anything.
func (l *Ledger) CheckAvailability(reqs []Requirement) Availability {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.checkLocked(reqs)
}

func (l *Ledger) checkLocked(reqs []Requirement) Availability {
	now := l.now()
	result := Availability{Status: StatusAvailable}

	for _, req := range reqs {
		p, ok := l.pools[req.Name]
		if !ok {
			return Availability{
				Status: StatusUnavailable,
				Detail: fmt.Sprintf("unknown resource %q", req.Name),
			}
		}

		if req.Quantity > p.cfg.Capacity {
			return Availability{
				Status: StatusUnavailable,
				Detail: fmt.Sprintf("resource %q capacity %.2f cannot satisfy %.2f", req.Name, p.cfg.Capacity, req.Quantity),
			}
		}

		l.rolloverLocked(p, now)
		if p.cfg.QuotaLimit != Unlimited && p.cfg.QuotaLimit-p.quotaUsed < req.Quantity {
			// Quota frees up at the period boundary, so this is
			// "wait", not "never".
			wait := nextPeriodBoundary(p.cfg.QuotaPeriod, now).Sub(now)
			if result.Status == StatusAvailable || wait > result.WaitEstimate {
				result = Availability{
					Status:       StatusLimited,
					WaitEstimate: wait,
					Detail:       fmt.Sprintf("resource %q quota exhausted for period %s", req.Name, p.periodKey),
				}
			}
			continue
		}

		if p.cfg.Capacity-p.allocated < req.Quantity {
			wait := l.waitEstimateLocked(p)
			if result.Status == StatusAvailable || wait > result.WaitEstimate {
				result = Availability{
					Status:       StatusLimited,
					WaitEstimate: wait,
					Detail:       fmt.Sprintf("resource %q busy", req.Name),
				}
			}
		}
	}

	return result
}

// waitEstimateLocked guesses when capacity frees up: the nearest expiry
// among active allocations.
func (l *Ledger) waitEstimateLocked(p *pool) time.Duration {
	now := l.now()
	var earliest time.Time
	for _, a := range p.active {
		if earliest.IsZero() || a.ExpiresAt.Before(earliest) {
			earliest = a.ExpiresAt
		}
	}
	if earliest.IsZero() {
		return 0
	}
	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Allocate atomically reserves quantities against each named pool.
// Either every requirement is reserved or none is.
func (l *Ledger) Allocate(ctx context.Context, executionID string, reqs []Requirement) (*AllocationSet, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// Verify everything first so a partial failure cannot leave the
	// ledger inconsistent.
	for _, req := range reqs {
		p, ok := l.pools[req.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownResource, req.Name)
		}
		l.rolloverLocked(p, now)
		if p.cfg.Capacity-p.allocated < req.Quantity {
			return nil, fmt.Errorf("%w: %s (capacity %.2f, allocated %.2f, requested %.2f)",
				ErrResourceExhausted, req.Name, p.cfg.Capacity, p.allocated, req.Quantity)
		}
		if p.cfg.QuotaLimit != Unlimited && p.cfg.QuotaLimit-p.quotaUsed < req.Quantity {
			return nil, fmt.Errorf("%w: %s (quota %.2f used of %.2f in %s)",
				ErrResourceExhausted, req.Name, p.quotaUsed, p.cfg.QuotaLimit, p.periodKey)
		}
	}

	set := &AllocationSet{ExecutionID: executionID}
	for _, req := range reqs {
		p := l.pools[req.Name]
		a := &Allocation{
			ID:           uuid.New().String(),
			ExecutionID:  executionID,
			ResourceType: p.cfg.Type,
			ResourceName: req.Name,
			Quantity:     req.Quantity,
			Status:       AllocationActive,
			AllocatedAt:  now,
			ExpiresAt:    now.Add(l.allocationTTL),
		}

		if err := l.store.InsertAllocation(ctx, a); err != nil {
			// Roll back what we already committed in this call.
			l.rollbackLocked(ctx, set, now)
			return nil, err
		}

		p.active[a.ID] = a
		p.allocated += req.Quantity
		metrics.SetResourceAllocated(req.Name, p.allocated)
		set.Allocations = append(set.Allocations, *a)
	}

	log.Debug().
		Str("execution_id", executionID).
		Int("allocations", len(set.Allocations)).
		Msg("Resources allocated")

	return set, nil
}

func (l *Ledger) rollbackLocked(ctx context.Context, set *AllocationSet, now time.Time) {
	for _, a := range set.Allocations {
		if p, ok := l.pools[a.ResourceName]; ok {
			if _, held := p.active[a.ID]; held {
				delete(p.active, a.ID)
				p.allocated -= a.Quantity
				metrics.SetResourceAllocated(a.ResourceName, p.allocated)
			}
		}
		if _, err := l.store.MarkReleased(ctx, a.ID, now); err != nil {
			log.Error().Err(err).Str("allocation", a.ID).Msg("Failed to roll back allocation")
		}
	}
}

// Release frees every allocation in the set. Idempotent: releasing an
// already-released set is a no-op.
func (l *Ledger) Release(ctx context.Context, set *AllocationSet) error {
	if set == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, a := range set.Allocations {
		if err := l.releaseOneLocked(ctx, a.ID, a.ResourceName, now); err != nil {
			return err
		}
	}

	return nil
}

// ReleaseExecution frees every active allocation owned by an execution.
// Used on cancellation, finalization and as a retry precondition.
func (l *Ledger) ReleaseExecution(ctx context.Context, executionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, p := range l.pools {
		for id, a := range p.active {
			if a.ExecutionID != executionID {
				continue
			}
			if err := l.releaseOneLocked(ctx, id, a.ResourceName, now); err != nil {
				return err
			}
		}
	}

	return nil
}

func (l *Ledger) releaseOneLocked(ctx context.Context, id, resourceName string, now time.Time) error {
	released, err := l.store.MarkReleased(ctx, id, now)
	if err != nil {
		return err
	}

	p, ok := l.pools[resourceName]
	if !ok {
		return nil
	}

	if a, held := p.active[id]; held {
		delete(p.active, id)
		p.allocated -= a.Quantity
		if p.allocated < 0 {
			p.allocated = 0
		}
		metrics.SetResourceAllocated(resourceName, p.allocated)
	}

	if released {
		log.Debug().Str("allocation", id).Str("resource", resourceName).Msg("Allocation released")
	}
	return nil
}

// RecordUsage appends a usage record and decrements the remaining quota
// for the pool's current period.
func (l *Ledger) RecordUsage(ctx context.Context, executionID, resourceName string, quantity, costUSD float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pools[resourceName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, resourceName)
	}

	now := l.now()
	l.rolloverLocked(p, now)

	record := &UsageRecord{
		ID:           uuid.New().String(),
		ExecutionID:  executionID,
		ResourceName: resourceName,
		Quantity:     quantity,
		CostUSD:      costUSD,
		PeriodKey:    p.periodKey,
		RecordedAt:   now,
	}

	if err := l.store.InsertUsage(ctx, record); err != nil {
		return err
	}

	p.quotaUsed += quantity
	return nil
}

// Status returns a point-in-time view of every pool.
func (l *Ledger) Status() []PoolStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	statuses := make([]PoolStatus, 0, len(l.pools))
	for name, p := range l.pools {
		l.rolloverLocked(p, now)

		remaining := float64(Unlimited)
		if p.cfg.QuotaLimit != Unlimited {
			remaining = p.cfg.QuotaLimit - p.quotaUsed
			if remaining < 0 {
				remaining = 0
			}
		}

		statuses = append(statuses, PoolStatus{
			Name:           name,
			Type:           p.cfg.Type,
			Capacity:       p.cfg.Capacity,
			Allocated:      p.allocated,
			Available:      p.cfg.Capacity - p.allocated,
			QuotaLimit:     p.cfg.QuotaLimit,
			QuotaUsed:      p.quotaUsed,
			QuotaRemaining: remaining,
			QuotaPeriod:    p.cfg.QuotaPeriod,
			PeriodKey:      p.periodKey,
		})
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// ReclaimExpired releases allocations whose expiry passed without an
// explicit release, so a crashed execution's reservation is reclaimed.
func (l *Ledger) ReclaimExpired(ctx context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	reclaimed := 0
	for _, p := range l.pools {
		for id, a := range p.active {
			if now.Before(a.ExpiresAt) {
				continue
			}
			if err := l.releaseOneLocked(ctx, id, a.ResourceName, now); err != nil {
				log.Error().Err(err).Str("allocation", id).Msg("Failed to reclaim expired allocation")
				continue
			}
			reclaimed++
		}
	}

	if reclaimed > 0 {
		log.Warn().Int("count", reclaimed).Msg("Reclaimed expired allocations")
	}
	return reclaimed
}

// StartReclaim schedules periodic expiry reclamation.
func (l *Ledger) StartReclaim(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		l.ReclaimExpired(context.Background())
	}); err != nil {
		return fmt.Errorf("scheduling reclaim: %w", err)
	}
	c.Start()
	l.cron = c

	log.Info().Str("schedule", schedule).Msg("Allocation reclaim scheduled")
	return nil
}

// Stop halts the reclaim scheduler.
func (l *Ledger) Stop() {
	if l.cron != nil {
		<-l.cron.Stop().Done()
	}
}

// rolloverLocked resets quota accounting when the pool's period changed.
// Quota periods roll over at the period boundary by construction of the
// period key.
func (l *Ledger) rolloverLocked(p *pool, now time.Time) {
	key := periodKey(p.cfg.QuotaPeriod, now)
	if key != p.periodKey {
		p.periodKey = key
		p.quotaUsed = 0
	}
}

// nextPeriodBoundary returns when the pool's quota period rolls over.
func nextPeriodBoundary(period string, t time.Time) time.Time {
	switch period {
	case "weekly":
		days := int(time.Monday - t.Weekday())
		if days <= 0 {
			days += 7
		}
		next := t.AddDate(0, 0, days)
		return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, time.UTC)
	case "monthly":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
}

// periodKey buckets a timestamp into the pool's quota period.
func periodKey(period string, t time.Time) string {
	switch period {
	case "weekly":
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case "monthly":
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}
