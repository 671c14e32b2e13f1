package resource

import "time"

// AllocationStatus tracks the lifecycle of one reservation.
type AllocationStatus string

const (
	AllocationActive   AllocationStatus = "active"
	AllocationReleased AllocationStatus = "released"
)

// Allocation is one reservation against a finite resource pool.
type Allocation struct {
	ID           string           `json:"id"`
	ExecutionID  string           `json:"execution_id"`
	ResourceType string           `json:"resource_type"`
	ResourceName string           `json:"resource_name"`
	Quantity     float64          `json:"quantity"`
	Status       AllocationStatus `json:"status"`
	AllocatedAt  time.Time        `json:"allocated_at"`
	ReleasedAt   *time.Time       `json:"released_at,omitempty"`
	ExpiresAt    time.Time        `json:"expires_at"`
}

// AllocationSet groups the allocations made for one request so they can
// be released together.
type AllocationSet struct {
	ExecutionID string       `json:"execution_id"`
	Allocations []Allocation `json:"allocations"`
}

// IDs returns the allocation ids in the set.
func (s *AllocationSet) IDs() []string {
	ids := make([]string, 0, len(s.Allocations))
	for _, a := range s.Allocations {
		ids = append(ids, a.ID)
	}
	return ids
}

// Requirement names a quantity of a resource pool.
type Requirement struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Quantity float64 `json:"quantity"`
}

// AvailabilityStatus summarizes whether a set of requirements can be met.
type AvailabilityStatus string

const (
	StatusAvailable   AvailabilityStatus = "available"
	StatusLimited     AvailabilityStatus = "limited"
	StatusUnavailable AvailabilityStatus = "unavailable"
)

// Availability is the result of a pre-flight check. It never reflects a
// reservation; checking does not mutate ledger state.
type Availability struct {
	Status       AvailabilityStatus `json:"status"`
	WaitEstimate time.Duration      `json:"wait_estimate,omitempty"`
	Detail       string             `json:"detail,omitempty"`
}

// PoolStatus is a point-in-time view of one resource pool.
type PoolStatus struct {
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	Capacity       float64 `json:"capacity"`
	Allocated      float64 `json:"allocated"`
	Available      float64 `json:"available"`
	QuotaLimit     float64 `json:"quota_limit"`
	QuotaUsed      float64 `json:"quota_used"`
	QuotaRemaining float64 `json:"quota_remaining"`
	QuotaPeriod    string  `json:"quota_period"`
	PeriodKey      string  `json:"period_key"`
}

// UsageRecord is one append-only usage entry against a pool's quota.
type UsageRecord struct {
	ID           string    `json:"id"`
	ExecutionID  string    `json:"execution_id"`
	ResourceName string    `json:"resource_name"`
	Quantity     float64   `json:"quantity"`
	CostUSD      float64   `json:"cost_usd"`
	PeriodKey    string    `json:"period_key"`
	RecordedAt   time.Time `json:"recorded_at"`
}
