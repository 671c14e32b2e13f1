package execution

import "time"

// Status is the lifecycle state of an execution. Transitions only move
// along pending -> running -> {completed, failed, cancelled}; a failed
// execution can be retried, which creates a new execution row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders admission of queued executions.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Weight returns the admission ordering weight; higher admits first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Weight() > 0
}

// Execution is one request to run a template.
type Execution struct {
	ID           string     `json:"id"`
	RequestID    string     `json:"request_id"`
	ClientID     string     `json:"client_id"`
	TemplateName string     `json:"template_name"`
	Parameters   string     `json:"parameters"` // JSON
	Status       Status     `json:"status"`
	Priority     Priority   `json:"priority"`
	RetryCount   int        `json:"retry_count"`
	RetriedFrom  string     `json:"retried_from,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	TotalCostUSD float64    `json:"total_cost_usd"`
	TotalTimeMs  int64      `json:"total_time_ms"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Checkpoint   string     `json:"checkpoint,omitempty"` // JSON
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// StageStatus is the lifecycle state of one stage within an execution.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Terminal reports whether the stage status is final.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped:
		return true
	}
	return false
}

// StageExecution is one stage's run within an execution.
type StageExecution struct {
	ID          string      `json:"id"`
	ExecutionID string      `json:"execution_id"`
	WorkerName  string      `json:"worker_name"`
	Action      string      `json:"action"`
	StageOrder  int         `json:"stage_order"`
	Status      StageStatus `json:"status"`
	InputRef    string      `json:"input_ref,omitempty"`  // JSON DataRef
	OutputRef   string      `json:"output_ref,omitempty"` // JSON DataRef
	Summary     string      `json:"summary,omitempty"`    // JSON StageSummary
	CostUSD     float64     `json:"cost_usd"`
	TimeMs      int64       `json:"time_ms"`
	RetryCount  int         `json:"retry_count"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Checkpoint is persisted after each completed stage: enough state to
// resume from the next stage if the process restarts mid-pipeline.
type Checkpoint struct {
	StageOrder      int       `json:"stage_order"`
	CompletedStages []string  `json:"completed_stages"`
	TotalCostUSD    float64   `json:"total_cost_usd"`
	TotalTimeMs     int64     `json:"total_time_ms"`
	AllocationIDs   []string  `json:"allocation_ids,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Event is one entry in an execution's audit trail.
type Event struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	EventType   string    `json:"event_type"`
	Message     string    `json:"message"`
	Metadata    string    `json:"metadata,omitempty"` // JSON
	CreatedAt   time.Time `json:"created_at"`
}

// CostRow is one line of an execution's cost breakdown.
type CostRow struct {
	ID           string    `json:"id"`
	ExecutionID  string    `json:"execution_id"`
	StageID      string    `json:"stage_id,omitempty"`
	ResourceName string    `json:"resource_name"`
	Quantity     float64   `json:"quantity"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// Progress is the advisory snapshot served to status polls.
type Progress struct {
	ExecutionID      string  `json:"execution_id"`
	Status           Status  `json:"status"`
	Percent          float64 `json:"percent"`
	CurrentStage     string  `json:"current_stage,omitempty"`
	StagesTotal      int     `json:"stages_total"`
	StagesCompleted  int     `json:"stages_completed"`
	Message          string  `json:"message,omitempty"`
	EstimatedMsLeft  int64   `json:"estimated_ms_remaining,omitempty"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
	ErrorMessage     string  `json:"error_message,omitempty"`
}
