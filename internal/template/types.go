package template

import "time"

// BackoffKind selects the retry delay growth curve.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
)

// Template is a declarative, named multi-stage pipeline definition.
type Template struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Version     string         `yaml:"version"`
	Stages      []Stage        `yaml:"stages"`
	Defaults    StageDefaults  `yaml:"defaults"`
	Metadata    map[string]any `yaml:"metadata"`
}

// StageDefaults apply to stages that leave the field unset.
type StageDefaults struct {
	Timeout time.Duration `yaml:"timeout"`
	Retry   *RetryConfig  `yaml:"retry"`
}

// Stage is one unit of work within a template, dispatched to one worker.
type Stage struct {
	Name        string        `yaml:"name"`
	Worker      string        `yaml:"worker"`
	Action      string        `yaml:"action"`
	StageOrder  int           `yaml:"stage_order"`
	CanParallel bool          `yaml:"can_parallel"`
	DependsOn   []string      `yaml:"depends_on"`
	Timeout     time.Duration `yaml:"timeout"`
	Retry       *RetryConfig  `yaml:"retry"`
	Optional    bool          `yaml:"optional"`

	// SkipIf is a CEL expression over the previous stage's summary and
	// the execution parameters; when it evaluates true the stage is skipped.
	SkipIf string `yaml:"skip_if"`

	Params    map[string]any        `yaml:"params"`
	Resources []ResourceRequirement `yaml:"resources"`

	EstimatedCostUSD float64 `yaml:"estimated_cost_usd"`
	EstimatedTimeMs  int64   `yaml:"estimated_time_ms"`
}

// RetryConfig bounds stage retry behavior.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     BackoffKind   `yaml:"backoff"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// ResourceRequirement names a quantity of a finite resource pool.
type ResourceRequirement struct {
	Name     string  `yaml:"name"`
	Type     string  `yaml:"type"`
	Quantity float64 `yaml:"quantity"`
}

// ExecutionPlan is the resolved form of a template: ordered stages
// grouped into tiers that may run concurrently.
type ExecutionPlan struct {
	TemplateName string
	Stages       []PlanStage
	Tiers        [][]*PlanStage

	EstimatedTotalCostUSD float64
	EstimatedTotalTimeMs  int64
}

// PlanStage is one stage of an execution plan with defaults applied.
type PlanStage struct {
	Stage
}

// FirstTierRequirements aggregates the resource needs of the first tier,
// used for admission checks before an execution starts.
func (p *ExecutionPlan) FirstTierRequirements() []ResourceRequirement {
	if len(p.Tiers) == 0 {
		return nil
	}

	merged := make(map[string]ResourceRequirement)
	for _, stage := range p.Tiers[0] {
		for _, req := range stage.Resources {
			m := merged[req.Name]
			m.Name = req.Name
			m.Type = req.Type
			m.Quantity += req.Quantity
			merged[req.Name] = m
		}
	}

	reqs := make([]ResourceRequirement, 0, len(merged))
	for _, req := range merged {
		reqs = append(reqs, req)
	}
	return reqs
}
