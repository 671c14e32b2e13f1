package template

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrInvalidTemplate  = errors.New("invalid template")
)

// Resolve loads the named template and produces an ExecutionPlan:
// stages sorted by stage_order, grouped into tiers that may run
// concurrently, with aggregate cost and time estimates.
func (r *Registry) Resolve(name string) (*ExecutionPlan, error) {
	tmpl, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return BuildPlan(tmpl)
}

// BuildPlan validates a template and derives its execution plan.
func BuildPlan(tmpl *Template) (*ExecutionPlan, error) {
	if len(tmpl.Stages) == 0 {
		return nil, fmt.Errorf("%w: template %q has no stages", ErrInvalidTemplate, tmpl.Name)
	}

	if err := validateStages(tmpl); err != nil {
		return nil, err
	}

	plan := &ExecutionPlan{
		TemplateName: tmpl.Name,
		Stages:       make([]PlanStage, 0, len(tmpl.Stages)),
	}

	for _, stage := range tmpl.Stages {
		applyDefaults(&stage, &tmpl.Defaults)
		plan.Stages = append(plan.Stages, PlanStage{Stage: stage})
	}

	sort.SliceStable(plan.Stages, func(i, j int) bool {
		return plan.Stages[i].StageOrder < plan.Stages[j].StageOrder
	})

	plan.Tiers = buildTiers(plan.Stages)

	for _, tier := range plan.Tiers {
		var tierCost float64
		var tierTime int64
		for _, stage := range tier {
			tierCost += stage.EstimatedCostUSD
			if stage.EstimatedTimeMs > tierTime {
				tierTime = stage.EstimatedTimeMs
			}
		}
		plan.EstimatedTotalCostUSD += tierCost
		plan.EstimatedTotalTimeMs += tierTime
	}

	return plan, nil
}

// buildTiers groups stages sharing a stage_order into one tier. Stages
// in the same tier must all be parallelizable; a non-parallel stage gets
// its own tier even when it shares an order with others.
func buildTiers(stages []PlanStage) [][]*PlanStage {
	var tiers [][]*PlanStage

	for i := range stages {
		stage := &stages[i]

		if len(tiers) > 0 {
			last := tiers[len(tiers)-1]
			sameOrder := last[0].StageOrder == stage.StageOrder
			if sameOrder && stage.CanParallel && last[0].CanParallel {
				tiers[len(tiers)-1] = append(last, stage)
				continue
			}
		}

		tiers = append(tiers, []*PlanStage{stage})
	}

	return tiers
}

func validateStages(tmpl *Template) error {
	names := make(map[string]*Stage, len(tmpl.Stages))
	for i := range tmpl.Stages {
		stage := &tmpl.Stages[i]

		if stage.Name == "" {
			return fmt.Errorf("%w: template %q stage %d has no name", ErrInvalidTemplate, tmpl.Name, i)
		}
		if _, dup := names[stage.Name]; dup {
			return fmt.Errorf("%w: template %q has duplicate stage %q", ErrInvalidTemplate, tmpl.Name, stage.Name)
		}
		names[stage.Name] = stage

		if stage.Worker == "" {
			return fmt.Errorf("%w: template %q stage %q has no worker", ErrInvalidTemplate, tmpl.Name, stage.Name)
		}

		if stage.StageOrder < 1 || stage.StageOrder > len(tmpl.Stages) {
			return fmt.Errorf("%w: template %q stage %q has out-of-range stage_order %d",
				ErrInvalidTemplate, tmpl.Name, stage.Name, stage.StageOrder)
		}
	}

	for _, stage := range tmpl.Stages {
		for _, dep := range stage.DependsOn {
			depStage, ok := names[dep]
			if !ok {
				return fmt.Errorf("%w: template %q stage %q depends on unknown stage %q",
					ErrInvalidTemplate, tmpl.Name, stage.Name, dep)
			}
			if depStage.StageOrder >= stage.StageOrder {
				return fmt.Errorf("%w: template %q stage %q depends on %q which does not run earlier",
					ErrInvalidTemplate, tmpl.Name, stage.Name, dep)
			}
		}
	}

	if err := detectCycle(tmpl, names); err != nil {
		return err
	}

	return nil
}

func detectCycle(tmpl *Template, names map[string]*Stage) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)

	state := make(map[string]int, len(names))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			return fmt.Errorf("%w: template %q has a dependency cycle through stage %q",
				ErrInvalidTemplate, tmpl.Name, name)
		case done:
			return nil
		}

		state[name] = visiting
		for _, dep := range names[name].DependsOn {
			if _, ok := names[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}

	return nil
}

func applyDefaults(stage *Stage, defaults *StageDefaults) {
	if stage.Timeout == 0 {
		stage.Timeout = defaults.Timeout
	}
	if stage.Retry == nil {
		stage.Retry = defaults.Retry
	}
	if stage.Retry != nil && stage.Retry.Backoff == "" {
		stage.Retry.Backoff = BackoffExponential
	}
}
