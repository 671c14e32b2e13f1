package orchestrator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/forgefab/conductor/internal/execution"
	"github.com/forgefab/conductor/internal/handshake"
	"github.com/forgefab/conductor/internal/refstore"
	"github.com/forgefab/conductor/internal/template"
)

// runState is the in-memory bookkeeping for one pipeline run. Stage
// completion may happen from parallel goroutines within a tier, so all
// mutation goes through the mutex.
type runState struct {
	mu sync.Mutex

	params  map[string]any
	records map[string]*execution.StageExecution

	done         map[string]bool
	completedIDs []string
	lastOrder    int
	lastSummary  *handshake.StageSummary
	outputs      map[string]*refstore.DataRef

	totalCostUSD float64
	totalTimeMs  int64

	earlyExit bool
	failure   string
}

// stageInputEnvelope is the payload handed to a stage: the execution
// parameters, the stage's template params and references to earlier
// stage outputs.
type stageInputEnvelope struct {
	Parameters      map[string]any               `json:"parameters,omitempty"`
	StageParams     map[string]any               `json:"stage_params,omitempty"`
	PreviousOutputs map[string]*refstore.DataRef `json:"previous_outputs,omitempty"`
	PreviousSummary *handshake.StageSummary      `json:"previous_summary,omitempty"`
}

// newRunState binds the stage records to the plan and restores any
// checkpointed progress so a resumed run continues where it stopped.
func newRunState(exec *execution.Execution, plan *template.ExecutionPlan, stages []*execution.StageExecution) (*runState, error) {
	state := &runState{
		params:  make(map[string]any),
		records: make(map[string]*execution.StageExecution, len(plan.Stages)),
		done:    make(map[string]bool),
		outputs: make(map[string]*refstore.DataRef),
	}

	if exec.Parameters != "" {
		if err := json.Unmarshal([]byte(exec.Parameters), &state.params); err != nil {
			return nil, fmt.Errorf("parsing execution parameters: %v", err)
		}
	}

	claimed := make([]bool, len(stages))
	for i := range plan.Stages {
		ps := &plan.Stages[i]
		matched := false
		for j, record := range stages {
			if claimed[j] {
				continue
			}
			if record.StageOrder == ps.StageOrder && record.WorkerName == ps.Worker && record.Action == ps.Action {
				claimed[j] = true
				state.records[ps.Name] = record
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("stage records do not match plan: no record for stage %q", ps.Name)
		}
	}

	// Restore progress from terminal stage records. The checkpoint holds
	// the same information; the records are authoritative.
	for i := range plan.Stages {
		ps := &plan.Stages[i]
		record := state.records[ps.Name]
		if !record.Status.Terminal() {
			continue
		}

		state.done[ps.Name] = true
		state.completedIDs = append(state.completedIDs, record.ID)
		if record.StageOrder > state.lastOrder {
			state.lastOrder = record.StageOrder
		}
		state.totalCostUSD += record.CostUSD
		state.totalTimeMs += record.TimeMs

		if record.Status == execution.StageCompleted {
			if record.Summary != "" && record.Summary != "{}" {
				var summary handshake.StageSummary
				if err := json.Unmarshal([]byte(record.Summary), &summary); err == nil {
					state.lastSummary = &summary
				}
			}
			if record.OutputRef != "" {
				var ref refstore.DataRef
				if err := json.Unmarshal([]byte(record.OutputRef), &ref); err == nil {
					state.outputs[ps.Name] = &ref
				}
			}
		}
	}

	return state, nil
}

func (s *runState) record(ps *template.PlanStage) *execution.StageExecution {
	return s.records[ps.Name]
}

func (s *runState) stageDone(ps *template.PlanStage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[ps.Name]
}

func (s *runState) tierDone(tier []*template.PlanStage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ps := range tier {
		if !s.done[ps.Name] {
			return false
		}
	}
	return true
}

// stageInput builds the payload for a stage dispatch.
func (s *runState) stageInput(ps *template.PlanStage) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	envelope := stageInputEnvelope{
		Parameters:      s.params,
		StageParams:     ps.Params,
		PreviousSummary: s.lastSummary,
	}

	if len(ps.DependsOn) > 0 {
		envelope.PreviousOutputs = make(map[string]*refstore.DataRef)
		for _, dep := range ps.DependsOn {
			if ref, ok := s.outputs[dep]; ok {
				envelope.PreviousOutputs[dep] = ref
			}
		}
	} else if len(s.outputs) > 0 {
		envelope.PreviousOutputs = make(map[string]*refstore.DataRef, len(s.outputs))
		for name, ref := range s.outputs {
			envelope.PreviousOutputs[name] = ref
		}
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func (s *runState) prevSummary() *handshake.StageSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSummary
}

func (s *runState) completeStage(recordID string, ps *template.PlanStage, summary *handshake.StageSummary, costUSD float64, timeMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done[ps.Name] {
		return
	}
	s.done[ps.Name] = true
	s.completedIDs = append(s.completedIDs, recordID)
	if ps.StageOrder > s.lastOrder {
		s.lastOrder = ps.StageOrder
	}
	if summary != nil {
		s.lastSummary = summary
	}
	s.totalCostUSD += costUSD
	s.totalTimeMs += timeMs
}

func (s *runState) setOutput(ps *template.PlanStage, ref *refstore.DataRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[ps.Name] = ref
}

func (s *runState) fail(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == "" {
		s.failure = message
	}
}

func (s *runState) checkpoint() *execution.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.completedIDs))
	copy(ids, s.completedIDs)

	return &execution.Checkpoint{
		StageOrder:      s.lastOrder,
		CompletedStages: ids,
		TotalCostUSD:    s.totalCostUSD,
		TotalTimeMs:     s.totalTimeMs,
	}
}
