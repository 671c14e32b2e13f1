package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgefab/conductor/internal/handshake"
	"github.com/forgefab/conductor/internal/template"
)

func TestSkipEvaluator(t *testing.T) {
	e, err := NewSkipEvaluator()
	require.NoError(t, err)

	summary := map[string]any{
		"items_processed": 0.0,
		"quality_score":   0.4,
	}
	params := map[string]any{"min_quality": 0.6}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty expression never skips", "", false},
		{"true condition", "summary.items_processed == 0.0", true},
		{"false condition", "summary.items_processed > 10.0", false},
		{"params are visible", "summary.quality_score < params.min_quality", true},
		{"missing key guarded with has", "!has(summary.foo)", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.ShouldSkip(tt.expr, summary, params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSkipEvaluator_Errors(t *testing.T) {
	e, err := NewSkipEvaluator()
	require.NoError(t, err)

	_, err = e.ShouldSkip("summary.items ==", nil, nil)
	require.ErrorIs(t, err, ErrInvalidSkipExpr)

	_, err = e.ShouldSkip(`"not a bool"`, nil, nil)
	require.ErrorIs(t, err, ErrSkipEvaluation)

	// Referencing an absent key fails evaluation rather than skipping.
	_, err = e.ShouldSkip("summary.missing_key == 1.0", map[string]any{}, nil)
	require.Error(t, err)
}

func TestSkipEvaluator_NilMaps(t *testing.T) {
	e, err := NewSkipEvaluator()
	require.NoError(t, err)

	got, err := e.ShouldSkip("size(summary) == 0 && size(params) == 0", nil, nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCoordinator_ShouldSkip(t *testing.T) {
	coord, _ := newTestCoordinator(t, nil)

	stage := &template.PlanStage{Stage: template.Stage{
		Name:   "publish",
		SkipIf: "summary.items_processed == 0.0",
	}}

	skip, err := coord.ShouldSkip(stage, &handshake.StageSummary{ItemsProcessed: 0}, nil)
	require.NoError(t, err)
	assert.True(t, skip)

	skip, err = coord.ShouldSkip(stage, &handshake.StageSummary{ItemsProcessed: 3}, nil)
	require.NoError(t, err)
	assert.False(t, skip)

	// No condition configured.
	skip, err = coord.ShouldSkip(&template.PlanStage{}, nil, nil)
	require.NoError(t, err)
	assert.False(t, skip)
}
