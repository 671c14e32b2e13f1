package handlers

import (
	"net/http"
	"sort"

	"github.com/forgefab/conductor/internal/template"
)

type templateSummary struct {
	Name                  string  `json:"name"`
	Description           string  `json:"description,omitempty"`
	Version               string  `json:"version,omitempty"`
	Stages                int     `json:"stages"`
	EstimatedTotalCostUSD float64 `json:"estimated_total_cost_usd"`
	EstimatedTotalTimeMs  int64   `json:"estimated_total_time_ms"`
}

// ListTemplates returns the loaded pipeline templates:
// GET /api/templates.
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates := h.registry.List()

	summaries := make([]templateSummary, 0, len(templates))
	for _, tmpl := range templates {
		s := templateSummary{
			Name:        tmpl.Name,
			Description: tmpl.Description,
			Version:     tmpl.Version,
			Stages:      len(tmpl.Stages),
		}
		if plan, err := template.BuildPlan(tmpl); err == nil {
			s.EstimatedTotalCostUSD = plan.EstimatedTotalCostUSD
			s.EstimatedTotalTimeMs = plan.EstimatedTotalTimeMs
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	JSON(w, http.StatusOK, map[string]any{"templates": summaries})
}
