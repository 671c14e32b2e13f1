// Package handshake defines the structured message exchanged between
// the orchestrator and a worker for one stage dispatch.
package handshake

import (
	"time"

	"github.com/forgefab/conductor/internal/refstore"
)

// Packet is the unit of data exchanged with a worker for one stage.
type Packet struct {
	PacketID    string    `json:"packet_id"`
	ExecutionID string    `json:"execution_id"`
	StageID     string    `json:"stage_id"`
	StageOrder  int       `json:"stage_order"`
	Timestamp   time.Time `json:"timestamp"`

	Control   ControlBlock      `json:"control"`
	DataRef   *refstore.DataRef `json:"data_ref,omitempty"`
	Summary   *StageSummary     `json:"summary,omitempty"`
	NextStage *NextStage        `json:"next_stage,omitempty"`
}

// ControlBlock carries dispatch control parameters.
type ControlBlock struct {
	Action     string `json:"action"`
	Priority   string `json:"priority"`
	Checkpoint bool   `json:"checkpoint"`
	TimeoutMs  int64  `json:"timeout_ms"`
	Attempt    int    `json:"attempt"`
	MaxRetries int    `json:"max_retries"`
}

// StageSummary is set by the worker when it finishes a stage.
type StageSummary struct {
	ItemsProcessed   int                `json:"items_processed"`
	QualityScore     float64            `json:"quality_score"`
	ConfidenceLevel  float64            `json:"confidence_level"`
	ProcessingTimeMs int64              `json:"processing_time_ms"`
	ResourceUsage    []ResourceUsage    `json:"resource_usage,omitempty"`
	Errors           []string           `json:"errors,omitempty"`
	Warnings         []string           `json:"warnings,omitempty"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`

	// ContinuePipeline false is a worker-declared early exit: the
	// pipeline finishes successfully even if stages remain.
	ContinuePipeline bool `json:"continue_pipeline"`
}

// ResourceUsage reports consumption of one resource during a stage.
type ResourceUsage struct {
	ResourceName string  `json:"resource_name"`
	Quantity     float64 `json:"quantity"`
	CostUSD      float64 `json:"cost_usd"`
}

// NextStage carries the worker's instructions for the following stage.
type NextStage struct {
	TargetWorker      string         `json:"target_worker,omitempty"`
	Action            string         `json:"action,omitempty"`
	Params            map[string]any `json:"params,omitempty"`
	RequiredResources []string       `json:"required_resources,omitempty"`
	EstimatedTimeMs   int64          `json:"estimated_time_ms,omitempty"`
	SkipConditions    []string       `json:"skip_conditions,omitempty"`
}

// WorkerResponse is the envelope a worker returns from its process
// endpoint.
type WorkerResponse struct {
	Success       bool            `json:"success"`
	Output        any             `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	Summary       *StageSummary   `json:"summary,omitempty"`
	ResourceUsage []ResourceUsage `json:"resource_usage,omitempty"`
}
