package domain

import (
	"time"
)

// RunRequest asks the pipeline to score one dataset.
type RunRequest struct {
	DatasetID string `json:"datasetId"`

	// Methods selects a subset of registered methods; empty means all.
	Methods []string `json:"methods,omitempty"`

	// Policy is the fusion policy name; empty uses the configured default.
	Policy string `json:"policy,omitempty"`

	// TierOverrides replaces the configured tier bands for this run.
	TierOverrides TierBands `json:"tierOverrides,omitempty"`

	// QueueCapacity overrides the configured queue capacity when > 0.
	QueueCapacity int `json:"queueCapacity,omitempty"`
}

// RunResult summarizes one completed (or aborted) scoring run.
type RunResult struct {
	ID        string `json:"id"`
	DatasetID string `json:"datasetId"`
	Policy    string `json:"policy"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	Entities         int `json:"entities"`
	MethodsAttempted int `json:"methodsAttempted"`
	MethodsSucceeded int `json:"methodsSucceeded"`
	MethodsFailed    int `json:"methodsFailed"`

	// Failures maps failed method name -> reason.
	Failures map[string]string `json:"failures,omitempty"`

	// TierCounts is the tier distribution histogram over all entities.
	TierCounts map[RiskTier]int `json:"tierCounts,omitempty"`

	// AlertIDs references the alerts committed by this run.
	AlertIDs []string `json:"alertIds,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	ElapsedMs  int64     `json:"elapsedMs"`
}
