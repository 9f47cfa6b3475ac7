package domain

import "time"

// Run represents one pipeline execution for one work item instance.
// Runs are append-only: they are created by the poller, mutated only by
// the engine, and never deleted.
type Run struct {
	ID                string     `json:"id"`
	TicketKey         string     `json:"ticket_key"`
	Status            RunStatus  `json:"status"`
	CompletenessScore *float64   `json:"completeness_score,omitempty"`
	DryRun            bool       `json:"dry_run"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	Version           int64      `json:"version"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// StageExecution records one stage of a run. Rows for a run appear in
// exact pipeline order.
type StageExecution struct {
	ID          int64       `json:"id"`
	RunID       string      `json:"run_id"`
	Stage       string      `json:"stage"`
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
	OutputRef   string      `json:"output_ref,omitempty"`
	ErrorDetail string      `json:"error_detail,omitempty"`
}

// OutcomeRecord tracks the externally observed fate of the draft change a
// completed run produced. It exists if and only if the terminal pipeline
// stage succeeded.
type OutcomeRecord struct {
	RunID         string       `json:"run_id"`
	ExternalRef   string       `json:"external_ref"`
	PRNumber      int          `json:"pr_number,omitempty"`
	State         OutcomeState `json:"state"`
	LastCheckedAt time.Time    `json:"last_checked_at"`
}

// GroundTruthLabel is a human-supplied correctness annotation, keyed by
// ticket and used only for KPI measurement.
type GroundTruthLabel struct {
	TicketKey string      `json:"ticket_key"`
	Label     GroundTruth `json:"label"`
	LabeledBy string      `json:"labeled_by,omitempty"`
	Notes     string      `json:"notes,omitempty"`
	LabeledAt time.Time   `json:"labeled_at"`
}
