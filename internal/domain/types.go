package domain

// RunStatus represents the pipeline state of a run
type RunStatus string

const (
	RunFetching  RunStatus = "fetching"
	RunScoring   RunStatus = "scoring"
	RunScouting  RunStatus = "scouting"
	RunPlanning  RunStatus = "planning"
	RunProposing RunStatus = "proposing"
	RunTesting   RunStatus = "testing"
	RunComposing RunStatus = "composing"

	// Terminal states
	RunStoppedIncomplete RunStatus = "stopped_incomplete"
	RunCompleted         RunStatus = "completed"
	RunFailed            RunStatus = "failed"
)

// Terminal reports whether the status ends the run's lifecycle.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStoppedIncomplete, RunCompleted, RunFailed:
		return true
	}
	return false
}

// StageStatus represents the execution state of a single stage
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// OutcomeState represents the externally observed state of a draft change
type OutcomeState string

const (
	OutcomeOpen     OutcomeState = "open"
	OutcomeApproved OutcomeState = "approved"
	OutcomeRejected OutcomeState = "rejected"
	OutcomeMerged   OutcomeState = "merged"
	OutcomeUnknown  OutcomeState = "unknown"
)

// Resolved reports whether the outcome no longer needs reconciliation.
func (s OutcomeState) Resolved() bool {
	switch s {
	case OutcomeApproved, OutcomeRejected, OutcomeMerged:
		return true
	}
	return false
}

// GroundTruth is a human verdict on whether a ticket was actually incomplete
type GroundTruth string

const (
	TruthComplete   GroundTruth = "complete"
	TruthIncomplete GroundTruth = "incomplete"
)
