package pipeline

import "github.com/hochfrequenz/proposal-orchestrator/internal/domain"

// RunContext carries the accumulated output of prior stages through one run.
// It is created per run and never shared across runs; handlers read earlier
// fields and write exactly the field their stage owns.
type RunContext struct {
	Run      *domain.Run
	Ticket   *domain.Ticket
	Score    *ScoreResult
	Repo     *domain.RepoContext
	Plan     *PlanResult
	Proposal *ProposalResult
	Tests    *TestResult
	Handle   *domain.ChangeHandle
}

// StageResult is what one stage hands back to the engine.
type StageResult struct {
	// OutputRef is an opaque pointer to the produced artifact, persisted on
	// the StageExecution row.
	OutputRef string
}

// ScoreResult is the structured verdict of the completeness stage.
type ScoreResult struct {
	Score     float64        `json:"completeness_score"`
	Decision  string         `json:"decision"`
	Missing   []MissingField `json:"missing_fields"`
	Questions []string       `json:"clarification_questions"`
}

// MissingField names one insufficient part of a ticket.
type MissingField struct {
	Name        string `json:"field_name"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// PlanResult is the implementation plan produced by the planning stage.
type PlanResult struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps"`
}

// ProposalResult is the code change produced by the proposing stage.
type ProposalResult struct {
	BranchName string `json:"branch_name"`
	Title      string `json:"title"`
	Summary    string `json:"summary"`
	Diff       string `json:"diff"`
}

// TestResult is the suggestion list produced by the testing stage.
type TestResult struct {
	Suggestions []string `json:"suggestions"`
}
