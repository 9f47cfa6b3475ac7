// Package pipeline defines the fixed stage sequence and the orchestration
// engine that drives one run through it.
package pipeline

import (
	"context"

	"github.com/hochfrequenz/proposal-orchestrator/internal/codehost"
	"github.com/hochfrequenz/proposal-orchestrator/internal/config"
	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
	"github.com/hochfrequenz/proposal-orchestrator/internal/llm"
	"github.com/hochfrequenz/proposal-orchestrator/internal/tracker"
)

// Stage names, in pipeline order.
const (
	StageFetchTicket       = "fetch_ticket"
	StageScoreCompleteness = "score_completeness"
	StageScoutRepo         = "scout_repo"
	StageDraftPlan         = "draft_plan"
	StageProposeChange     = "propose_change"
	StageSuggestTests      = "suggest_tests"
	StageComposeProposal   = "compose_proposal"
)

// Handler executes one stage against the run context.
type Handler interface {
	Execute(ctx context.Context, rc *RunContext) (StageResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, rc *RunContext) (StageResult, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, rc *RunContext) (StageResult, error) {
	return f(ctx, rc)
}

// Stage is one ordered step of the pipeline. Proceed, when set, is the gate
// evaluated after the stage succeeds: returning false stops the run as
// stopped_incomplete instead of advancing.
type Stage struct {
	Name    string
	Status  domain.RunStatus
	Handler Handler
	Proceed func(rc *RunContext) bool
}

// Deps are the collaborators the stage handlers draw on.
type Deps struct {
	Source tracker.Source
	Host   codehost.Host
	LLM    llm.Service
	Config *config.Config
}

// Definition returns the fixed ordered stage list. The completeness gate
// after scoring is the single branch point; every other transition is
// unconditional.
func Definition(deps Deps) []Stage {
	threshold := deps.Config.Pipeline.CompletenessThreshold
	return []Stage{
		{
			Name:    StageFetchTicket,
			Status:  domain.RunFetching,
			Handler: &fetchHandler{source: deps.Source},
		},
		{
			Name:    StageScoreCompleteness,
			Status:  domain.RunScoring,
			Handler: &scoreHandler{svc: deps.LLM},
			Proceed: func(rc *RunContext) bool {
				return rc.Score != nil && rc.Score.Score >= threshold
			},
		},
		{
			Name:   StageScoutRepo,
			Status: domain.RunScouting,
			Handler: &scoutHandler{
				host:  deps.Host,
				owner: deps.Config.GitHub.Owner,
				name:  deps.Config.GitHub.Repo,
			},
		},
		{
			Name:    StageDraftPlan,
			Status:  domain.RunPlanning,
			Handler: &planHandler{svc: deps.LLM},
		},
		{
			Name:    StageProposeChange,
			Status:  domain.RunProposing,
			Handler: &proposeHandler{svc: deps.LLM},
		},
		{
			Name:    StageSuggestTests,
			Status:  domain.RunTesting,
			Handler: &testsHandler{svc: deps.LLM},
		},
		{
			Name:    StageComposeProposal,
			Status:  domain.RunComposing,
			Handler: &composeHandler{host: deps.Host},
		},
	}
}
