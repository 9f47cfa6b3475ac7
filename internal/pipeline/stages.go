package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/hochfrequenz/proposal-orchestrator/internal/codehost"
	"github.com/hochfrequenz/proposal-orchestrator/internal/collab"
	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
	"github.com/hochfrequenz/proposal-orchestrator/internal/llm"
	"github.com/hochfrequenz/proposal-orchestrator/internal/tracker"
)

type fetchHandler struct {
	source tracker.Source
}

func (h *fetchHandler) Execute(ctx context.Context, rc *RunContext) (StageResult, error) {
	ticket, err := h.source.Fetch(ctx, rc.Run.TicketKey)
	if err != nil {
		return StageResult{}, err
	}
	rc.Ticket = ticket
	return StageResult{OutputRef: "ticket/" + ticket.Key}, nil
}

type scoreHandler struct {
	svc llm.Service
}

func (h *scoreHandler) Execute(ctx context.Context, rc *RunContext) (StageResult, error) {
	comp, err := h.svc.Complete(ctx, llm.Request{
		System: scoreSystemPrompt,
		Prompt: BuildScorePrompt(rc.Ticket),
	})
	if err != nil {
		return StageResult{}, err
	}

	var result ScoreResult
	if err := llm.DecodeJSON(comp.Text, &result); err != nil {
		// Malformed model output; another completion usually parses.
		return StageResult{}, collab.Transient("llm.score", err)
	}

	if result.Score < 0 {
		result.Score = 0
	}
	if result.Score > 1 {
		result.Score = 1
	}
	rc.Score = &result
	return StageResult{OutputRef: fmt.Sprintf("score/%.2f", result.Score)}, nil
}

type scoutHandler struct {
	host  codehost.Host
	owner string
	name  string
}

func (h *scoutHandler) Execute(ctx context.Context, rc *RunContext) (StageResult, error) {
	repo, err := h.host.AnalyzeRepo(ctx, h.owner, h.name)
	if err != nil {
		return StageResult{}, err
	}
	rc.Repo = repo
	return StageResult{OutputRef: fmt.Sprintf("repo/%s/%s", repo.Owner, repo.Name)}, nil
}

type planHandler struct {
	svc llm.Service
}

func (h *planHandler) Execute(ctx context.Context, rc *RunContext) (StageResult, error) {
	comp, err := h.svc.Complete(ctx, llm.Request{
		System: planSystemPrompt,
		Prompt: BuildPlanPrompt(rc.Ticket, rc.Repo),
	})
	if err != nil {
		return StageResult{}, err
	}

	var plan PlanResult
	if err := llm.DecodeJSON(comp.Text, &plan); err != nil {
		return StageResult{}, collab.Transient("llm.plan", err)
	}
	rc.Plan = &plan
	return StageResult{OutputRef: fmt.Sprintf("plan/%d-steps", len(plan.Steps))}, nil
}

type proposeHandler struct {
	svc llm.Service
}

func (h *proposeHandler) Execute(ctx context.Context, rc *RunContext) (StageResult, error) {
	comp, err := h.svc.Complete(ctx, llm.Request{
		System: proposeSystemPrompt,
		Prompt: BuildProposePrompt(rc.Ticket, rc.Repo, rc.Plan),
	})
	if err != nil {
		return StageResult{}, err
	}

	var proposal ProposalResult
	if err := llm.DecodeJSON(comp.Text, &proposal); err != nil {
		return StageResult{}, collab.Transient("llm.propose", err)
	}
	if proposal.BranchName == "" {
		proposal.BranchName = "proposal/ticket-" + rc.Run.TicketKey
	}
	if proposal.Title == "" {
		proposal.Title = rc.Ticket.Title
	}
	rc.Proposal = &proposal
	return StageResult{OutputRef: "proposal/" + proposal.BranchName}, nil
}

type testsHandler struct {
	svc llm.Service
}

func (h *testsHandler) Execute(ctx context.Context, rc *RunContext) (StageResult, error) {
	comp, err := h.svc.Complete(ctx, llm.Request{
		System: testsSystemPrompt,
		Prompt: BuildTestsPrompt(rc.Ticket, rc.Proposal),
	})
	if err != nil {
		return StageResult{}, err
	}

	var tests TestResult
	if err := llm.DecodeJSON(comp.Text, &tests); err != nil {
		return StageResult{}, collab.Transient("llm.tests", err)
	}
	rc.Tests = &tests
	return StageResult{OutputRef: fmt.Sprintf("tests/%d-suggestions", len(tests.Suggestions))}, nil
}

type composeHandler struct {
	host codehost.Host
}

func (h *composeHandler) Execute(ctx context.Context, rc *RunContext) (StageResult, error) {
	body := BuildProposalBody(rc)

	if rc.Run.DryRun {
		// Suppressed side effect; the handle is a placeholder so the
		// outcome record can still be persisted identically.
		rc.Handle = &domain.ChangeHandle{
			URL:    "dry-run/" + rc.Run.ID,
			Branch: rc.Proposal.BranchName,
		}
		return StageResult{OutputRef: rc.Handle.URL}, nil
	}

	handle, err := h.host.CreateDraftChange(ctx, codehost.DraftChangeRequest{
		Branch: rc.Proposal.BranchName,
		Title:  rc.Proposal.Title,
		Body:   body,
		Diff:   rc.Proposal.Diff,
	})
	if err != nil {
		return StageResult{}, err
	}
	rc.Handle = handle
	return StageResult{OutputRef: handle.URL}, nil
}

// BuildProposalBody assembles the draft change description from the
// accumulated stage outputs.
func BuildProposalBody(rc *RunContext) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("## Summary\n%s\n\n", rc.Proposal.Summary))
	sb.WriteString(fmt.Sprintf("Resolves ticket #%s: %s\n\n", rc.Ticket.Key, rc.Ticket.Title))

	if rc.Plan != nil && len(rc.Plan.Steps) > 0 {
		sb.WriteString("## Implementation plan\n")
		for i, step := range rc.Plan.Steps {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, step))
		}
		sb.WriteString("\n")
	}

	if rc.Tests != nil && len(rc.Tests.Suggestions) > 0 {
		sb.WriteString("## Suggested tests\n")
		for _, t := range rc.Tests.Suggestions {
			sb.WriteString("- " + t + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("---\n")
	sb.WriteString("Draft proposal generated by proposal-orchestrator\n")
	return sb.String()
}
