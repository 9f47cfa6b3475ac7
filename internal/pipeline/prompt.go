package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
)

const scoreSystemPrompt = `You are a software delivery assistant that judges whether a ticket
contains enough information to start development. Respond with JSON only.`

const scorePromptTemplate = `Evaluate the following ticket for completeness.

Ticket #%s: %s

Description:
%s

Acceptance criteria:
%s

Labels: %s
Priority: %s

Score the ticket between 0.0 (no usable information) and 1.0 (fully
actionable). Return a JSON object with this exact structure:
` + "```json" + `
{
  "completeness_score": 0.0,
  "decision": "complete" or "incomplete",
  "missing_fields": [
    { "field_name": "...", "severity": "high|medium|low", "description": "..." }
  ],
  "clarification_questions": ["..."]
}
` + "```" + `
`

// BuildScorePrompt renders the completeness evaluation prompt.
func BuildScorePrompt(ticket *domain.Ticket) string {
	return fmt.Sprintf(scorePromptTemplate,
		ticket.Key,
		ticket.Title,
		orPlaceholder(ticket.Description, "(empty)"),
		orPlaceholder(ticket.AcceptanceCriteria, "(not provided)"),
		orPlaceholder(strings.Join(ticket.Labels, ", "), "(none)"),
		orPlaceholder(ticket.Priority, "(not set)"),
	)
}

const planSystemPrompt = `You are a senior engineer drafting an implementation plan for a ticket.
Respond with JSON only.`

const planPromptTemplate = `Draft an implementation plan for the ticket below.

Ticket #%s: %s

Description:
%s

Repository: %s/%s (default branch %s)
Languages: %s
Top-level layout:
%s

Return a JSON object:
` + "```json" + `
{ "summary": "one paragraph", "steps": ["step 1", "step 2"] }
` + "```" + `
`

// BuildPlanPrompt renders the planning prompt from the ticket and the
// scouted repository context.
func BuildPlanPrompt(ticket *domain.Ticket, repo *domain.RepoContext) string {
	return fmt.Sprintf(planPromptTemplate,
		ticket.Key,
		ticket.Title,
		orPlaceholder(ticket.Description, "(empty)"),
		repo.Owner, repo.Name, repo.DefaultBranch,
		formatLanguages(repo.Languages),
		formatList(repo.TopLevelPaths),
	)
}

const proposeSystemPrompt = `You are a senior engineer writing a concrete code change proposal.
Respond with JSON only.`

const proposePromptTemplate = `Produce a code change proposal implementing this plan.

Ticket #%s: %s

Plan summary: %s
Steps:
%s

Return a JSON object:
` + "```json" + `
{
  "branch_name": "proposal/short-slug",
  "title": "change title",
  "summary": "what the change does",
  "diff": "a unified diff against %s"
}
` + "```" + `
`

// BuildProposePrompt renders the code proposal prompt.
func BuildProposePrompt(ticket *domain.Ticket, repo *domain.RepoContext, plan *PlanResult) string {
	return fmt.Sprintf(proposePromptTemplate,
		ticket.Key,
		ticket.Title,
		plan.Summary,
		formatList(plan.Steps),
		repo.DefaultBranch,
	)
}

const testsSystemPrompt = `You are a senior engineer suggesting tests for a proposed change.
Respond with JSON only.`

const testsPromptTemplate = `Suggest tests for the change below.

Ticket #%s: %s
Change summary: %s

Return a JSON object:
` + "```json" + `
{ "suggestions": ["test 1", "test 2"] }
` + "```" + `
`

// BuildTestsPrompt renders the test suggestion prompt.
func BuildTestsPrompt(ticket *domain.Ticket, proposal *ProposalResult) string {
	return fmt.Sprintf(testsPromptTemplate,
		ticket.Key,
		ticket.Title,
		proposal.Summary,
	)
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return "- " + strings.Join(items, "\n- ")
}

func formatLanguages(languages map[string]int) string {
	if len(languages) == 0 {
		return "(unknown)"
	}
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
