package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/hochfrequenz/proposal-orchestrator/internal/collab"
	"github.com/hochfrequenz/proposal-orchestrator/internal/config"
	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
)

// GHSource fetches and updates GitHub issues via the gh CLI.
type GHSource struct {
	config *config.TrackerConfig
}

// NewGHSource creates a Source backed by the gh CLI.
func NewGHSource(cfg *config.TrackerConfig) *GHSource {
	return &GHSource{config: cfg}
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// Query returns open issues carrying the candidate label but not the
// clarification label. Eligibility is re-derived from the tracker on every
// call, never from local memory.
func (s *GHSource) Query(ctx context.Context) ([]domain.TicketSummary, error) {
	output, err := s.gh(ctx, "issue", "list",
		"--repo", s.config.Repo,
		"--label", s.config.CandidateLabel,
		"--state", "open",
		"--json", "number,title,labels",
		"--limit", "100")
	if err != nil {
		return nil, err
	}

	var issues []ghIssue
	if err := json.Unmarshal(output, &issues); err != nil {
		return nil, collab.Permanent("tracker.query", fmt.Errorf("parse gh output: %w", err))
	}

	var candidates []domain.TicketSummary
	for _, gh := range issues {
		if hasLabel(gh, s.config.ClarificationLabel) {
			continue
		}
		candidates = append(candidates, domain.TicketSummary{
			Key:   fmt.Sprintf("%d", gh.Number),
			Title: gh.Title,
		})
	}
	return candidates, nil
}

// Fetch returns the full content of one issue.
func (s *GHSource) Fetch(ctx context.Context, key string) (*domain.Ticket, error) {
	output, err := s.gh(ctx, "issue", "view", key,
		"--repo", s.config.Repo,
		"--json", "number,title,body,labels")
	if err != nil {
		return nil, err
	}

	var gh ghIssue
	if err := json.Unmarshal(output, &gh); err != nil {
		return nil, collab.Permanent("tracker.fetch", fmt.Errorf("parse gh output: %w", err))
	}
	return parseTicket(&gh), nil
}

// Comment posts a comment on an issue.
func (s *GHSource) Comment(ctx context.Context, key, body string) error {
	_, err := s.gh(ctx, "issue", "comment", key,
		"--repo", s.config.Repo,
		"--body", body)
	return err
}

// Label adds a label to an issue.
func (s *GHSource) Label(ctx context.Context, key, label string) error {
	_, err := s.gh(ctx, "issue", "edit", key,
		"--repo", s.config.Repo,
		"--add-label", label)
	return err
}

func (s *GHSource) gh(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		op := "tracker." + args[0] + "." + args[1]
		detail := strings.TrimSpace(stderr.String())
		wrapped := fmt.Errorf("gh %s %s: %w: %s", args[0], args[1], err, detail)
		if permanentGHFailure(detail) {
			return nil, collab.Permanent(op, wrapped)
		}
		return nil, collab.Transient(op, wrapped)
	}
	return output, nil
}

// permanentGHFailure recognizes gh CLI errors that a retry cannot fix.
func permanentGHFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range []string{
		"could not resolve",
		"not found",
		"authentication",
		"auth login",
		"bad credentials",
		"unknown flag",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func parseTicket(gh *ghIssue) *domain.Ticket {
	labels := make([]string, len(gh.Labels))
	for i, l := range gh.Labels {
		labels[i] = l.Name
	}

	body, criteria := splitAcceptanceCriteria(gh.Body)

	return &domain.Ticket{
		Key:                fmt.Sprintf("%d", gh.Number),
		Title:              gh.Title,
		Description:        body,
		AcceptanceCriteria: criteria,
		Labels:             labels,
	}
}

// splitAcceptanceCriteria separates an "Acceptance Criteria" section from
// the issue body when one is present.
func splitAcceptanceCriteria(body string) (description, criteria string) {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		heading := strings.ToLower(strings.TrimLeft(strings.TrimSpace(line), "# "))
		if strings.HasPrefix(heading, "acceptance criteria") {
			description = strings.TrimSpace(strings.Join(lines[:i], "\n"))
			criteria = strings.TrimSpace(strings.Join(lines[i+1:], "\n"))
			return description, criteria
		}
	}
	return strings.TrimSpace(body), ""
}

func hasLabel(gh ghIssue, target string) bool {
	for _, l := range gh.Labels {
		if l.Name == target {
			return true
		}
	}
	return false
}
