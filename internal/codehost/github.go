package codehost

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/hochfrequenz/proposal-orchestrator/internal/collab"
	"github.com/hochfrequenz/proposal-orchestrator/internal/config"
	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
)

// GitHub implements Host against the GitHub REST API.
type GitHub struct {
	client     *github.Client
	owner      string
	repo       string
	baseBranch string
}

// NewGitHub creates an authenticated GitHub host.
func NewGitHub(ctx context.Context, cfg *config.GitHubConfig) (*GitHub, error) {
	token := cfg.ResolveToken()
	if token == "" {
		return nil, fmt.Errorf("github token not set (config [github].token or GITHUB_TOKEN)")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)

	return &GitHub{
		client:     github.NewClient(tc),
		owner:      cfg.Owner,
		repo:       cfg.Repo,
		baseBranch: cfg.BaseBranch,
	}, nil
}

// AnalyzeRepo gathers metadata, language makeup, and the top-level layout.
func (g *GitHub) AnalyzeRepo(ctx context.Context, owner, name string) (*domain.RepoContext, error) {
	repo, resp, err := g.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return nil, classify("codehost.analyze", resp, err)
	}

	languages, resp, err := g.client.Repositories.ListLanguages(ctx, owner, name)
	if err != nil {
		return nil, classify("codehost.analyze", resp, err)
	}

	_, entries, resp, err := g.client.Repositories.GetContents(ctx, owner, name, "",
		&github.RepositoryContentGetOptions{Ref: repo.GetDefaultBranch()})
	if err != nil {
		return nil, classify("codehost.analyze", resp, err)
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.GetPath())
	}

	return &domain.RepoContext{
		Owner:         owner,
		Name:          name,
		DefaultBranch: repo.GetDefaultBranch(),
		Description:   repo.GetDescription(),
		Languages:     languages,
		TopLevelPaths: paths,
	}, nil
}

// CreateDraftChange creates a branch off the base, commits the proposal
// document to it, and opens a draft pull request.
func (g *GitHub) CreateDraftChange(ctx context.Context, req DraftChangeRequest) (*domain.ChangeHandle, error) {
	baseRef, resp, err := g.client.Git.GetRef(ctx, g.owner, g.repo, "refs/heads/"+g.baseBranch)
	if err != nil {
		return nil, classify("codehost.create", resp, err)
	}

	_, resp, err = g.client.Git.CreateRef(ctx, g.owner, g.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + req.Branch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	})
	if err != nil {
		return nil, classify("codehost.create", resp, err)
	}

	doc := req.Body
	if req.Diff != "" {
		doc += "\n\n## Proposed diff\n\n```diff\n" + req.Diff + "\n```\n"
	}
	path := fmt.Sprintf(".proposals/%s.md", req.Branch)
	_, resp, err = g.client.Repositories.CreateFile(ctx, g.owner, g.repo, path,
		&github.RepositoryContentFileOptions{
			Message: github.String("proposal: " + req.Title),
			Content: []byte(doc),
			Branch:  github.String(req.Branch),
		})
	if err != nil {
		return nil, classify("codehost.create", resp, err)
	}

	pr, resp, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title: github.String(req.Title),
		Head:  github.String(req.Branch),
		Base:  github.String(g.baseBranch),
		Body:  github.String(req.Body),
		Draft: github.Bool(true),
	})
	if err != nil {
		return nil, classify("codehost.create", resp, err)
	}

	return &domain.ChangeHandle{
		Owner:  g.owner,
		Repo:   g.repo,
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Branch: req.Branch,
	}, nil
}

// GetChangeStatus maps the pull request's current state and reviews onto an
// outcome: merged wins, a closed-unmerged PR is rejected, any approving
// review approves, otherwise the change is still open.
func (g *GitHub) GetChangeStatus(ctx context.Context, handle *domain.ChangeHandle) (domain.OutcomeState, error) {
	pr, resp, err := g.client.PullRequests.Get(ctx, handle.Owner, handle.Repo, handle.Number)
	if err != nil {
		return domain.OutcomeUnknown, classify("codehost.status", resp, err)
	}

	reviews, resp, err := g.client.PullRequests.ListReviews(ctx, handle.Owner, handle.Repo, handle.Number,
		&github.ListOptions{PerPage: 100})
	if err != nil {
		return domain.OutcomeUnknown, classify("codehost.status", resp, err)
	}

	return mapChangeState(pr, reviews), nil
}

func mapChangeState(pr *github.PullRequest, reviews []*github.PullRequestReview) domain.OutcomeState {
	if pr.GetMerged() {
		return domain.OutcomeMerged
	}
	if pr.GetState() == "closed" {
		return domain.OutcomeRejected
	}
	for _, r := range reviews {
		if r.GetState() == "APPROVED" {
			return domain.OutcomeApproved
		}
	}
	return domain.OutcomeOpen
}

// classify sorts GitHub API failures into the retry taxonomy: rate limits
// and server errors are transient, other client errors are permanent, and
// failures without a response are network trouble worth retrying.
func classify(op string, resp *github.Response, err error) error {
	if resp == nil || resp.Response == nil {
		return collab.Transient(op, err)
	}
	code := resp.Response.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		return collab.Transient(op, err)
	case code == http.StatusForbidden && resp.Rate.Limit > 0 && resp.Rate.Remaining == 0:
		// Secondary rate limit
		return collab.Transient(op, err)
	case code >= 500:
		return collab.Transient(op, err)
	default:
		return collab.Permanent(op, err)
	}
}
