// Package codehost provides the code-hosting collaborator: repository
// analysis, draft change creation, and change status checks.
package codehost

import (
	"context"

	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
)

// DraftChangeRequest describes the proposal to publish as a draft change.
type DraftChangeRequest struct {
	Branch string
	Title  string
	Body   string
	Diff   string
}

// Host is the code-host collaborator contract.
type Host interface {
	// AnalyzeRepo gathers repository context for the scouting stage.
	AnalyzeRepo(ctx context.Context, owner, name string) (*domain.RepoContext, error)
	// CreateDraftChange publishes the proposal as a draft pull request.
	CreateDraftChange(ctx context.Context, req DraftChangeRequest) (*domain.ChangeHandle, error)
	// GetChangeStatus returns the currently observed outcome of a change.
	GetChangeStatus(ctx context.Context, handle *domain.ChangeHandle) (domain.OutcomeState, error)
}
