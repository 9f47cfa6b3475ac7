// Package tracker provides the issue-tracker collaborator. Work items are
// GitHub issues carrying a candidate label; the implementation drives the
// gh CLI.
package tracker

import (
	"context"

	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
)

// Source is the ticket-tracker collaborator contract.
type Source interface {
	// Fetch returns the full content of one ticket.
	Fetch(ctx context.Context, key string) (*domain.Ticket, error)
	// Query returns candidate tickets matching the configured filter.
	Query(ctx context.Context) ([]domain.TicketSummary, error)
	// Comment posts a comment on a ticket.
	Comment(ctx context.Context, key, body string) error
	// Label adds a label to a ticket.
	Label(ctx context.Context, key, label string) error
}
