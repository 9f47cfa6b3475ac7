// Package reconciler refreshes the review state of open proposals. It only
// ever touches outcome records, never run statuses.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/hochfrequenz/proposal-orchestrator/internal/codehost"
	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
	"github.com/hochfrequenz/proposal-orchestrator/internal/runstore"
)

type Reconciler struct {
	store *runstore.Store
	host  codehost.Host
}

func New(store *runstore.Store, host codehost.Host) *Reconciler {
	return &Reconciler{store: store, host: host}
}

// Tick checks every unresolved outcome against the code host. Failures on
// individual outcomes are logged and do not stop the sweep.
func (r *Reconciler) Tick(ctx context.Context) {
	pending, err := r.store.ListPendingOutcomes()
	if err != nil {
		log.Printf("reconciler: listing pending outcomes: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	log.Printf("reconciler: checking %d pending outcome(s)", len(pending))

	for _, item := range pending {
		if ctx.Err() != nil {
			return
		}
		now := time.Now().UTC()
		if item.Outcome.PRNumber == 0 {
			// Placeholder from a dry run, nothing to check remotely.
			if err := r.store.UpdateOutcomeState(item.Run.ID, item.Outcome.State, now); err != nil {
				log.Printf("reconciler: run %s: touching outcome: %v", item.Run.ID, err)
			}
			continue
		}
		handle := &domain.ChangeHandle{Number: item.Outcome.PRNumber, URL: item.Outcome.ExternalRef}
		state, err := r.host.GetChangeStatus(ctx, handle)
		if err != nil {
			log.Printf("reconciler: run %s: checking PR #%d: %v", item.Run.ID, item.Outcome.PRNumber, err)
			continue
		}
		if err := r.store.UpdateOutcomeState(item.Run.ID, state, now); err != nil {
			log.Printf("reconciler: run %s: updating outcome: %v", item.Run.ID, err)
			continue
		}
		if state != item.Outcome.State {
			log.Printf("reconciler: run %s: PR #%d %s -> %s", item.Run.ID, item.Outcome.PRNumber, item.Outcome.State, state)
		}
	}
}
