// Package daemon wires the poller, worker pool, and reconciler into a
// long-running process.
package daemon

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/proposal-orchestrator/internal/config"
	"github.com/hochfrequenz/proposal-orchestrator/internal/poller"
	"github.com/hochfrequenz/proposal-orchestrator/internal/reconciler"
)

type Daemon struct {
	cfg        *config.Config
	poller     *poller.Poller
	reconciler *reconciler.Reconciler
	cron       *cron.Cron

	pollBusy      atomic.Bool
	reconcileBusy atomic.Bool
}

func New(cfg *config.Config, p *poller.Poller, r *reconciler.Reconciler) *Daemon {
	return &Daemon{cfg: cfg, poller: p, reconciler: r, cron: cron.New()}
}

// Run starts the workers and schedules the poll and reconcile loops, then
// blocks until ctx is cancelled. A tick that is still running when the next
// one fires is skipped.
func (d *Daemon) Run(ctx context.Context) error {
	d.poller.StartWorkers(ctx, d.cfg.Pipeline.MaxConcurrentRuns)

	_, err := d.cron.AddFunc("@every "+d.cfg.Tracker.PollInterval.String(), func() {
		if !d.pollBusy.CompareAndSwap(false, true) {
			log.Printf("daemon: poll tick still running, skipping")
			return
		}
		defer d.pollBusy.Store(false)
		d.poller.Tick(ctx)
	})
	if err != nil {
		return err
	}
	_, err = d.cron.AddFunc("@every "+d.cfg.GitHub.ReconcileInterval.String(), func() {
		if !d.reconcileBusy.CompareAndSwap(false, true) {
			log.Printf("daemon: reconcile tick still running, skipping")
			return
		}
		defer d.reconcileBusy.Store(false)
		d.reconciler.Tick(ctx)
	})
	if err != nil {
		return err
	}

	// One immediate poll so a fresh daemon does not wait a full interval.
	d.poller.Tick(ctx)

	d.cron.Start()
	log.Printf("daemon: started (poll %s, reconcile %s, %d worker(s))",
		d.cfg.Tracker.PollInterval, d.cfg.GitHub.ReconcileInterval, d.cfg.Pipeline.MaxConcurrentRuns)

	<-ctx.Done()
	stopCtx := d.cron.Stop()
	<-stopCtx.Done()
	d.poller.Wait()
	log.Printf("daemon: stopped")
	return nil
}
