// Package poller discovers candidate tickets on the tracker and dispatches
// runs to a bounded worker pool.
package poller

import (
	"context"
	"log"
	"sync"

	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
	"github.com/hochfrequenz/proposal-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/proposal-orchestrator/internal/runstore"
	"github.com/hochfrequenz/proposal-orchestrator/internal/tracker"
)

type Poller struct {
	store  *runstore.Store
	source tracker.Source
	engine *pipeline.Engine
	queue  chan *domain.Run
	dryRun bool

	wg sync.WaitGroup
}

func New(store *runstore.Store, source tracker.Source, engine *pipeline.Engine, queueSize int, dryRun bool) *Poller {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Poller{
		store:  store,
		source: source,
		engine: engine,
		queue:  make(chan *domain.Run, queueSize),
		dryRun: dryRun,
	}
}

// Tick queries the tracker once and dispatches a run for every candidate
// ticket that has no run in flight. Tickets that do not fit the queue this
// tick are picked up on the next one.
func (p *Poller) Tick(ctx context.Context) {
	candidates, err := p.source.Query(ctx)
	if err != nil {
		log.Printf("poller: querying tracker: %v", err)
		return
	}
	if len(candidates) == 0 {
		return
	}
	log.Printf("poller: %d candidate ticket(s)", len(candidates))

	active, err := p.store.ListActiveTicketKeys()
	if err != nil {
		log.Printf("poller: listing active tickets: %v", err)
		return
	}

	for _, candidate := range candidates {
		if active[candidate.Key] {
			log.Printf("poller: ticket %s has a run in flight, skipping", candidate.Key)
			continue
		}
		if len(p.queue) == cap(p.queue) {
			log.Printf("poller: queue full, deferring ticket %s", candidate.Key)
			return
		}
		run, created, err := p.store.CreateRunIfAbsent(candidate.Key, p.dryRun)
		if err != nil {
			log.Printf("poller: creating run for ticket %s: %v", candidate.Key, err)
			continue
		}
		if !created {
			log.Printf("poller: ticket %s already handled, skipping", candidate.Key)
			continue
		}
		select {
		case p.queue <- run:
			log.Printf("poller: dispatched run %s for ticket %s", run.ID, run.TicketKey)
		case <-ctx.Done():
			return
		}
	}
}

// StartWorkers launches n workers draining the queue. They exit when ctx is
// cancelled; Wait blocks until they have all returned.
func (p *Poller) StartWorkers(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Poller) Wait() {
	p.wg.Wait()
}

func (p *Poller) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case run := <-p.queue:
			if err := p.engine.Execute(ctx, run); err != nil {
				log.Printf("worker %d: run %s: %v", id, run.ID, err)
			}
		}
	}
}
