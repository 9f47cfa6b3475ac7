// Package api exposes the read-side HTTP interface: run listings, run
// detail, KPI snapshots, and manual outcome overrides.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
	"github.com/hochfrequenz/proposal-orchestrator/internal/kpi"
	"github.com/hochfrequenz/proposal-orchestrator/internal/runstore"
)

// Store is the slice of the run store the API reads from.
type Store interface {
	ListRuns(opts runstore.ListOptions) ([]*domain.Run, error)
	GetRun(id string) (*domain.Run, error)
	GetStageExecutions(runID string) ([]*domain.StageExecution, error)
	GetOutcome(runID string) (*domain.OutcomeRecord, error)
	UpdateOutcomeState(runID string, state domain.OutcomeState, checkedAt time.Time) error
}

// Metrics produces KPI snapshots on demand.
type Metrics interface {
	Snapshot() (*kpi.Snapshot, error)
}

type Server struct {
	store   Store
	metrics Metrics
	server  *http.Server
}

func NewServer(host string, port int, store Store, metrics Metrics) *Server {
	s := &Server{store: store, metrics: metrics}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunDetail)
	mux.HandleFunc("/api/kpis", s.handleKPIs)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("api: listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
