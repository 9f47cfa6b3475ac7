package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hochfrequenz/proposal-orchestrator/internal/config"
	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
	"github.com/hochfrequenz/proposal-orchestrator/internal/runstore"
	"github.com/hochfrequenz/proposal-orchestrator/internal/tracker"
)

// Engine drives a single run through the stage sequence, persisting every
// transition and stage execution to the store.
type Engine struct {
	store  *runstore.Store
	source tracker.Source
	stages []Stage
	cfg    *config.Config
}

func New(store *runstore.Store, source tracker.Source, stages []Stage, cfg *config.Config) *Engine {
	return &Engine{store: store, source: source, stages: stages, cfg: cfg}
}

// Execute processes the run to a terminal status. Pipeline failures are
// recorded on the run and do not propagate; only store failures return an
// error.
func (e *Engine) Execute(ctx context.Context, run *domain.Run) error {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Pipeline.RunTimeout.Std())
	defer cancel()

	rc := &RunContext{Run: run}
	log.Printf("run %s: starting pipeline for ticket %s (dry-run=%v)", run.ID, run.TicketKey, run.DryRun)

	for i, stage := range e.stages {
		if err := e.store.TransitionRun(run.ID, stage.Status); err != nil {
			return e.failFatal(run.ID, fmt.Errorf("store transition to %s failed: %w", stage.Status, err))
		}

		started := time.Now().UTC()
		var result StageResult
		err := executeWithRetry(runCtx, stage.Name, e.cfg.Pipeline.RetryMaxAttempts, e.cfg.Pipeline.RetryBaseDelay.Std(), func(ctx context.Context) error {
			var herr error
			result, herr = stage.Handler.Execute(ctx, rc)
			return herr
		})
		ended := time.Now().UTC()

		if err != nil {
			reason := err.Error()
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				reason = "timeout"
			}
			aerr := e.appendExecution(run.ID, &domain.StageExecution{
				Stage:       stage.Name,
				Status:      domain.StageFailed,
				StartedAt:   &started,
				EndedAt:     &ended,
				ErrorDetail: reason,
			})
			if aerr != nil {
				return e.failFatal(run.ID, aerr)
			}
			if serr := e.skipRemaining(run.ID, i+1); serr != nil {
				return e.failFatal(run.ID, serr)
			}
			if ferr := e.store.FailRun(run.ID, reason); ferr != nil {
				return fmt.Errorf("run %s: recording failure: %w", run.ID, ferr)
			}
			log.Printf("run %s: stage %s failed: %s", run.ID, stage.Name, reason)
			return nil
		}

		aerr := e.appendExecution(run.ID, &domain.StageExecution{
			Stage:     stage.Name,
			Status:    domain.StageSucceeded,
			StartedAt: &started,
			EndedAt:   &ended,
			OutputRef: result.OutputRef,
		})
		if aerr != nil {
			return e.failFatal(run.ID, aerr)
		}

		if stage.Name == StageScoreCompleteness && rc.Score != nil {
			if err := e.store.SetCompletenessScore(run.ID, rc.Score.Score); err != nil {
				return fmt.Errorf("run %s: persisting score: %w", run.ID, err)
			}
		}

		if stage.Proceed != nil && !stage.Proceed(rc) {
			return e.stopIncomplete(runCtx, rc, i+1)
		}
	}

	if err := e.store.TransitionRun(run.ID, domain.RunCompleted); err != nil {
		return fmt.Errorf("run %s: completing: %w", run.ID, err)
	}
	if rc.Handle != nil {
		outcome := &domain.OutcomeRecord{
			ExternalRef:   rc.Handle.URL,
			PRNumber:      rc.Handle.Number,
			State:         domain.OutcomeOpen,
			LastCheckedAt: time.Now().UTC(),
		}
		if err := e.store.UpsertOutcome(run.ID, outcome); err != nil {
			return fmt.Errorf("run %s: recording outcome: %w", run.ID, err)
		}
	}
	log.Printf("run %s: completed", run.ID)
	return nil
}

// stopIncomplete halts the run at the completeness gate. The clarification
// comment is posted only after the transition is recorded, so a conflicting
// writer never causes a duplicate comment.
func (e *Engine) stopIncomplete(ctx context.Context, rc *RunContext, nextStage int) error {
	run := rc.Run
	err := e.store.TransitionRun(run.ID, domain.RunStoppedIncomplete)
	if errors.Is(err, runstore.ErrTerminal) {
		log.Printf("run %s: already terminal, skipping clarification", run.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("run %s: stopping incomplete: %w", run.ID, err)
	}
	if serr := e.skipRemaining(run.ID, nextStage); serr != nil {
		return fmt.Errorf("run %s: %w", run.ID, serr)
	}
	log.Printf("run %s: ticket %s scored below threshold, stopped", run.ID, run.TicketKey)

	if run.DryRun {
		return nil
	}
	comment := BuildClarificationComment(rc.Score)
	err = executeWithRetry(ctx, "clarify", e.cfg.Pipeline.RetryMaxAttempts, e.cfg.Pipeline.RetryBaseDelay.Std(), func(ctx context.Context) error {
		return e.source.Comment(ctx, run.TicketKey, comment)
	})
	if err != nil {
		log.Printf("run %s: posting clarification comment: %v", run.ID, err)
	}
	err = executeWithRetry(ctx, "label", e.cfg.Pipeline.RetryMaxAttempts, e.cfg.Pipeline.RetryBaseDelay.Std(), func(ctx context.Context) error {
		return e.source.Label(ctx, run.TicketKey, e.cfg.Tracker.ClarificationLabel)
	})
	if err != nil {
		log.Printf("run %s: labeling ticket: %v", run.ID, err)
	}
	return nil
}

func (e *Engine) skipRemaining(runID string, from int) error {
	for _, stage := range e.stages[from:] {
		err := e.appendExecution(runID, &domain.StageExecution{
			Stage:  stage.Name,
			Status: domain.StageSkipped,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) appendExecution(runID string, exec *domain.StageExecution) error {
	if err := e.store.AppendStageExecution(runID, exec); err != nil {
		return fmt.Errorf("recording stage %s: %w", exec.Stage, err)
	}
	return nil
}

// failFatal marks the run failed on a best-effort basis and returns the
// store error that made the run unrecoverable.
func (e *Engine) failFatal(runID string, err error) error {
	if ferr := e.store.FailRun(runID, err.Error()); ferr != nil {
		log.Printf("run %s: failed to record store failure: %v", runID, ferr)
	}
	return fmt.Errorf("run %s: %w", runID, err)
}

// BuildClarificationComment formats the comment posted on a ticket that
// stopped at the completeness gate.
func BuildClarificationComment(score *ScoreResult) string {
	var b strings.Builder
	b.WriteString("## Ticket needs more detail before a proposal can be drafted\n\n")
	if score != nil {
		fmt.Fprintf(&b, "Completeness score: **%.0f%%**\n\n", score.Score*100)
		if len(score.Missing) > 0 {
			b.WriteString("### Missing information\n\n")
			for _, field := range score.Missing {
				fmt.Fprintf(&b, "- **%s** (%s): %s\n", field.Name, field.Severity, field.Description)
			}
			b.WriteString("\n")
		}
		if len(score.Questions) > 0 {
			b.WriteString("### Clarification questions\n\n")
			for i, q := range score.Questions {
				fmt.Fprintf(&b, "%d. %s\n", i+1, q)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("Once the ticket is updated, request a reprocess to run it again.\n")
	return b.String()
}
