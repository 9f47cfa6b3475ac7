package runstore

import (
	"errors"
	"testing"
	"time"

	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_CreateRunIfAbsent(t *testing.T) {
	store := newTestStore(t)

	run, created, err := store.CreateRunIfAbsent("42", false)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected first call to create a run")
	}
	if run.Status != domain.RunFetching {
		t.Errorf("Status = %q, want %q", run.Status, domain.RunFetching)
	}

	// A second call while the run is in flight returns the same run.
	again, created, err := store.CreateRunIfAbsent("42", false)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("expected no new run while one is in flight")
	}
	if again.ID != run.ID {
		t.Errorf("ID = %q, want %q", again.ID, run.ID)
	}
}

func TestStore_CreateRunIfAbsent_TerminalBlocksRedispatch(t *testing.T) {
	store := newTestStore(t)

	run, _, err := store.CreateRunIfAbsent("42", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.TransitionRun(run.ID, domain.RunCompleted); err != nil {
		t.Fatal(err)
	}

	// Terminal run without a reprocess request still blocks.
	prior, created, err := store.CreateRunIfAbsent("42", false)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("expected terminal run to block a new dispatch")
	}
	if prior.ID != run.ID {
		t.Errorf("ID = %q, want %q", prior.ID, run.ID)
	}

	if err := store.RequestReprocess("42"); err != nil {
		t.Fatal(err)
	}
	fresh, created, err := store.CreateRunIfAbsent("42", false)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected reprocess request to allow a new run")
	}
	if fresh.ID == run.ID {
		t.Error("expected a fresh run ID after reprocess")
	}

	// The reprocess flag is consumed by the new dispatch.
	_, created, err = store.CreateRunIfAbsent("42", false)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("expected reprocess flag to be cleared after one dispatch")
	}
}

func TestStore_TransitionRun_Terminal(t *testing.T) {
	store := newTestStore(t)

	run, _, err := store.CreateRunIfAbsent("7", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.TransitionRun(run.ID, domain.RunScoring); err != nil {
		t.Fatal(err)
	}
	if err := store.FailRun(run.ID, "tracker unreachable"); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunFailed {
		t.Errorf("Status = %q, want %q", got.Status, domain.RunFailed)
	}
	if got.FailureReason != "tracker unreachable" {
		t.Errorf("FailureReason = %q", got.FailureReason)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set on terminal status")
	}

	// Terminal runs refuse further transitions.
	err = store.TransitionRun(run.ID, domain.RunCompleted)
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("err = %v, want ErrTerminal", err)
	}
}

func TestStore_GetRun_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRun("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_SetCompletenessScore(t *testing.T) {
	store := newTestStore(t)

	run, _, err := store.CreateRunIfAbsent("9", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetCompletenessScore(run.ID, 0.42); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletenessScore == nil || *got.CompletenessScore != 0.42 {
		t.Errorf("CompletenessScore = %v, want 0.42", got.CompletenessScore)
	}
}

func TestStore_StageExecutionsOrdered(t *testing.T) {
	store := newTestStore(t)

	run, _, err := store.CreateRunIfAbsent("11", false)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	stages := []string{"fetch_ticket", "score_completeness", "scout_repo"}
	for _, stage := range stages {
		err := store.AppendStageExecution(run.ID, &domain.StageExecution{
			Stage:     stage,
			Status:    domain.StageSucceeded,
			StartedAt: &now,
			EndedAt:   &now,
			OutputRef: "ref/" + stage,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	execs, err := store.GetStageExecutions(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != len(stages) {
		t.Fatalf("got %d executions, want %d", len(execs), len(stages))
	}
	for i, e := range execs {
		if e.Stage != stages[i] {
			t.Errorf("execs[%d].Stage = %q, want %q", i, e.Stage, stages[i])
		}
	}
}

func TestStore_OutcomeLifecycle(t *testing.T) {
	store := newTestStore(t)

	run, _, err := store.CreateRunIfAbsent("13", false)
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.GetOutcome(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("expected no outcome for a fresh run")
	}

	err = store.UpsertOutcome(run.ID, &domain.OutcomeRecord{
		ExternalRef:   "https://example.test/pr/5",
		PRNumber:      5,
		State:         domain.OutcomeOpen,
		LastCheckedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := store.UpdateOutcomeState(run.ID, domain.OutcomeApproved, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetOutcome(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.OutcomeApproved {
		t.Errorf("State = %q, want %q", got.State, domain.OutcomeApproved)
	}
	if got.PRNumber != 5 {
		t.Errorf("PRNumber = %d, want 5", got.PRNumber)
	}
}

func TestStore_ListPendingOutcomes(t *testing.T) {
	store := newTestStore(t)

	open, _, err := store.CreateRunIfAbsent("20", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.TransitionRun(open.ID, domain.RunCompleted); err != nil {
		t.Fatal(err)
	}
	err = store.UpsertOutcome(open.ID, &domain.OutcomeRecord{
		ExternalRef: "https://example.test/pr/1", PRNumber: 1,
		State: domain.OutcomeOpen, LastCheckedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	resolved, _, err := store.CreateRunIfAbsent("21", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.TransitionRun(resolved.ID, domain.RunCompleted); err != nil {
		t.Fatal(err)
	}
	err = store.UpsertOutcome(resolved.ID, &domain.OutcomeRecord{
		ExternalRef: "https://example.test/pr/2", PRNumber: 2,
		State: domain.OutcomeMerged, LastCheckedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}

	pending, err := store.ListPendingOutcomes()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending outcomes, want 1", len(pending))
	}
	if pending[0].Run.ID != open.ID {
		t.Errorf("pending run = %q, want %q", pending[0].Run.ID, open.ID)
	}
}

func TestStore_ListRunsFilters(t *testing.T) {
	store := newTestStore(t)

	a, _, err := store.CreateRunIfAbsent("30", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.FailRun(a.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.CreateRunIfAbsent("31", false); err != nil {
		t.Fatal(err)
	}

	failed, err := store.ListRuns(ListOptions{Status: domain.RunFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ID != a.ID {
		t.Errorf("Status filter returned %d runs", len(failed))
	}

	byTicket, err := store.ListRuns(ListOptions{TicketKey: "31"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byTicket) != 1 || byTicket[0].TicketKey != "31" {
		t.Errorf("TicketKey filter returned %d runs", len(byTicket))
	}

	all, err := store.ListRuns(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("got %d runs, want 2", len(all))
	}
}

func TestStore_GroundTruthUpsert(t *testing.T) {
	store := newTestStore(t)

	err := store.SetGroundTruth(&domain.GroundTruthLabel{
		TicketKey: "50", Label: domain.TruthIncomplete, LabeledBy: "alex",
	})
	if err != nil {
		t.Fatal(err)
	}
	// Re-labeling replaces, not duplicates.
	err = store.SetGroundTruth(&domain.GroundTruthLabel{
		TicketKey: "50", Label: domain.TruthComplete, LabeledBy: "alex",
	})
	if err != nil {
		t.Fatal(err)
	}

	labels, err := store.ListGroundTruth()
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 1 {
		t.Fatalf("got %d labels, want 1", len(labels))
	}
	if labels[0].Label != domain.TruthComplete {
		t.Errorf("Label = %q, want %q", labels[0].Label, domain.TruthComplete)
	}
}

func TestStore_ListActiveTicketKeys(t *testing.T) {
	store := newTestStore(t)

	active, _, err := store.CreateRunIfAbsent("60", false)
	if err != nil {
		t.Fatal(err)
	}
	done, _, err := store.CreateRunIfAbsent("61", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.TransitionRun(done.ID, domain.RunCompleted); err != nil {
		t.Fatal(err)
	}

	keys, err := store.ListActiveTicketKeys()
	if err != nil {
		t.Fatal(err)
	}
	if !keys[active.TicketKey] {
		t.Errorf("expected %q to be active", active.TicketKey)
	}
	if keys[done.TicketKey] {
		t.Errorf("expected %q not to be active", done.TicketKey)
	}
}
