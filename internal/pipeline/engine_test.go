package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/proposal-orchestrator/internal/codehost"
	"github.com/hochfrequenz/proposal-orchestrator/internal/collab"
	"github.com/hochfrequenz/proposal-orchestrator/internal/config"
	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
	"github.com/hochfrequenz/proposal-orchestrator/internal/llm"
	"github.com/hochfrequenz/proposal-orchestrator/internal/runstore"
)

type fakeSource struct {
	ticket   *domain.Ticket
	fetchErr error
	comments []string
	labels   []string
}

func (f *fakeSource) Fetch(ctx context.Context, key string) (*domain.Ticket, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.ticket, nil
}

func (f *fakeSource) Query(ctx context.Context) ([]domain.TicketSummary, error) {
	return nil, nil
}

func (f *fakeSource) Comment(ctx context.Context, key, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeSource) Label(ctx context.Context, key, label string) error {
	f.labels = append(f.labels, label)
	return nil
}

type fakeHost struct {
	created []codehost.DraftChangeRequest
	status  domain.OutcomeState
}

func (f *fakeHost) AnalyzeRepo(ctx context.Context, owner, name string) (*domain.RepoContext, error) {
	return &domain.RepoContext{
		Owner: owner, Name: name, DefaultBranch: "main",
		Languages: map[string]int{"Go": 1000}, TopLevelPaths: []string{"cmd", "internal"},
	}, nil
}

func (f *fakeHost) CreateDraftChange(ctx context.Context, req codehost.DraftChangeRequest) (*domain.ChangeHandle, error) {
	f.created = append(f.created, req)
	return &domain.ChangeHandle{
		Owner: "acme", Repo: "widgets", Number: len(f.created),
		URL: fmt.Sprintf("https://example.test/pr/%d", len(f.created)), Branch: req.Branch,
	}, nil
}

func (f *fakeHost) GetChangeStatus(ctx context.Context, handle *domain.ChangeHandle) (domain.OutcomeState, error) {
	return f.status, nil
}

// fakeLLM returns scripted results, one per call, and can fail a specific
// call number with a scripted error.
type fakeLLM struct {
	responses []string
	calls     int
	failCall  int
	failErr   error
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	f.calls++
	if f.failErr != nil && f.calls == f.failCall {
		return nil, f.failErr
	}
	if len(f.responses) == 0 {
		return nil, collab.Permanent("llm.complete", errors.New("no scripted response"))
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return &llm.Completion{Text: resp}, nil
}

const goodScoreJSON = `{"completeness_score": 0.9, "decision": "complete", "missing_fields": [], "clarification_questions": []}`
const lowScoreJSON = `{"completeness_score": 0.3, "decision": "incomplete",
	"missing_fields": [{"field_name": "acceptance_criteria", "severity": "high", "description": "No acceptance criteria given"}],
	"clarification_questions": ["What is the expected behavior?"]}`
const planJSON = `{"summary": "Add the endpoint", "steps": ["add handler", "add test"]}`
const proposeJSON = `{"branch_name": "proposal/add-endpoint", "title": "Add endpoint", "summary": "Adds the endpoint", "diff": "--- a/x\n+++ b/x"}`
const testsJSON = `{"suggestions": ["handler returns 200"]}`

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pipeline.RetryMaxAttempts = 2
	cfg.Pipeline.RetryBaseDelay = config.Duration(time.Millisecond)
	cfg.GitHub.Owner = "acme"
	cfg.GitHub.Repo = "widgets"
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, source *fakeSource, host *fakeHost, svc llm.Service) (*Engine, *runstore.Store) {
	t.Helper()
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	deps := Deps{Source: source, Host: host, LLM: svc, Config: cfg}
	return New(store, source, Definition(deps), cfg), store
}

func sampleTicket() *domain.Ticket {
	return &domain.Ticket{
		Key:                "42",
		Title:              "Add export endpoint",
		Description:        "Users need CSV export",
		AcceptanceCriteria: "Download link appears",
	}
}

func createRun(t *testing.T, store *runstore.Store, key string, dryRun bool) *domain.Run {
	t.Helper()
	run, created, err := store.CreateRunIfAbsent(key, dryRun)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected run to be created")
	}
	return run
}

func TestEngine_CompleteTicketProducesProposal(t *testing.T) {
	source := &fakeSource{ticket: sampleTicket()}
	host := &fakeHost{}
	svc := &fakeLLM{responses: []string{goodScoreJSON, planJSON, proposeJSON, testsJSON}}
	engine, store := newTestEngine(t, testConfig(), source, host, svc)

	run := createRun(t, store, "42", false)
	if err := engine.Execute(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want %q (reason %q)", got.Status, domain.RunCompleted, got.FailureReason)
	}
	if got.CompletenessScore == nil || *got.CompletenessScore != 0.9 {
		t.Errorf("CompletenessScore = %v, want 0.9", got.CompletenessScore)
	}
	if len(host.created) != 1 {
		t.Fatalf("got %d draft changes, want 1", len(host.created))
	}
	if !strings.Contains(host.created[0].Body, "Resolves ticket #42") {
		t.Errorf("proposal body missing ticket reference:\n%s", host.created[0].Body)
	}

	outcome, err := store.GetOutcome(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if outcome == nil {
		t.Fatal("expected an outcome record")
	}
	if outcome.State != domain.OutcomeOpen {
		t.Errorf("outcome State = %q, want %q", outcome.State, domain.OutcomeOpen)
	}
	if outcome.PRNumber != 1 {
		t.Errorf("outcome PRNumber = %d, want 1", outcome.PRNumber)
	}

	execs, err := store.GetStageExecutions(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 7 {
		t.Fatalf("got %d stage executions, want 7", len(execs))
	}
	for _, e := range execs {
		if e.Status != domain.StageSucceeded {
			t.Errorf("stage %s Status = %q, want %q", e.Stage, e.Status, domain.StageSucceeded)
		}
	}
}

func TestEngine_LowScoreStopsIncomplete(t *testing.T) {
	source := &fakeSource{ticket: sampleTicket()}
	host := &fakeHost{}
	svc := &fakeLLM{responses: []string{lowScoreJSON}}
	engine, store := newTestEngine(t, testConfig(), source, host, svc)

	run := createRun(t, store, "42", false)
	if err := engine.Execute(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunStoppedIncomplete {
		t.Fatalf("Status = %q, want %q", got.Status, domain.RunStoppedIncomplete)
	}

	if len(source.comments) != 1 {
		t.Fatalf("got %d comments, want exactly 1", len(source.comments))
	}
	comment := source.comments[0]
	if !strings.Contains(comment, "30%") {
		t.Errorf("comment missing score:\n%s", comment)
	}
	if !strings.Contains(comment, "acceptance_criteria") {
		t.Errorf("comment missing missing-field name:\n%s", comment)
	}
	if !strings.Contains(comment, "1. What is the expected behavior?") {
		t.Errorf("comment missing numbered question:\n%s", comment)
	}
	if len(source.labels) != 1 || source.labels[0] != "needs-clarification" {
		t.Errorf("labels = %v, want [needs-clarification]", source.labels)
	}
	if len(host.created) != 0 {
		t.Errorf("got %d draft changes, want none", len(host.created))
	}

	execs, err := store.GetStageExecutions(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 7 {
		t.Fatalf("got %d stage executions, want 7", len(execs))
	}
	for _, e := range execs[2:] {
		if e.Status != domain.StageSkipped {
			t.Errorf("stage %s Status = %q, want %q", e.Stage, e.Status, domain.StageSkipped)
		}
	}
}

func TestEngine_DryRunLowScorePostsNothing(t *testing.T) {
	source := &fakeSource{ticket: sampleTicket()}
	svc := &fakeLLM{responses: []string{lowScoreJSON}}
	engine, store := newTestEngine(t, testConfig(), source, &fakeHost{}, svc)

	run := createRun(t, store, "42", true)
	if err := engine.Execute(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunStoppedIncomplete {
		t.Fatalf("Status = %q, want %q", got.Status, domain.RunStoppedIncomplete)
	}
	if len(source.comments) != 0 || len(source.labels) != 0 {
		t.Errorf("dry run posted comments=%v labels=%v", source.comments, source.labels)
	}
}

func TestEngine_DryRunCompletePlaceholderHandle(t *testing.T) {
	source := &fakeSource{ticket: sampleTicket()}
	host := &fakeHost{}
	svc := &fakeLLM{responses: []string{goodScoreJSON, planJSON, proposeJSON, testsJSON}}
	engine, store := newTestEngine(t, testConfig(), source, host, svc)

	run := createRun(t, store, "42", true)
	if err := engine.Execute(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	if len(host.created) != 0 {
		t.Errorf("dry run created %d draft changes", len(host.created))
	}
	outcome, err := store.GetOutcome(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if outcome == nil {
		t.Fatal("expected an outcome record for the dry run")
	}
	if outcome.ExternalRef != "dry-run/"+run.ID {
		t.Errorf("ExternalRef = %q, want placeholder", outcome.ExternalRef)
	}
	if outcome.PRNumber != 0 {
		t.Errorf("PRNumber = %d, want 0", outcome.PRNumber)
	}
}

func TestEngine_PermanentFailureFailsRun(t *testing.T) {
	source := &fakeSource{
		fetchErr: collab.Permanent("tracker.fetch", errors.New("issue not found")),
	}
	engine, store := newTestEngine(t, testConfig(), source, &fakeHost{}, &fakeLLM{})

	run := createRun(t, store, "42", false)
	if err := engine.Execute(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunFailed {
		t.Fatalf("Status = %q, want %q", got.Status, domain.RunFailed)
	}
	if !strings.Contains(got.FailureReason, "issue not found") {
		t.Errorf("FailureReason = %q", got.FailureReason)
	}

	execs, err := store.GetStageExecutions(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 7 {
		t.Fatalf("got %d stage executions, want 7", len(execs))
	}
	if execs[0].Status != domain.StageFailed {
		t.Errorf("first stage Status = %q, want %q", execs[0].Status, domain.StageFailed)
	}
	for _, e := range execs[1:] {
		if e.Status != domain.StageSkipped {
			t.Errorf("stage %s Status = %q, want %q", e.Stage, e.Status, domain.StageSkipped)
		}
	}
}

func TestEngine_PlanningFailureSkipsLaterStages(t *testing.T) {
	source := &fakeSource{ticket: sampleTicket()}
	host := &fakeHost{}
	// Scoring passes, planning hits a permanent error.
	svc := &fakeLLM{
		responses: []string{goodScoreJSON},
		failCall:  2,
		failErr:   collab.Permanent("llm.plan", errors.New("model refused")),
	}
	engine, store := newTestEngine(t, testConfig(), source, host, svc)

	run := createRun(t, store, "42", false)
	if err := engine.Execute(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunFailed {
		t.Fatalf("Status = %q, want %q", got.Status, domain.RunFailed)
	}
	if len(host.created) != 0 {
		t.Errorf("got %d draft changes, want none", len(host.created))
	}

	execs, err := store.GetStageExecutions(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	byStage := make(map[string]domain.StageStatus, len(execs))
	for _, e := range execs {
		byStage[e.Stage] = e.Status
	}
	if byStage[StageDraftPlan] != domain.StageFailed {
		t.Errorf("plan stage = %q, want %q", byStage[StageDraftPlan], domain.StageFailed)
	}
	for _, stage := range []string{StageProposeChange, StageSuggestTests, StageComposeProposal} {
		if byStage[stage] != domain.StageSkipped {
			t.Errorf("stage %s = %q, want %q", stage, byStage[stage], domain.StageSkipped)
		}
	}
}

func TestEngine_TransientFailureRetriesThenSucceeds(t *testing.T) {
	source := &fakeSource{ticket: sampleTicket()}
	host := &fakeHost{}
	// First scoring completion fails transiently, the retry parses.
	svc := &fakeLLM{
		responses: []string{goodScoreJSON, planJSON, proposeJSON, testsJSON},
		failCall:  1,
		failErr:   collab.Transient("llm.complete", errors.New("rate limited")),
	}
	engine, store := newTestEngine(t, testConfig(), source, host, svc)

	run := createRun(t, store, "42", false)
	if err := engine.Execute(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunCompleted {
		t.Fatalf("Status = %q, want %q (reason %q)", got.Status, domain.RunCompleted, got.FailureReason)
	}
}

func TestEngine_MalformedModelOutputEventuallyFails(t *testing.T) {
	source := &fakeSource{ticket: sampleTicket()}
	svc := &fakeLLM{responses: []string{"not json at all", "still not json"}}
	engine, store := newTestEngine(t, testConfig(), source, &fakeHost{}, svc)

	run := createRun(t, store, "42", false)
	if err := engine.Execute(context.Background(), run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunFailed {
		t.Fatalf("Status = %q, want %q", got.Status, domain.RunFailed)
	}
	if !strings.Contains(got.FailureReason, "retries exhausted") {
		t.Errorf("FailureReason = %q, want retries exhausted", got.FailureReason)
	}
}

func TestEngine_StoreFailureIsFatalToRun(t *testing.T) {
	store, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	run := createRun(t, store, "42", false)

	stages := []Stage{{
		Name:   StageFetchTicket,
		Status: domain.RunFetching,
		Handler: HandlerFunc(func(ctx context.Context, rc *RunContext) (StageResult, error) {
			store.Close()
			return StageResult{}, nil
		}),
	}}
	source := &fakeSource{ticket: sampleTicket()}
	engine := New(store, source, stages, testConfig())

	if err := engine.Execute(context.Background(), run); err == nil {
		t.Fatal("expected store failure to propagate")
	}
}

func TestEngine_CancelledRunKeepsCancellationReason(t *testing.T) {
	source := &fakeSource{ticket: sampleTicket()}
	svc := &fakeLLM{responses: []string{"not json"}}
	engine, store := newTestEngine(t, testConfig(), source, &fakeHost{}, svc)

	run := createRun(t, store, "42", false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := engine.Execute(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunFailed {
		t.Fatalf("Status = %q, want %q", got.Status, domain.RunFailed)
	}
	if got.FailureReason == "timeout" {
		t.Fatalf("FailureReason = %q, want the cancellation error", got.FailureReason)
	}
	if !strings.Contains(got.FailureReason, context.Canceled.Error()) {
		t.Errorf("FailureReason = %q, want it to mention %q", got.FailureReason, context.Canceled)
	}
}

func TestBuildClarificationComment_NilScore(t *testing.T) {
	comment := BuildClarificationComment(nil)
	if !strings.Contains(comment, "request a reprocess") {
		t.Errorf("comment missing resume instruction:\n%s", comment)
	}
}
