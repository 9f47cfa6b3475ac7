package runstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/proposal-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrConflict is returned when an optimistic update loses a race with a
// concurrent writer. Callers re-read and retry.
var ErrConflict = errors.New("runstore: concurrent modification")

// ErrTerminal is returned when a mutation targets a run that already
// reached a terminal status.
var ErrTerminal = errors.New("runstore: run is terminal")

// ErrNotFound is returned when the requested run does not exist.
var ErrNotFound = errors.New("runstore: run not found")

// Store provides SQLite-backed run persistence. All mutating operations are
// per-run transactional so the engine and the reconciler never lose updates
// to each other.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys and tolerate short writer contention between
	// the engine and reconciler loops.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRunIfAbsent atomically creates a run for the ticket unless one is
// already in flight, or a terminal run exists without a reprocess request.
// It returns the existing run and created=false in both skip cases.
func (s *Store) CreateRunIfAbsent(ticketKey string, dryRun bool) (*domain.Run, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	// In-flight run for this ticket?
	existing, err := scanRun(tx.QueryRow(runColumns+` FROM runs
		WHERE ticket_key = ? AND status NOT IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		ticketKey, domain.RunStoppedIncomplete, domain.RunCompleted, domain.RunFailed))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	// Already processed and no reprocess requested?
	var lastRunID sql.NullString
	var reprocess bool
	err = tx.QueryRow(`SELECT last_run_id, reprocess_requested FROM tickets WHERE ticket_key = ?`,
		ticketKey).Scan(&lastRunID, &reprocess)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	if err == nil && !reprocess && lastRunID.Valid && lastRunID.String != "" {
		prior, err := scanRun(tx.QueryRow(runColumns+` FROM runs WHERE id = ?`, lastRunID.String))
		if err != nil {
			return nil, false, err
		}
		return prior, false, nil
	}

	now := time.Now().UTC()
	run := &domain.Run{
		ID:        uuid.NewString(),
		TicketKey: ticketKey,
		Status:    domain.RunFetching,
		DryRun:    dryRun,
		CreatedAt: now,
	}

	_, err = tx.Exec(`INSERT INTO runs (id, ticket_key, status, dry_run, version, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		run.ID, run.TicketKey, string(run.Status), run.DryRun, run.CreatedAt)
	if err != nil {
		return nil, false, err
	}

	_, err = tx.Exec(`INSERT INTO tickets (ticket_key, first_seen_at, last_run_id, reprocess_requested)
		VALUES (?, ?, ?, FALSE)
		ON CONFLICT(ticket_key) DO UPDATE SET
			last_run_id = excluded.last_run_id,
			reprocess_requested = FALSE`,
		ticketKey, now, run.ID)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return run, true, nil
}

// TransitionRun moves a run to a new status with optimistic versioning.
// Terminal runs refuse further transitions.
func (s *Store) TransitionRun(id string, status domain.RunStatus) error {
	return s.mutateRun(id, func(run *domain.Run) {
		run.Status = status
		run.FailureReason = ""
	})
}

// FailRun moves a run to failed with the given reason.
func (s *Store) FailRun(id, reason string) error {
	return s.mutateRun(id, func(run *domain.Run) {
		run.Status = domain.RunFailed
		run.FailureReason = reason
	})
}

// SetCompletenessScore persists the score produced by the scoring stage.
func (s *Store) SetCompletenessScore(id string, score float64) error {
	res, err := s.db.Exec(`UPDATE runs SET completeness_score = ?, version = version + 1 WHERE id = ?`,
		score, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

func (s *Store) mutateRun(id string, mutate func(*domain.Run)) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err := scanRun(tx.QueryRow(runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, run.Status)
	}

	mutate(run)

	var completedAt interface{}
	if run.Status.Terminal() {
		now := time.Now().UTC()
		run.CompletedAt = &now
		completedAt = now
	}

	res, err := tx.Exec(`UPDATE runs
		SET status = ?, failure_reason = ?, completed_at = COALESCE(?, completed_at), version = version + 1
		WHERE id = ? AND version = ?`,
		string(run.Status), nullIfEmpty(run.FailureReason), completedAt, id, run.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConflict
	}
	return tx.Commit()
}

// AppendStageExecution records one stage execution for a run.
func (s *Store) AppendStageExecution(runID string, exec *domain.StageExecution) error {
	res, err := s.db.Exec(`INSERT INTO stage_executions
		(run_id, stage, status, started_at, ended_at, output_ref, error_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, exec.Stage, string(exec.Status),
		nullTime(exec.StartedAt), nullTime(exec.EndedAt),
		nullIfEmpty(exec.OutputRef), nullIfEmpty(exec.ErrorDetail))
	if err != nil {
		return err
	}
	exec.RunID = runID
	exec.ID, _ = res.LastInsertId()
	return nil
}

// GetStageExecutions returns a run's stage executions in pipeline order.
func (s *Store) GetStageExecutions(runID string) ([]*domain.StageExecution, error) {
	rows, err := s.db.Query(`SELECT id, run_id, stage, status, started_at, ended_at, output_ref, error_detail
		FROM stage_executions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*domain.StageExecution
	for rows.Next() {
		var e domain.StageExecution
		var status string
		var started, ended sql.NullTime
		var outputRef, errDetail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &status, &started, &ended, &outputRef, &errDetail); err != nil {
			return nil, err
		}
		e.Status = domain.StageStatus(status)
		if started.Valid {
			e.StartedAt = &started.Time
		}
		if ended.Valid {
			e.EndedAt = &ended.Time
		}
		e.OutputRef = outputRef.String
		e.ErrorDetail = errDetail.String
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// UpsertOutcome inserts or replaces the outcome record for a run.
func (s *Store) UpsertOutcome(runID string, o *domain.OutcomeRecord) error {
	_, err := s.db.Exec(`INSERT INTO outcomes (run_id, external_ref, pr_number, state, last_checked_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			external_ref = excluded.external_ref,
			pr_number = excluded.pr_number,
			state = excluded.state,
			last_checked_at = excluded.last_checked_at`,
		runID, o.ExternalRef, o.PRNumber, string(o.State), o.LastCheckedAt.UTC())
	return err
}

// UpdateOutcomeState refreshes only the observed state and check time,
// leaving the run record untouched.
func (s *Store) UpdateOutcomeState(runID string, state domain.OutcomeState, checkedAt time.Time) error {
	res, err := s.db.Exec(`UPDATE outcomes SET state = ?, last_checked_at = ? WHERE run_id = ?`,
		string(state), checkedAt.UTC(), runID)
	if err != nil {
		return err
	}
	return requireRow(res, runID)
}

// GetOutcome returns the outcome record for a run, or nil when none exists.
func (s *Store) GetOutcome(runID string) (*domain.OutcomeRecord, error) {
	o, err := scanOutcome(s.db.QueryRow(`SELECT run_id, external_ref, pr_number, state, last_checked_at
		FROM outcomes WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// ListOutcomes returns all outcome records.
func (s *Store) ListOutcomes() ([]*domain.OutcomeRecord, error) {
	rows, err := s.db.Query(`SELECT run_id, external_ref, pr_number, state, last_checked_at FROM outcomes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []*domain.OutcomeRecord
	for rows.Next() {
		o, err := scanOutcomeRows(rows)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// PendingOutcome pairs a completed run with its unresolved outcome.
type PendingOutcome struct {
	Run     *domain.Run
	Outcome *domain.OutcomeRecord
}

// ListPendingOutcomes returns completed runs whose outcome is still open or
// unknown, for the reconciler to refresh.
func (s *Store) ListPendingOutcomes() ([]*PendingOutcome, error) {
	rows, err := s.db.Query(runColumns+`, o.run_id, o.external_ref, o.pr_number, o.state, o.last_checked_at
		FROM runs JOIN outcomes o ON o.run_id = runs.id
		WHERE runs.status = ? AND o.state IN (?, ?)
		ORDER BY runs.created_at`,
		domain.RunCompleted, domain.OutcomeOpen, domain.OutcomeUnknown)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []*PendingOutcome
	for rows.Next() {
		var run domain.Run
		var o domain.OutcomeRecord
		var runStatus, outcomeState string
		var score sql.NullFloat64
		var failureReason sql.NullString
		var completedAt sql.NullTime
		var prNumber sql.NullInt64
		err := rows.Scan(&run.ID, &run.TicketKey, &runStatus, &score, &run.DryRun,
			&failureReason, &run.Version, &run.CreatedAt, &completedAt,
			&o.RunID, &o.ExternalRef, &prNumber, &outcomeState, &o.LastCheckedAt)
		if err != nil {
			return nil, err
		}
		run.Status = domain.RunStatus(runStatus)
		if score.Valid {
			run.CompletenessScore = &score.Float64
		}
		run.FailureReason = failureReason.String
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		o.PRNumber = int(prNumber.Int64)
		o.State = domain.OutcomeState(outcomeState)
		pending = append(pending, &PendingOutcome{Run: &run, Outcome: &o})
	}
	return pending, rows.Err()
}

// ListActiveTicketKeys returns the set of tickets with a non-terminal run.
func (s *Store) ListActiveTicketKeys() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT ticket_key FROM runs WHERE status NOT IN (?, ?, ?)`,
		domain.RunStoppedIncomplete, domain.RunCompleted, domain.RunFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	active := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		active[key] = true
	}
	return active, rows.Err()
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	TicketKey string
	Status    domain.RunStatus
	Limit     int
}

// ListRuns returns runs matching the given options, oldest first.
func (s *Store) ListRuns(opts ListOptions) ([]*domain.Run, error) {
	query := runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if opts.TicketKey != "" {
		query += " AND ticket_key = ?"
		args = append(args, opts.TicketKey)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY created_at, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRow(runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// SetGroundTruth upserts the human label for a ticket. Re-labeling the same
// ticket replaces the prior label rather than adding a second row.
func (s *Store) SetGroundTruth(label *domain.GroundTruthLabel) error {
	labeledAt := label.LabeledAt
	if labeledAt.IsZero() {
		labeledAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`INSERT INTO ground_truth (ticket_key, label, labeled_by, notes, labeled_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ticket_key) DO UPDATE SET
			label = excluded.label,
			labeled_by = excluded.labeled_by,
			notes = excluded.notes,
			labeled_at = excluded.labeled_at`,
		label.TicketKey, string(label.Label), nullIfEmpty(label.LabeledBy),
		nullIfEmpty(label.Notes), labeledAt.UTC())
	return err
}

// ListGroundTruth returns all ground-truth labels.
func (s *Store) ListGroundTruth() ([]*domain.GroundTruthLabel, error) {
	rows, err := s.db.Query(`SELECT ticket_key, label, labeled_by, notes, labeled_at FROM ground_truth`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var labels []*domain.GroundTruthLabel
	for rows.Next() {
		var l domain.GroundTruthLabel
		var label string
		var labeledBy, notes sql.NullString
		if err := rows.Scan(&l.TicketKey, &label, &labeledBy, &notes, &l.LabeledAt); err != nil {
			return nil, err
		}
		l.Label = domain.GroundTruth(label)
		l.LabeledBy = labeledBy.String
		l.Notes = notes.String
		labels = append(labels, &l)
	}
	return labels, rows.Err()
}

// RequestReprocess allows a ticket with a terminal run to be dispatched
// again on the next poll.
func (s *Store) RequestReprocess(ticketKey string) error {
	res, err := s.db.Exec(`UPDATE tickets SET reprocess_requested = TRUE WHERE ticket_key = ?`, ticketKey)
	if err != nil {
		return err
	}
	return requireRow(res, ticketKey)
}

const runColumns = `SELECT runs.id, runs.ticket_key, runs.status, runs.completeness_score, runs.dry_run,
	runs.failure_reason, runs.version, runs.created_at, runs.completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRunFrom(sc rowScanner) (*domain.Run, error) {
	var run domain.Run
	var status string
	var score sql.NullFloat64
	var failureReason sql.NullString
	var completedAt sql.NullTime

	err := sc.Scan(&run.ID, &run.TicketKey, &status, &score, &run.DryRun,
		&failureReason, &run.Version, &run.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	if score.Valid {
		run.CompletenessScore = &score.Float64
	}
	run.FailureReason = failureReason.String
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

func scanRun(row *sql.Row) (*domain.Run, error) {
	return scanRunFrom(row)
}

func scanRunRows(rows *sql.Rows) (*domain.Run, error) {
	return scanRunFrom(rows)
}

func scanOutcomeFrom(sc rowScanner) (*domain.OutcomeRecord, error) {
	var o domain.OutcomeRecord
	var state string
	var prNumber sql.NullInt64
	if err := sc.Scan(&o.RunID, &o.ExternalRef, &prNumber, &state, &o.LastCheckedAt); err != nil {
		return nil, err
	}
	o.PRNumber = int(prNumber.Int64)
	o.State = domain.OutcomeState(state)
	return &o, nil
}

func scanOutcome(row *sql.Row) (*domain.OutcomeRecord, error) {
	return scanOutcomeFrom(row)
}

func scanOutcomeRows(rows *sql.Rows) (*domain.OutcomeRecord, error) {
	return scanOutcomeFrom(rows)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("runstore: no row for %s", id)
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
