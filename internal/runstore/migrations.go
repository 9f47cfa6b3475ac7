package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    ticket_key TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'fetching',
    completeness_score REAL,
    dry_run BOOLEAN NOT NULL DEFAULT FALSE,
    failure_reason TEXT,
    version INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_ticket_key ON runs(ticket_key);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS tickets (
    ticket_key TEXT PRIMARY KEY,
    first_seen_at TIMESTAMP NOT NULL,
    last_run_id TEXT,
    reprocess_requested BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS stage_executions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    stage TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMP,
    ended_at TIMESTAMP,
    output_ref TEXT,
    error_detail TEXT
);

CREATE INDEX IF NOT EXISTS idx_stage_executions_run_id ON stage_executions(run_id);

CREATE TABLE IF NOT EXISTS outcomes (
    run_id TEXT PRIMARY KEY REFERENCES runs(id),
    external_ref TEXT NOT NULL,
    pr_number INTEGER,
    state TEXT NOT NULL,
    last_checked_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_state ON outcomes(state);

CREATE TABLE IF NOT EXISTS ground_truth (
    ticket_key TEXT PRIMARY KEY,
    label TEXT NOT NULL,
    labeled_by TEXT,
    notes TEXT,
    labeled_at TIMESTAMP NOT NULL
);
`
