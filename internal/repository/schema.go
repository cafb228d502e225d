package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaDatasets = `
CREATE TABLE IF NOT EXISTS datasets (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    entities TEXT NOT NULL,
    quality_score REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
`

const schemaRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    dataset_id TEXT NOT NULL,
    policy TEXT NOT NULL,
    success INTEGER NOT NULL,
    error TEXT,
    entities INTEGER NOT NULL,
    methods_attempted INTEGER NOT NULL,
    methods_succeeded INTEGER NOT NULL,
    methods_failed INTEGER NOT NULL,
    failures TEXT,
    tier_counts TEXT,
    alert_ids TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL,
    elapsed_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_dataset ON runs(dataset_id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    run_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    entity_id TEXT NOT NULL,
    score REAL NOT NULL,
    policy TEXT NOT NULL,
    tier TEXT NOT NULL,
    status TEXT NOT NULL,
    narrative TEXT NOT NULL,
    factors TEXT NOT NULL,
    recommended_action TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
CREATE INDEX IF NOT EXISTS idx_alerts_run ON alerts(run_id);
CREATE INDEX IF NOT EXISTS idx_alerts_entity ON alerts(entity_id);
`

// Audit entries are append-only; no UPDATE or DELETE is ever issued
// against this table.
const schemaAudit = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id TEXT PRIMARY KEY,
    timestamp TIMESTAMP NOT NULL,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    before_state TEXT,
    after_state TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_entries(subject_id);
`

const schemaMethodSpecs = `
CREATE TABLE IF NOT EXISTS method_specs (
    name TEXT PRIMARY KEY,
    description TEXT,
    category TEXT NOT NULL,
    expression TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    threshold REAL NOT NULL DEFAULT 0.7,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaDatasets,
		schemaRuns,
		schemaAlerts,
		schemaAudit,
		schemaMethodSpecs,
	}
}
