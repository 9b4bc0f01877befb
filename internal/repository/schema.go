package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaRules = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT NOT NULL,
    version INTEGER NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    priority INTEGER NOT NULL,
    type TEXT NOT NULL,
    logic TEXT NOT NULL,
    severity TEXT NOT NULL,
    input_fields TEXT,
    output_fields TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    valid_from TIMESTAMP,
    valid_until TIMESTAMP,
    created_by TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(active);
CREATE INDEX IF NOT EXISTS idx_rules_type ON rules(type);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    amount REAL NOT NULL,
    currency TEXT NOT NULL,
    merchant TEXT,
    category TEXT,
    country TEXT,
    status TEXT,
    timestamp TIMESTAMP NOT NULL,
    fraud_label INTEGER,
    fields TEXT
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_timestamp ON transactions(timestamp, id);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);
`

const schemaDetectionResults = `
CREATE TABLE IF NOT EXISTS detection_results (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL,
    is_fraudulent INTEGER NOT NULL,
    score REAL NOT NULL,
    risk_level TEXT NOT NULL,
    recommendation TEXT NOT NULL,
    rule_results TEXT NOT NULL,
    evaluated_at TIMESTAMP NOT NULL,
    duration_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_detection_results_tx ON detection_results(transaction_id);
CREATE INDEX IF NOT EXISTS idx_detection_results_flagged ON detection_results(is_fraudulent);
`

const schemaScanJobs = `
CREATE TABLE IF NOT EXISTS scan_jobs (
    id TEXT PRIMARY KEY,
    filter TEXT NOT NULL,
    status TEXT NOT NULL,
    total INTEGER NOT NULL DEFAULT 0,
    processed INTEGER NOT NULL DEFAULT 0,
    flagged INTEGER NOT NULL DEFAULT 0,
    errors INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    submitted_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_scan_jobs_status ON scan_jobs(status, submitted_at);
`

const schemaRuleBacktests = `
CREATE TABLE IF NOT EXISTS rule_backtests (
    id TEXT PRIMARY KEY,
    rule_id TEXT NOT NULL,
    rule_version INTEGER NOT NULL,
    evaluated INTEGER NOT NULL,
    matches INTEGER NOT NULL,
    true_positives INTEGER NOT NULL,
    false_positives INTEGER NOT NULL,
    true_negatives INTEGER NOT NULL,
    false_negatives INTEGER NOT NULL,
    precision_score REAL NOT NULL,
    recall_score REAL NOT NULL,
    f1_score REAL NOT NULL,
    accuracy_score REAL NOT NULL,
    matched_ids TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rule_backtests_rule ON rule_backtests(rule_id, finished_at);
`

const schemaTrainingJobs = `
CREATE TABLE IF NOT EXISTS training_jobs (
    id TEXT PRIMARY KEY,
    rule_id TEXT NOT NULL,
    params TEXT NOT NULL,
    filter TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    model_ref TEXT,
    eval TEXT,
    submitted_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_training_jobs_status ON training_jobs(status, submitted_at);
CREATE INDEX IF NOT EXISTS idx_training_jobs_rule ON training_jobs(rule_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaRules,
		schemaTransactions,
		schemaDetectionResults,
		schemaScanJobs,
		schemaRuleBacktests,
		schemaTrainingJobs,
	}
}
