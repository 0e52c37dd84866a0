package repository

// Schema definitions for the case store.
// Compatible with both SQLite and PostgreSQL.

const schemaCases = `
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    seq BIGINT NOT NULL,
    version BIGINT NOT NULL DEFAULT 0,
    customer_name TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    aging_days INTEGER NOT NULL,
    status TEXT NOT NULL,
    recovery_probability DOUBLE PRECISION NOT NULL,
    urgency_score DOUBLE PRECISION NOT NULL,
    recommended_strategy TEXT NOT NULL DEFAULT '',
    strategy_explanation TEXT NOT NULL DEFAULT '',
    assigned_agency_id TEXT NOT NULL DEFAULT '',
    assigned_employee_id TEXT NOT NULL DEFAULT '',
    sla_due_date TIMESTAMP NOT NULL,
    sla_breach_risk DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
CREATE INDEX IF NOT EXISTS idx_cases_agency ON cases(assigned_agency_id);
CREATE INDEX IF NOT EXISTS idx_cases_employee ON cases(assigned_employee_id);
CREATE INDEX IF NOT EXISTS idx_cases_seq ON cases(seq);
`

// schemaActivity holds the append-only case history.
const schemaActivity = `
CREATE TABLE IF NOT EXISTS case_activity (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    activity TEXT NOT NULL,
    actor TEXT NOT NULL,
    explanation TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_case_activity_seq ON case_activity(case_id, seq);
`

const schemaAgencies = `
CREATE TABLE IF NOT EXISTS agencies (
    id TEXT PRIMARY KEY,
    seq BIGINT NOT NULL,
    name TEXT NOT NULL,
    reputation_score INTEGER NOT NULL,
    current_load INTEGER NOT NULL DEFAULT 0,
    capacity INTEGER NOT NULL,
    sla_compliance DOUBLE PRECISION NOT NULL DEFAULT 0,
    recovery_success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    update_discipline DOUBLE PRECISION NOT NULL DEFAULT 0
);
`

const schemaUsers = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    seq BIGINT NOT NULL,
    name TEXT NOT NULL,
    email TEXT NOT NULL,
    role TEXT NOT NULL,
    agency_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_users_agency ON users(agency_id);
`

// schemaDecisions stores the structured audit of each assignment.
// Features and candidates are JSON documents.
const schemaDecisions = `
CREATE TABLE IF NOT EXISTS allocation_decisions (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    agency_id TEXT NOT NULL,
    mode TEXT NOT NULL,
    fitness DOUBLE PRECISION NOT NULL,
    features TEXT NOT NULL,
    candidates TEXT NOT NULL,
    explanation TEXT NOT NULL,
    fallback INTEGER NOT NULL DEFAULT 0,
    actor TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_allocation_decisions_case ON allocation_decisions(case_id, seq);
`

// schemaSequences holds one insertion counter per ordered table.
const schemaSequences = `
CREATE TABLE IF NOT EXISTS sequences (
    name TEXT PRIMARY KEY,
    value BIGINT NOT NULL
);
`

// sequencedTables are the tables whose seq column orders listings.
var sequencedTables = []string{"cases", "agencies", "users", "allocation_decisions"}

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaSequences,
		schemaCases,
		schemaActivity,
		schemaAgencies,
		schemaUsers,
		schemaDecisions,
	}
}
