package sqlite

// schema defines the SQLite database schema for the ingest engine.
//
// The UNIQUE constraint on analysis_records.content_hash is load-bearing: it
// is what guarantees at most one live record per fingerprint under concurrent
// first-time submissions. Losing a race surfaces as a constraint violation,
// which the writer treats as a normal duplicate outcome.
const schema = `
CREATE TABLE IF NOT EXISTS analysis_records (
	id TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL UNIQUE,
	file_name TEXT NOT NULL DEFAULT '',
	event_time TIMESTAMP NOT NULL,
	analysis TEXT NOT NULL DEFAULT '{}',
	validation_score REAL NOT NULL DEFAULT 0,
	extraction_attempts INTEGER NOT NULL DEFAULT 1,
	is_complete INTEGER NOT NULL DEFAULT 0,
	was_upgraded INTEGER NOT NULL DEFAULT 0,
	previous_quality REAL,
	new_quality REAL,
	system_id TEXT,
	system_name TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_file_name ON analysis_records(file_name);
CREATE INDEX IF NOT EXISTS idx_records_system_time ON analysis_records(system_id, event_time);

-- Redirects written by functional dedupe: a fingerprint whose record was
-- collapsed into a canonical one points here instead.
CREATE TABLE IF NOT EXISTS fingerprint_aliases (
	content_hash TEXT PRIMARY KEY,
	record_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS systems (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	identifiers TEXT NOT NULL DEFAULT '[]',
	created_at TIMESTAMP NOT NULL
);

-- Denormalized read projection for external consumers. Rebuilt best-effort
-- on every record write; never authoritative.
CREATE TABLE IF NOT EXISTS record_projection (
	record_id TEXT PRIMARY KEY,
	system_id TEXT,
	system_name TEXT,
	file_name TEXT NOT NULL DEFAULT '',
	event_time TIMESTAMP NOT NULL,
	state_of_charge REAL,
	total_voltage REAL,
	current REAL,
	validation_score REAL NOT NULL DEFAULT 0,
	is_complete INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_projection_updated ON record_projection(updated_at DESC);
`
