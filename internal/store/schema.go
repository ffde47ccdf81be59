package store

// schemaMigrations tracks which migrations have been applied.
const schemaMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);`

// schemaRequests is the relay request-history table. One row per relayed
// request; bodies are deliberately not persisted.
const schemaRequests = `
CREATE TABLE IF NOT EXISTS requests (
	id              TEXT PRIMARY KEY,
	timestamp       TEXT NOT NULL,
	method          TEXT NOT NULL DEFAULT '',
	path            TEXT NOT NULL DEFAULT '',
	protocol        TEXT NOT NULL DEFAULT '',
	model           TEXT NOT NULL DEFAULT '',
	stream          INTEGER NOT NULL DEFAULT 0,
	anti_truncation INTEGER NOT NULL DEFAULT 0,
	attempts        INTEGER NOT NULL DEFAULT 0,
	marker_found    INTEGER NOT NULL DEFAULT 0,
	tokens_out      INTEGER NOT NULL DEFAULT 0,
	latency_ms      INTEGER NOT NULL DEFAULT 0,
	status_code     INTEGER NOT NULL DEFAULT 0,
	client_ip       TEXT NOT NULL DEFAULT '',
	error_message   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
CREATE INDEX IF NOT EXISTS idx_requests_protocol  ON requests(protocol);`
