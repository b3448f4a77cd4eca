package store

// migration pairs a schema version with the SQL that brings the
// database up to that version.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS replica (
	account_id TEXT NOT NULL,
	remote_id  TEXT NOT NULL,
	thread_id  TEXT NOT NULL DEFAULT '',
	subject    TEXT NOT NULL DEFAULT '',
	sender     TEXT NOT NULL DEFAULT '',
	snippet    TEXT NOT NULL DEFAULT '',
	labels     TEXT NOT NULL DEFAULT '[]',
	is_read    INTEGER NOT NULL DEFAULT 0,
	is_starred INTEGER NOT NULL DEFAULT 0,
	is_draft   INTEGER NOT NULL DEFAULT 0,
	version    TEXT NOT NULL DEFAULT '',
	date       TIMESTAMP NOT NULL,
	synced_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, remote_id)
);

CREATE INDEX IF NOT EXISTS idx_replica_thread ON replica(account_id, thread_id);

CREATE TABLE IF NOT EXISTS change_log (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL,
	seq            INTEGER NOT NULL,
	target_remote_id TEXT NOT NULL DEFAULT '',
	kind           TEXT NOT NULL,
	payload        TEXT NOT NULL DEFAULT '{}',
	status         TEXT NOT NULL DEFAULT 'queued',
	attempt_count  INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	UNIQUE (account_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_change_log_drain
	ON change_log(account_id, status, seq);

CREATE TABLE IF NOT EXISTS sync_state (
	account_id   TEXT PRIMARY KEY,
	cursor       TEXT NOT NULL DEFAULT '',
	last_sync_at TIMESTAMP,
	last_error_kind TEXT NOT NULL DEFAULT '',
	last_error_msg  TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMP NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
