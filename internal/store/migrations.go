package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	user_id        INTEGER PRIMARY KEY,
	full_name      TEXT NOT NULL DEFAULT '',
	username       TEXT NOT NULL DEFAULT '',
	roles          TEXT NOT NULL DEFAULT '[]',
	points         TEXT NOT NULL DEFAULT '{}',
	percent_rate   TEXT NOT NULL DEFAULT '{}',
	reserved_tasks TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS tasks (
	id             INTEGER PRIMARY KEY,
	project        TEXT NOT NULL,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	type           TEXT NOT NULL DEFAULT '',
	points         INTEGER NOT NULL DEFAULT 0,
	estimated_days INTEGER NOT NULL DEFAULT 0,
	deadline       TEXT,
	reserved_by    INTEGER
);

CREATE TABLE IF NOT EXISTS events (
	id           INTEGER PRIMARY KEY,
	type         TEXT NOT NULL,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	datetime     TEXT NOT NULL,
	notify_users INTEGER NOT NULL DEFAULT 1 CHECK(notify_users IN (0, 1)),
	personal     INTEGER NOT NULL DEFAULT 0 CHECK(personal IN (0, 1)),
	users        TEXT NOT NULL DEFAULT '[]',
	task_id      INTEGER,
	notified_24h INTEGER NOT NULL DEFAULT 0 CHECK(notified_24h IN (0, 1)),
	notified_2h  INTEGER NOT NULL DEFAULT 0 CHECK(notified_2h IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project);
CREATE INDEX IF NOT EXISTS idx_tasks_reserved_by ON tasks(reserved_by);
CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
