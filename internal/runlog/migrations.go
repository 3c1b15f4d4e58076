package runlog

// Migration is one forward-only schema change, applied in a single
// transaction alongside its own version marker.
type Migration struct {
	Version int
	SQL     string
}

var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			CREATE TABLE runs (
				id TEXT PRIMARY KEY,
				channel TEXT NOT NULL,
				started_at DATETIME NOT NULL,
				finished_at DATETIME,
				duration_ms INTEGER,
				ret_code INTEGER NOT NULL DEFAULT 0,
				error TEXT,

				master_new INTEGER NOT NULL DEFAULT 0,
				slave_new INTEGER NOT NULL DEFAULT 0,
				master_flags INTEGER NOT NULL DEFAULT 0,
				slave_flags INTEGER NOT NULL DEFAULT 0,
				master_trashed INTEGER NOT NULL DEFAULT 0,
				slave_trashed INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_runs_channel ON runs(channel, started_at);
		`,
	},
}
