package runlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Counters captures the per-side progress totals a channel run produced,
// mirroring sideState's dispatcher counters without importing syncengine
// (runlog stays a leaf package any caller can use).
type Counters struct {
	MasterNew, SlaveNew         int
	MasterFlags, SlaveFlags     int
	MasterTrashed, SlaveTrashed int
}

// Run is one recorded channel-sync attempt.
type Run struct {
	ID         string
	Channel    string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	DurationMS sql.NullInt64
	RetCode    int
	Error      string
	Counters   Counters
}

// Begin records the start of a run and returns its ID, used to finish the
// row once the channel completes.
func (db *DB) Begin(channel string) (string, time.Time, error) {
	id := uuid.NewString()
	start := time.Now()
	_, err := db.Exec(
		`INSERT INTO runs (id, channel, started_at, ret_code) VALUES (?, ?, ?, 0)`,
		id, channel, start,
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("begin run record: %w", err)
	}
	return id, start, nil
}

// Finish records a run's outcome.
func (db *DB) Finish(id string, start time.Time, retCode int, runErr error, c Counters) error {
	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := db.Exec(`
		UPDATE runs SET
			finished_at = ?, duration_ms = ?, ret_code = ?, error = ?,
			master_new = ?, slave_new = ?,
			master_flags = ?, slave_flags = ?,
			master_trashed = ?, slave_trashed = ?
		WHERE id = ?
	`,
		time.Now(), elapsed(start), retCode, errText,
		c.MasterNew, c.SlaveNew, c.MasterFlags, c.SlaveFlags, c.MasterTrashed, c.SlaveTrashed,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish run record: %w", err)
	}
	return nil
}

// Recent returns the most recent runs for a channel (all channels if empty),
// newest first, capped at limit.
func (db *DB) Recent(channel string, limit int) ([]Run, error) {
	var rows *sql.Rows
	var err error
	if channel == "" {
		rows, err = db.Query(`SELECT id, channel, started_at, finished_at, duration_ms, ret_code, COALESCE(error, '') FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	} else {
		rows, err = db.Query(`SELECT id, channel, started_at, finished_at, duration_ms, ret_code, COALESCE(error, '') FROM runs WHERE channel = ? ORDER BY started_at DESC LIMIT ?`, channel, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Channel, &r.StartedAt, &r.FinishedAt, &r.DurationMS, &r.RetCode, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
