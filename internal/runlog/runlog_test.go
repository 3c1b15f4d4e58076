package runlog

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runlog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBeginFinishRoundTrip(t *testing.T) {
	db := openTestDB(t)

	id, start, err := db.Begin("work")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty run ID")
	}

	counters := Counters{MasterNew: 3, SlaveNew: 1, MasterFlags: 2, SlaveFlags: 0, MasterTrashed: 1, SlaveTrashed: 0}
	if err := db.Finish(id, start, 0, nil, counters); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	runs, err := db.Recent("work", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	r := runs[0]
	if r.ID != id {
		t.Errorf("ID = %q, want %q", r.ID, id)
	}
	if !r.FinishedAt.Valid {
		t.Error("expected FinishedAt set after Finish")
	}
	if r.Error != "" {
		t.Errorf("Error = %q, want empty", r.Error)
	}
}

func TestFinishRecordsError(t *testing.T) {
	db := openTestDB(t)
	id, start, err := db.Begin("work")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	if err := db.Finish(id, start, 4, errors.New("boom"), Counters{}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	runs, err := db.Recent("work", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if runs[0].Error != "boom" {
		t.Errorf("Error = %q, want boom", runs[0].Error)
	}
	if runs[0].RetCode != 4 {
		t.Errorf("RetCode = %d, want 4", runs[0].RetCode)
	}
}

func TestRecentFiltersByChannelAndOrdersNewestFirst(t *testing.T) {
	db := openTestDB(t)

	id1, start1, _ := db.Begin("work")
	db.Finish(id1, start1, 0, nil, Counters{})
	id2, start2, _ := db.Begin("personal")
	db.Finish(id2, start2, 0, nil, Counters{})
	id3, start3, _ := db.Begin("work")
	db.Finish(id3, start3, 0, nil, Counters{})

	workRuns, err := db.Recent("work", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(workRuns) != 2 {
		t.Fatalf("expected 2 work runs, got %d", len(workRuns))
	}
	if workRuns[0].ID != id3 {
		t.Errorf("expected most recent run first, got %q", workRuns[0].ID)
	}

	allRuns, err := db.Recent("", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(allRuns) != 3 {
		t.Errorf("expected 3 runs across all channels, got %d", len(allRuns))
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 5; i++ {
		id, start, _ := db.Begin("work")
		db.Finish(id, start, 0, nil, Counters{})
	}

	runs, err := db.Recent("work", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("expected limit of 2 runs, got %d", len(runs))
	}
}

func TestOpenCreatesMigrationsTable(t *testing.T) {
	db := openTestDB(t)
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&version); err != nil {
		t.Fatalf("query migrations: %v", err)
	}
	if version == 0 {
		t.Error("expected at least one migration applied")
	}
}
