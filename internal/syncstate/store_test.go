package syncstate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStatePathStar(t *testing.T) {
	p := PathConfig{SyncState: "*", SlaveSupportsInBox: true, SlaveBoxPath: "/mail/inbox"}
	got, err := p.StatePath()
	if err != nil {
		t.Fatalf("StatePath: %v", err)
	}
	want := filepath.Join("/mail/inbox", ".mbsyncstate")
	if got != want {
		t.Errorf("StatePath() = %q, want %q", got, want)
	}
}

func TestStatePathStarRequiresInBoxSupport(t *testing.T) {
	p := PathConfig{SyncState: "*", SlaveSupportsInBox: false}
	if _, err := p.StatePath(); err == nil {
		t.Error("expected error when slave store can't host in-box state")
	}
}

func TestStatePathPrefix(t *testing.T) {
	p := PathConfig{SyncState: "/var/lib/mbsyncgo/", SlaveName: "work/inbox"}
	got, err := p.StatePath()
	if err != nil {
		t.Fatalf("StatePath: %v", err)
	}
	want := "/var/lib/mbsyncgo/work!inbox"
	if got != want {
		t.Errorf("StatePath() = %q, want %q (slashes sanitized)", got, want)
	}
}

func TestStatePathDefault(t *testing.T) {
	p := PathConfig{
		GlobalPrefix: "/home/u/.mbsyncgo",
		MasterStore:  "remote", MasterName: "INBOX",
		SlaveStore: "local", SlaveName: "work/inbox",
	}
	got, err := p.StatePath()
	if err != nil {
		t.Fatalf("StatePath: %v", err)
	}
	want := "/home/u/.mbsyncgo:remote:INBOX_:local:work!inbox"
	if got != want {
		t.Errorf("StatePath() = %q, want %q", got, want)
	}
}

func TestAcquireLockRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chan.lock")
	l1, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer l1.Release()

	if _, err := AcquireLock(path); err == nil {
		t.Error("expected second AcquireLock on the same path to fail")
	}
}

func TestAcquireLockReleaseAllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chan.lock")
	l1, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	defer l2.Release()
}

func TestStoreOpenEmptyThenCommitThenReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")

	s, err := Open(path, FSyncNone)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.Records) != 0 {
		t.Fatalf("expected no records on first open, got %d", len(s.Records))
	}

	s.Header.UIDValidity = [2]int{1, 2}
	s.Records = append(s.Records, &Record{UID: [2]UID{1, 1}, Flags: FlagSeen})
	if err := s.Journal().New(s.Records[0]); err != nil {
		t.Fatalf("Journal().New: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := os.Stat(path + ".journal"); !os.IsNotExist(err) {
		t.Error("expected journal to be removed after Commit")
	}

	s2, err := Open(path, FSyncNone)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if s2.Header.UIDValidity != [2]int{1, 2} {
		t.Errorf("reopened header = %+v, want UIDValidity [1 2]", s2.Header)
	}
	if len(s2.Records) != 1 || s2.Records[0].UID[Master] != 1 {
		t.Fatalf("reopened records = %+v, want one record with master UID 1", s2.Records)
	}
}

func TestStoreOpenReplaysLeftoverJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")

	s, err := Open(path, FSyncNone)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rec := &Record{UID: [2]UID{7, 7}}
	s.Records = append(s.Records, rec)
	if err := s.Journal().New(rec); err != nil {
		t.Fatalf("Journal().New: %v", err)
	}
	rec.Flags = FlagFlagged
	if err := s.Journal().Flags(rec); err != nil {
		t.Fatalf("Journal().Flags: %v", err)
	}
	// Simulate a crash: close without committing, leaving the journal
	// behind and no committed state file.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path, FSyncNone)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer s2.Close()
	if len(s2.Records) != 1 {
		t.Fatalf("expected crash recovery to replay the orphaned journal, got %d records", len(s2.Records))
	}
	if s2.Records[0].Flags != FlagFlagged {
		t.Errorf("expected replayed flags FlagFlagged, got %v", s2.Records[0].Flags)
	}
}

func TestStoreOpenHoldsLockAcrossConcurrentAttempt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")

	s, err := Open(path, FSyncNone)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := Open(path, FSyncNone); err == nil {
		t.Error("expected a second concurrent Open on the same state path to fail")
	}
}
