package syncstate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenJournalWritesVersionHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(path, FSyncNone, false)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimRight(string(data), "\n") != JournalVersion {
		t.Errorf("journal contents = %q, want version header %q", data, JournalVersion)
	}
}

func TestOpenJournalSkipsHeaderWhenAlreadyWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(path, FSyncNone, true)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.New(&Record{UID: [2]UID{1, 1}}); err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := j.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 1 || lines[0] != "+ 1 1" {
		t.Errorf("expected only the new-record line when header already written, got %q", lines)
	}
}

func TestJournalAppendAndReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(path, FSyncNone, false)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}

	rec := &Record{UID: [2]UID{10, UIDPending}, TUID: "ABCDEFGHIJKL"}
	if err := j.New(rec); err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := j.TUIDAssigned(rec); err != nil {
		t.Fatalf("TUIDAssigned: %v", err)
	}
	if err := j.ResolveUID(rec, Slave, 99); err != nil {
		t.Fatalf("ResolveUID: %v", err)
	}
	rec.UID[Slave] = 99
	rec.Flags = FlagSeen
	if err := j.Flags(rec); err != nil {
		t.Fatalf("Flags: %v", err)
	}
	if err := j.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	header := &Header{}
	records, err := ReplayJournal(f, nil, header)
	if err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 replayed record, got %d", len(records))
	}
	got := records[0]
	if got.UID[Slave] != 99 {
		t.Errorf("expected resolved slave UID 99, got %d", got.UID[Slave])
	}
	if got.TUID != "" {
		t.Errorf("expected TUID cleared after resolution, got %q", got.TUID)
	}
	if got.Flags != FlagSeen {
		t.Errorf("expected Flags to replay to FlagSeen, got %v", got.Flags)
	}
}

func TestReplayJournalAppliesMaxUIDAndUIDValidity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(path, FSyncNone, false)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.UIDValidity(111, 222); err != nil {
		t.Fatalf("UIDValidity: %v", err)
	}
	if err := j.MaxUIDAdvanced(Master, 50); err != nil {
		t.Fatalf("MaxUIDAdvanced: %v", err)
	}
	if err := j.MaxUIDAdvanced(Slave, 60); err != nil {
		t.Fatalf("MaxUIDAdvanced: %v", err)
	}
	if err := j.Close(false); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	header := &Header{}
	if _, err := ReplayJournal(f, nil, header); err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}
	if header.UIDValidity != [2]int{111, 222} {
		t.Errorf("UIDValidity = %v, want [111 222]", header.UIDValidity)
	}
	if header.MaxUID != [2]int{50, 60} {
		t.Errorf("MaxUID = %v, want [50 60]", header.MaxUID)
	}
}

func TestReplayJournalKillMarksDead(t *testing.T) {
	existing := []*Record{{UID: [2]UID{5, 5}}}
	j := strings.NewReader(JournalVersion + "\n- 5 5\n")
	header := &Header{}
	records, err := ReplayJournal(j, existing, header)
	if err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}
	if !records[0].Dead() {
		t.Error("expected record marked dead after kill entry")
	}
}

func TestReplayJournalRejectsUnknownRecord(t *testing.T) {
	j := strings.NewReader(JournalVersion + "\n* 1 1 4\n")
	header := &Header{}
	if _, err := ReplayJournal(j, nil, header); err == nil {
		t.Error("expected error referencing a non-existing record")
	}
}

func TestReplayJournalRejectsWrongVersion(t *testing.T) {
	j := strings.NewReader("999\n")
	header := &Header{}
	if _, err := ReplayJournal(j, nil, header); err == nil {
		t.Error("expected error for incompatible journal version")
	}
}

func TestJournalReplayOrderSensitive(t *testing.T) {
	// '\' (ExpireRevert) and '/' (ExpireCommit) each branch on the record's
	// *current* Expire/Expired bits, so applying them in the opposite order
	// reaches a different final state — replay must never reorder or batch
	// entries, only apply them in file order.
	forward := strings.NewReader(JournalVersion + "\n\\ 5 5\n/ 5 5\n")
	recForward := []*Record{{UID: [2]UID{5, 5}, Status: StatusExpired}}
	gotForward, err := ReplayJournal(forward, recForward, &Header{})
	if err != nil {
		t.Fatalf("ReplayJournal (forward order): %v", err)
	}

	reverse := strings.NewReader(JournalVersion + "\n/ 5 5\n\\ 5 5\n")
	recReverse := []*Record{{UID: [2]UID{5, 5}, Status: StatusExpired}}
	gotReverse, err := ReplayJournal(reverse, recReverse, &Header{})
	if err != nil {
		t.Fatalf("ReplayJournal (reverse order): %v", err)
	}

	if gotForward[0].Status == gotReverse[0].Status {
		t.Fatalf("expected \\/ and /\\ orderings to diverge, both ended as %v", gotForward[0].Status)
	}
	if gotForward[0].Status != StatusExpired|StatusExpire {
		t.Errorf("forward order status = %v, want Expired|Expire", gotForward[0].Status)
	}
	if gotReverse[0].Status != 0 {
		t.Errorf("reverse order status = %v, want 0", gotReverse[0].Status)
	}
}

func TestReplayJournalExpireCommitAdvancesSMaxXUID(t *testing.T) {
	existing := []*Record{{UID: [2]UID{5, 42}, Status: StatusExpire}}
	j := strings.NewReader(JournalVersion + "\n/ 5 42\n")
	header := &Header{}
	records, err := ReplayJournal(j, existing, header)
	if err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}
	if !records[0].Status.Has(StatusExpired) {
		t.Error("expected expire-commit to mark StatusExpired")
	}
	if header.SMaxXUID != 42 {
		t.Errorf("SMaxXUID = %d, want 42", header.SMaxXUID)
	}
}

func TestReplayJournalFindsRecordByLiveUIDAfterResolve(t *testing.T) {
	// A record's slave UID is resolved from pending to 37, then a later
	// entry in the same journal addresses it by its new (5, 37) pair --
	// exactly what finalPurge's ResolveUID(..., UIDNone) does on the next
	// restart after a same-run UID resolution. Lookup must follow the
	// live UID fields, not a snapshot keyed on the UIDs as first loaded.
	existing := []*Record{{UID: [2]UID{5, UIDPending}}}
	j := strings.NewReader(JournalVersion + "\n> 5 -2 37\n- 5 37\n")
	records, err := ReplayJournal(j, existing, &Header{})
	if err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}
	if !records[0].Dead() {
		t.Error("expected the kill entry addressed by the resolved UID pair to find the record")
	}
}
