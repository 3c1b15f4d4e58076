package syncstate

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// JournalVersion is the version line at the top of every journal file (§4.2).
const JournalVersion = "2"

// FSyncLevel controls how aggressively the journal/state files are flushed
// to stable storage, mirroring mbsync's -X/--fsync levels.
type FSyncLevel int

const (
	FSyncNone FSyncLevel = iota
	FSyncNormal
	FSyncThorough
)

// Journal is the append-only write-ahead log described in §4.2. It is
// line-buffered (flushed after every record) and, at FSyncThorough, forces
// fdatasync after every '#' (TUID assignment) record so the TUID is durable
// before the network copy that depends on finding it later begins.
type Journal struct {
	f     *os.File
	w     *bufio.Writer
	level FSyncLevel
}

// OpenJournal opens (creating if needed) the journal file for appending and
// writes the version header if the file was empty.
func OpenJournal(path string, level FSyncLevel, wroteHeaderAlready bool) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cannot write journal %s: %w", path, err)
	}
	j := &Journal{f: f, w: bufio.NewWriter(f), level: level}
	if !wroteHeaderAlready {
		if err := j.writeLine(JournalVersion); err != nil {
			f.Close()
			return nil, err
		}
	}
	return j, nil
}

func (j *Journal) writeLine(line string) error {
	if _, err := j.w.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("cannot write journal: disk full?: %w", err)
	}
	return j.w.Flush()
}

func (j *Journal) durableAfterTUID() error {
	if j.level < FSyncThorough {
		return nil
	}
	return fdatasync(j.f)
}

// Close flushes and closes the journal file. If safe is true (the normal
// case, mirroring Fclose(f, 1) in sync.c) an fsync is issued first when the
// configured level is at least FSyncNormal.
func (j *Journal) Close(safe bool) error {
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("cannot write journal: disk full?: %w", err)
	}
	if safe && j.level >= FSyncNormal {
		if err := j.f.Sync(); err != nil {
			return fmt.Errorf("cannot close file. disk full?: %w", err)
		}
	}
	return j.f.Close()
}

// --- Record-level append operations, one per opcode in §4.2's table ---

func (j *Journal) New(r *Record) error {
	return j.writeLine(fmt.Sprintf("+ %d %d", r.UID[Master], r.UID[Slave]))
}

func (j *Journal) Kill(r *Record) error {
	return j.writeLine(fmt.Sprintf("- %d %d", r.UID[Master], r.UID[Slave]))
}

func (j *Journal) ResolveUID(r *Record, side Side, newUID UID) error {
	op := byte('<')
	if side == Slave {
		op = '>'
	}
	return j.writeLine(fmt.Sprintf("%c %d %d %d", op, r.UID[Master], r.UID[Slave], newUID))
}

func (j *Journal) Flags(r *Record) error {
	return j.writeLine(fmt.Sprintf("* %d %d %d", r.UID[Master], r.UID[Slave], r.Flags))
}

func (j *Journal) ExpireIntent(r *Record, set bool) error {
	v := 0
	if set {
		v = 1
	}
	return j.writeLine(fmt.Sprintf("~ %d %d %d", r.UID[Master], r.UID[Slave], v))
}

func (j *Journal) ExpireRevert(r *Record) error {
	return j.writeLine(fmt.Sprintf("\\ %d %d", r.UID[Master], r.UID[Slave]))
}

func (j *Journal) ExpireCommit(r *Record) error {
	return j.writeLine(fmt.Sprintf("/ %d %d", r.UID[Master], r.UID[Slave]))
}

func (j *Journal) TUIDAssigned(r *Record) error {
	if err := j.writeLine(fmt.Sprintf("# %d %d %s", r.UID[Master], r.UID[Slave], r.TUID)); err != nil {
		return err
	}
	return j.durableAfterTUID()
}

func (j *Journal) TUIDLost(r *Record) error {
	return j.writeLine(fmt.Sprintf("& %d %d", r.UID[Master], r.UID[Slave]))
}

func (j *Journal) MaxUIDAdvanced(side Side, uid int) error {
	op := byte('(')
	if side == Slave {
		op = ')'
	}
	return j.writeLine(fmt.Sprintf("%c %d", op, uid))
}

func (j *Journal) NewUIDAdvanced(side Side, uid int) error {
	op := byte('{')
	if side == Slave {
		op = '}'
	}
	return j.writeLine(fmt.Sprintf("%c %d", op, uid))
}

func (j *Journal) UIDValidity(uvM, uvS int) error {
	return j.writeLine(fmt.Sprintf("| %d %d", uvM, uvS))
}

// replayState holds the mutable bits the journal replay mutates in place.
type replayState struct {
	records []*Record
	header  *Header
	newUID  [2]int
}

func newReplayState(records []*Record, header *Header) *replayState {
	return &replayState{records: records, header: header}
}

// find does a live linear scan over each record's current UID pair, the
// same approach sync.c's box_selected takes, rather than a cache keyed on
// UIDs as first loaded: '<'/'>' mutate a record's UID in place, and a
// lookup keyed on stale UIDs would miss a record a later entry addresses
// by its newly resolved pair.
func (rs *replayState) find(m, s int) *Record {
	for _, r := range rs.records {
		if int(r.UID[Master]) == m && int(r.UID[Slave]) == s {
			return r
		}
	}
	return nil
}

// ReplayJournal reads journal lines and applies them atop the given loaded
// records and header, in file order (spec.md §9 Open Question 3: "\\ vs /
// semantics depend on order of application; replay honors insertion order
// strictly" — this is a single sequential pass, never reordered/batched).
// Returns the (possibly extended) record list.
func ReplayJournal(r io.Reader, records []*Record, header *Header) ([]*Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("incomplete journal header: %w", err)
		}
		return records, nil
	}
	if scanner.Text() != JournalVersion {
		return nil, fmt.Errorf("incompatible journal version (got %q, expected %s)", scanner.Text(), JournalVersion)
	}

	rs := newReplayState(records, header)
	line := 1
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if len(text) == 0 {
			return nil, fmt.Errorf("malformed journal entry at line %d", line)
		}
		if err := rs.apply(text); err != nil {
			return nil, fmt.Errorf("journal entry at line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading journal: %w", err)
	}
	return rs.records, nil
}

func (rs *replayState) apply(line string) error {
	op := line[0]
	rest := line[1:]
	switch op {
	case '(':
		var uid int
		if _, err := fmt.Sscanf(rest, "%d", &uid); err != nil {
			return err
		}
		rs.header.MaxUID[Master] = uid
	case ')':
		var uid int
		if _, err := fmt.Sscanf(rest, "%d", &uid); err != nil {
			return err
		}
		rs.header.MaxUID[Slave] = uid
	case '{':
		var uid int
		if _, err := fmt.Sscanf(rest, "%d", &uid); err != nil {
			return err
		}
		rs.newUID[Master] = uid
	case '}':
		var uid int
		if _, err := fmt.Sscanf(rest, "%d", &uid); err != nil {
			return err
		}
		rs.newUID[Slave] = uid
	case '|':
		var uvM, uvS int
		if _, err := fmt.Sscanf(rest, "%d %d", &uvM, &uvS); err != nil {
			return err
		}
		rs.header.UIDValidity[Master] = uvM
		rs.header.UIDValidity[Slave] = uvS
	case '+':
		var m, s int
		if _, err := fmt.Sscanf(rest, "%d %d", &m, &s); err != nil {
			return err
		}
		rec := &Record{UID: [2]UID{UID(m), UID(s)}}
		rs.records = append(rs.records, rec)
	default:
		var m, s int
		n, err := fmt.Sscanf(rest, "%d %d", &m, &s)
		if err != nil || n != 2 {
			return fmt.Errorf("malformed entry %q", line)
		}
		rec := rs.find(m, s)
		if rec == nil {
			return fmt.Errorf("refers to non-existing sync state entry (%d,%d)", m, s)
		}
		return rs.applyRecordOp(op, rest, rec)
	}
	return nil
}

func (rs *replayState) applyRecordOp(op byte, rest string, rec *Record) error {
	switch op {
	case '-':
		rec.Status = StatusDead
	case '#':
		fields := strings.Fields(rest)
		if len(fields) != 3 || len(fields[2]) != TUIDLen {
			return fmt.Errorf("malformed TUID entry %q", rest)
		}
		rec.TUID = TUID(fields[2])
	case '&':
		rec.Flags = 0
		rec.TUID = ""
	case '<':
		var m, s, newUID int
		if _, err := fmt.Sscanf(rest, "%d %d %d", &m, &s, &newUID); err != nil {
			return err
		}
		rec.UID[Master] = UID(newUID)
		rec.TUID = ""
	case '>':
		var m, s, newUID int
		if _, err := fmt.Sscanf(rest, "%d %d %d", &m, &s, &newUID); err != nil {
			return err
		}
		rec.UID[Slave] = UID(newUID)
		rec.TUID = ""
	case '*':
		var m, s, flags int
		if _, err := fmt.Sscanf(rest, "%d %d %d", &m, &s, &flags); err != nil {
			return err
		}
		rec.Flags = Flags(flags)
	case '~':
		var m, s, v int
		if _, err := fmt.Sscanf(rest, "%d %d %d", &m, &s, &v); err != nil {
			return err
		}
		if v != 0 {
			rec.Status |= StatusExpire
		} else {
			rec.Status &^= StatusExpire
		}
	case '\\':
		if rec.Status.Has(StatusExpired) {
			rec.Status |= StatusExpire
		} else {
			rec.Status &^= StatusExpire
		}
	case '/':
		if rec.Status.Has(StatusExpire) {
			if rs.header.SMaxXUID < int(rec.UID[Slave]) {
				rs.header.SMaxXUID = int(rec.UID[Slave])
			}
			rec.Status |= StatusExpired
		} else {
			rec.Status &^= StatusExpired
		}
	default:
		return fmt.Errorf("unrecognized journal opcode %q", string(op))
	}
	return nil
}
