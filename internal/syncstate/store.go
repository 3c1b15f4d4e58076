// Package syncstate implements the channel orchestrator's persistence
// layer: the line-oriented state file, the append-only journal, and the
// atomic commit/crash-recovery procedure described in spec.md §4.2.
package syncstate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathConfig resolves a channel's state file path per the three rules in
// spec.md §4.2.
type PathConfig struct {
	// SyncState is the raw "Sync State" channel option: "*", a configured
	// prefix, or empty (use the global default).
	SyncState string
	// SlaveSupportsInBox reports whether the slave store can host the state
	// file alongside the mailbox itself (only maildir-style local stores).
	SlaveSupportsInBox bool
	SlaveBoxPath       string

	GlobalPrefix string
	MasterStore  string
	MasterName   string
	SlaveStore   string
	SlaveName    string
}

func sanitizeName(name string) string {
	return strings.ReplaceAll(name, "/", "!")
}

// StatePath resolves the sync-state file path.
func (p PathConfig) StatePath() (string, error) {
	switch {
	case p.SyncState == "*":
		if !p.SlaveSupportsInBox {
			return "", fmt.Errorf("sync state \"*\" requires a slave store that supports in-box state")
		}
		return filepath.Join(p.SlaveBoxPath, ".mbsyncstate"), nil
	case p.SyncState != "":
		return p.SyncState + sanitizeName(p.SlaveName), nil
	default:
		return fmt.Sprintf("%s:%s:%s_:%s:%s",
			p.GlobalPrefix, p.MasterStore, sanitizeName(p.MasterName),
			p.SlaveStore, sanitizeName(p.SlaveName)), nil
	}
}

// Store ties the state file, its atomic commit procedure, and the
// write-ahead journal together for a single channel run.
type Store struct {
	path    string
	fsync   FSyncLevel
	lock    *Lock
	Header  Header
	Records []*Record
	journal *Journal
}

// Open acquires the channel lock, loads the committed state file, and
// replays any journal left behind by a prior run that crashed before
// committing (§4.2's crash-recovery rule: a leftover journal beside a valid
// state file is always replayed before a new run begins).
func Open(path string, fsync FSyncLevel) (*Store, error) {
	lock, err := AcquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}

	header, records, err := readStateFile(path)
	if err != nil {
		lock.Release()
		return nil, err
	}
	if header == nil {
		header = &Header{}
	}

	s := &Store{path: path, fsync: fsync, lock: lock, Header: *header, Records: records}

	hasHeader := false
	if jf, err := os.Open(path + ".journal"); err == nil {
		defer jf.Close()
		if fi, err := jf.Stat(); err == nil && fi.Size() > 0 {
			hasHeader = true
		}
		replayed, err := ReplayJournal(jf, s.Records, &s.Header)
		if err != nil {
			lock.Release()
			return nil, fmt.Errorf("cannot recover journal %s: %w", path+".journal", err)
		}
		s.Records = replayed
	} else if !os.IsNotExist(err) {
		lock.Release()
		return nil, fmt.Errorf("cannot open journal %s: %w", path+".journal", err)
	}

	jr, err := OpenJournal(path+".journal", fsync, hasHeader)
	if err != nil {
		lock.Release()
		return nil, err
	}
	s.journal = jr
	return s, nil
}

// Journal exposes the append-only log for the pairing/planner/dispatch
// components to record mutations as they happen.
func (s *Store) Journal() *Journal { return s.journal }

// Commit performs the atomic state-file swap from §4.2: write the new
// content to "<path>.new", fsync it (when the configured level allows),
// rename it over the committed path, fsync the containing directory, then
// close and unlink the journal. This rename is the single linearization
// point of the whole channel run.
func (s *Store) Commit() error {
	newPath := s.path + ".new"
	f, err := os.OpenFile(newPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("cannot write new sync state %s: %w", newPath, err)
	}
	if err := writeNewState(f, s.Header, s.Records); err != nil {
		f.Close()
		return fmt.Errorf("cannot write new sync state %s: %w", newPath, err)
	}
	if s.fsync >= FSyncNormal {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("cannot write new sync state: disk full?: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cannot write new sync state %s: %w", newPath, err)
	}

	if err := os.Rename(newPath, s.path); err != nil {
		return fmt.Errorf("cannot commit sync state %s: %w", s.path, err)
	}
	if s.fsync >= FSyncNormal {
		if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
			_ = dir.Sync()
			dir.Close()
		}
	}

	if err := s.journal.Close(false); err != nil {
		return fmt.Errorf("cannot close journal: %w", err)
	}
	if err := os.Remove(s.path + ".journal"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove old journal %s: %w", s.path+".journal", err)
	}
	s.journal = nil
	return nil
}

// Close releases the channel lock and the journal handle without touching
// the committed state file (used on abort paths — §4.2: "state-file/journal
// parse errors: abort channel, leave files untouched").
func (s *Store) Close() error {
	var err error
	if s.journal != nil {
		err = s.journal.Close(true)
	}
	if lerr := s.lock.Release(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}
