package syncstate

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is an advisory write lock held for the lifetime of a channel's sync
// run, preventing two mbsyncgo invocations from touching the same state
// directory concurrently (§5 Concurrency & Resource Model).
type Lock struct {
	f *os.File
}

// AcquireLock opens (creating if needed) a zero-byte lock file at path and
// takes an exclusive, non-blocking F_SETLK write lock on it. The lock is
// released by calling Release, or implicitly when the process exits.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cannot open lock file %s: %w", path, err)
	}
	flock := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: int16(os.SEEK_SET),
		Start:  0,
		Len:    0,
	}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock); err != nil {
		f.Close()
		return nil, fmt.Errorf("channel is locked (another mbsyncgo instance running?): %w", err)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock and closes the underlying file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(os.SEEK_SET)}
	_ = unix.FcntlFlock(l.f.Fd(), unix.F_SETLK, &flock)
	return l.f.Close()
}

// fdatasync forces the file's data (and only as much metadata as required to
// retrieve it) to stable storage, used after writing a TUID journal record at
// FSyncThorough.
func fdatasync(f *os.File) error {
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		return fmt.Errorf("fdatasync %s: %w", f.Name(), err)
	}
	return nil
}
