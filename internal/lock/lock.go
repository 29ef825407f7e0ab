// Package lock provides the directory-level advisory exclusive lock that
// serializes writers to one Conary installed-state directory (spec
// §4.7.5), adapted from the container validator's flock-based lock
// manager.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Metadata describes the current lock holder, written into the lock file
// for operator debugging.
type Metadata struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held exclusive lock on one installed-state directory.
type Lock struct {
	file *os.File
	path string
}

// lockFileName is fixed: exactly one transaction writer per db_dir at a
// time (spec §4.7.5), unlike the per-container lock files this package
// was adapted from.
const lockFileName = "conary.lock"

// Acquire takes the exclusive lock on dbDir. If blocking is false and the
// lock is already held, it returns ErrBusy immediately.
func Acquire(dbDir string, blocking bool) (*Lock, error) {
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("lock: create db dir: %w", err)
	}
	path := filepath.Join(dbDir, lockFileName)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: open lock file: %w", err)
	}

	flags := syscall.LOCK_EX
	if !blocking {
		flags |= syscall.LOCK_NB
	}
	if err := syscall.Flock(int(file.Fd()), flags); err != nil {
		file.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("lock: flock: %w", err)
	}

	if err := writeMetadata(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, err
	}

	return &Lock{file: file, path: path}, nil
}

func writeMetadata(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("lock: truncate: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("lock: seek: %w", err)
	}
	fmt.Fprintf(file, `{"pid":%d,"acquired_at":%q}`, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return nil
}

// Release unlocks and closes the lock file. The file itself is left in
// place (unlike per-container locks) since a fresh Acquire just re-truncates it.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("lock: unlock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("lock: close: %w", closeErr)
	}
	return nil
}

// ErrBusy is returned by a non-blocking Acquire when another process
// already holds the lock.
var ErrBusy = fmt.Errorf("lock: installed-state directory is locked by another process")
