package engine

import (
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ErrLocked is returned by Open when another writer already holds the
// directory's lock file (spec.md §4.6 "Write exclusivity", §7 "Lock
// contention").
var ErrLocked = errors.New("engine: segments directory is locked by another writer")

const lockFileName = "lock"

// acquireWriterLock takes an exclusive, non-blocking lock on
// <segmentsPath>/lock, following the same pattern as
// rosedblabs-lotusdb's fileLock: one *flock.Flock per open Storage,
// released on Close.
func acquireWriterLock(segmentsPath string) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(segmentsPath, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "engine: acquire writer lock")
	}
	if !ok {
		return nil, ErrLocked
	}
	return lock, nil
}
