// Package wal implements the write-ahead log: a thin, append-only protocol
// over a file handle. One WAL is bound 1:1 to one MemTable and is named
// write-ahead-log-<id> in the configured WAL directory. Recovery (replaying
// records into a MemTable and truncating a torn tail) lives in the memtable
// package, which is the sole consumer of the record codec on the read side.
package wal

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"tablekv/internal/record"
)

const filePrefix = "write-ahead-log-"

// WAL is an open, append-only log file bound to one MemTable.
type WAL struct {
	file *os.File
	path string
	id   uint64
}

// FileName returns the canonical basename for the WAL with the given id.
func FileName(id uint64) string {
	return filePrefix + strconv.FormatUint(id, 10)
}

// ParseID extracts the id from a WAL basename produced by FileName. It
// fails if name does not match the expected scheme, per spec.md §7
// ("Malformed filename ... fatal at open").
func ParseID(name string) (uint64, error) {
	if !strings.HasPrefix(name, filePrefix) {
		return 0, errors.Errorf("wal: malformed filename %q", name)
	}
	idStr := strings.TrimPrefix(name, filePrefix)
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "wal: malformed filename %q", name)
	}
	return id, nil
}

// Create makes a brand new WAL file with the given id inside dir. It fails
// if a file with that name already exists.
func Create(dir string, id uint64) (*WAL, error) {
	path := filepath.Join(dir, FileName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: create %s", path)
	}
	return &WAL{file: f, path: path, id: id}, nil
}

// Open re-opens an existing WAL file for continued appends, used when
// recovering a MemTable whose WAL already has content.
func Open(path string, id uint64) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "wal: open %s", path)
	}
	return &WAL{file: f, path: path, id: id}, nil
}

// Path returns the WAL's file path.
func (w *WAL) Path() string { return w.path }

// ID returns the WAL's monotonic id, as embedded in its filename.
func (w *WAL) ID() uint64 { return w.id }

// Append durably writes one record: the encoded bytes are written and then
// fsynced before Append returns, so that a successful Append guarantees the
// mutation survives a crash (spec.md §6: "every write is flushed to the WAL
// before acknowledgement").
func (w *WAL) Append(key string, stored record.Stored) error {
	if err := record.Write(w.file, key, stored); err != nil {
		return errors.Wrapf(err, "wal: append to %s", w.path)
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrapf(err, "wal: sync %s", w.path)
	}
	return nil
}

// Truncate shrinks the WAL file to size bytes, used to discard a torn tail
// detected during recovery.
func (w *WAL) Truncate(size int64) error {
	if err := w.file.Truncate(size); err != nil {
		return errors.Wrapf(err, "wal: truncate %s", w.path)
	}
	if _, err := w.file.Seek(size, os.SEEK_SET); err != nil {
		return errors.Wrapf(err, "wal: seek %s", w.path)
	}
	return nil
}

// File exposes the underlying handle for recovery scans in the memtable
// package, which owns the replay loop.
func (w *WAL) File() *os.File { return w.file }

// Close closes the underlying file handle without removing it.
func (w *WAL) Close() error {
	if err := w.file.Close(); err != nil {
		return errors.Wrapf(err, "wal: close %s", w.path)
	}
	return nil
}

// Remove closes and unlinks the WAL file. Callers must only do this as the
// last step of a successful flush (spec.md §4.3, §9).
func (w *WAL) Remove() error {
	_ = w.file.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "wal: remove %s", w.path)
	}
	return nil
}
