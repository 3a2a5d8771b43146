// Package sstable implements the immutable, sorted on-disk table: its
// point-lookup index (built by a full scan on open), sequential scan, and
// the two-way merge that backs compaction (spec.md §4.4).
package sstable

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"tablekv/internal/record"
)

const filePrefix = "sstable-"

// FileName returns the canonical basename for the SSTable with the given id.
func FileName(id uint64) string {
	return filePrefix + strconv.FormatUint(id, 10)
}

// ParseID extracts the id from an SSTable basename produced by FileName.
func ParseID(name string) (uint64, error) {
	if !strings.HasPrefix(name, filePrefix) {
		return 0, errors.Errorf("sstable: malformed filename %q", name)
	}
	idStr := strings.TrimPrefix(name, filePrefix)
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "sstable: malformed filename %q", name)
	}
	return id, nil
}

// Probe is the three-valued result of looking a key up in a Table: the
// index alone cannot distinguish "not present" from "present but
// tombstoned", so callers that need to short-circuit a layered read (the
// engine's read path) use Probe instead of Get.
type Probe int

const (
	// Missing means the key is absent from this table entirely.
	Missing Probe = iota
	// Tombstoned means this table records the key as deleted.
	Tombstoned
	// Present means this table holds a live value for the key.
	Present
)

// Table is an open, immutable sorted table plus its in-memory offset index.
type Table struct {
	path  string
	id    uint64
	file  *os.File
	index map[string]int64 // key -> byte offset of its record in the file
}

// ID returns the numeric id parsed from the table's filename.
func (t *Table) ID() uint64 { return t.id }

// Path returns the table's file path.
func (t *Table) Path() string { return t.path }

// Open opens path read-only and scans it sequentially to build the offset
// index. Duplicate keys within the file violate the on-disk invariant; if
// encountered, the index keeps the last offset seen (spec.md §4.4).
func Open(path string, id uint64) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: open %s", path)
	}

	index := make(map[string]int64)
	r := bufio.NewReader(f)
	var offset int64
	for {
		rec, err := record.Read(r)
		if err != nil {
			if errors.Is(err, record.ErrEndOfStream) {
				break
			}
			_ = f.Close()
			return nil, errors.Wrapf(err, "sstable: scan %s", path)
		}
		index[rec.Key] = offset
		offset += rec.EncodedSize()
	}

	return &Table{path: path, id: id, file: f, index: index}, nil
}

// Probe reports whether key is missing, tombstoned, or present, without
// allocating a value for the first two cases.
func (t *Table) Probe(key string) (Probe, []byte, error) {
	offset, ok := t.index[key]
	if !ok {
		return Missing, nil, nil
	}
	rec, err := t.readAt(offset)
	if err != nil {
		return Missing, nil, err
	}
	if rec.Stored.Tombstone {
		return Tombstoned, nil, nil
	}
	return Present, rec.Stored.Value, nil
}

// Get translates Probe into the collapsed two-valued form described in
// spec.md §4.4: Value -> (bytes, true), Tombstone or Missing -> (nil,
// false). Callers that must distinguish deletion from absence should use
// Probe instead.
func (t *Table) Get(key string) ([]byte, bool, error) {
	p, value, err := t.Probe(key)
	if err != nil {
		return nil, false, err
	}
	return value, p == Present, nil
}

func (t *Table) readAt(offset int64) (record.Record, error) {
	if _, err := t.file.Seek(offset, io.SeekStart); err != nil {
		return record.Record{}, errors.Wrapf(err, "sstable: seek %s", t.path)
	}
	r := bufio.NewReader(t.file)
	rec, err := record.Read(r)
	if err != nil {
		return record.Record{}, errors.Wrapf(err, "sstable: read %s at %d", t.path, offset)
	}
	return rec, nil
}

// Iterator is a restartable, finite, ascending-by-key sequential reader
// over a table's records. Each Scan opens an independent file handle so
// that concurrent scans (e.g. one per side of a merge) never interfere.
type Iterator struct {
	f *os.File
	r *bufio.Reader
}

// Scan opens a fresh sequential scan over the table's records.
func (t *Table) Scan() (*Iterator, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: scan open %s", t.path)
	}
	return &Iterator{f: f, r: bufio.NewReader(f)}, nil
}

// Next returns the next record in ascending key order, or ok=false once
// the table is exhausted.
func (it *Iterator) Next() (rec record.Record, ok bool, err error) {
	rec, err = record.Read(it.r)
	if err != nil {
		if errors.Is(err, record.ErrEndOfStream) {
			return record.Record{}, false, nil
		}
		return record.Record{}, false, err
	}
	return rec, true, nil
}

// Close releases the iterator's file handle.
func (it *Iterator) Close() error {
	return it.f.Close()
}

// Close releases the table's file handle. The on-disk file itself is left
// untouched; callers that want to delete a retired table do so separately
// once it has been unlinked from the engine's in-memory lists.
func (t *Table) Close() error {
	return t.file.Close()
}

// Build writes records supplied by next (called with increasing i from 0
// until it returns ok=false) to a new file at path in the order given —
// which must already be strictly ascending by key with no duplicates, as
// MemTable.FlushTo and Merge both guarantee — then opens it as a Table.
//
// The file is written to a temporary name, fsynced, and renamed into place
// before being opened, closing the crash window described in spec.md §9
// where a half-written SSTable could be mistaken for a complete one.
func Build(path string, next func(i int) (string, record.Stored, bool)) (*Table, error) {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable: create %s", tmpPath)
	}

	w := bufio.NewWriter(f)
	for i := 0; ; i++ {
		key, stored, ok := next(i)
		if !ok {
			break
		}
		if err := record.Write(w, key, stored); err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
			return nil, errors.Wrapf(err, "sstable: write %s", tmpPath)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return nil, errors.Wrapf(err, "sstable: flush %s", tmpPath)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return nil, errors.Wrapf(err, "sstable: sync %s", tmpPath)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, errors.Wrapf(err, "sstable: close %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, errors.Wrapf(err, "sstable: rename %s to %s", tmpPath, path)
	}
	if dir, derr := os.Open(filepath.Dir(path)); derr == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}

	id, err := ParseID(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	return Open(path, id)
}
