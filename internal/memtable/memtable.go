// Package memtable implements the in-memory, WAL-backed ordered buffer of
// recent writes (spec.md §4.3). A MemTable is either active (accepting
// writes) or frozen (immutable, awaiting flush); exactly one is active at a
// time, enforced by the engine, not by this package.
package memtable

import (
	"bufio"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tablekv/internal/record"
	"tablekv/internal/sstable"
	"tablekv/internal/wal"
)

// MemTable is an ordered map from key to Stored, bound to one WAL.
type MemTable struct {
	id   uint64
	w    *wal.WAL
	data map[string]record.Stored
}

// Create makes a brand new, empty MemTable with a freshly created WAL file
// in dir.
func Create(dir string, id uint64) (*MemTable, error) {
	w, err := wal.Create(dir, id)
	if err != nil {
		return nil, errors.Wrap(err, "memtable: create wal")
	}
	return &MemTable{id: id, w: w, data: make(map[string]record.Stored)}, nil
}

// Recover opens an existing WAL file, replays every intact record into the
// map in order, and truncates the WAL to the last valid byte boundary.
// Trailing corruption is discarded with a logged warning, not returned as
// an error: recovery is total whenever the prefix up to the tear is intact
// (spec.md §4.3, §8 property 6).
func Recover(path string, id uint64) (*MemTable, error) {
	w, err := wal.Open(path, id)
	if err != nil {
		return nil, errors.Wrap(err, "memtable: open wal for recovery")
	}

	data := make(map[string]record.Stored)
	r := bufio.NewReader(w.File())
	var validOffset int64
	for {
		rec, err := record.Read(r)
		if err != nil {
			if errors.Is(err, record.ErrEndOfStream) {
				break
			}
			// Torn or corrupt tail: stop here, truncate to last good offset.
			logrus.WithFields(logrus.Fields{
				"wal":   path,
				"at":    validOffset,
				"error": err,
			}).Warn("memtable: discarding corrupt wal tail")
			break
		}
		validOffset += rec.EncodedSize()
		data[rec.Key] = rec.Stored
	}

	if err := w.Truncate(validOffset); err != nil {
		return nil, errors.Wrap(err, "memtable: truncate wal after recovery")
	}

	return &MemTable{id: id, w: w, data: data}, nil
}

// ID returns the MemTable's id, shared with its WAL.
func (m *MemTable) ID() uint64 { return m.id }

// WALPath returns the path of the MemTable's backing WAL file.
func (m *MemTable) WALPath() string { return m.w.Path() }

// Insert durably appends (key, Value(value)) to the WAL, then upserts it
// into the map. If the WAL write fails, the in-memory map is left
// untouched and the error is returned to the caller.
func (m *MemTable) Insert(key string, value []byte) error {
	stored := record.Stored{Value: value}
	if err := m.w.Append(key, stored); err != nil {
		return err
	}
	m.data[key] = stored
	return nil
}

// Remove durably appends a tombstone for key to the WAL, then upserts it
// into the map.
func (m *MemTable) Remove(key string) error {
	stored := record.Stored{Tombstone: true}
	if err := m.w.Append(key, stored); err != nil {
		return err
	}
	m.data[key] = stored
	return nil
}

// Get returns (value, true) if the last recorded state of key is a live
// value; (nil, false) if the key is absent or its last state is a
// tombstone — a tombstone hit shadows any older state in lower layers, so
// callers must treat "not found" and "explicitly deleted" identically at
// this layer (the engine distinguishes layers, not MemTable).
func (m *MemTable) Get(key string) ([]byte, bool) {
	stored, ok := m.data[key]
	if !ok || stored.Tombstone {
		return nil, false
	}
	return stored.Value, true
}

// Probe reports whether key is missing, tombstoned, or present in this
// MemTable, mirroring sstable.Table.Probe so the engine's layered read path
// can treat every layer uniformly.
func (m *MemTable) Probe(key string) (sstable.Probe, []byte) {
	stored, ok := m.data[key]
	if !ok {
		return sstable.Missing, nil
	}
	if stored.Tombstone {
		return sstable.Tombstoned, nil
	}
	return sstable.Present, stored.Value
}

// Len returns the number of distinct keys currently buffered.
func (m *MemTable) Len() int { return len(m.data) }

// sortedKeys returns the MemTable's keys in ascending order.
func (m *MemTable) sortedKeys() []string {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FlushTo writes every record in ascending key order to path via the
// sstable builder, then unlinks this MemTable's WAL. Unlinking the WAL must
// happen last: if the process crashes before it, the WAL still holds the
// data and a subsequent recovery is safe.
func (m *MemTable) FlushTo(path string) (*sstable.Table, error) {
	keys := m.sortedKeys()
	tbl, err := sstable.Build(path, func(i int) (string, record.Stored, bool) {
		if i >= len(keys) {
			return "", record.Stored{}, false
		}
		return keys[i], m.data[keys[i]], true
	})
	if err != nil {
		return nil, errors.Wrap(err, "memtable: flush")
	}
	if err := m.w.Remove(); err != nil {
		return nil, errors.Wrap(err, "memtable: remove wal after flush")
	}
	return tbl, nil
}

// Close closes the MemTable's WAL handle without removing the file. Used
// when shutting down without having flushed (e.g. the active MemTable at
// engine close).
func (m *MemTable) Close() error {
	return m.w.Close()
}
