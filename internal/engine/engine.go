// Package engine implements the storage façade (spec.md §4.5–§4.7): the
// owned collections of MemTables and SSTables, the public Insert/Remove/Read
// operations that mutate and probe them under a single mutex, and the
// background flusher/compactor that drains frozen MemTables to L0 and
// merges L0 into L1.
package engine

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tablekv/internal/config"
	"tablekv/internal/memtable"
	"tablekv/internal/sstable"
	"tablekv/internal/wal"
)

// ErrClosed is returned by any operation on a Storage that has already been
// closed.
var ErrClosed = errors.New("engine: storage is closed")

// Stats holds running counters exposed for observability; nothing in
// spec.md depends on them, but the teacher's engine always surfaced this
// shape of operational counter and readers of this store expect it too.
type Stats struct {
	mu          sync.Mutex
	Inserts     int64
	Removes     int64
	Reads       int64
	Flushes     int64
	Compactions int64
}

func (s *Stats) incr(field *int64) {
	s.mu.Lock()
	*field++
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Inserts: s.Inserts, Removes: s.Removes, Reads: s.Reads, Flushes: s.Flushes, Compactions: s.Compactions}
}

// Storage is the public façade over the engine's owned state: the active
// MemTable, the queue of frozen MemTables awaiting flush, and the layered
// SSTables. The whole of it is guarded by a single mutex (spec.md §5);
// fine-grained locking is explicitly out of scope.
type Storage struct {
	mu     sync.Mutex
	closed bool

	opts config.Options

	active *memtable.MemTable
	frozen []*memtable.MemTable // oldest first

	l0 []*sstable.Table // oldest first
	l1 []*sstable.Table

	nextMemTableID uint64
	nextSSTableID  uint64

	lock *flock.Flock

	wakeCh chan struct{}
	stopCh chan struct{}
	group  *errgroup.Group

	stats Stats
}

// Open ensures the segments and WAL directories exist, recovers any
// MemTables left over from a prior run, loads existing SSTables as L0, and
// starts the background flusher/compactor.
func Open(opts config.Options) (*Storage, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.SegmentsPath, 0o755); err != nil {
		return nil, errors.Wrap(err, "engine: create segments directory")
	}
	if err := os.MkdirAll(opts.WALPath, 0o755); err != nil {
		return nil, errors.Wrap(err, "engine: create wal directory")
	}

	lock, err := acquireWriterLock(opts.SegmentsPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		opts:   opts,
		lock:   lock,
		wakeCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}

	if err := s.recoverMemTables(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if err := s.loadSSTables(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	s.group = &errgroup.Group{}
	s.group.Go(s.flusherLoop)

	logrus.WithFields(logrus.Fields{
		"segments_path": opts.SegmentsPath,
		"wal_path":      opts.WALPath,
		"threshold":     opts.Threshold,
	}).Info("engine: storage opened")

	return s, nil
}

// recoverMemTables scans the WAL directory, replays every WAL file into a
// MemTable in id order, and installs the highest-id one as active with the
// rest queued as frozen (spec.md §4.6 Open).
func (s *Storage) recoverMemTables() error {
	entries, err := os.ReadDir(s.opts.WALPath)
	if err != nil {
		return errors.Wrap(err, "engine: scan wal directory")
	}

	type found struct {
		id   uint64
		path string
	}
	var walFiles []found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := wal.ParseID(e.Name())
		if err != nil {
			return errors.Wrap(err, "engine: malformed wal filename")
		}
		walFiles = append(walFiles, found{id: id, path: filepath.Join(s.opts.WALPath, e.Name())})
	}
	sort.Slice(walFiles, func(i, j int) bool { return walFiles[i].id < walFiles[j].id })

	var maxID uint64
	for i, wf := range walFiles {
		mt, err := memtable.Recover(wf.path, wf.id)
		if err != nil {
			return errors.Wrapf(err, "engine: recover memtable %d", wf.id)
		}
		if wf.id > maxID {
			maxID = wf.id
		}
		if i == len(walFiles)-1 {
			s.active = mt
		} else {
			s.frozen = append(s.frozen, mt)
		}
	}

	if s.active == nil {
		s.nextMemTableID = maxID + 1
		mt, err := memtable.Create(s.opts.WALPath, s.nextMemTableID)
		if err != nil {
			return errors.Wrap(err, "engine: create initial memtable")
		}
		s.active = mt
		s.nextMemTableID++
	} else {
		s.nextMemTableID = maxID + 1
	}

	return nil
}

// loadSSTables scans the segments directory for SSTable files and loads
// them, in ascending id order, as L0 — per spec.md §4.6, level assignment
// is not itself persisted across restarts.
func (s *Storage) loadSSTables() error {
	entries, err := os.ReadDir(s.opts.SegmentsPath)
	if err != nil {
		return errors.Wrap(err, "engine: scan segments directory")
	}

	type found struct {
		id   uint64
		path string
	}
	var files []found
	var maxID uint64
	for _, e := range entries {
		if e.IsDir() || e.Name() == lockFileName {
			continue
		}
		if filepath.Ext(e.Name()) == ".tmp" {
			// An SSTable whose Build crashed before its rename: the data is
			// still in its inputs (WAL or merge sources), so drop the file.
			tmpPath := filepath.Join(s.opts.SegmentsPath, e.Name())
			logrus.WithField("path", tmpPath).Warn("engine: removing incomplete sstable at open")
			_ = os.Remove(tmpPath)
			continue
		}
		id, err := sstable.ParseID(e.Name())
		if err != nil {
			return errors.Wrap(err, "engine: malformed sstable filename")
		}
		files = append(files, found{id: id, path: filepath.Join(s.opts.SegmentsPath, e.Name())})
		if id > maxID {
			maxID = id
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })

	for _, f := range files {
		tbl, err := sstable.Open(f.path, f.id)
		if err != nil {
			// A half-written SSTable from a crash mid-flush: skip it, the
			// data is still recoverable from its WAL if that's still
			// present (spec.md §7).
			logrus.WithFields(logrus.Fields{
				"path":  f.path,
				"error": err,
			}).Warn("engine: skipping unreadable sstable at open")
			continue
		}
		s.l0 = append(s.l0, tbl)
	}
	s.nextSSTableID = maxID + 1

	return nil
}

// Insert durably writes (key, value), possibly rotating the active
// MemTable into the frozen queue if it has reached the configured
// threshold. It never blocks on the flusher.
func (s *Storage) Insert(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.active.Insert(key, value); err != nil {
		return err
	}
	s.stats.incr(&s.stats.Inserts)
	return s.maybeFreezeLocked()
}

// Remove durably writes a tombstone for key, with the same rotation
// behavior as Insert.
func (s *Storage) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.active.Remove(key); err != nil {
		return err
	}
	s.stats.incr(&s.stats.Removes)
	return s.maybeFreezeLocked()
}

// maybeFreezeLocked freezes the active MemTable and wakes the flusher if
// the threshold has been reached. Callers must hold s.mu.
func (s *Storage) maybeFreezeLocked() error {
	if s.active.Len() < s.opts.Threshold {
		return nil
	}

	next, err := memtable.Create(s.opts.WALPath, s.nextMemTableID)
	if err != nil {
		return errors.Wrap(err, "engine: create memtable after threshold")
	}
	s.nextMemTableID++

	s.frozen = append(s.frozen, s.active)
	s.active = next

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// Read probes, in order, the active MemTable, the frozen MemTables (newest
// first), the L0 SSTables (newest first), and the L1 SSTables, returning
// the first definite answer. A tombstone at any layer terminates the
// search with (nil, false, nil) without consulting older layers.
func (s *Storage) Read(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.incr(&s.stats.Reads)
	if s.closed {
		return nil, false, ErrClosed
	}

	if p, v := s.active.Probe(key); p != sstable.Missing {
		return v, p == sstable.Present, nil
	}
	for i := len(s.frozen) - 1; i >= 0; i-- {
		if p, v := s.frozen[i].Probe(key); p != sstable.Missing {
			return v, p == sstable.Present, nil
		}
	}
	for i := len(s.l0) - 1; i >= 0; i-- {
		p, v, err := s.l0[i].Probe(key)
		if err != nil {
			return nil, false, err
		}
		if p != sstable.Missing {
			return v, p == sstable.Present, nil
		}
	}
	for _, tbl := range s.l1 {
		p, v, err := tbl.Probe(key)
		if err != nil {
			return nil, false, err
		}
		if p != sstable.Missing {
			return v, p == sstable.Present, nil
		}
	}

	return nil, false, nil
}

// Stats returns a snapshot of the engine's running counters.
func (s *Storage) Stats() Stats {
	return s.stats.Snapshot()
}

// L0Count reports the number of tables currently in L0. Exposed for
// observability and for tests that wait on the background flusher/compactor.
func (s *Storage) L0Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.l0)
}

// L1Count reports the number of tables currently in L1.
func (s *Storage) L1Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.l1)
}

// Close shuts down the flusher cleanly and releases all handles, including
// the writer lock. Frozen MemTables still pending flush remain on disk as
// WALs and are recovered on the next Open.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	err := s.group.Wait()

	s.mu.Lock()
	_ = s.active.Close()
	for _, mt := range s.frozen {
		_ = mt.Close()
	}
	for _, tbl := range s.l0 {
		_ = tbl.Close()
	}
	for _, tbl := range s.l1 {
		_ = tbl.Close()
	}
	s.mu.Unlock()

	if lockErr := s.lock.Unlock(); lockErr != nil && err == nil {
		err = errors.Wrap(lockErr, "engine: release writer lock")
	}

	logrus.Info("engine: storage closed")
	return err
}
