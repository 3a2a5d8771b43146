package engine

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"tablekv/internal/record"
	"tablekv/internal/sstable"
)

// flusherLoop is the engine's single background worker (spec.md §4.7): it
// wakes on wakeCh, drains every frozen MemTable to L0, and compacts L0 into
// L1 once the configured table count is reached. It runs under the
// errgroup started by Open and exits when stopCh closes.
func (s *Storage) flusherLoop() error {
	for {
		select {
		case <-s.stopCh:
			return nil
		case <-s.wakeCh:
			if err := s.drainFrozen(); err != nil {
				logrus.WithError(err).Error("engine: background flush/compact failed")
				return err
			}
		}
	}
}

// drainFrozen flushes every currently frozen MemTable to L0, oldest first,
// compacting whenever the L0 table count reaches the configured trigger.
func (s *Storage) drainFrozen() error {
	for {
		s.mu.Lock()
		if len(s.frozen) == 0 {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		if err := s.flushOldestFrozen(); err != nil {
			return err
		}
	}
}

// flushOldestFrozen writes the oldest frozen MemTable out as a new L0
// SSTable and installs it, triggering a compaction if L0 has reached the
// configured trigger.
func (s *Storage) flushOldestFrozen() error {
	s.mu.Lock()
	if len(s.frozen) == 0 {
		s.mu.Unlock()
		return nil
	}
	mt := s.frozen[0]
	id := s.nextSSTableID
	s.nextSSTableID++
	path := filepath.Join(s.opts.SegmentsPath, sstable.FileName(id))
	s.mu.Unlock()

	tbl, err := mt.FlushTo(path)
	if err != nil {
		return errors.Wrapf(err, "engine: flush memtable %d", mt.ID())
	}

	s.mu.Lock()
	s.frozen = s.frozen[1:]
	s.l0 = append(s.l0, tbl)
	s.stats.incr(&s.stats.Flushes)
	needCompact := len(s.l0) >= s.opts.L0CompactionTrigger
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{"sstable": tbl.Path(), "l0_count": len(s.l0)}).Info("engine: flushed memtable to l0")

	if needCompact {
		return s.compact()
	}
	return nil
}

// allocSSTableID reserves the next SSTable id under the engine mutex.
func (s *Storage) allocSSTableID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSSTableID
	s.nextSSTableID++
	return id
}

// compact merges every current L0 table together, then into L1, dropping
// tombstones only in the final merge into L1 (spec.md §4.4, §9): L1 is the
// deepest level, so a tombstone surviving to that merge has no older state
// left to shadow.
func (s *Storage) compact() error {
	s.mu.Lock()
	if len(s.l0) == 0 {
		s.mu.Unlock()
		return nil
	}
	l0snapshot := append([]*sstable.Table(nil), s.l0...)
	var l1snapshot *sstable.Table
	if len(s.l1) > 0 {
		l1snapshot = s.l1[0]
	}
	s.mu.Unlock()

	var toDelete []*sstable.Table

	current := l0snapshot[0]
	currentIsIntermediate := false
	for i := 1; i < len(l0snapshot); i++ {
		outPath := filepath.Join(s.opts.SegmentsPath, sstable.FileName(s.allocSSTableID()))
		next, err := sstable.Merge(current, l0snapshot[i], outPath, false)
		if err != nil {
			return errors.Wrap(err, "engine: merge l0 tables")
		}
		if currentIsIntermediate {
			toDelete = append(toDelete, current)
		}
		current = next
		currentIsIntermediate = true
	}

	var final *sstable.Table
	var err error
	outPath := filepath.Join(s.opts.SegmentsPath, sstable.FileName(s.allocSSTableID()))
	if l1snapshot != nil {
		final, err = sstable.Merge(l1snapshot, current, outPath, true)
	} else {
		final, err = dropTombstones(current, outPath)
	}
	if err != nil {
		return errors.Wrap(err, "engine: merge l0 into l1")
	}
	if currentIsIntermediate {
		toDelete = append(toDelete, current)
	}

	s.mu.Lock()
	oldL0 := s.l0
	oldL1 := s.l1
	s.l0 = nil
	s.l1 = []*sstable.Table{final}
	s.stats.incr(&s.stats.Compactions)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{"l1": final.Path()}).Info("engine: compacted l0 into l1")

	for _, tbl := range oldL0 {
		retireTable(tbl)
	}
	for _, tbl := range oldL1 {
		retireTable(tbl)
	}
	for _, tbl := range toDelete {
		retireTable(tbl)
	}

	return nil
}

// dropTombstones writes a copy of tbl to outPath with tombstone records
// filtered out, for the case where L1 is empty and the merged L0 result is
// being promoted directly: there is nothing below it either, so its
// tombstones are equally safe to drop.
func dropTombstones(tbl *sstable.Table, outPath string) (*sstable.Table, error) {
	it, err := tbl.Scan()
	if err != nil {
		return nil, errors.Wrapf(err, "engine: scan %s", tbl.Path())
	}
	defer it.Close()

	var kept []record.Record
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "engine: read %s", tbl.Path())
		}
		if !ok {
			break
		}
		if rec.Stored.Tombstone {
			continue
		}
		kept = append(kept, rec)
	}

	return sstable.Build(outPath, func(i int) (string, record.Stored, bool) {
		if i >= len(kept) {
			return "", record.Stored{}, false
		}
		return kept[i].Key, kept[i].Stored, true
	})
}

// retireTable closes a table no longer referenced by the engine and
// unlinks its file. Failures are logged, not returned: a retired table
// that fails to unlink is a leaked file, not a correctness problem.
func retireTable(tbl *sstable.Table) {
	path := tbl.Path()
	if err := tbl.Close(); err != nil {
		logrus.WithFields(logrus.Fields{"path": path, "error": err}).Warn("engine: closing retired sstable")
	}
	if err := os.Remove(path); err != nil {
		logrus.WithFields(logrus.Fields{"path": path, "error": err}).Warn("engine: removing retired sstable")
	}
}
