package sstable

import (
	"github.com/pkg/errors"

	"tablekv/internal/record"
)

// Merge performs the two-way ordered merge described in spec.md §4.4,
// producing a new table at outPath from old and new, where new is
// semantically younger. On equal keys new's record wins. dropTombstones
// should be true only when the merge target is the deepest level (L1):
// there, a tombstone has no older state left to shadow and is dropped from
// the output instead of carried forward.
func Merge(old, new_ *Table, outPath string, dropTombstones bool) (*Table, error) {
	oldIt, err := old.Scan()
	if err != nil {
		return nil, errors.Wrapf(err, "merge: scan %s", old.path)
	}
	defer oldIt.Close()

	newIt, err := new_.Scan()
	if err != nil {
		return nil, errors.Wrapf(err, "merge: scan %s", new_.path)
	}
	defer newIt.Close()

	oldRec, oldOK, err := oldIt.Next()
	if err != nil {
		return nil, errors.Wrapf(err, "merge: read %s", old.path)
	}
	newRec, newOK, err := newIt.Next()
	if err != nil {
		return nil, errors.Wrapf(err, "merge: read %s", new_.path)
	}

	var merged []record.Record
	for oldOK && newOK {
		switch {
		case oldRec.Key == newRec.Key:
			merged = append(merged, newRec)
			oldRec, oldOK, err = oldIt.Next()
			if err != nil {
				return nil, errors.Wrapf(err, "merge: read %s", old.path)
			}
			newRec, newOK, err = newIt.Next()
			if err != nil {
				return nil, errors.Wrapf(err, "merge: read %s", new_.path)
			}
		case oldRec.Key < newRec.Key:
			merged = append(merged, oldRec)
			oldRec, oldOK, err = oldIt.Next()
			if err != nil {
				return nil, errors.Wrapf(err, "merge: read %s", old.path)
			}
		default: // oldRec.Key > newRec.Key
			merged = append(merged, newRec)
			newRec, newOK, err = newIt.Next()
			if err != nil {
				return nil, errors.Wrapf(err, "merge: read %s", new_.path)
			}
		}
	}
	for oldOK {
		merged = append(merged, oldRec)
		oldRec, oldOK, err = oldIt.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "merge: read %s", old.path)
		}
	}
	for newOK {
		merged = append(merged, newRec)
		newRec, newOK, err = newIt.Next()
		if err != nil {
			return nil, errors.Wrapf(err, "merge: read %s", new_.path)
		}
	}

	if dropTombstones {
		kept := merged[:0]
		for _, rec := range merged {
			if rec.Stored.Tombstone {
				continue
			}
			kept = append(kept, rec)
		}
		merged = kept
	}

	return Build(outPath, func(i int) (string, record.Stored, bool) {
		if i >= len(merged) {
			return "", record.Stored{}, false
		}
		return merged[i].Key, merged[i].Stored, true
	})
}
