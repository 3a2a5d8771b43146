package memtable_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"tablekv/internal/memtable"
	"tablekv/internal/testutil"
)

func TestInsertGetRemove(t *testing.T) {
	dir := testutil.TempDir(t)
	mt, err := memtable.Create(dir, 1)
	require.NoError(t, err)
	defer mt.Close()

	require.NoError(t, mt.Insert("a", []byte("1")))
	v, ok := mt.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, mt.Insert("a", []byte("2")))
	v, ok = mt.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)

	require.NoError(t, mt.Remove("a"))
	_, ok = mt.Get("a")
	require.False(t, ok)

	_, ok = mt.Get("never-inserted")
	require.False(t, ok)

	require.Equal(t, 1, mt.Len())
}

// TestRecoverEquality reproduces spec.md §8 property 5.
func TestRecoverEquality(t *testing.T) {
	dir := testutil.TempDir(t)
	mt, err := memtable.Create(dir, 1)
	require.NoError(t, err)

	require.NoError(t, mt.Insert("a", []byte("1")))
	require.NoError(t, mt.Insert("b", []byte("2")))
	require.NoError(t, mt.Remove("a"))
	require.NoError(t, mt.Insert("c", []byte("3")))
	walPath := mt.WALPath()
	require.NoError(t, mt.Close())

	recovered, err := memtable.Recover(walPath, 1)
	require.NoError(t, err)
	defer recovered.Close()

	_, ok := recovered.Get("a")
	require.False(t, ok)
	v, ok := recovered.Get("b")
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
	v, ok = recovered.Get("c")
	require.True(t, ok)
	require.Equal(t, []byte("3"), v)
	require.Equal(t, 3, recovered.Len())
}

// TestCorruptionTruncation reproduces spec.md §8 property 6 / scenario S6.
func TestCorruptionTruncation(t *testing.T) {
	dir := testutil.TempDir(t)
	mt, err := memtable.Create(dir, 1)
	require.NoError(t, err)

	require.NoError(t, mt.Insert("a", []byte("1")))
	require.NoError(t, mt.Insert("b", []byte("2")))
	require.NoError(t, mt.Insert("c", []byte("3")))
	walPath := mt.WALPath()
	require.NoError(t, mt.Close())

	info, err := os.Stat(walPath)
	require.NoError(t, err)
	preCorruptSize := info.Size()

	f, err := os.OpenFile(walPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("0123456789ABCDEF"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recovered, err := memtable.Recover(walPath, 1)
	require.NoError(t, err)
	defer recovered.Close()

	require.Equal(t, 3, recovered.Len())
	v, ok := recovered.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
	v, ok = recovered.Get("c")
	require.True(t, ok)
	require.Equal(t, []byte("3"), v)

	info, err = os.Stat(walPath)
	require.NoError(t, err)
	require.Equal(t, preCorruptSize, info.Size())
}

func TestFlushToProducesSortedTombstoneAwareTable(t *testing.T) {
	dir := testutil.TempDir(t)
	mt, err := memtable.Create(dir, 1)
	require.NoError(t, err)

	require.NoError(t, mt.Insert("banana", []byte("yellow")))
	require.NoError(t, mt.Insert("apple", []byte("red")))
	require.NoError(t, mt.Remove("cherry")) // tombstone with no prior insert

	sstPath := filepath.Join(dir, "sstable-1")
	tbl, err := mt.FlushTo(sstPath)
	require.NoError(t, err)
	defer tbl.Close()

	_, err = os.Stat(mt.WALPath())
	require.True(t, os.IsNotExist(err), "wal should be unlinked after flush")

	v, ok, err := tbl.Get("apple")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("red"), v)

	_, ok, err = tbl.Get("cherry")
	require.NoError(t, err)
	require.False(t, ok)

	it, err := tbl.Scan()
	require.NoError(t, err)
	defer it.Close()
	var keys []string
	for {
		rec, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, rec.Key)
	}
	require.Equal(t, []string{"apple", "banana", "cherry"}, keys)
}
