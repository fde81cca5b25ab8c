package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ringdb/pkg/dberrors"
	"ringdb/pkg/iterator"
	"ringdb/pkg/memtable"
	"ringdb/pkg/persistence"
	"ringdb/pkg/types"
)

func emptyTable(t *testing.T, gen types.Generation) *persistence.SSTable {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.dat")
	require.NoError(t, persistence.Write(path, iterator.Empty()))
	tbl, err := persistence.Open(path, gen)
	require.NoError(t, err)
	t.Cleanup(tbl.Unref)
	return tbl
}

func TestTableSet_FlushLifecycle(t *testing.T) {
	ts := NewTableSet(nil, 5)
	mem := ts.Memtable()

	flushing := ts.StartFlush()
	require.NotSame(t, mem, flushing.Memtable())
	require.Equal(t, []*memtable.Memtable{mem}, flushing.Flushing())
	require.EqualValues(t, 6, flushing.Generation())
	// receiver untouched
	require.Empty(t, ts.Flushing())
	require.EqualValues(t, 5, ts.Generation())

	done, err := flushing.FinishFlush(mem, emptyTable(t, 5), 5)
	require.NoError(t, err)
	require.Empty(t, done.Flushing())
	require.Contains(t, done.Tables(), types.Generation(5))
	require.Empty(t, flushing.Tables())
}

func TestTableSet_FlushingNewestFirst(t *testing.T) {
	ts := NewTableSet(nil, 0)
	first := ts.Memtable()
	ts = ts.StartFlush()
	second := ts.Memtable()
	ts = ts.StartFlush()

	require.Equal(t, []*memtable.Memtable{second, first}, ts.Flushing())
}

func TestTableSet_LostFlush(t *testing.T) {
	ts := NewTableSet(nil, 0).StartFlush()
	_, err := ts.FinishFlush(memtable.New(), emptyTable(t, 0), 0)
	require.ErrorIs(t, err, dberrors.ErrInconsistent)
}

func TestTableSet_CompactLifecycle(t *testing.T) {
	a, b := emptyTable(t, 1), emptyTable(t, 2)
	ts := NewTableSet(map[types.Generation]*persistence.SSTable{1: a, 2: b}, 3)
	require.Equal(t, []types.Generation{2, 1}, ts.GenerationsDesc())

	compacting := ts.StartCompact()
	require.EqualValues(t, 4, compacting.Generation())

	out := emptyTable(t, 3)
	done, err := compacting.FinishCompact(ts.Tables(), out, 3)
	require.NoError(t, err)
	require.Equal(t, []types.Generation{3}, done.GenerationsDesc())
	require.Len(t, ts.Tables(), 2)
}

func TestTableSet_CompactFilesLost(t *testing.T) {
	a, b := emptyTable(t, 1), emptyTable(t, 2)
	ts := NewTableSet(map[types.Generation]*persistence.SSTable{1: a}, 3)

	_, err := ts.FinishCompact(map[types.Generation]*persistence.SSTable{1: a, 2: b}, emptyTable(t, 3), 3)
	require.ErrorIs(t, err, dberrors.ErrInconsistent)
}

func TestTableSet_GenerationCollision(t *testing.T) {
	a, b := emptyTable(t, 1), emptyTable(t, 2)
	ts := NewTableSet(map[types.Generation]*persistence.SSTable{1: a, 2: b}, 3)

	_, err := ts.FinishCompact(map[types.Generation]*persistence.SSTable{1: a}, emptyTable(t, 2), 2)
	require.ErrorIs(t, err, dberrors.ErrInconsistent)
}
