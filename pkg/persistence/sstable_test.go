package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"ringdb/pkg/dberrors"
	"ringdb/pkg/iterator"
	"ringdb/pkg/types"
)

func writeTable(t *testing.T, cells []types.Cell) *SSTable {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1.dat")
	require.NoError(t, Write(path, iterator.FromSlice(cells)))
	tbl, err := Open(path, 1)
	require.NoError(t, err)
	t.Cleanup(tbl.Unref)
	return tbl
}

func TestExactLayout(t *testing.T) {
	tbl := writeTable(t, []types.Cell{
		{Key: []byte("a"), Value: types.NewValue([]byte("xy"), 5)},
		{Key: []byte("b"), Value: types.NewTombstone(6)},
	})

	raw, err := os.ReadFile(tbl.Path())
	require.NoError(t, err)

	want := []byte{
		0, 0, 0, 1, 'a', 0, 0, 0, 0, 0, 0, 0, 5, 0, 0, 0, 2, 'x', 'y',
		0, 0, 0, 1, 'b', 0, 0, 0, 0, 0, 0, 0, 6, 0xff, 0xff, 0xff, 0xff,
		0, 0, 0, 0, // offset of a
		0, 0, 0, 19, // offset of b
		0, 0, 0, 2, // count
	}
	require.Equal(t, want, raw)
}

func TestRoundTrip(t *testing.T) {
	var cells []types.Cell
	for i := 0; i < 100; i++ {
		v := types.NewValue([]byte(fmt.Sprintf("v%d", i)), int64(i))
		if i%10 == 0 {
			v = types.NewTombstone(int64(i))
		}
		cells = append(cells, types.Cell{Key: []byte(fmt.Sprintf("k%03d", i)), Value: v})
	}
	cells[1].Value = types.NewValue([]byte{}, 1)

	tbl := writeTable(t, cells)
	require.Equal(t, 100, tbl.Len())

	it, err := tbl.Iterator(nil)
	require.NoError(t, err)
	got, err := iterator.Collect(it)
	require.NoError(t, err)
	require.Equal(t, len(cells), len(got))
	for i := range cells {
		require.Equal(t, cells[i].Key, got[i].Key)
		require.Equal(t, cells[i].Value.Timestamp, got[i].Value.Timestamp)
		require.Equal(t, cells[i].Value.IsTombstone(), got[i].Value.IsTombstone())
		if !cells[i].Value.IsTombstone() {
			require.Equal(t, cells[i].Value.Data, got[i].Value.Data)
		}
	}

	// an empty payload is a value, not a deletion
	v, ok, err := tbl.Get([]byte("k001"))
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, v.IsTombstone())
	require.Empty(t, v.Data)
}

func TestSeekBounds(t *testing.T) {
	tbl := writeTable(t, []types.Cell{
		{Key: []byte("b"), Value: types.NewValue([]byte("1"), 1)},
		{Key: []byte("d"), Value: types.NewValue([]byte("2"), 1)},
		{Key: []byte("f"), Value: types.NewValue([]byte("3"), 1)},
	})

	for key, want := range map[string]int{"a": 0, "b": 0, "c": 1, "d": 1, "e": 2, "f": 2, "g": 3} {
		pos, err := tbl.Seek([]byte(key))
		require.NoError(t, err)
		require.Equal(t, want, pos, key)
	}

	it, err := tbl.Iterator([]byte("z"))
	require.NoError(t, err)
	require.False(t, it.Valid())

	it, err = tbl.Iterator([]byte("c"))
	require.NoError(t, err)
	require.True(t, it.Valid())
	require.Equal(t, "d", string(it.Cell().Key))
}

func TestGet(t *testing.T) {
	tbl := writeTable(t, []types.Cell{
		{Key: []byte("a"), Value: types.NewValue([]byte("1"), 3)},
		{Key: []byte("c"), Value: types.NewTombstone(4)},
	})

	v, ok, err := tbl.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v.Data))

	v, ok, err = tbl.Get([]byte("c"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, v.IsTombstone())

	_, ok, err = tbl.Get([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEmptyTable(t *testing.T) {
	tbl := writeTable(t, nil)
	require.Equal(t, 0, tbl.Len())
	it, err := tbl.Iterator(nil)
	require.NoError(t, err)
	require.False(t, it.Valid())
}

func TestWriteRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.dat")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.Error(t, Write(path, iterator.Empty()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), raw)
}

func TestOpenCorrupted(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "1.dat")
	require.NoError(t, os.WriteFile(short, []byte{0, 1}, 0o644))
	_, err := Open(short, 1)
	require.True(t, errors.Is(err, dberrors.ErrCorrupted))

	bad := filepath.Join(dir, "2.dat")
	require.NoError(t, os.WriteFile(bad, []byte{0, 0, 0, 9}, 0o644))
	_, err = Open(bad, 2)
	require.True(t, errors.Is(err, dberrors.ErrCorrupted))
}

func TestObsoleteRemovedOnLastUnref(t *testing.T) {
	path := filepath.Join(t.TempDir(), "7.dat")
	require.NoError(t, Write(path, iterator.FromSlice([]types.Cell{
		{Key: []byte("a"), Value: types.NewValue([]byte("1"), 1)},
	})))
	tbl, err := Open(path, 7)
	require.NoError(t, err)

	tbl.Ref() // reader
	tbl.MarkObsolete()
	tbl.Unref() // owner

	_, err = os.Stat(path)
	require.NoError(t, err)
	v, ok, err := tbl.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v.Data))

	tbl.Unref() // reader
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
