package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ringdb/pkg/iterator"
)

func TestUpsertAndGet(t *testing.T) {
	mt := New()
	mt.Upsert([]byte("k"), []byte("v1"), 1)
	mt.Upsert([]byte("k"), []byte("v2"), 2)

	v, ok := mt.Get([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "v2", string(v.Data))
	require.Equal(t, int64(2), v.Timestamp)
	require.Equal(t, 1, mt.Len())

	_, ok = mt.Get([]byte("missing"))
	require.False(t, ok)
}

func TestRemoveLeavesTombstone(t *testing.T) {
	mt := New()
	mt.Upsert([]byte("k"), []byte("v"), 1)
	mt.Remove([]byte("k"), 2)

	v, ok := mt.Get([]byte("k"))
	require.True(t, ok)
	require.True(t, v.IsTombstone())
	require.Equal(t, int64(2), v.Timestamp)
}

func TestByteAccounting(t *testing.T) {
	mt := New()
	mt.Upsert([]byte("key"), []byte("12345"), 1)
	require.Equal(t, int64(3+5+8), mt.ApproxBytes())

	// overwrite counts only the payload delta
	mt.Upsert([]byte("key"), []byte("12"), 2)
	require.Equal(t, int64(3+2+8), mt.ApproxBytes())

	mt.Remove([]byte("key"), 3)
	require.Equal(t, int64(3+8), mt.ApproxBytes())

	mt.Remove([]byte("other"), 4)
	require.Equal(t, int64(3+8+5+8), mt.ApproxBytes())
}

func TestCallerBuffersAreCopied(t *testing.T) {
	mt := New()
	k, v := []byte("key"), []byte("value")
	mt.Upsert(k, v, 1)
	k[0], v[0] = 'X', 'X'

	got, ok := mt.Get([]byte("key"))
	require.True(t, ok)
	require.Equal(t, "value", string(got.Data))
}

func TestIteratorFrom(t *testing.T) {
	mt := New()
	for _, k := range []string{"d", "b", "a", "c"} {
		mt.Upsert([]byte(k), []byte(k), 1)
	}

	cells, err := iterator.Collect(mt.Iterator([]byte("b")))
	require.NoError(t, err)
	require.Len(t, cells, 3)
	require.Equal(t, "b", string(cells[0].Key))
	require.Equal(t, "d", string(cells[2].Key))
}

func TestIteratorIsSnapshot(t *testing.T) {
	mt := New()
	mt.Upsert([]byte("a"), []byte("a"), 1)
	it := mt.Iterator(nil)
	mt.Upsert([]byte("b"), []byte("b"), 2)

	cells, err := iterator.Collect(it)
	require.NoError(t, err)
	require.Len(t, cells, 1)
}

func TestConcurrentWriters(t *testing.T) {
	mt := New()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				mt.Upsert([]byte(fmt.Sprintf("w%d-%03d", w, i)), []byte("x"), int64(i))
			}
		}(w)
	}
	wg.Wait()

	require.Equal(t, 800, mt.Len())
	// every key is 6 bytes long
	require.Equal(t, int64(800*(6+1+8)), mt.ApproxBytes())
}
