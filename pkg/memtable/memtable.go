package memtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"ringdb/pkg/iterator"
	"ringdb/pkg/types"
)

// timestamp overhead per entry
const tsSize = 8

type concurrentMap = skipmap.FuncMap[[]byte, types.Value]

// Memtable is the mutable in-memory buffer of the engine.
// Reads never take a lock; writers serialize only to keep the byte counter exact.
type Memtable struct {
	data  *concurrentMap
	bytes atomic.Int64
	mu    sync.Mutex
}

func New() *Memtable {
	return &Memtable{
		data: skipmap.NewFunc[[]byte, types.Value](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

func (mt *Memtable) Upsert(k, value []byte, ts int64) {
	mt.put(k, types.NewValue(bytes.Clone(value), ts))
}

func (mt *Memtable) Remove(k []byte, ts int64) {
	mt.put(k, types.NewTombstone(ts))
}

func (mt *Memtable) put(k []byte, v types.Value) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	old, ok := mt.data.Load(k)
	if ok {
		mt.bytes.Add(int64(v.Size() - old.Size()))
	} else {
		mt.bytes.Add(int64(len(k) + v.Size() + tsSize))
	}
	mt.data.Store(bytes.Clone(k), v)
}

func (mt *Memtable) Get(k []byte) (types.Value, bool) {
	return mt.data.Load(k)
}

// Iterator returns cells with key >= from, as seen at call time.
// skipmap cannot seek, so the matching cells are copied out.
func (mt *Memtable) Iterator(from []byte) iterator.Iterator {
	cells := make([]types.Cell, 0, mt.data.Len())
	mt.data.Range(func(k []byte, v types.Value) bool {
		if bytes.Compare(k, from) >= 0 {
			cells = append(cells, types.Cell{Key: k, Value: v})
		}
		return true
	})
	return iterator.FromSlice(cells)
}

func (mt *Memtable) ApproxBytes() int64 {
	return mt.bytes.Load()
}

func (mt *Memtable) Len() int {
	return mt.data.Len()
}
