package iterator

import (
	"container/heap"

	"github.com/cockroachdb/errors"

	"ringdb/pkg/types"
)

// mergeHeap orders sources by their current cell; on equal cells the source
// passed earlier to Merge wins.
type mergeHeap []*source

type source struct {
	it  Iterator
	idx int
}

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := types.CompareCells(h[i].it.Cell(), h[j].it.Cell()); c != 0 {
		return c < 0
	}
	return h[i].idx < h[j].idx
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*source)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}

type merged struct {
	h   mergeHeap
	all []Iterator
	err error
}

// Merge combines sorted iterators into one sorted stream. Sources must be
// given from freshest to oldest.
func Merge(its ...Iterator) Iterator {
	m := &merged{all: its}
	for i, it := range its {
		if err := it.Err(); err != nil {
			m.err = err
		}
		if it.Valid() {
			m.h = append(m.h, &source{it: it, idx: i})
		}
	}
	heap.Init(&m.h)
	return m
}

func (m *merged) Valid() bool {
	return m.err == nil && len(m.h) > 0
}

func (m *merged) Cell() types.Cell {
	return m.h[0].it.Cell()
}

func (m *merged) Next() {
	top := m.h[0]
	top.it.Next()
	if err := top.it.Err(); err != nil {
		m.err = err
		return
	}
	if top.it.Valid() {
		heap.Fix(&m.h, 0)
		return
	}
	heap.Pop(&m.h)
}

func (m *merged) Err() error {
	return m.err
}

func (m *merged) Close() error {
	var errs error
	for _, it := range m.all {
		if err := it.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
