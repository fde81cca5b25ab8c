package iterator

import (
	"bytes"

	"ringdb/pkg/types"
)

// Iterator walks a sorted sequence of cells.
//
//	for ; it.Valid(); it.Next() {
//		c := it.Cell()
//	}
//	err := it.Err()
type Iterator interface {
	// Valid reports whether the iterator points to a cell.
	Valid() bool
	// Next advances to the following cell.
	Next()
	// Cell returns the current cell. Only meaningful while Valid.
	Cell() types.Cell
	// Err returns the first error met while iterating.
	Err() error
	// Close releases resources.
	Close() error
}

type sliceIterator struct {
	cells []types.Cell
	pos   int
}

// FromSlice iterates over already sorted cells.
func FromSlice(cells []types.Cell) Iterator {
	return &sliceIterator{cells: cells}
}

// Empty returns an exhausted iterator.
func Empty() Iterator {
	return &sliceIterator{}
}

func (s *sliceIterator) Valid() bool      { return s.pos < len(s.cells) }
func (s *sliceIterator) Next()            { s.pos++ }
func (s *sliceIterator) Cell() types.Cell { return s.cells[s.pos] }
func (s *sliceIterator) Err() error       { return nil }
func (s *sliceIterator) Close() error     { return nil }

// collapse keeps only the first cell of each run of equal keys.
type collapse struct {
	Iterator
	last []byte
}

// Collapse drops every cell whose key equals the previously returned one.
// On a merged stream that leaves the freshest version per key.
func Collapse(it Iterator) Iterator {
	c := &collapse{Iterator: it}
	if it.Valid() {
		c.last = it.Cell().Key
	}
	return c
}

func (c *collapse) Next() {
	c.Iterator.Next()
	for c.Iterator.Valid() && bytes.Equal(c.Iterator.Cell().Key, c.last) {
		c.Iterator.Next()
	}
	if c.Iterator.Valid() {
		c.last = c.Iterator.Cell().Key
	}
}

type live struct {
	Iterator
}

// Live hides tombstones.
func Live(it Iterator) Iterator {
	l := &live{Iterator: it}
	l.skip()
	return l
}

func (l *live) skip() {
	for l.Iterator.Valid() && l.Iterator.Cell().Value.IsTombstone() {
		l.Iterator.Next()
	}
}

func (l *live) Next() {
	l.Iterator.Next()
	l.skip()
}

type until struct {
	Iterator
	to []byte
}

// Until stops before the first key >= to. A nil bound leaves it unbounded.
func Until(it Iterator, to []byte) Iterator {
	if to == nil {
		return it
	}
	return &until{Iterator: it, to: to}
}

func (u *until) Valid() bool {
	return u.Iterator.Valid() && bytes.Compare(u.Iterator.Cell().Key, u.to) < 0
}

type onClose struct {
	Iterator
	fn   func()
	done bool
}

// OnClose runs fn once after the wrapped iterator is closed.
func OnClose(it Iterator, fn func()) Iterator {
	return &onClose{Iterator: it, fn: fn}
}

func (o *onClose) Close() error {
	err := o.Iterator.Close()
	if !o.done {
		o.done = true
		o.fn()
	}
	return err
}

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]types.Cell, error) {
	var out []types.Cell
	for ; it.Valid(); it.Next() {
		out = append(out, it.Cell())
	}
	err := it.Err()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return out, err
}
