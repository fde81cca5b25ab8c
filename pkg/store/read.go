package store

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"ringdb/pkg/dberrors"
	"ringdb/pkg/iterator"
	"ringdb/pkg/types"
)

// snapshot pins a TableSet and every sstable it references.
type snapshot struct {
	*TableSet
}

func (s *Store) snapshot() (snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return snapshot{}, dberrors.ErrClosed
	}
	for _, t := range s.ts.tables {
		t.Ref()
	}
	return snapshot{s.ts}, nil
}

func (sn snapshot) release() {
	for _, t := range sn.tables {
		t.Unref()
	}
}

// GetValue returns the freshest cell value for key, tombstones included.
// ErrNotFound means no tier has ever seen the key.
func (s *Store) GetValue(key []byte) (types.Value, error) {
	sn, err := s.snapshot()
	if err != nil {
		return types.Value{}, err
	}
	defer sn.release()

	var (
		best  types.Value
		found bool
	)
	// same precedence as the merge: on equal timestamps the earlier source wins
	consider := func(v types.Value) {
		if !found || v.Timestamp > best.Timestamp {
			best, found = v, true
		}
	}

	if v, ok := sn.mem.Get(key); ok {
		consider(v)
	}
	for _, mt := range sn.Flushing() {
		if v, ok := mt.Get(key); ok {
			consider(v)
		}
	}
	for _, gen := range sn.GenerationsDesc() {
		v, ok, err := sn.tables[gen].Get(key)
		if err != nil {
			return types.Value{}, errors.Wrapf(err, "lookup in generation %d", gen)
		}
		if ok {
			consider(v)
		}
	}

	if !found {
		return types.Value{}, dberrors.ErrNotFound
	}
	return best, nil
}

// Get returns the live payload for key, ErrNotFound, or *dberrors.DeletedError.
func (s *Store) Get(key []byte) ([]byte, error) {
	v, err := s.GetValue(key)
	if err != nil {
		return nil, err
	}
	return v.Payload()
}

// CellIterator merges every tier into the freshest cell per key, starting at
// from. Tombstones are kept. Close releases the snapshot.
func (s *Store) CellIterator(from []byte) (iterator.Iterator, error) {
	sn, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	sources := []iterator.Iterator{sn.mem.Iterator(from)}
	for _, mt := range sn.Flushing() {
		sources = append(sources, mt.Iterator(from))
	}
	it, err := tableIterators(sn.TableSet, sn.GenerationsDesc(), from)
	if err != nil {
		sn.release()
		return nil, err
	}
	sources = append(sources, it...)

	return iterator.OnClose(iterator.Collapse(iterator.Merge(sources...)), sn.release), nil
}

func tableIterators(ts *TableSet, gens []types.Generation, from []byte) ([]iterator.Iterator, error) {
	out := make([]iterator.Iterator, 0, len(gens))
	for _, gen := range gens {
		it, err := ts.tables[gen].Iterator(from)
		if err != nil {
			return nil, errors.Wrapf(err, "iterate generation %d", gen)
		}
		out = append(out, it)
	}
	return out, nil
}

// Iterator yields live cells with key >= from.
func (s *Store) Iterator(from []byte) (iterator.Iterator, error) {
	it, err := s.CellIterator(from)
	if err != nil {
		return nil, err
	}
	return iterator.Live(it), nil
}

// Range yields live records with from <= key < to. A nil to is unbounded.
func (s *Store) Range(from, to []byte) ([]types.Record, error) {
	if to != nil && bytes.Compare(from, to) > 0 {
		return nil, nil
	}
	it, err := s.Iterator(from)
	if err != nil {
		return nil, err
	}
	cells, err := iterator.Collect(iterator.Until(it, to))
	if err != nil {
		return nil, err
	}

	out := make([]types.Record, 0, len(cells))
	for _, c := range cells {
		out = append(out, c.Record())
	}
	return out, nil
}
