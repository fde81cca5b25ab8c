package store

import (
	"slices"

	"ringdb/pkg/dberrors"
	"ringdb/pkg/memtable"
	"ringdb/pkg/persistence"
	"ringdb/pkg/types"
)

// TableSet is an immutable view of every storage tier. Transitions return a
// new value and leave the receiver untouched, so a reader holding one sees a
// stable picture while flushes and compactions swap in successors.
type TableSet struct {
	mem *memtable.Memtable
	// oldest first
	flushing   []*memtable.Memtable
	tables     map[types.Generation]*persistence.SSTable
	generation types.Generation
}

func NewTableSet(tables map[types.Generation]*persistence.SSTable, generation types.Generation) *TableSet {
	if tables == nil {
		tables = map[types.Generation]*persistence.SSTable{}
	}
	return &TableSet{
		mem:        memtable.New(),
		tables:     tables,
		generation: generation,
	}
}

func (ts *TableSet) Memtable() *memtable.Memtable { return ts.mem }

// Flushing lists memtables waiting for their sstable, newest first.
func (ts *TableSet) Flushing() []*memtable.Memtable {
	out := slices.Clone(ts.flushing)
	slices.Reverse(out)
	return out
}

func (ts *TableSet) Tables() map[types.Generation]*persistence.SSTable { return ts.tables }

// Generation is the next generation to hand out.
func (ts *TableSet) Generation() types.Generation { return ts.generation }

// GenerationsDesc lists table generations newest first.
func (ts *TableSet) GenerationsDesc() []types.Generation {
	gens := make([]types.Generation, 0, len(ts.tables))
	for g := range ts.tables {
		gens = append(gens, g)
	}
	slices.Sort(gens)
	slices.Reverse(gens)
	return gens
}

// StartFlush moves the active memtable to the pending list. The flush
// target generation is ts.Generation() of the receiver.
func (ts *TableSet) StartFlush() *TableSet {
	flushing := make([]*memtable.Memtable, 0, len(ts.flushing)+1)
	flushing = append(flushing, ts.flushing...)
	flushing = append(flushing, ts.mem)
	return &TableSet{
		mem:        memtable.New(),
		flushing:   flushing,
		tables:     ts.tables,
		generation: ts.generation + 1,
	}
}

// FinishFlush replaces a pending memtable with the sstable it was written to.
func (ts *TableSet) FinishFlush(mem *memtable.Memtable, table *persistence.SSTable, gen types.Generation) (*TableSet, error) {
	i := slices.Index(ts.flushing, mem)
	if i < 0 {
		return nil, dberrors.Inconsistent("lost flush: memtable for generation %d is not pending", gen)
	}
	if _, ok := ts.tables[gen]; ok {
		return nil, dberrors.Inconsistent("generation collision on flush: %d", gen)
	}

	tables := make(map[types.Generation]*persistence.SSTable, len(ts.tables)+1)
	for g, t := range ts.tables {
		tables[g] = t
	}
	tables[gen] = table

	return &TableSet{
		mem:        ts.mem,
		flushing:   slices.Delete(slices.Clone(ts.flushing), i, i+1),
		tables:     tables,
		generation: ts.generation,
	}, nil
}

// StartCompact reserves a generation for the compaction output.
func (ts *TableSet) StartCompact() *TableSet {
	return &TableSet{
		mem:        ts.mem,
		flushing:   ts.flushing,
		tables:     ts.tables,
		generation: ts.generation + 1,
	}
}

// FinishCompact swaps the compacted inputs for their merged output.
func (ts *TableSet) FinishCompact(inputs map[types.Generation]*persistence.SSTable, table *persistence.SSTable, gen types.Generation) (*TableSet, error) {
	tables := make(map[types.Generation]*persistence.SSTable, len(ts.tables)+1)
	for g, t := range ts.tables {
		tables[g] = t
	}
	for g, t := range inputs {
		if cur, ok := tables[g]; !ok || cur != t {
			return nil, dberrors.Inconsistent("files lost during compaction: generation %d", g)
		}
		delete(tables, g)
	}
	if _, ok := tables[gen]; ok {
		return nil, dberrors.Inconsistent("generation collision on compaction: %d", gen)
	}
	tables[gen] = table

	return &TableSet{
		mem:        ts.mem,
		flushing:   ts.flushing,
		tables:     tables,
		generation: ts.generation,
	}, nil
}
