package store

import (
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"ringdb/pkg/dberrors"
	"ringdb/pkg/iterator"
	"ringdb/pkg/metrics"
	"ringdb/pkg/persistence"
)

// Compact merges every sstable of the current snapshot into one.
// Tombstones are kept: a deleted key must still report its deletion time.
// Memtables are not touched.
func (s *Store) Compact() (err error) {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dberrors.ErrClosed
	}
	if len(s.ts.tables) < 2 {
		s.mu.Unlock()
		return nil
	}
	sn := snapshot{s.ts}
	for _, t := range sn.tables {
		t.Ref()
	}
	gen := s.ts.Generation()
	s.ts = s.ts.StartCompact()
	s.mu.Unlock()
	defer sn.release()

	defer func() { metrics.Compactions.WithLabelValues(metrics.Outcome(err)).Inc() }()

	sources, err := tableIterators(sn.TableSet, sn.GenerationsDesc(), nil)
	if err != nil {
		return err
	}
	merged := iterator.Collapse(iterator.Merge(sources...))

	tmp, final := s.tablePath(gen, tempExt), s.tablePath(gen, tableExt)
	err = persistence.Write(tmp, merged)
	_ = merged.Close()
	if err != nil {
		return errors.Wrap(err, "write compacted sstable")
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Wrap(err, "publish compacted sstable")
	}
	table, err := persistence.Open(final, gen)
	if err != nil {
		return err
	}

	s.mu.Lock()
	next, err := s.ts.FinishCompact(sn.tables, table, gen)
	if err != nil {
		s.mu.Unlock()
		table.Unref()
		return err
	}
	s.ts = next
	live := len(next.tables)
	s.mu.Unlock()

	// drop the references the replaced table set held
	var inputBytes uint64
	for _, t := range sn.tables {
		if st, err := os.Stat(t.Path()); err == nil {
			inputBytes += uint64(st.Size())
		}
		t.MarkObsolete()
		t.Unref()
	}

	metrics.Tables.Set(float64(live))
	slog.Info("compaction finished",
		"generation", gen,
		"inputs", len(sn.tables),
		"cells", table.Len(),
		"input_size", humanize.Bytes(inputBytes),
	)
	return nil
}

