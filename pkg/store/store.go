package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"

	"ringdb/pkg/clock"
	"ringdb/pkg/config"
	"ringdb/pkg/dberrors"
	"ringdb/pkg/listener"
	"ringdb/pkg/memtable"
	"ringdb/pkg/metrics"
	"ringdb/pkg/persistence"
	"ringdb/pkg/types"
)

const (
	tableExt = ".dat"
	tempExt  = ".tmp"
)

type iClock interface {
	Now() int64
}

type flushJob struct {
	mem *memtable.Memtable
	gen types.Generation
}

// Store is a single-node LSM engine: one active memtable, memtables waiting
// to be flushed, and immutable sstables, all reachable through the current
// TableSet.
type Store struct {
	cfg   config.DB
	dir   string
	clock iClock

	// mu guards the TableSet pointer and the flags below, never file I/O
	mu       sync.RWMutex
	ts       *TableSet
	closed   bool
	fatalErr error
	fatal    chan error
	// started and not yet published flushes, oldest first
	jobs []flushJob

	pool      *listener.Pool[flushJob]
	flushes   sync.WaitGroup
	compactMu sync.Mutex
}

type Option func(*Store)

// WithClock replaces the wall clock. Used in tests.
func WithClock(c iClock) Option {
	return func(s *Store) { s.clock = c }
}

func New(cfg config.DB, opts ...Option) (*Store, error) {
	dir := cfg.Persistence.RootPath
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data dir %s", dir)
	}

	tables, next, err := openTables(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:   cfg,
		dir:   dir,
		clock: clock.NewMonotonic(),
		ts:    NewTableSet(tables, next),
		fatal: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	// start background goroutines to flush memtables
	s.pool = listener.NewPool(
		cfg.Memtable.FlushWorkers,
		cfg.Memtable.MaxPendingFlushes,
		s.runFlush,
		func(job flushJob, err error) { s.fail(errors.Wrapf(err, "flush generation %d", job.gen)) },
	)
	s.pool.Start(context.Background())

	metrics.Tables.Set(float64(len(tables)))
	slog.Info("store opened", "dir", dir, "tables", len(tables), "next_generation", next)
	return s, nil
}

// openTables loads every <gen>.dat under dir and drops leftovers of
// interrupted flushes.
func openTables(dir string) (map[types.Generation]*persistence.SSTable, types.Generation, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "read data dir %s", dir)
	}

	tables := make(map[types.Generation]*persistence.SSTable)
	var maxGen types.Generation = -1

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(dir, name)

		if strings.HasSuffix(name, tempExt) {
			if err := os.Remove(path); err != nil {
				slog.Warn("failed to remove stale temp file", "path", path, "error", err)
			}
			continue
		}
		if !strings.HasSuffix(name, tableExt) {
			continue
		}

		n, err := strconv.ParseInt(strings.TrimSuffix(name, tableExt), 10, 64)
		if err != nil || n < 0 {
			slog.Warn("skipping file with unexpected name", "path", path)
			continue
		}
		gen := types.Generation(n)
		t, err := persistence.Open(path, gen)
		if err != nil {
			slog.Warn("skipping unreadable sstable", "path", path, "error", err)
			continue
		}
		tables[gen] = t
		maxGen = max(maxGen, gen)
	}

	return tables, maxGen + 1, nil
}

func (s *Store) tablePath(gen types.Generation, ext string) string {
	return filepath.Join(s.dir, strconv.FormatInt(int64(gen), 10)+ext)
}

// Fatal delivers the first background flush failure. After it fires the
// store refuses writes.
func (s *Store) Fatal() <-chan error {
	return s.fatal
}

func (s *Store) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatalErr != nil {
		return
	}
	s.fatalErr = err
	slog.Error("store failed, refusing writes", "error", err)
	s.fatal <- err
}

func (s *Store) Upsert(key, value []byte) error {
	return s.write(key, func(mt *memtable.Memtable, ts int64) {
		mt.Upsert(key, value, ts)
	})
}

func (s *Store) Remove(key []byte) error {
	return s.write(key, func(mt *memtable.Memtable, ts int64) {
		mt.Remove(key, ts)
	})
}

func (s *Store) write(key []byte, apply func(*memtable.Memtable, int64)) error {
	if len(key) == 0 {
		return errors.Wrap(dberrors.ErrInvalidArgument, "empty key")
	}

	s.mu.RLock()
	switch {
	case s.closed:
		s.mu.RUnlock()
		return dberrors.ErrClosed
	case s.fatalErr != nil:
		err := s.fatalErr
		s.mu.RUnlock()
		return err
	case len(s.ts.flushing) >= s.cfg.Memtable.MaxPendingFlushes:
		s.mu.RUnlock()
		metrics.RejectedWrites.Inc()
		return dberrors.ErrRejected
	}

	mt := s.ts.mem
	apply(mt, s.clock.Now())
	over := mt.ApproxBytes() > s.cfg.Memtable.FlushThresholdBytes
	s.mu.RUnlock()

	if over {
		s.scheduleFlush()
	}
	return nil
}

// scheduleFlush hands the active memtable to the flush pool if it is still
// over the threshold. Racing writers start at most one flush per memtable.
func (s *Store) scheduleFlush() {
	s.mu.Lock()
	if s.closed || s.fatalErr != nil ||
		s.ts.mem.ApproxBytes() <= s.cfg.Memtable.FlushThresholdBytes ||
		len(s.ts.flushing) >= s.cfg.Memtable.MaxPendingFlushes {
		s.mu.Unlock()
		return
	}
	job := s.startFlushLocked()
	// submit under the lock: Close cannot stop the pool in between
	err := s.pool.TrySubmit(job)
	s.mu.Unlock()

	if err != nil {
		s.fail(errors.Wrapf(err, "submit flush of generation %d", job.gen))
	}
}

func (s *Store) startFlushLocked() flushJob {
	job := flushJob{mem: s.ts.mem, gen: s.ts.Generation()}
	s.ts = s.ts.StartFlush()
	s.jobs = append(s.jobs, job)
	metrics.PendingFlushes.Set(float64(len(s.ts.flushing)))
	return job
}

// Flush synchronously writes the active memtable, if it holds anything.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dberrors.ErrClosed
	}
	if s.fatalErr != nil {
		err := s.fatalErr
		s.mu.Unlock()
		return err
	}
	if s.ts.mem.Len() == 0 {
		s.mu.Unlock()
		return nil
	}
	job := s.startFlushLocked()
	s.flushes.Add(1)
	s.mu.Unlock()
	defer s.flushes.Done()

	if err := s.runFlush(job); err != nil {
		err = errors.Wrapf(err, "flush generation %d", job.gen)
		s.fail(err)
		return err
	}
	return nil
}

func (s *Store) runFlush(job flushJob) (err error) {
	defer func() { metrics.Flushes.WithLabelValues(metrics.Outcome(err)).Inc() }()

	tmp, final := s.tablePath(job.gen, tempExt), s.tablePath(job.gen, tableExt)
	if err := persistence.Write(tmp, job.mem.Iterator(nil)); err != nil {
		return errors.Wrap(err, "write sstable")
	}
	if err := os.Rename(tmp, final); err != nil {
		return errors.Wrap(err, "publish sstable")
	}
	table, err := persistence.Open(final, job.gen)
	if err != nil {
		return err
	}

	s.mu.Lock()
	next, err := s.ts.FinishFlush(job.mem, table, job.gen)
	if err != nil {
		s.mu.Unlock()
		table.Unref()
		return err
	}
	s.ts = next
	s.jobs = slices.DeleteFunc(s.jobs, func(j flushJob) bool { return j.gen == job.gen })
	pending, live := len(next.flushing), len(next.tables)
	s.mu.Unlock()

	metrics.PendingFlushes.Set(float64(pending))
	metrics.Tables.Set(float64(live))
	metrics.FlushedBytes.Add(float64(job.mem.ApproxBytes()))
	slog.Debug("memtable flushed",
		"generation", job.gen,
		"cells", table.Len(),
		"size", humanize.Bytes(uint64(job.mem.ApproxBytes())),
	)
	return nil
}

// Close stops accepting writes, waits for background and synchronous
// flushes, then persists every memtable still in memory: those whose flush
// failed or never started, oldest first, and finally the active one.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.pool.Stop()
	s.flushes.Wait()

	// wait for a running compaction
	s.compactMu.Lock()
	defer s.compactMu.Unlock()

	s.mu.Lock()
	stranded := slices.Clone(s.jobs)
	if s.ts.mem.Len() > 0 {
		stranded = append(stranded, s.startFlushLocked())
	}
	s.mu.Unlock()

	var errs error
	for _, job := range stranded {
		// leftover of a failed attempt
		if err := os.Remove(s.tablePath(job.gen, tempExt)); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove temp file", "generation", job.gen, "error", err)
		}
		if err := s.runFlush(job); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "flush generation %d on close", job.gen))
		}
	}

	s.mu.Lock()
	for _, t := range s.ts.tables {
		t.Unref()
	}
	lost := len(s.ts.flushing)
	s.ts = NewTableSet(nil, s.ts.generation)
	s.jobs = nil
	s.mu.Unlock()

	if lost > 0 {
		slog.Error("store closed with unflushed memtables", "dir", s.dir, "memtables", lost)
	} else {
		slog.Info("store closed", "dir", s.dir)
	}
	return errs
}

type Stats struct {
	MemtableBytes  int64
	MemtableCells  int
	PendingFlushes int
	Tables         int
	NextGeneration types.Generation
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		MemtableBytes:  s.ts.mem.ApproxBytes(),
		MemtableCells:  s.ts.mem.Len(),
		PendingFlushes: len(s.ts.flushing),
		Tables:         len(s.ts.tables),
		NextGeneration: s.ts.generation,
	}
}
