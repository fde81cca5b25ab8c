package persistence

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"ringdb/pkg/dberrors"
	"ringdb/pkg/iterator"
	"ringdb/pkg/types"
)

// File layout, big-endian:
//
//	[cell]* [offsets: int32 x N] [count: int32]
//	cell := [keyLen:int32][key][timestamp:int64][valueLen:int32][value]
//
// valueLen == -1 marks a tombstone.
const (
	intSize       = 4
	longSize      = 8
	tombstoneSize = -1
)

// SSTable is an immutable sorted table on disk. Only the cell count is read
// on open; lookups go through the offsets array with positional reads.
type SSTable struct {
	path string
	gen  types.Generation
	f    *os.File

	count     int
	offsetsAt int64

	refs     atomic.Int32
	obsolete atomic.Bool
}

// Open maps an existing table. The caller owns the single initial reference.
func Open(path string, gen types.Generation) (*SSTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open sstable")
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "stat sstable")
	}

	size := st.Size()
	if size < intSize {
		_ = f.Close()
		return nil, dberrors.Corrupted(path, "file too short (%d bytes)", size)
	}

	var buf [intSize]byte
	if _, err := f.ReadAt(buf[:], size-intSize); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "read cell count")
	}
	count := int64(int32(binary.BigEndian.Uint32(buf[:])))
	offsetsAt := size - intSize*(1+count)
	if count < 0 || offsetsAt < 0 {
		_ = f.Close()
		return nil, dberrors.Corrupted(path, "bad cell count %d for size %d", count, size)
	}

	t := &SSTable{
		path:      path,
		gen:       gen,
		f:         f,
		count:     int(count),
		offsetsAt: offsetsAt,
	}
	t.refs.Store(1)
	return t, nil
}

func (t *SSTable) Path() string                 { return t.path }
func (t *SSTable) Generation() types.Generation { return t.gen }
func (t *SSTable) Len() int                     { return t.count }

// Ref pins the table for a reader.
func (t *SSTable) Ref() {
	t.refs.Add(1)
}

// Unref drops a reference. The last one closes the file and, if the table
// was marked obsolete, removes it from disk.
func (t *SSTable) Unref() {
	n := t.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		slog.Error("sstable released too many times", "path", t.path)
		return
	}
	if err := t.f.Close(); err != nil {
		slog.Warn("failed to close sstable", "path", t.path, "error", err)
	}
	if t.obsolete.Load() {
		if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove obsolete sstable", "path", t.path, "error", err)
			return
		}
		slog.Debug("obsolete sstable removed", "path", t.path)
	}
}

// MarkObsolete schedules file removal once the table is no longer referenced.
func (t *SSTable) MarkObsolete() {
	t.obsolete.Store(true)
}

func (t *SSTable) readInt(at int64) (int32, error) {
	var buf [intSize]byte
	if _, err := t.f.ReadAt(buf[:], at); err != nil {
		return 0, errors.Wrapf(err, "read %s at %d", t.path, at)
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func (t *SSTable) offset(i int) (int64, error) {
	off, err := t.readInt(t.offsetsAt + int64(i)*intSize)
	if err != nil {
		return 0, err
	}
	if off < 0 || int64(off) >= t.offsetsAt {
		return 0, dberrors.Corrupted(t.path, "offset %d out of range", off)
	}
	return int64(off), nil
}

func (t *SSTable) keyAt(i int) ([]byte, error) {
	off, err := t.offset(i)
	if err != nil {
		return nil, err
	}
	n, err := t.readInt(off)
	if err != nil {
		return nil, err
	}
	if n < 0 || off+intSize+int64(n) > t.offsetsAt {
		return nil, dberrors.Corrupted(t.path, "key length %d at %d", n, off)
	}
	key := make([]byte, n)
	if _, err := t.f.ReadAt(key, off+intSize); err != nil {
		return nil, errors.Wrap(err, "read key")
	}
	return key, nil
}

// Seek returns the position of the first cell with key >= key.
// Only key bytes are read while probing.
func (t *SSTable) Seek(key []byte) (int, error) {
	lo, hi := 0, t.count
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		k, err := t.keyAt(mid)
		if err != nil {
			return 0, err
		}
		if bytes.Compare(k, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// Iterator walks cells with key >= from in order.
func (t *SSTable) Iterator(from []byte) (iterator.Iterator, error) {
	pos, err := t.Seek(from)
	if err != nil {
		return nil, err
	}
	return t.iteratorAt(pos)
}

func (t *SSTable) iteratorAt(pos int) (iterator.Iterator, error) {
	it := &tableIterator{t: t, pos: pos}
	if pos >= t.count {
		return it, nil
	}
	start, err := t.offset(pos)
	if err != nil {
		return nil, err
	}
	it.r = bufio.NewReader(io.NewSectionReader(t.f, start, t.offsetsAt-start))
	it.advance()
	return it, nil
}

// Get looks up the exact key.
func (t *SSTable) Get(key []byte) (types.Value, bool, error) {
	pos, err := t.Seek(key)
	if err != nil || pos >= t.count {
		return types.Value{}, false, err
	}
	k, err := t.keyAt(pos)
	if err != nil || !bytes.Equal(k, key) {
		return types.Value{}, false, err
	}
	it, err := t.iteratorAt(pos)
	if err != nil {
		return types.Value{}, false, err
	}
	defer it.Close()
	if !it.Valid() {
		return types.Value{}, false, it.Err()
	}
	return it.Cell().Value, true, nil
}

type tableIterator struct {
	t   *SSTable
	r   *bufio.Reader
	pos int
	cur types.Cell
	ok  bool
	err error
}

func (it *tableIterator) Valid() bool      { return it.ok }
func (it *tableIterator) Cell() types.Cell { return it.cur }
func (it *tableIterator) Err() error       { return it.err }
func (it *tableIterator) Close() error     { return nil }

func (it *tableIterator) Next() {
	it.pos++
	it.advance()
}

func (it *tableIterator) advance() {
	it.ok = false
	if it.err != nil || it.pos >= it.t.count {
		return
	}
	c, err := readCell(it.r)
	if err != nil {
		it.err = errors.WithSecondaryError(dberrors.Corrupted(it.t.path, "cell %d", it.pos), err)
		return
	}
	it.cur, it.ok = c, true
}

func readCell(r io.Reader) (types.Cell, error) {
	var hdr [longSize + intSize]byte

	if _, err := io.ReadFull(r, hdr[:intSize]); err != nil {
		return types.Cell{}, err
	}
	klen := int32(binary.BigEndian.Uint32(hdr[:intSize]))
	if klen < 0 {
		return types.Cell{}, errors.Newf("negative key length %d", klen)
	}
	key := make([]byte, klen)
	if _, err := io.ReadFull(r, key); err != nil {
		return types.Cell{}, err
	}

	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return types.Cell{}, err
	}
	ts := int64(binary.BigEndian.Uint64(hdr[:longSize]))
	vlen := int32(binary.BigEndian.Uint32(hdr[longSize:]))

	switch {
	case vlen == tombstoneSize:
		return types.Cell{Key: key, Value: types.NewTombstone(ts)}, nil
	case vlen < 0:
		return types.Cell{}, errors.Newf("negative value length %d", vlen)
	}
	val := make([]byte, vlen)
	if _, err := io.ReadFull(r, val); err != nil {
		return types.Cell{}, err
	}
	return types.Cell{Key: key, Value: types.NewValue(val, ts)}, nil
}

// Write serializes a sorted, duplicate-free cell stream into a new file at
// path. The file must not exist. On failure the partial file is removed.
func Write(path string, it iterator.Iterator) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "create sstable")
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
		}
	}()

	w := bufio.NewWriter(f)
	var (
		offsets []int32
		pos     int64
		scratch [longSize + intSize]byte
	)

	for ; it.Valid(); it.Next() {
		c := it.Cell()
		if pos > math.MaxInt32 || len(offsets) == math.MaxInt32 {
			return errors.Newf("sstable %s exceeds int32 offsets", path)
		}
		offsets = append(offsets, int32(pos))

		binary.BigEndian.PutUint32(scratch[:intSize], uint32(len(c.Key)))
		if _, err = w.Write(scratch[:intSize]); err != nil {
			return err
		}
		if _, err = w.Write(c.Key); err != nil {
			return err
		}

		binary.BigEndian.PutUint64(scratch[:longSize], uint64(c.Value.Timestamp))
		vlen := int32(len(c.Value.Data))
		if c.Value.IsTombstone() {
			vlen = tombstoneSize
		}
		binary.BigEndian.PutUint32(scratch[longSize:], uint32(vlen))
		if _, err = w.Write(scratch[:]); err != nil {
			return err
		}
		pos += int64(intSize + len(c.Key) + longSize + intSize)
		if vlen > 0 {
			if _, err = w.Write(c.Value.Data); err != nil {
				return err
			}
			pos += int64(vlen)
		}
	}
	if err = it.Err(); err != nil {
		return errors.Wrap(err, "source iterator")
	}

	for _, off := range offsets {
		binary.BigEndian.PutUint32(scratch[:intSize], uint32(off))
		if _, err = w.Write(scratch[:intSize]); err != nil {
			return err
		}
	}
	binary.BigEndian.PutUint32(scratch[:intSize], uint32(len(offsets)))
	if _, err = w.Write(scratch[:intSize]); err != nil {
		return err
	}

	if err = w.Flush(); err != nil {
		return errors.Wrap(err, "flush sstable")
	}
	if err = f.Sync(); err != nil {
		return errors.Wrap(err, "sync sstable")
	}
	return f.Close()
}
