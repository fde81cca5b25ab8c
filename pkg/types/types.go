package types

import (
	"bytes"

	"ringdb/pkg/dberrors"
)

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Generation identifies an on-disk table. Higher means newer.
type Generation int64

// NodeID identifies a node in a cluster (its base URL).
type NodeID = string

// AbsentTimestamp is reported for keys no replica has ever seen.
const AbsentTimestamp int64 = -1

// Value is a timestamped payload or a tombstone.
type Value struct {
	Timestamp int64
	Data      []byte
	tombstone bool
}

func NewValue(data []byte, ts int64) Value {
	if data == nil {
		data = []byte{}
	}
	return Value{Timestamp: ts, Data: data}
}

func NewTombstone(ts int64) Value {
	return Value{Timestamp: ts, tombstone: true}
}

func (v Value) IsTombstone() bool {
	return v.tombstone
}

// Payload returns the stored bytes. A tombstone yields *dberrors.DeletedError.
func (v Value) Payload() ([]byte, error) {
	if v.tombstone {
		return nil, &dberrors.DeletedError{Timestamp: v.Timestamp}
	}
	return v.Data, nil
}

// Size is the payload length, 0 for tombstones.
func (v Value) Size() int {
	if v.tombstone {
		return 0
	}
	return len(v.Data)
}

// Cell is a key paired with a timestamped value.
type Cell struct {
	Key   Key
	Value Value
}

// CompareCells orders by key ascending, then timestamp descending.
func CompareCells(a, b Cell) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.Value.Timestamp > b.Value.Timestamp:
		return -1
	case a.Value.Timestamp < b.Value.Timestamp:
		return 1
	}
	return 0
}

// Record is the externally visible key/payload pair.
type Record struct {
	Key   []byte
	Value []byte
}

// Record converts a live cell. Callers filter tombstones first.
func (c Cell) Record() Record {
	return Record{Key: c.Key, Value: c.Value.Data}
}
