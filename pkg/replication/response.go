package replication

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"ringdb/pkg/dberrors"
	"ringdb/pkg/types"
)

type State uint8

const (
	Absent State = iota
	Active
	Deleted
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Deleted:
		return "deleted"
	default:
		return "absent"
	}
}

// ResponseValue is what one replica knows about a key.
type ResponseValue struct {
	State     State
	Timestamp int64
	Body      []byte
}

func ActiveValue(ts int64, body []byte) ResponseValue {
	return ResponseValue{State: Active, Timestamp: ts, Body: body}
}

func DeletedValue(ts int64) ResponseValue {
	return ResponseValue{State: Deleted, Timestamp: ts}
}

func AbsentValue() ResponseValue {
	return ResponseValue{State: Absent, Timestamp: types.AbsentTimestamp}
}

// FromLocal converts an engine lookup result.
func FromLocal(v types.Value, err error) (ResponseValue, error) {
	switch {
	case errors.Is(err, dberrors.ErrNotFound):
		return AbsentValue(), nil
	case err != nil:
		return ResponseValue{}, err
	case v.IsTombstone():
		return DeletedValue(v.Timestamp), nil
	default:
		return ActiveValue(v.Timestamp, v.Data), nil
	}
}

const tsLen = 8

// Proxy bodies carry the timestamp in the last 8 bytes (big-endian):
// active is payload‖ts, deleted is ts alone, absent is empty.

func (r ResponseValue) ProxyBody() []byte {
	switch r.State {
	case Active:
		out := make([]byte, len(r.Body)+tsLen)
		copy(out, r.Body)
		binary.BigEndian.PutUint64(out[len(r.Body):], uint64(r.Timestamp))
		return out
	case Deleted:
		return EncodeTimestamp(r.Timestamp)
	default:
		return nil
	}
}

func EncodeTimestamp(ts int64) []byte {
	out := make([]byte, tsLen)
	binary.BigEndian.PutUint64(out, uint64(ts))
	return out
}

// DecodeActive parses a 200 proxy body.
func DecodeActive(body []byte) (ResponseValue, error) {
	if len(body) < tsLen {
		return ResponseValue{}, errors.Newf("proxy body too short: %d bytes", len(body))
	}
	n := len(body) - tsLen
	return ActiveValue(int64(binary.BigEndian.Uint64(body[n:])), body[:n]), nil
}

// DecodeMissing parses a 404 proxy body.
func DecodeMissing(body []byte) (ResponseValue, error) {
	switch len(body) {
	case 0:
		return AbsentValue(), nil
	case tsLen:
		return DeletedValue(int64(binary.BigEndian.Uint64(body))), nil
	default:
		return ResponseValue{}, errors.Newf("unexpected not-found body: %d bytes", len(body))
	}
}
