package replication

import (
	"context"

	"github.com/cockroachdb/errors"

	"ringdb/pkg/dberrors"
)

type result[T any] struct {
	node string
	val  T
	err  error
}

// awaitQuorum reads replica results until ack of them succeeded or so many
// failed (total-ack+1) that ack can no longer be reached. Results arriving
// after the decision are left in the buffered channel and dropped.
func awaitQuorum[T any](ctx context.Context, results <-chan result[T], total, ack int) ([]T, error) {
	if total < ack {
		return nil, errors.Wrapf(dberrors.ErrQuorumUnreachable, "%d replicas available, %d required", total, ack)
	}

	var (
		oks      = make([]T, 0, ack)
		failures int
		lastErr  error
	)
	for {
		select {
		case r := <-results:
			if r.err != nil {
				failures++
				lastErr = r.err
				if failures >= total-ack+1 {
					return nil, errors.WithSecondaryError(
						errors.Wrapf(dberrors.ErrQuorumUnreachable, "%d of %d replicas failed", failures, total),
						lastErr,
					)
				}
				continue
			}
			oks = append(oks, r.val)
			if len(oks) >= ack {
				return oks, nil
			}
		case <-ctx.Done():
			return nil, errors.WithSecondaryError(
				errors.Wrap(dberrors.ErrQuorumUnreachable, "request cancelled"),
				ctx.Err(),
			)
		}
	}
}

// Resolve picks the freshest answer. Ties go to the earliest in the slice.
// An empty input resolves to Absent.
func Resolve(values []ResponseValue) ResponseValue {
	best := AbsentValue()
	for i, v := range values {
		if i == 0 || v.Timestamp > best.Timestamp {
			best = v
		}
	}
	return best
}
