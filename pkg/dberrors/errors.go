package dberrors

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrNotFound          = errors.New("ringdb: not found")
	ErrDeleted           = errors.New("ringdb: deleted")
	ErrClosed            = errors.New("ringdb: closed")
	ErrInvalidArgument   = errors.New("ringdb: invalid argument")
	ErrRejected          = errors.New("ringdb: rejected, too many pending flushes")
	ErrInconsistent      = errors.New("ringdb: inconsistent state")
	ErrCorrupted         = errors.New("ringdb: corrupted table")
	ErrQuorumUnreachable = errors.New("ringdb: not enough replicas")
)

// DeletedError reports that the freshest value for a key is a tombstone.
type DeletedError struct {
	Timestamp int64
}

func (e *DeletedError) Error() string {
	return fmt.Sprintf("ringdb: deleted at %d", e.Timestamp)
}

func (e *DeletedError) Is(target error) bool {
	return target == ErrDeleted
}

// Inconsistent builds an assertion failure wrapping ErrInconsistent.
func Inconsistent(format string, args ...any) error {
	return errors.WithAssertionFailure(errors.Wrapf(ErrInconsistent, format, args...))
}

// Corrupted reports a malformed table file.
func Corrupted(path string, format string, args ...any) error {
	return errors.Wrapf(ErrCorrupted, "%s: %s", path, fmt.Sprintf(format, args...))
}

// AsDeleted extracts the tombstone timestamp from err if present.
func AsDeleted(err error) (int64, bool) {
	var de *DeletedError
	if errors.As(err, &de) {
		return de.Timestamp, true
	}
	return 0, false
}
