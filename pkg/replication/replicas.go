package replication

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"ringdb/pkg/dberrors"
)

// Replicas is the ack/from pair of a request: contact From replicas and
// succeed once Ack of them answered.
type Replicas struct {
	Ack  int
	From int
}

// DefaultReplicas asks a majority of n nodes.
func DefaultReplicas(n int) Replicas {
	return Replicas{Ack: n/2 + 1, From: n}
}

// ParseReplicas reads the "ack/from" form.
func ParseReplicas(s string) (Replicas, error) {
	ackStr, fromStr, ok := strings.Cut(s, "/")
	if !ok {
		return Replicas{}, errors.Wrapf(dberrors.ErrInvalidArgument, "replicas %q: want ack/from", s)
	}
	ack, err := strconv.Atoi(ackStr)
	if err != nil {
		return Replicas{}, errors.Wrapf(dberrors.ErrInvalidArgument, "replicas %q: bad ack", s)
	}
	from, err := strconv.Atoi(fromStr)
	if err != nil {
		return Replicas{}, errors.Wrapf(dberrors.ErrInvalidArgument, "replicas %q: bad from", s)
	}

	rf := Replicas{Ack: ack, From: from}
	return rf, rf.Validate()
}

func (r Replicas) Validate() error {
	if r.Ack <= 0 || r.Ack > r.From {
		return errors.Wrapf(dberrors.ErrInvalidArgument, "replicas %s: need 0 < ack <= from", r)
	}
	return nil
}

func (r Replicas) String() string {
	return fmt.Sprintf("%d/%d", r.Ack, r.From)
}
