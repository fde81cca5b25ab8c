package replication

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"ringdb/pkg/dberrors"
	"ringdb/pkg/metrics"
	"ringdb/pkg/types"
)

const DefaultProxyTimeout = 500 * time.Millisecond

// iTopology is the part of the ring the coordinator needs.
type iTopology interface {
	NodesForKey(key []byte, from int) []string
	IsLocal(node string) bool
	Size() int
	Nodes() []string
	Local() string
}

// Local is this node's storage engine.
type Local interface {
	GetValue(key []byte) (types.Value, error)
	Upsert(key, value []byte) error
	Remove(key []byte) error
}

// Peer performs a one-hop proxied operation on another node. The receiver
// must only act locally.
type Peer interface {
	Get(ctx context.Context, key []byte) (ResponseValue, error)
	Upsert(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
}

type PeerFactory func(node string) Peer

// Coordinator fans requests out to the replicas owning a key and decides
// the outcome once a quorum answered.
type Coordinator struct {
	topology atomic.Pointer[iTopology]
	local    Local
	newPeer  PeerFactory
	peers    *xsync.MapOf[string, Peer]
	timeout  time.Duration
}

type Option func(*Coordinator)

// WithProxyTimeout bounds every peer call.
func WithProxyTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewCoordinator(topology iTopology, local Local, newPeer PeerFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		local:   local,
		newPeer: newPeer,
		peers:   xsync.NewMapOf[string, Peer](),
		timeout: DefaultProxyTimeout,
	}
	c.topology.Store(&topology)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpdateTopology swaps the ring used for new requests.
func (c *Coordinator) UpdateTopology(t iTopology) {
	c.topology.Store(&t)
}

func (c *Coordinator) ring() iTopology {
	return *c.topology.Load()
}

// Nodes lists the current members.
func (c *Coordinator) Nodes() []string {
	return c.ring().Nodes()
}

func (c *Coordinator) Local() string {
	return c.ring().Local()
}

// DefaultReplicas is a majority of the current cluster.
func (c *Coordinator) DefaultReplicas() Replicas {
	return DefaultReplicas(c.ring().Size())
}

func (c *Coordinator) peer(node string) Peer {
	p, _ := c.peers.LoadOrCompute(node, func() Peer {
		return c.newPeer(node)
	})
	return p
}

// fanOut runs call against every replica of key concurrently. The local
// replica goes through the engine, the others through peers with their own
// deadline detached from ctx: a client hanging up does not abort replica
// writes already in flight.
func fanOut[T any](
	ctx context.Context,
	c *Coordinator,
	op string,
	key []byte,
	rf Replicas,
	local func() (T, error),
	remote func(context.Context, Peer) (T, error),
) ([]T, error) {
	ring := c.ring()
	nodes := ring.NodesForKey(key, rf.From)
	results := make(chan result[T], len(nodes))

	for _, node := range nodes {
		go func(node string) {
			var (
				v      T
				err    error
				target = "peer"
			)
			if ring.IsLocal(node) {
				target = "local"
				v, err = local()
			} else {
				callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
				v, err = remote(callCtx, c.peer(node))
				cancel()
			}
			if err != nil {
				slog.Debug("replica call failed", "op", op, "node", node, "error", err)
			}
			metrics.ReplicaCalls.WithLabelValues(op, target, metrics.Outcome(err)).Inc()
			results <- result[T]{node: node, val: v, err: err}
		}(node)
	}

	oks, err := awaitQuorum(ctx, results, len(nodes), rf.Ack)
	if err != nil {
		metrics.QuorumFailures.WithLabelValues(op).Inc()
		return nil, err
	}
	return oks, nil
}

func checkRequest(key []byte, rf Replicas, proxied bool) error {
	if len(key) == 0 {
		return errors.Wrap(dberrors.ErrInvalidArgument, "empty key")
	}
	if proxied {
		return nil
	}
	return rf.Validate()
}

// Get reads key from rf.From replicas and returns the freshest of the first
// rf.Ack answers. A proxied request answers from the local engine only.
func (c *Coordinator) Get(ctx context.Context, key []byte, rf Replicas, proxied bool) (ResponseValue, error) {
	if err := checkRequest(key, rf, proxied); err != nil {
		return ResponseValue{}, err
	}
	local := func() (ResponseValue, error) {
		return FromLocal(c.local.GetValue(key))
	}
	if proxied {
		return local()
	}

	values, err := fanOut(ctx, c, "get", key, rf, local,
		func(ctx context.Context, p Peer) (ResponseValue, error) {
			return p.Get(ctx, key)
		})
	if err != nil {
		return ResponseValue{}, err
	}
	return Resolve(values), nil
}

func (c *Coordinator) Upsert(ctx context.Context, key, value []byte, rf Replicas, proxied bool) error {
	if err := checkRequest(key, rf, proxied); err != nil {
		return err
	}
	local := func() (struct{}, error) {
		return struct{}{}, c.local.Upsert(key, value)
	}
	if proxied {
		_, err := local()
		return err
	}

	_, err := fanOut(ctx, c, "upsert", key, rf, local,
		func(ctx context.Context, p Peer) (struct{}, error) {
			return struct{}{}, p.Upsert(ctx, key, value)
		})
	return err
}

func (c *Coordinator) Delete(ctx context.Context, key []byte, rf Replicas, proxied bool) error {
	if err := checkRequest(key, rf, proxied); err != nil {
		return err
	}
	local := func() (struct{}, error) {
		return struct{}{}, c.local.Remove(key)
	}
	if proxied {
		_, err := local()
		return err
	}

	_, err := fanOut(ctx, c, "delete", key, rf, local,
		func(ctx context.Context, p Peer) (struct{}, error) {
			return struct{}{}, p.Delete(ctx, key)
		})
	return err
}
