package listener

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	ErrQueueFull = errors.New("listener: queue is full")
	ErrStopped   = errors.New("listener: stopped")
)

// Pool is a fixed set of workers fed from a bounded queue.
// Submitting never blocks: a full queue is reported to the caller.
type Pool[T any] struct {
	handler func(T) error
	onError func(T, error)

	workers int
	in      chan T

	mu      sync.RWMutex
	stopped bool

	wg     sync.WaitGroup
	cancel func()
}

func NewPool[T any](
	workers, queue int,
	handler func(T) error,
	onError ...func(T, error),
) *Pool[T] {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if len(onError) == 0 {
		onError = []func(T, error){func(_ T, err error) {
			slog.Error("background job failed", "error", err)
		}}
	}

	return &Pool[T]{
		handler: handler,
		onError: onError[0],
		workers: workers,
		in:      make(chan T, queue),
		cancel:  func() {},
	}
}

func (p *Pool[T]) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	for {
		select {
		case inp, ok := <-p.in:
			if !ok {
				return
			}
			if err := p.handler(inp); err != nil {
				p.onError(inp, errors.Wrap(err, "failed to handle input"))
			}
		case <-ctx.Done():
			return
		}
	}
}

// TrySubmit enqueues inp without blocking.
func (p *Pool[T]) TrySubmit(inp T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}
	select {
	case p.in <- inp:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop closes intake, lets workers drain what is queued and waits for them.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.in)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}
