package listener

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsJobs(t *testing.T) {
	var sum atomic.Int64
	p := NewPool(4, 16, func(n int) error {
		sum.Add(int64(n))
		return nil
	})
	p.Start(context.Background())

	for i := 1; i <= 10; i++ {
		require.NoError(t, p.TrySubmit(i))
	}
	p.Stop()

	require.Equal(t, int64(55), sum.Load())
}

func TestPoolRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	p := NewPool(1, 1, func(int) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	p.Start(context.Background())

	require.NoError(t, p.TrySubmit(1))
	<-started
	require.NoError(t, p.TrySubmit(2))
	require.ErrorIs(t, p.TrySubmit(3), ErrQueueFull)

	close(release)
	p.Stop()
	require.ErrorIs(t, p.TrySubmit(4), ErrStopped)
}

func TestPoolReportsErrors(t *testing.T) {
	boom := errors.New("boom")
	var (
		mu  sync.Mutex
		got []int
	)
	p := NewPool(2, 4, func(n int) error {
		if n%2 == 0 {
			return boom
		}
		return nil
	}, func(n int, err error) {
		require.ErrorIs(t, err, boom)
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})
	p.Start(context.Background())
	for i := 1; i <= 4; i++ {
		require.NoError(t, p.TrySubmit(i))
	}
	p.Stop()

	require.ElementsMatch(t, []int{2, 4}, got)
}

func TestPoolStopIsIdempotent(t *testing.T) {
	p := NewPool(1, 1, func(int) error { return nil })
	p.Start(context.Background())
	p.Stop()
	p.Stop()
}
