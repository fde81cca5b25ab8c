package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNowNeverRepeats(t *testing.T) {
	c := NewManual(func() int64 { return 100 })
	require.Equal(t, int64(100), c.Now())
	require.Equal(t, int64(101), c.Now())
	require.Equal(t, int64(102), c.Now())
	require.Equal(t, int64(102), c.Val())
}

func TestNowConcurrentUnique(t *testing.T) {
	c := NewMonotonic()
	var (
		mu   sync.Mutex
		seen = map[int64]struct{}{}
		wg   sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ts := c.Now()
				mu.Lock()
				seen[ts] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, 4000)
}

func TestNowIsMilliseconds(t *testing.T) {
	before := time.Now().UnixMilli()
	ts := NewMonotonic().Now()
	after := time.Now().UnixMilli()

	require.GreaterOrEqual(t, ts, before)
	require.LessOrEqual(t, ts, after)
}
