package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestForEach_VisitsAll(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	var mu sync.Mutex
	seen := map[int]bool{}
	ForEach(context.Background(), 3, items, func(_ context.Context, i int) {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
	})

	assert.Len(t, seen, len(items))
}

func TestForEach_BoundsConcurrency(t *testing.T) {
	items := make([]int, 20)

	var running, peak atomic.Int32
	ForEach(context.Background(), 4, items, func(_ context.Context, _ int) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
	})

	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Greater(t, peak.Load(), int32(0))
}

func TestForEach_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	ForEach(ctx, 2, []int{1, 2, 3}, func(context.Context, int) { calls.Add(1) })

	assert.Equal(t, int32(0), calls.Load())
}

func TestForEach_ZeroWorkers(t *testing.T) {
	var calls atomic.Int32
	ForEach(context.Background(), 0, []int{1, 2}, func(context.Context, int) { calls.Add(1) })
	assert.Equal(t, int32(2), calls.Load())
}
