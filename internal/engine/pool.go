package engine

import (
	"context"
	"sync"
)

// ForEach runs fn for every item on at most workers goroutines and waits
// for all of them. Items not yet started when ctx is done are dropped;
// started ones see the cancelled ctx.
func ForEach[T any](ctx context.Context, workers int, items []T, fn func(context.Context, T)) {
	if workers < 1 {
		workers = 1
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, item)
		}(item)
	}

	wg.Wait()
}
