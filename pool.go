package mega

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// blockingPool runs CPU bound work (key derivation, hashcash) on a
// bounded number of goroutines so it can't starve the network I/O.
type blockingPool struct {
	sem *semaphore.Weighted
}

func newBlockingPool(workers int) *blockingPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &blockingPool{sem: semaphore.NewWeighted(int64(workers))}
}

// Do waits for a free slot then runs fn. If ctx is done first its
// error is returned; fn keeps running to completion in the background
// but its result is dropped.
func (p *blockingPool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		defer p.sem.Release(1)
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
