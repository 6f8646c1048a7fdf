// Package concurrent provides a generic bounded-concurrency worker
// pool, adapted from the teacher's src/concurrent/pool.go, used to
// fan out per-memory work (scoring, embedding, similarity) during
// decay/consolidation/forgetting batches without unbounded
// goroutine growth.
package concurrent

import (
	"context"
	"sync"
)

// Pool bounds how many goroutines may run a submitted function at once.
type Pool struct {
	limit int
	sem   chan struct{}
}

// NewPool builds a Pool capping concurrency at limit (10 if limit <= 0).
func NewPool(limit int) *Pool {
	if limit <= 0 {
		limit = 10
	}
	return &Pool{limit: limit, sem: make(chan struct{}, limit)}
}

// Do runs fn once a slot is free, or returns ctx.Err() if ctx is
// cancelled first.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
		return fn()
	}
}

// ParallelMap runs fn over every item with at most maxConcurrency
// in flight, preserving input order in the result slice. The first
// error encountered (in item order) is returned alongside whatever
// partial results completed.
func ParallelMap[T, R any](ctx context.Context, items []T, fn func(T) (R, error), maxConcurrency int) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}

	results := make([]R, len(items))
	errs := make([]error, len(items))
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(idx int, val T) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				errs[idx] = ctx.Err()
			case sem <- struct{}{}:
				defer func() { <-sem }()
				results[idx], errs[idx] = fn(val)
			}
		}(i, item)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// ParallelForEach runs fn over every item with at most maxConcurrency
// in flight and returns the first error encountered, if any.
func ParallelForEach[T any](ctx context.Context, items []T, fn func(T) error, maxConcurrency int) error {
	if len(items) == 0 {
		return nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}

	sem := make(chan struct{}, maxConcurrency)
	errCh := make(chan error, len(items))
	var wg sync.WaitGroup

	for _, item := range items {
		wg.Add(1)
		go func(val T) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
			case sem <- struct{}{}:
				defer func() { <-sem }()
				if err := fn(val); err != nil {
					errCh <- err
				}
			}
		}(item)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}
