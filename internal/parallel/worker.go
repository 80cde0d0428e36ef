// Package parallel provides the engine worker pool that fans chunked column
// work out to goroutines.
//
// Workers are plain goroutines with no affinity to the host interpreter.
// ProcessIndexedWith gives every worker goroutine its own state, built once
// on first use, so a worker can hold a resource for the whole run (a bridge
// worker channel, an allocator) instead of acquiring one per item.
package parallel

import (
	"context"
	"runtime"
	"sync"
)

// WorkerPool manages a pool of goroutines for parallel processing
type WorkerPool struct {
	numWorkers int
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		numWorkers: numWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// NumWorkers returns the number of worker goroutines per run.
func (wp *WorkerPool) NumWorkers() int {
	return wp.numWorkers
}

// ProcessIndexedWith executes work items in parallel, preserving order. Each
// worker goroutine calls init once before its first item and passes the state
// to every item it processes; release, if not nil, is called with the state
// when the worker exits. The first error cancels the remaining items and is
// returned; results are then nil.
func ProcessIndexedWith[S, T, R any](
	ctx context.Context,
	wp *WorkerPool,
	init func() (S, error),
	release func(S),
	items []T,
	worker func(S, int, T) (R, error),
) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if err := wp.ctx.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(wp.ctx, cancel)
	defer stop()

	// Channel for input items with index
	itemCh := make(chan indexedItem[T], len(items))

	// Channel for results with index
	resultCh := make(chan indexedResult[R], len(items))

	var (
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	numWorkers := min(wp.numWorkers, len(items))

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var (
				state  S
				inited bool
			)
			defer func() {
				if inited && release != nil {
					release(state)
				}
			}()
			for item := range itemCh {
				if ctx.Err() != nil {
					return
				}
				if !inited {
					s, err := init()
					if err != nil {
						fail(err)
						return
					}
					state, inited = s, true
				}
				result, err := worker(state, item.index, item.value)
				if err != nil {
					fail(err)
					return
				}
				resultCh <- indexedResult[R]{index: item.index, result: result}
			}
		}()
	}

	// Send items to workers
	go func() {
		defer close(itemCh)
		for i, item := range items {
			select {
			case <-ctx.Done():
				return
			case itemCh <- indexedItem[T]{index: i, value: item}:
			}
		}
	}()

	// Close result channel when all workers are done
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	// Collect results and maintain order
	results := make([]R, len(items))
	received := 0
	for result := range resultCh {
		results[result.index] = result.result
		received++
	}

	if firstErr != nil {
		return nil, firstErr
	}
	if received != len(items) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, context.Canceled
	}
	return results, nil
}

// Close shuts down the worker pool. Runs in progress are cancelled.
func (wp *WorkerPool) Close() {
	wp.cancel()
}

// indexedItem holds an item with its index
type indexedItem[T any] struct {
	index int
	value T
}

// indexedResult holds a result with its index
type indexedResult[R any] struct {
	index  int
	result R
}
