package parallel_test

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paveg/gorillabind/internal/parallel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// processIndexed runs worker over items with no per-worker state.
func processIndexed[T, R any](wp *parallel.WorkerPool, items []T, worker func(int, T) R) []R {
	results, _ := parallel.ProcessIndexedWith(context.Background(), wp,
		func() (struct{}, error) { return struct{}{}, nil },
		nil,
		items,
		func(_ struct{}, i int, item T) (R, error) { return worker(i, item), nil },
	)
	return results
}

func TestNewWorkerPool(t *testing.T) {
	pool := parallel.NewWorkerPool(0)
	defer pool.Close()
	assert.Equal(t, runtime.NumCPU(), pool.NumWorkers())

	pool2 := parallel.NewWorkerPool(4)
	defer pool2.Close()
	assert.Equal(t, 4, pool2.NumWorkers())

	pool3 := parallel.NewWorkerPool(-1)
	defer pool3.Close()
	assert.Equal(t, runtime.NumCPU(), pool3.NumWorkers())
}

func TestProcessIndexedWith_Order(t *testing.T) {
	pool := parallel.NewWorkerPool(2)
	defer pool.Close()

	input := []string{"a", "b", "c", "d"}

	results := processIndexed(pool, input, func(index int, value string) string {
		return value + string(rune('0'+index))
	})

	assert.Equal(t, []string{"a0", "b1", "c2", "d3"}, results)
}

func TestProcessIndexedWith_Empty(t *testing.T) {
	pool := parallel.NewWorkerPool(2)
	defer pool.Close()

	results := processIndexed(pool, []string{}, func(_ int, value string) string {
		return value
	})

	assert.Nil(t, results)
}

func TestProcessIndexedWith_StatePerWorker(t *testing.T) {
	const workers = 4
	pool := parallel.NewWorkerPool(workers)
	defer pool.Close()

	var inits, releases atomic.Int64
	type workerState struct{ id int64 }

	input := make([]int, 200)
	for i := range input {
		input[i] = i
	}

	seen := make([]int64, len(input))
	results, err := parallel.ProcessIndexedWith(context.Background(), pool,
		func() (*workerState, error) {
			return &workerState{id: inits.Add(1)}, nil
		},
		func(*workerState) { releases.Add(1) },
		input,
		func(s *workerState, i int, x int) (int, error) {
			seen[i] = s.id
			time.Sleep(100 * time.Microsecond)
			return x * 2, nil
		},
	)
	require.NoError(t, err)
	require.Len(t, results, len(input))
	for i, r := range results {
		assert.Equal(t, 2*i, r)
	}

	assert.LessOrEqual(t, inits.Load(), int64(workers), "state is built at most once per worker")
	assert.Equal(t, inits.Load(), releases.Load())
	for _, id := range seen {
		assert.NotZero(t, id)
	}
}

func TestProcessIndexedWith_Errors(t *testing.T) {
	pool := parallel.NewWorkerPool(3)
	defer pool.Close()

	input := make([]int, 50)
	for i := range input {
		input[i] = i
	}
	noState := func() (struct{}, error) { return struct{}{}, nil }

	t.Run("first worker error is returned", func(t *testing.T) {
		boom := errors.New("item 7 failed")
		results, err := parallel.ProcessIndexedWith(context.Background(), pool, noState, nil, input,
			func(_ struct{}, i int, x int) (int, error) {
				if i == 7 {
					return 0, boom
				}
				return x, nil
			})
		require.ErrorIs(t, err, boom)
		assert.Nil(t, results)
	})

	t.Run("init error is returned", func(t *testing.T) {
		initErr := errors.New("no channel")
		var calls atomic.Int64
		_, err := parallel.ProcessIndexedWith(context.Background(), pool,
			func() (struct{}, error) { return struct{}{}, initErr },
			nil,
			input,
			func(_ struct{}, _ int, x int) (int, error) {
				calls.Add(1)
				return x, nil
			})
		require.ErrorIs(t, err, initErr)
		assert.Zero(t, calls.Load())
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := parallel.ProcessIndexedWith(ctx, pool, noState, nil, input,
			func(_ struct{}, _ int, x int) (int, error) { return x, nil })
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestProcessConcurrency(t *testing.T) {
	pool := parallel.NewWorkerPool(4)
	defer pool.Close()

	var concurrentCount int64
	var maxConcurrent int64

	input := make([]int, 20)
	for i := range input {
		input[i] = i
	}

	results := processIndexed(pool, input, func(_ int, x int) int {
		current := atomic.AddInt64(&concurrentCount, 1)
		for {
			maxVal := atomic.LoadInt64(&maxConcurrent)
			if current <= maxVal || atomic.CompareAndSwapInt64(&maxConcurrent, maxVal, current) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond)

		atomic.AddInt64(&concurrentCount, -1)
		return x * 2
	})

	assert.Len(t, results, 20)
	assert.Greater(t, maxConcurrent, int64(1), "Expected some concurrent execution")
}

func TestWorkerPoolClose(t *testing.T) {
	pool := parallel.NewWorkerPool(2)

	results := processIndexed(pool, []int{1, 2, 3}, func(_ int, x int) int {
		return x
	})
	assert.Equal(t, []int{1, 2, 3}, results)

	pool.Close()

	_, err := parallel.ProcessIndexedWith(context.Background(), pool,
		func() (struct{}, error) { return struct{}{}, nil },
		nil,
		[]int{1, 2, 3},
		func(_ struct{}, _ int, x int) (int, error) { return x, nil })
	require.ErrorIs(t, err, context.Canceled)

	assert.NotPanics(t, func() {
		pool.Close()
	})
}

func TestLargeDataset(t *testing.T) {
	pool := parallel.NewWorkerPool(runtime.NumCPU())
	defer pool.Close()

	size := 1000
	input := make([]int, size)
	for i := range size {
		input[i] = i
	}

	results := processIndexed(pool, input, func(_ int, x int) int {
		return x*x + x + 1
	})

	require.Len(t, results, size)
	assert.Equal(t, 1, results[0])
	assert.Equal(t, 3, results[1])
	assert.Equal(t, 7, results[2])
}
