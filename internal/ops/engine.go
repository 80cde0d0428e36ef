// Package ops implements the engine operators that call host callbacks
// through the bridge: batch mapping, filtering, aggregation and naming.
//
// Operators run on the engine worker pool. Each worker goroutine acquires
// one bridge worker channel on first use and keeps it for the whole
// operator run. None of these functions may be called on the
// host-execution goroutine without that goroutine pumping the dispatcher
// (see bridge.Dispatcher.Drive); doing so deadlocks.
package ops

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/gorillabind/internal/bridge"
	"github.com/paveg/gorillabind/internal/config"
	"github.com/paveg/gorillabind/internal/errors"
	"github.com/paveg/gorillabind/internal/logging"
	"github.com/paveg/gorillabind/internal/parallel"
	"github.com/paveg/gorillabind/internal/series"
	"github.com/paveg/gorillabind/internal/validation"
)

// Engine runs operators over arrow batches.
type Engine struct {
	reg    *bridge.Registry
	cfg    config.Config
	pool   *parallel.WorkerPool
	allocs *parallel.AllocatorPool
	mem    memory.Allocator
	log    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithAllocator sets the allocator for operator results.
func WithAllocator(mem memory.Allocator) Option {
	return func(e *Engine) {
		e.mem = mem
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// NewEngine creates an engine that calls back through reg.
func NewEngine(reg *bridge.Registry, cfg config.Config, opts ...Option) *Engine {
	cfg = cfg.WithDefaults()
	e := &Engine{
		reg:  reg,
		cfg:  cfg,
		pool: parallel.NewWorkerPool(cfg.Workers()),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.mem == nil {
		e.mem = memory.NewGoAllocator()
	}
	if e.log == nil {
		e.log = logging.Get()
	}
	mem := e.mem
	e.allocs = parallel.NewAllocatorPool(func() memory.Allocator { return mem })
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// Close stops the worker pool. Runs in progress are cancelled.
func (e *Engine) Close() {
	e.pool.Close()
	e.allocs.Close()
}

type worker struct {
	ch  *bridge.WorkerChannel
	mem memory.Allocator
}

// chunkCall performs the bridge call for one chunk on a worker.
type chunkCall func(w *worker, chunk arrow.Array) (bridge.Payload, error)

// run slices arr into chunks of size rows and performs call for each chunk
// on the worker pool. A size of zero uses the configured chunk size. Results
// are in chunk order; the caller releases them.
func (e *Engine) run(ctx context.Context, op string, arr arrow.Array, size int, call chunkCall) ([]bridge.Payload, error) {
	if err := validation.ValidateBatch(arr, op); err != nil {
		return nil, err
	}
	if err := e.connected(op); err != nil {
		return nil, err
	}
	if size <= 0 {
		size = e.cfg.ChunkSizeFor(arr.Len())
	}

	chunks := series.Chunks(arr, size)
	defer releaseAll(chunks)

	e.log.Debug("operator started", "op", op, "rows", arr.Len(), "chunks", len(chunks))

	var (
		mu      sync.Mutex
		settled []bridge.Payload
	)
	results, err := parallel.ProcessIndexedWith(ctx, e.pool,
		e.acquire,
		e.release,
		chunks,
		func(w *worker, _ int, chunk arrow.Array) (bridge.Payload, error) {
			p, err := call(w, chunk)
			if err != nil {
				return bridge.Payload{}, err
			}
			mu.Lock()
			settled = append(settled, p)
			mu.Unlock()
			return p, nil
		},
	)
	if err != nil {
		// Results of chunks that completed before the failure are orphaned.
		for _, p := range settled {
			p.Release()
		}
		return nil, e.callError(ctx, op, err)
	}
	return results, nil
}

func (e *Engine) acquire() (*worker, error) {
	ch, err := e.reg.Acquire()
	if err != nil {
		return nil, err
	}
	return &worker{ch: ch, mem: e.allocs.Get()}, nil
}

func (e *Engine) release(w *worker) {
	w.ch.Close()
	e.allocs.Put(w.mem)
}

// connected fails with Disconnected once the bridge was torn down, before any
// chunk is scheduled.
func (e *Engine) connected(op string) error {
	if _, err := e.reg.Resolve(); err != nil {
		return wrapCallError(op, err)
	}
	return nil
}

// callError is wrapCallError, except that a cancellation the caller did not
// ask for is reported as the teardown that caused it.
func (e *Engine) callError(ctx context.Context, op string, err error) error {
	if ctx.Err() == nil && stderrors.Is(err, context.Canceled) {
		if _, rerr := e.reg.Resolve(); rerr != nil {
			return wrapCallError(op, rerr)
		}
	}
	return wrapCallError(op, err)
}

// wrapCallError surfaces a bridge failure as an operator error. The bridge
// error stays in the chain, so errors.Is against its kind still matches.
func wrapCallError(op string, err error) error {
	var oe *errors.OperatorError
	if stderrors.As(err, &oe) {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.NewCallbackError(op, "", err)
}

func releaseAll(arrs []arrow.Array) {
	for _, a := range arrs {
		a.Release()
	}
}

func releasePayloads(ps []bridge.Payload) {
	for _, p := range ps {
		p.Release()
	}
}
