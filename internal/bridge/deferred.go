package bridge

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/paveg/gorillabind/internal/errors"
	"github.com/paveg/gorillabind/internal/host"
	"github.com/paveg/gorillabind/internal/monitoring"
)

// DefaultDeferredPoolSize is used when a non-positive size is requested.
const DefaultDeferredPoolSize = 4

// Task is a submitted deferred call. Resolve may be called once.
type Task struct {
	id       uuid.UUID
	snapshot host.Snapshot
	batch    arrow.Array

	done     chan struct{}
	result   Payload
	err      error
	resolved atomic.Bool
}

// ID returns the task identity.
func (t *Task) ID() uuid.UUID {
	return t.id
}

// Done is closed when the task has completed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Resolve blocks until the task completes and returns its result. The
// caller owns the returned batch. A second call yields DoubleResolve.
func (t *Task) Resolve() (Payload, error) {
	if t.resolved.Swap(true) {
		return Payload{}, errors.NewDoubleResolveError("Resolve", "deferred task already resolved")
	}
	<-t.done
	return t.result, t.err
}

func (t *Task) finish(p Payload, err error) {
	if t.batch != nil {
		t.batch.Release()
		t.batch = nil
	}
	t.result = p
	t.err = err
	close(t.done)
}

// DeferredPool runs snapshot closures on a fixed set of pool goroutines.
// Each pool goroutine performs an ordinary round trip with the dispatcher,
// so submitters are decoupled from host latency until they resolve.
type DeferredPool struct {
	reg  *Registry
	pool *ants.Pool
	size int

	mu      sync.Mutex
	backlog []*Task
	running int
	closed  bool

	acquired atomic.Int64

	log     *slog.Logger
	metrics *monitoring.BridgeMetrics
	opts    options
}

// NewDeferredPool creates a pool of size goroutines bound to reg.
func NewDeferredPool(reg *Registry, size int, opts ...Option) (*DeferredPool, error) {
	if size <= 0 {
		size = DefaultDeferredPoolSize
	}
	o := buildOptions(opts)

	p := &DeferredPool{
		reg:     reg,
		size:    size,
		log:     o.log,
		metrics: o.metrics,
		opts:    o,
	}
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(v any) {
		p.log.Error("deferred pool goroutine panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("creating deferred pool: %w", err)
	}
	p.pool = pool
	return p, nil
}

// Size returns the number of pool goroutines.
func (p *DeferredPool) Size() int {
	return p.size
}

// Channels returns how many worker channels the pool goroutines have
// acquired so far. A goroutine keeps one channel across the backlog it drains.
func (p *DeferredPool) Channels() int64 {
	return p.acquired.Load()
}

// Backlog returns the number of tasks waiting for a pool goroutine.
func (p *DeferredPool) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Submit schedules snap over batch and returns immediately. snap must be a
// snapshot (host.Serialize); batch is retained until the task completes.
func (p *DeferredPool) Submit(snap host.Snapshot, batch arrow.Array) (*Task, error) {
	if len(snap) == 0 {
		return nil, errors.NewInvalidInputError("Submit", "empty closure snapshot")
	}
	if batch == nil {
		return nil, errors.NewInvalidInputError("Submit", "nil batch")
	}
	if _, err := p.reg.Resolve(); err != nil {
		return nil, err
	}

	batch.Retain()
	t := &Task{id: uuid.New(), snapshot: snap, batch: batch, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		batch.Release()
		return nil, errors.NewDisconnectedError("Submit")
	}
	if p.running >= p.size {
		p.backlog = append(p.backlog, t)
		p.metrics.SetBacklog(len(p.backlog))
		p.mu.Unlock()
		return t, nil
	}
	p.running++
	p.mu.Unlock()

	if err := p.pool.Submit(func() { p.drain(t) }); err != nil {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
		p.complete(t, Payload{}, errors.NewDisconnectedError("Submit"))
		return t, nil
	}
	return t, nil
}

// Close stops accepting tasks and fails backlogged ones with Disconnected.
// Tasks already running finish their round trip, or fail once the registry
// is torn down.
func (p *DeferredPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	backlog := p.backlog
	p.backlog = nil
	p.metrics.SetBacklog(0)
	p.mu.Unlock()

	for _, t := range backlog {
		p.complete(t, Payload{}, errors.NewDisconnectedError("Resolve"))
	}
	if err := p.pool.ReleaseTimeout(p.opts.releaseTimeout); err != nil {
		p.log.Warn("deferred pool did not drain before timeout", "error", err)
	}
}

// drain runs t and then backlogged tasks on one worker channel, acquired on
// first use. A channel that saw the bridge disconnect is dropped.
func (p *DeferredPool) drain(t *Task) {
	var ch *WorkerChannel
	defer func() {
		if ch != nil {
			ch.Close()
		}
	}()

	for t != nil {
		if ch == nil {
			var err error
			if ch, err = p.reg.Acquire(); err != nil {
				p.complete(t, Payload{}, err)
				t = p.next()
				continue
			}
			p.acquired.Add(1)
		}
		if err := p.execute(ch, t); stderrors.Is(err, errors.ErrDisconnected) {
			ch.Close()
			ch = nil
		}
		t = p.next()
	}
}

func (p *DeferredPool) next() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.backlog) == 0 {
		p.running--
		return nil
	}
	t := p.backlog[0]
	p.backlog[0] = nil
	p.backlog = p.backlog[1:]
	p.metrics.SetBacklog(len(p.backlog))
	return t
}

func (p *DeferredPool) execute(ch *WorkerChannel, t *Task) error {
	payload, err := ch.Call(NewSnapshotRequest(t.snapshot, t.batch))
	p.complete(t, payload, err)
	return err
}

func (p *DeferredPool) complete(t *Task, payload Payload, err error) {
	outcome := monitoring.OutcomeOK
	if err != nil {
		outcome = monitoring.OutcomeError
	}
	p.metrics.DeferredDone(outcome)
	t.finish(payload, err)
}
