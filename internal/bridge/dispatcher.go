package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/paveg/gorillabind/internal/errors"
	"github.com/paveg/gorillabind/internal/host"
	"github.com/paveg/gorillabind/internal/monitoring"
)

// maxSnapshotCache bounds the restored-closure cache; it is cleared when full.
const maxSnapshotCache = 256

// Dispatcher serves envelopes on the host-execution goroutine. All of its
// methods except Close must be called from that goroutine.
type Dispatcher struct {
	reg    *Registry
	ep     *Endpoint
	interp *host.Interpreter

	closures  map[uuid.UUID]*host.Closure
	snapshots map[uint64]*host.Closure
	// interpreter generation the snapshot cache was filled under
	snapshotGen uint64

	mem     memory.Allocator
	log     *slog.Logger
	metrics *monitoring.BridgeMetrics

	depth  int
	served atomic.Uint64
}

// NewDispatcher initializes reg from the calling goroutine, which becomes the
// host-execution goroutine. A registry accepts exactly one dispatcher.
func NewDispatcher(reg *Registry, interp *host.Interpreter, opts ...Option) (*Dispatcher, error) {
	o := buildOptions(opts)
	ep, created := reg.init(endpointConfig{queueDepth: o.queueDepth, log: o.log, metrics: o.metrics})
	if !created {
		if ep == nil {
			return nil, errors.NewDisconnectedError("NewDispatcher")
		}
		return nil, fmt.Errorf("bridge registry already has a dispatcher")
	}

	o.log.Debug("bridge dispatcher initialized", "queue_depth", cap(ep.inbound))
	return &Dispatcher{
		reg:       reg,
		ep:        ep,
		interp:    interp,
		closures:  make(map[uuid.UUID]*host.Closure),
		snapshots: make(map[uint64]*host.Closure),
		mem:       o.mem,
		log:       o.log,
		metrics:   o.metrics,
	}, nil
}

// Registry returns the registry this dispatcher serves.
func (d *Dispatcher) Registry() *Registry {
	return d.reg
}

// Interpreter returns the host interpreter.
func (d *Dispatcher) Interpreter() *host.Interpreter {
	return d.interp
}

// Register stores c in the host-owned closure table and returns the first
// handle to it.
func (d *Dispatcher) Register(c *host.Closure) *Handle {
	ref := &closureRef{id: uuid.New(), name: c.Name(), ep: d.ep}
	ref.refs.Store(1)
	d.closures[ref.id] = c
	return &Handle{ref: ref}
}

// Registered returns how many closures the dispatcher currently holds.
func (d *Dispatcher) Registered() int {
	d.applyDrops()
	return len(d.closures)
}

// Served returns the number of envelopes answered so far.
func (d *Dispatcher) Served() uint64 {
	return d.served.Load()
}

// Depth returns the current pump nesting depth.
func (d *Dispatcher) Depth() int {
	return d.depth
}

// Pump serves envelopes until done is closed. It returns Disconnected if the
// registry is torn down first.
func (d *Dispatcher) Pump(done <-chan struct{}) error {
	d.depth++
	defer func() { d.depth-- }()

	for {
		if d.ep.Closed() {
			return errors.NewDisconnectedError("Pump")
		}
		select {
		case <-done:
			return nil
		case env := <-d.ep.inbound:
			d.serve(env)
		case <-d.ep.done:
			return errors.NewDisconnectedError("Pump")
		}
	}
}

// TryPump serves every envelope already queued and returns how many it served.
func (d *Dispatcher) TryPump() int {
	d.depth++
	defer func() { d.depth-- }()

	n := 0
	for !d.ep.Closed() {
		select {
		case env := <-d.ep.inbound:
			d.serve(env)
			n++
		default:
			return n
		}
	}
	return n
}

// Drive runs engine work on a new goroutine and pumps until it returns. A
// host closure invoked by the dispatcher may call Drive again; the nested
// call pumps on the same goroutine.
func (d *Dispatcher) Drive(work func() error) error {
	done := make(chan struct{})
	var workErr error
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				workErr = fmt.Errorf("engine work panicked: %v", r)
			}
		}()
		workErr = work()
	}()

	if d.depth > 0 {
		d.log.Debug("nested pump", "depth", d.depth+1)
	}
	pumpErr := d.Pump(done)
	<-done
	if workErr != nil {
		return workErr
	}
	return pumpErr
}

// Await pumps until t completes and then resolves it.
func (d *Dispatcher) Await(t *Task) (Payload, error) {
	if err := d.Pump(t.Done()); err != nil {
		select {
		case <-t.Done():
		default:
			return Payload{}, err
		}
	}
	return t.Resolve()
}

// Run serves envelopes until ctx is cancelled or the registry is torn down.
// It is meant for a goroutine dedicated to the host, typically one that
// called runtime.LockOSThread.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Pump(ctx.Done()); err != nil {
		// Teardown is a normal exit for a dedicated loop.
		return nil
	}
	return ctx.Err()
}

// Close tears the registry down. Safe from any goroutine.
func (d *Dispatcher) Close() {
	d.reg.Teardown()
	d.log.Info("bridge dispatcher closed", "served", d.served.Load(), "pending", d.ep.Pending())
}

func (d *Dispatcher) serve(env *Envelope) {
	d.applyDrops()
	start := time.Now()

	payload, err := d.invoke(env)
	outcome := monitoring.OutcomeOK
	if err != nil {
		outcome = monitoring.OutcomeError
		env.settle(StateErrored)
		d.log.Warn("callback failed", "kind", env.kind.String(), "callback", env.callbackName(), "error", err)
	} else {
		env.settle(StateReplied)
	}

	select {
	case env.reply <- reply{seq: env.seq, payload: payload, err: err}:
	default:
		payload.Release()
		d.log.Error("reply dropped, worker channel is full", "seq", env.seq)
	}

	d.served.Add(1)
	elapsed := time.Since(start)
	d.metrics.ObserveServed(env.kind.String(), outcome, elapsed, d.depth, env.kind == KindSnapshotBatch)
	d.log.Debug("request served", "seq", env.seq, "kind", env.kind.String(), "depth", d.depth, "elapsed", elapsed)
}

func (d *Dispatcher) invoke(env *Envelope) (Payload, error) {
	closure, err := d.resolve(env)
	if err != nil {
		return Payload{}, errors.NewCallbackFailedError("Dispatch", env.callbackName(), err)
	}

	args, err := d.arguments(env)
	if err != nil {
		return Payload{}, errors.NewCallbackFailedError("Dispatch", closure.Name(), err)
	}

	result, err := d.interp.Call(closure, args...)
	if err != nil {
		return Payload{}, errors.NewCallbackFailedError("Dispatch", closure.Name(), err)
	}

	payload, err := d.shape(env.Expects(), result)
	if err != nil {
		return Payload{}, errors.NewCallbackFailedError("Dispatch", closure.Name(), err)
	}
	return payload, nil
}

func (d *Dispatcher) resolve(env *Envelope) (*host.Closure, error) {
	if env.kind == KindSnapshotBatch {
		if gen := d.interp.Generation(); gen != d.snapshotGen || len(d.snapshots) >= maxSnapshotCache {
			clear(d.snapshots)
			d.snapshotGen = gen
		}
		key := xxhash.Sum64(env.snapshot)
		if c, ok := d.snapshots[key]; ok {
			return c, nil
		}
		c, err := d.interp.Restore(env.snapshot)
		if err != nil {
			return nil, err
		}
		d.snapshots[key] = c
		return c, nil
	}

	if env.handle == nil {
		return nil, fmt.Errorf("request carries no callback handle")
	}
	c, ok := d.closures[env.handle.ID()]
	if !ok {
		return nil, fmt.Errorf("callback handle %s was released", env.handle.ID())
	}
	if bound := env.handle.Bound(); len(bound) > 0 {
		c = c.With(bound...)
	}
	return c, nil
}

func (d *Dispatcher) arguments(env *Envelope) ([]host.Value, error) {
	switch env.kind {
	case KindBatchToBatch, KindBatchToScalar, KindSnapshotBatch:
		vec, err := host.FromArrow(env.input.Batch)
		if err != nil {
			return nil, err
		}
		return []host.Value{vec}, nil
	case KindBatchScalarToBatch:
		vec, err := host.FromArrow(env.input.Batch)
		if err != nil {
			return nil, err
		}
		return []host.Value{vec, env.input.Scalar}, nil
	case KindScalarToString:
		return []host.Value{env.input.Scalar}, nil
	case KindNameToName:
		return []host.Value{env.input.Str}, nil
	default:
		return nil, fmt.Errorf("unsupported request kind %d", env.kind)
	}
}

func (d *Dispatcher) shape(want Shape, result host.Value) (Payload, error) {
	switch want {
	case ShapeBatch:
		arr, err := host.ToArrow(result, d.mem)
		if err != nil {
			return Payload{}, fmt.Errorf("function return value is not a column: %w", err)
		}
		return Payload{Shape: ShapeBatch, Batch: arr}, nil
	case ShapeString:
		s, ok := host.AsString(result)
		if !ok {
			return Payload{}, fmt.Errorf("function return value was not a string")
		}
		return Payload{Shape: ShapeString, Str: s}, nil
	case ShapeScalar:
		f, ok := host.AsScalar(result)
		if !ok {
			return Payload{}, fmt.Errorf("function return value was not a number")
		}
		return Payload{Shape: ShapeScalar, Scalar: f}, nil
	default:
		return Payload{}, fmt.Errorf("unknown reply shape %d", want)
	}
}

func (d *Dispatcher) applyDrops() {
	for _, id := range d.ep.takeDrops() {
		delete(d.closures, id)
	}
}
