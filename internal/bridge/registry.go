package bridge

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/paveg/gorillabind/internal/errors"
	"github.com/paveg/gorillabind/internal/monitoring"
)

// DefaultQueueDepth is the inbound buffer used when none is configured.
const DefaultQueueDepth = 64

//nolint:gochecknoglobals // the process-wide registry is the one sanctioned global
var defaultRegistry = NewRegistry()

// Registry resolves the dispatcher endpoint for any goroutine.
type Registry struct {
	once sync.Once
	ep   atomic.Pointer[Endpoint]
	dead atomic.Bool
}

// NewRegistry creates an isolated registry. Most callers use Default.
func NewRegistry() *Registry {
	return &Registry{}
}

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Resolve returns the dispatcher endpoint of the default registry.
func Resolve() (*Endpoint, error) {
	return defaultRegistry.Resolve()
}

// Acquire returns a new worker channel on the default registry.
func Acquire() (*WorkerChannel, error) {
	return defaultRegistry.Acquire()
}

type endpointConfig struct {
	queueDepth int
	log        *slog.Logger
	metrics    *monitoring.BridgeMetrics
}

// init builds the endpoint at most once. The second return is false when an
// endpoint already existed or the registry was torn down.
func (r *Registry) init(cfg endpointConfig) (*Endpoint, bool) {
	created := false
	r.once.Do(func() {
		if r.dead.Load() {
			return
		}
		depth := cfg.queueDepth
		if depth <= 0 {
			depth = DefaultQueueDepth
		}
		r.ep.Store(&Endpoint{
			inbound: make(chan *Envelope, depth),
			done:    make(chan struct{}),
			log:     cfg.log,
			metrics: cfg.metrics,
		})
		created = true
	})
	return r.ep.Load(), created
}

// Resolve returns the dispatcher endpoint. It fails with Uninitialized until
// a Dispatcher has been created on this registry and with Disconnected once
// the registry was torn down.
func (r *Registry) Resolve() (*Endpoint, error) {
	ep := r.ep.Load()
	if ep == nil {
		if r.dead.Load() {
			return nil, errors.NewDisconnectedError("Resolve")
		}
		return nil, errors.NewUninitializedError("Resolve")
	}
	if ep.Closed() {
		return nil, errors.NewDisconnectedError("Resolve")
	}
	return ep, nil
}

// Initialized reports whether a dispatcher endpoint exists.
func (r *Registry) Initialized() bool {
	return r.ep.Load() != nil
}

// Teardown closes the endpoint. Every goroutine waiting on a reply or on a
// deferred task gets Disconnected. A torn-down registry is never reopened.
func (r *Registry) Teardown() {
	r.dead.Store(true)
	if ep := r.ep.Load(); ep != nil {
		ep.close()
	}
}

// Acquire returns a worker channel bound to this registry's endpoint. The
// caller owns it and should keep it for the lifetime of its goroutine.
func (r *Registry) Acquire() (*WorkerChannel, error) {
	ep, err := r.Resolve()
	if err != nil {
		return nil, err
	}
	return newWorkerChannel(ep), nil
}

// Endpoint is the dispatcher's inbound queue.
type Endpoint struct {
	inbound   chan *Envelope
	done      chan struct{}
	closeOnce sync.Once
	seq       atomic.Uint64

	dropMu sync.Mutex
	drops  []uuid.UUID

	log     *slog.Logger
	metrics *monitoring.BridgeMetrics
}

// Done is closed when the endpoint is torn down.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Closed reports whether the endpoint was torn down.
func (e *Endpoint) Closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Pending returns the number of envelopes queued but not yet served.
func (e *Endpoint) Pending() int {
	return len(e.inbound)
}

func (e *Endpoint) close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
}

func (e *Endpoint) enqueue(env *Envelope) error {
	if e.Closed() {
		return errors.NewDisconnectedError("Send")
	}
	select {
	case e.inbound <- env:
		return nil
	case <-e.done:
		return errors.NewDisconnectedError("Send")
	}
}

func (e *Endpoint) scheduleDrop(id uuid.UUID) {
	e.dropMu.Lock()
	e.drops = append(e.drops, id)
	e.dropMu.Unlock()
}

func (e *Endpoint) takeDrops() []uuid.UUID {
	e.dropMu.Lock()
	defer e.dropMu.Unlock()
	if len(e.drops) == 0 {
		return nil
	}
	ids := e.drops
	e.drops = nil
	return ids
}
