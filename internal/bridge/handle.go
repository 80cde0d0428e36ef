package bridge

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/paveg/gorillabind/internal/errors"
	"github.com/paveg/gorillabind/internal/host"
)

type closureRef struct {
	id   uuid.UUID
	name string
	refs atomic.Int64
	ep   *Endpoint
}

// Handle is a transportable reference to a host closure registered with a
// Dispatcher. It cannot be invoked directly: only the dispatcher resolves
// the identity to the closure, on the host goroutine.
type Handle struct {
	ref      *closureRef
	bound    []host.Value
	released atomic.Bool
}

// ID returns the closure identity.
func (h *Handle) ID() uuid.UUID {
	return h.ref.id
}

// Name returns the name of the referenced closure.
func (h *Handle) Name() string {
	return h.ref.name
}

// Bound returns the arguments this handle appends to each invocation.
func (h *Handle) Bound() []host.Value {
	return h.bound
}

// Refs returns the number of live handles sharing this identity.
func (h *Handle) Refs() int64 {
	return h.ref.refs.Load()
}

// Released reports whether this handle was released.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// Clone returns a new handle sharing the identity. Cloning a released handle
// yields a released handle.
func (h *Handle) Clone() *Handle {
	return h.clone(h.bound)
}

// Bind returns a clone that appends args to every invocation. Args must be
// materialized values (numbers, strings, booleans or slices of them).
func (h *Handle) Bind(args ...host.Value) *Handle {
	bound := make([]host.Value, 0, len(h.bound)+len(args))
	bound = append(bound, h.bound...)
	bound = append(bound, args...)
	return h.clone(bound)
}

func (h *Handle) clone(bound []host.Value) *Handle {
	c := &Handle{ref: h.ref, bound: bound}
	if h.released.Load() {
		c.released.Store(true)
		return c
	}
	h.ref.refs.Add(1)
	return c
}

// Release drops this handle's reference. When the last reference goes the
// dispatcher forgets the closure on its next pump.
func (h *Handle) Release() error {
	if h.released.Swap(true) {
		return errors.NewDoubleResolveError("Release", "callback handle already released")
	}
	if h.ref.refs.Add(-1) == 0 && h.ref.ep != nil {
		h.ref.ep.scheduleDrop(h.ref.id)
	}
	return nil
}
