package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/paveg/gorillabind/internal/errors"
)

// WorkerChannel is a synchronous depth-1 rendezvous between one calling
// goroutine and the dispatcher. At most one envelope is in flight: a Send
// while a reply is pending blocks until that reply has been received.
type WorkerChannel struct {
	ep      *Endpoint
	slot    chan struct{}
	replies chan reply
	closed  atomic.Bool

	mu      sync.Mutex
	pending *Envelope
}

func newWorkerChannel(ep *Endpoint) *WorkerChannel {
	return &WorkerChannel{
		ep:      ep,
		slot:    make(chan struct{}, 1),
		replies: make(chan reply, 1),
	}
}

// Send enqueues env for the dispatcher.
func (c *WorkerChannel) Send(env *Envelope) error {
	if c.closed.Load() {
		return errors.NewDoubleResolveError("Send", "worker channel is closed")
	}
	if env.handle != nil && env.handle.Released() {
		return errors.NewDoubleResolveError("Send", "callback handle already released")
	}
	if !env.transition(StateBuilt, StateSent) {
		return errors.NewDoubleResolveError("Send", "envelope already sent")
	}
	if c.ep.Closed() {
		env.settle(StateDisconnected)
		return errors.NewDisconnectedError("Send")
	}

	select {
	case c.slot <- struct{}{}:
	case <-c.ep.done:
		env.settle(StateDisconnected)
		return errors.NewDisconnectedError("Send")
	}

	env.seq = c.ep.seq.Add(1)
	env.reply = c.replies
	env.sentAt = time.Now()

	c.mu.Lock()
	c.pending = env
	c.mu.Unlock()

	if err := c.ep.enqueue(env); err != nil {
		c.clear()
		env.settle(StateDisconnected)
		return err
	}
	// The dispatcher may already have settled the envelope.
	env.transition(StateSent, StateAwaitingReply)
	c.ep.metrics.InflightAdd(1)
	return nil
}

// Recv blocks until the dispatcher replies to the pending envelope.
func (c *WorkerChannel) Recv() (Payload, error) {
	c.mu.Lock()
	env := c.pending
	c.mu.Unlock()
	if env == nil {
		return Payload{}, errors.NewDoubleResolveError("Recv", "no envelope in flight")
	}

	rep, ok := c.await(env)
	c.ep.metrics.InflightAdd(-1)
	c.clear()
	if !ok {
		env.settle(StateDisconnected)
		return Payload{}, errors.NewDisconnectedError("Recv")
	}

	c.ep.metrics.ObserveRoundTrip(env.kind.String(), time.Since(env.sentAt))
	if rep.err != nil {
		return Payload{}, rep.err
	}
	if rep.payload.Shape != env.Expects() {
		rep.payload.Release()
		env.settle(StateErrored)
		return Payload{}, errors.NewShapeMismatchError("Recv", env.Expects().String(), rep.payload.Shape.String())
	}
	return rep.payload, nil
}

// Call sends env and waits for its reply.
func (c *WorkerChannel) Call(env *Envelope) (Payload, error) {
	if err := c.Send(env); err != nil {
		return Payload{}, err
	}
	return c.Recv()
}

// Close makes the channel unusable for further sends.
func (c *WorkerChannel) Close() {
	c.closed.Store(true)
}

// Pending reports whether an envelope is awaiting its reply.
func (c *WorkerChannel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// await returns false when the endpoint was torn down before the reply.
// Replies left over from an earlier envelope are discarded.
func (c *WorkerChannel) await(env *Envelope) (reply, bool) {
	for {
		select {
		case rep := <-c.replies:
			if rep.seq != env.seq {
				rep.payload.Release()
				continue
			}
			return rep, true
		case <-c.ep.done:
			select {
			case rep := <-c.replies:
				if rep.seq == env.seq {
					return rep, true
				}
				rep.payload.Release()
			default:
			}
			return reply{}, false
		}
	}
}

func (c *WorkerChannel) clear() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	<-c.slot
}
