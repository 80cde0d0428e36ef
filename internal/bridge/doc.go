// Package bridge lets engine worker goroutines invoke host-interpreter
// closures that may only ever run on the single host-execution goroutine.
//
// The pieces, leaves first:
//
//   - Registry holds the dispatcher's inbound endpoint and its init guard.
//   - Handle is a transportable, reference-counted identity of a host closure.
//   - Envelope is one request of a closed set of kinds, each declaring the
//     reply shape it expects.
//   - WorkerChannel is a per-goroutine depth-1 rendezvous with the dispatcher.
//   - Dispatcher runs on the host goroutine, serves envelopes FIFO and replies
//     exactly once per envelope. It is pumped, not free-running: whoever owns
//     the host goroutine must pump it while waiting on engine work (Drive,
//     Await, Pump) or dedicate the goroutine to it (Run).
//   - DeferredPool runs snapshot closures on a fixed set of pool goroutines
//     and hands back a Task to resolve later.
//
// Every failure crosses the boundary as an *errors.BridgeError; host panics
// are recovered on the host side and never unwind into a worker.
package bridge
