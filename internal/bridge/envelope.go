package bridge

import (
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/paveg/gorillabind/internal/host"
)

// Kind names a supported call shape.
type Kind uint8

const (
	// KindBatchToBatch maps a batch to a batch (map_batches, custom predicates).
	KindBatchToBatch Kind = iota + 1
	// KindScalarToString maps a number to a string (struct field naming).
	KindScalarToString
	// KindNameToName maps a column name to a new name.
	KindNameToName
	// KindBatchScalarToBatch maps a batch and a parameter to a batch.
	KindBatchScalarToBatch
	// KindBatchToScalar reduces a batch to a number.
	KindBatchToScalar
	// KindSnapshotBatch runs a serialized closure over a batch.
	KindSnapshotBatch
)

func (k Kind) String() string {
	switch k {
	case KindBatchToBatch:
		return "batch_to_batch"
	case KindScalarToString:
		return "scalar_to_string"
	case KindNameToName:
		return "name_to_name"
	case KindBatchScalarToBatch:
		return "batch_scalar_to_batch"
	case KindBatchToScalar:
		return "batch_to_scalar"
	case KindSnapshotBatch:
		return "snapshot_batch"
	default:
		return "unknown"
	}
}

// Expects returns the reply shape a request of this kind declares.
func (k Kind) Expects() Shape {
	switch k {
	case KindBatchToBatch, KindBatchScalarToBatch, KindSnapshotBatch:
		return ShapeBatch
	case KindScalarToString, KindNameToName:
		return ShapeString
	case KindBatchToScalar:
		return ShapeScalar
	default:
		return 0
	}
}

// Shape is the kind of value a payload carries.
type Shape uint8

const (
	ShapeBatch Shape = iota + 1
	ShapeString
	ShapeScalar
)

func (s Shape) String() string {
	switch s {
	case ShapeBatch:
		return "batch"
	case ShapeString:
		return "string"
	case ShapeScalar:
		return "scalar"
	default:
		return "none"
	}
}

// Payload is a value crossing the bridge in either direction. Only the
// field matching Shape is meaningful in a reply; requests may carry a batch
// and a scalar together.
type Payload struct {
	Shape  Shape
	Batch  arrow.Array
	Str    string
	Scalar float64
}

// Release frees the payload's batch, if any.
func (p Payload) Release() {
	if p.Batch != nil {
		p.Batch.Release()
	}
}

// State is the lifecycle position of an envelope.
type State int32

const (
	StateBuilt State = iota
	StateSent
	StateAwaitingReply
	StateReplied
	StateErrored
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateBuilt:
		return "built"
	case StateSent:
		return "sent"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateReplied:
		return "replied"
	case StateErrored:
		return "errored"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s >= StateReplied
}

type reply struct {
	seq     uint64
	payload Payload
	err     error
}

// Envelope is one request/reply unit. Envelopes are single use.
type Envelope struct {
	kind     Kind
	handle   *Handle
	snapshot host.Snapshot
	input    Payload

	seq    uint64
	state  atomic.Int32
	reply  chan<- reply
	sentAt time.Time
}

// NewBatchRequest asks h to map batch to a batch.
func NewBatchRequest(h *Handle, batch arrow.Array) *Envelope {
	return &Envelope{kind: KindBatchToBatch, handle: h, input: Payload{Shape: ShapeBatch, Batch: batch}}
}

// NewIndexRequest asks h to name position idx.
func NewIndexRequest(h *Handle, idx float64) *Envelope {
	return &Envelope{kind: KindScalarToString, handle: h, input: Payload{Shape: ShapeScalar, Scalar: idx}}
}

// NewNameRequest asks h to map a name to a new name.
func NewNameRequest(h *Handle, name string) *Envelope {
	return &Envelope{kind: KindNameToName, handle: h, input: Payload{Shape: ShapeString, Str: name}}
}

// NewBatchScalarRequest asks h to map batch, parameterized by scalar, to a batch.
func NewBatchScalarRequest(h *Handle, batch arrow.Array, scalar float64) *Envelope {
	return &Envelope{kind: KindBatchScalarToBatch, handle: h, input: Payload{Shape: ShapeBatch, Batch: batch, Scalar: scalar}}
}

// NewAggregateRequest asks h to reduce batch to a number.
func NewAggregateRequest(h *Handle, batch arrow.Array) *Envelope {
	return &Envelope{kind: KindBatchToScalar, handle: h, input: Payload{Shape: ShapeBatch, Batch: batch}}
}

// NewSnapshotRequest asks the dispatcher to restore snap and map batch with it.
func NewSnapshotRequest(snap host.Snapshot, batch arrow.Array) *Envelope {
	return &Envelope{kind: KindSnapshotBatch, snapshot: snap, input: Payload{Shape: ShapeBatch, Batch: batch}}
}

// Kind returns the request kind.
func (e *Envelope) Kind() Kind {
	return e.kind
}

// Expects returns the reply shape the envelope declares.
func (e *Envelope) Expects() Shape {
	return e.kind.Expects()
}

// State returns the current lifecycle state.
func (e *Envelope) State() State {
	return State(e.state.Load())
}

// Seq returns the endpoint sequence number assigned at send time.
func (e *Envelope) Seq() uint64 {
	return e.seq
}

func (e *Envelope) callbackName() string {
	if e.handle != nil {
		return e.handle.Name()
	}
	return "<snapshot>"
}

func (e *Envelope) transition(from, to State) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}

func (e *Envelope) settle(to State) {
	e.state.Store(int32(to))
}
