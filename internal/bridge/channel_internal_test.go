//nolint:testpackage // requires internal access to the endpoint queue
package bridge

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/gorillabind/internal/errors"
	"github.com/paveg/gorillabind/internal/logging"
	"github.com/paveg/gorillabind/internal/series"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEndpoint(t *testing.T) (*Registry, *Endpoint) {
	t.Helper()
	reg := NewRegistry()
	ep, created := reg.init(endpointConfig{queueDepth: 4, log: logging.Nop()})
	require.True(t, created)
	t.Cleanup(reg.Teardown)
	return reg, ep
}

func testHandle(name string) *Handle {
	ref := &closureRef{name: name}
	ref.refs.Store(1)
	return &Handle{ref: ref}
}

func TestWorkerChannel_ShapeMismatch(t *testing.T) {
	_, ep := newTestEndpoint(t)
	ch := newWorkerChannel(ep)

	env := NewIndexRequest(testHandle("field_name"), 1)
	require.NoError(t, ch.Send(env))
	assert.Equal(t, StateAwaitingReply, env.State())

	got := <-ep.inbound
	arr, err := series.BuildArray([]float64{1}, memory.NewGoAllocator())
	require.NoError(t, err)
	got.reply <- reply{seq: got.seq, payload: Payload{Shape: ShapeBatch, Batch: arr}}

	_, err = ch.Recv()
	require.ErrorIs(t, err, errors.ErrShapeMismatch)
	assert.Contains(t, err.Error(), "expected string reply, got batch")
	assert.Equal(t, StateErrored, env.State())
	assert.False(t, ch.Pending())
}

func TestWorkerChannel_DiscardsStaleReply(t *testing.T) {
	_, ep := newTestEndpoint(t)
	ch := newWorkerChannel(ep)

	env := NewNameRequest(testHandle("rename"), "a")
	require.NoError(t, ch.Send(env))
	got := <-ep.inbound

	go func() {
		got.reply <- reply{seq: got.seq - 1, payload: Payload{Shape: ShapeString, Str: "stale"}}
		got.reply <- reply{seq: got.seq, payload: Payload{Shape: ShapeString, Str: "fresh"}}
	}()

	p, err := ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, "fresh", p.Str)
}

func TestWorkerChannel_Misuse(t *testing.T) {
	_, ep := newTestEndpoint(t)

	t.Run("recv without send", func(t *testing.T) {
		ch := newWorkerChannel(ep)
		_, err := ch.Recv()
		require.ErrorIs(t, err, errors.ErrDoubleResolve)
	})

	t.Run("envelope reuse", func(t *testing.T) {
		ch := newWorkerChannel(ep)
		env := NewNameRequest(testHandle("rename"), "a")
		require.NoError(t, ch.Send(env))
		got := <-ep.inbound
		got.reply <- reply{seq: got.seq, payload: Payload{Shape: ShapeString, Str: "b"}}
		_, err := ch.Recv()
		require.NoError(t, err)

		err = ch.Send(env)
		require.ErrorIs(t, err, errors.ErrDoubleResolve)
		assert.Contains(t, err.Error(), "already sent")
	})

	t.Run("send on closed channel", func(t *testing.T) {
		ch := newWorkerChannel(ep)
		ch.Close()
		err := ch.Send(NewNameRequest(testHandle("rename"), "a"))
		require.ErrorIs(t, err, errors.ErrDoubleResolve)
	})
}

func TestWorkerChannel_SendAfterTeardown(t *testing.T) {
	reg, ep := newTestEndpoint(t)
	ch := newWorkerChannel(ep)
	reg.Teardown()

	env := NewNameRequest(testHandle("rename"), "a")
	err := ch.Send(env)
	require.ErrorIs(t, err, errors.ErrDisconnected)
	assert.Equal(t, StateDisconnected, env.State())
	assert.False(t, ch.Pending())
}

func TestEnvelope_KindShapes(t *testing.T) {
	tests := []struct {
		kind  Kind
		name  string
		shape Shape
	}{
		{KindBatchToBatch, "batch_to_batch", ShapeBatch},
		{KindScalarToString, "scalar_to_string", ShapeString},
		{KindNameToName, "name_to_name", ShapeString},
		{KindBatchScalarToBatch, "batch_scalar_to_batch", ShapeBatch},
		{KindBatchToScalar, "batch_to_scalar", ShapeScalar},
		{KindSnapshotBatch, "snapshot_batch", ShapeBatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.kind.String())
			assert.Equal(t, tt.shape, tt.kind.Expects())
		})
	}

	assert.Equal(t, "unknown", Kind(0).String())
	assert.Equal(t, "none", Kind(0).Expects().String())
	assert.False(t, StateAwaitingReply.Terminal())
	assert.True(t, StateDisconnected.Terminal())
}
