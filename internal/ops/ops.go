package ops

import (
	"context"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/gorillabind/internal/bridge"
	"github.com/paveg/gorillabind/internal/errors"
	"github.com/paveg/gorillabind/internal/host"
	"github.com/paveg/gorillabind/internal/parallel"
	"github.com/paveg/gorillabind/internal/series"
	"github.com/paveg/gorillabind/internal/validation"
)

// MapOption adjusts how a map operator calls its callback and types the
// result.
type MapOption func(*mapOptions)

type mapOptions struct {
	outputType arrow.DataType
	aggList    bool
}

// WithOutputType declares the result type. Callback results are cast to it,
// so a callback may return any numeric type for a numeric output. An empty
// input yields an empty array of this type.
func WithOutputType(dtype arrow.DataType) MapOption {
	return func(o *mapOptions) {
		o.outputType = dtype
	}
}

// AggList hands the callback the whole input in one call instead of one call
// per chunk, for callbacks that are not row-wise.
func AggList() MapOption {
	return func(o *mapOptions) {
		o.aggList = true
	}
}

func buildMapOptions(opts []MapOption) mapOptions {
	var o mapOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// chunkSize is zero, meaning the configured size, unless the whole input
// goes to one call.
func (o mapOptions) chunkSize() int {
	if o.aggList {
		return math.MaxInt
	}
	return 0
}

// resultType is the type of an empty result.
func (o mapOptions) resultType(input arrow.DataType) arrow.DataType {
	if o.outputType != nil {
		return o.outputType
	}
	return input
}

// MapBatches calls h once per chunk of arr and concatenates the results in
// chunk order. Result chunks may differ in length from their inputs but must
// share one type.
func (e *Engine) MapBatches(ctx context.Context, arr arrow.Array, h *bridge.Handle, opts ...MapOption) (arrow.Array, error) {
	if h == nil {
		return nil, errors.ErrNilHandle
	}
	o := buildMapOptions(opts)
	results, err := e.run(ctx, "MapBatches", arr, o.chunkSize(), func(w *worker, chunk arrow.Array) (bridge.Payload, error) {
		return w.ch.Call(bridge.NewBatchRequest(h, chunk))
	})
	if err != nil {
		return nil, err
	}
	return e.finish("MapBatches", arr.DataType(), o, results)
}

// MapBatchesWith is MapBatches with a numeric parameter passed to h after
// each chunk.
func (e *Engine) MapBatchesWith(ctx context.Context, arr arrow.Array, param float64, h *bridge.Handle, opts ...MapOption) (arrow.Array, error) {
	if h == nil {
		return nil, errors.ErrNilHandle
	}
	o := buildMapOptions(opts)
	results, err := e.run(ctx, "MapBatchesWith", arr, o.chunkSize(), func(w *worker, chunk arrow.Array) (bridge.Payload, error) {
		return w.ch.Call(bridge.NewBatchScalarRequest(h, chunk, param))
	})
	if err != nil {
		return nil, err
	}
	return e.finish("MapBatchesWith", arr.DataType(), o, results)
}

// Filter keeps the rows of arr for which the predicate h returns true. The
// predicate must return a boolean batch as long as its input. A null
// predicate entry drops its row; a null row the predicate keeps stays null.
func (e *Engine) Filter(ctx context.Context, arr arrow.Array, h *bridge.Handle) (arrow.Array, error) {
	if h == nil {
		return nil, errors.ErrNilHandle
	}
	results, err := e.run(ctx, "Filter", arr, 0, func(w *worker, chunk arrow.Array) (bridge.Payload, error) {
		p, err := w.ch.Call(bridge.NewBatchRequest(h, chunk))
		if err != nil {
			return bridge.Payload{}, err
		}
		defer p.Release()

		mask, ok := p.Batch.(*array.Boolean)
		if !ok {
			return bridge.Payload{}, &errors.OperatorError{
				Op:      "Filter",
				Message: fmt.Sprintf("predicate must return a logical vector, got %s", p.Batch.DataType()),
			}
		}
		if err := validation.ValidateLength(chunk.Len(), mask.Len(), "Filter", "predicate result"); err != nil {
			return bridge.Payload{}, err
		}

		kept, err := applyMask(chunk, mask, w.mem)
		if err != nil {
			return bridge.Payload{}, err
		}
		return bridge.Payload{Shape: bridge.ShapeBatch, Batch: kept}, nil
	})
	if err != nil {
		return nil, err
	}
	return e.concat("Filter", arr.DataType(), results)
}

// Aggregate reduces each chunk of arr with h and returns one value per chunk.
func (e *Engine) Aggregate(ctx context.Context, arr arrow.Array, h *bridge.Handle) ([]float64, error) {
	if h == nil {
		return nil, errors.ErrNilHandle
	}
	results, err := e.run(ctx, "Aggregate", arr, 0, func(w *worker, chunk arrow.Array) (bridge.Payload, error) {
		return w.ch.Call(bridge.NewAggregateRequest(h, chunk))
	})
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(results))
	for i, p := range results {
		out[i] = p.Scalar
	}
	return out, nil
}

// NameMap renames every column name through h.
func (e *Engine) NameMap(ctx context.Context, names []string, h *bridge.Handle) ([]string, error) {
	if h == nil {
		return nil, errors.ErrNilHandle
	}
	if err := e.connected("NameMap"); err != nil {
		return nil, err
	}
	out, err := parallel.ProcessIndexedWith(ctx, e.pool, e.acquire, e.release, names,
		func(w *worker, _ int, name string) (string, error) {
			p, err := w.ch.Call(bridge.NewNameRequest(h, name))
			if err != nil {
				return "", errors.NewCallbackError("NameMap", name, err)
			}
			return p.Str, nil
		})
	if err != nil {
		return nil, e.callError(ctx, "NameMap", err)
	}
	return out, nil
}

// FieldNames asks h for the name of each of n struct fields. h receives the
// zero-based field index.
func (e *Engine) FieldNames(ctx context.Context, n int, h *bridge.Handle) ([]string, error) {
	if h == nil {
		return nil, errors.ErrNilHandle
	}
	if err := validation.ValidateCount(n, 0, "FieldNames", "field count"); err != nil {
		return nil, err
	}
	if err := e.connected("FieldNames"); err != nil {
		return nil, err
	}
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	out, err := parallel.ProcessIndexedWith(ctx, e.pool, e.acquire, e.release, indices,
		func(w *worker, _ int, idx int) (string, error) {
			p, err := w.ch.Call(bridge.NewIndexRequest(h, float64(idx)))
			if err != nil {
				return "", err
			}
			return p.Str, nil
		})
	if err != nil {
		return nil, e.callError(ctx, "FieldNames", err)
	}
	return out, nil
}

// MapBatchesInBackground submits one deferred task per chunk of arr and then
// resolves them in order. snap must name a global host function.
func (e *Engine) MapBatchesInBackground(ctx context.Context, arr arrow.Array, snap host.Snapshot, pool *bridge.DeferredPool, opts ...MapOption) (arrow.Array, error) {
	o := buildMapOptions(opts)
	return e.background(ctx, "MapBatchesInBackground", arr, o.chunkSize(), snap, pool, o, nil)
}

// MapElementsInBackground submits one deferred task per row of arr. Every
// task must return exactly one value. AggList has no effect here.
func (e *Engine) MapElementsInBackground(ctx context.Context, arr arrow.Array, snap host.Snapshot, pool *bridge.DeferredPool, opts ...MapOption) (arrow.Array, error) {
	o := buildMapOptions(opts)
	o.aggList = false
	return e.background(ctx, "MapElementsInBackground", arr, 1, snap, pool, o, func(p bridge.Payload) error {
		return validation.ValidateLength(1, p.Batch.Len(), "MapElementsInBackground", "element result")
	})
}

// background runs snap over chunks of arr on the deferred pool. check, if
// not nil, vets every result.
func (e *Engine) background(ctx context.Context, op string, arr arrow.Array, size int, snap host.Snapshot, pool *bridge.DeferredPool, o mapOptions, check func(bridge.Payload) error) (arrow.Array, error) {
	if err := validation.ValidateBatch(arr, op); err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errors.NewInvalidInputError(op, "nil deferred pool")
	}
	if arr.Len() == 0 && check != nil {
		return e.finish(op, arr.DataType(), o, nil)
	}
	if size <= 0 {
		size = e.cfg.ChunkSizeFor(arr.Len())
	}

	chunks := series.Chunks(arr, size)
	defer releaseAll(chunks)

	tasks := make([]*bridge.Task, 0, len(chunks))
	for _, chunk := range chunks {
		t, err := pool.Submit(snap, chunk)
		if err != nil {
			drain(tasks)
			return nil, wrapCallError(op, err)
		}
		tasks = append(tasks, t)
	}

	// Every task is resolved, even after a failure, so no chunk stays
	// referenced by the pool once this returns.
	var firstErr error
	results := make([]bridge.Payload, 0, len(tasks))
	for i, t := range tasks {
		select {
		case <-t.Done():
		case <-ctx.Done():
			releasePayloads(results)
			drain(tasks[i:])
			return nil, ctx.Err()
		}
		p, err := t.Resolve()
		if err == nil && check != nil {
			if err = check(p); err != nil {
				p.Release()
			}
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, p)
	}
	if firstErr != nil {
		releasePayloads(results)
		return nil, wrapCallError(op, firstErr)
	}
	return e.finish(op, arr.DataType(), o, results)
}

// drain releases the results of tasks nobody will resolve. It does not wait.
func drain(tasks []*bridge.Task) {
	for _, t := range tasks {
		go func() {
			if p, err := t.Resolve(); err == nil {
				p.Release()
			}
		}()
	}
}

func (e *Engine) concat(op string, inputType arrow.DataType, results []bridge.Payload) (arrow.Array, error) {
	defer releasePayloads(results)

	if len(results) == 0 {
		return series.Concat(nil, inputType, e.mem)
	}
	batches := make([]arrow.Array, len(results))
	for i, p := range results {
		batches[i] = p.Batch
	}
	out, err := series.Concat(batches, batches[0].DataType(), e.mem)
	if err != nil {
		return nil, &errors.OperatorError{
			Op:      op,
			Message: "callback results have inconsistent types",
			Cause:   err,
		}
	}
	return out, nil
}

// finish concatenates results and applies the declared output type.
func (e *Engine) finish(op string, inputType arrow.DataType, o mapOptions, results []bridge.Payload) (arrow.Array, error) {
	out, err := e.concat(op, o.resultType(inputType), results)
	if err != nil || o.outputType == nil {
		return out, err
	}
	defer out.Release()

	cast, err := series.Cast(out, o.outputType, e.mem)
	if err != nil {
		return nil, &errors.OperatorError{
			Op:      op,
			Message: fmt.Sprintf("result does not match output type %s", o.outputType),
			Cause:   err,
		}
	}
	return cast, nil
}

func applyMask(arr arrow.Array, mask *array.Boolean, mem memory.Allocator) (arrow.Array, error) {
	switch a := arr.(type) {
	case *array.Float64:
		return keep[float64](a, mask, array.NewFloat64Builder(mem)), nil
	case *array.Int64:
		return keep[int64](a, mask, array.NewInt64Builder(mem)), nil
	case *array.Int32:
		return keep[int32](a, mask, array.NewInt32Builder(mem)), nil
	case *array.String:
		return keep[string](a, mask, array.NewStringBuilder(mem)), nil
	case *array.Boolean:
		return keep[bool](a, mask, array.NewBooleanBuilder(mem)), nil
	default:
		return nil, errors.NewUnsupportedTypeError("Filter", arr.DataType().String())
	}
}

type valueArray[T any] interface {
	arrow.Array
	Value(int) T
}

type valuesBuilder[T any] interface {
	AppendValues([]T, []bool)
	NewArray() arrow.Array
	Release()
}

// keep copies the rows whose mask entry is true. A null mask entry drops the
// row; a null value under a true entry stays null.
func keep[T any](arr valueArray[T], mask *array.Boolean, b valuesBuilder[T]) arrow.Array {
	defer b.Release()

	values := make([]T, 0, arr.Len())
	validity := make([]bool, 0, arr.Len())
	for i := 0; i < mask.Len(); i++ {
		if mask.IsNull(i) || !mask.Value(i) {
			continue
		}
		valid := arr.IsValid(i)
		var v T
		if valid {
			v = arr.Value(i)
		}
		values = append(values, v)
		validity = append(validity, valid)
	}
	b.AppendValues(values, validity)
	return b.NewArray()
}
