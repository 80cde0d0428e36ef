package ops_test

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/paveg/gorillabind/internal/bridge"
	"github.com/paveg/gorillabind/internal/config"
	"github.com/paveg/gorillabind/internal/errors"
	"github.com/paveg/gorillabind/internal/host"
	"github.com/paveg/gorillabind/internal/logging"
	"github.com/paveg/gorillabind/internal/ops"
	"github.com/paveg/gorillabind/internal/series"
	"github.com/paveg/gorillabind/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkedConfig() config.Config {
	cfg := config.NewConfig()
	cfg.ParallelThreshold = 10
	cfg.ChunkSize = 4
	cfg.WorkerPoolSize = 3
	return cfg
}

func newEngine(t *testing.T, ctx *testutil.BridgeTestContext, mem *testutil.TestMemoryContext) *ops.Engine {
	t.Helper()
	e := ops.NewEngine(ctx.Registry, chunkedConfig(), ops.WithAllocator(mem.Allocator), ops.WithLogger(logging.Nop()))
	t.Cleanup(e.Close)
	return e
}

// drive runs fn on the engine side while the test goroutine serves callbacks.
func drive[R any](t *testing.T, ctx *testutil.BridgeTestContext, fn func() (R, error)) (R, error) {
	t.Helper()
	var (
		out    R
		outErr error
	)
	err := ctx.Dispatcher.Drive(func() error {
		out, outErr = fn()
		return nil
	})
	require.NoError(t, err)
	return out, outErr
}

func TestEngine_MapBatches(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)
	h := bctx.Register(t, "double")

	input := testutil.Sequence(25)
	in := testutil.Float64Array(t, mem.Allocator, input...)
	defer in.Release()

	out, err := drive(t, bctx, func() (arrow.Array, error) {
		return e.MapBatches(context.Background(), in, h)
	})
	require.NoError(t, err)
	defer out.Release()

	expected := make([]float64, len(input))
	for i, x := range input {
		expected[i] = 2 * x
	}
	testutil.AssertFloat64Values(t, expected, out)
	assert.Equal(t, uint64(7), bctx.Dispatcher.Served(), "25 rows in chunks of 4")
}

func TestEngine_MapBatchesBelowThreshold(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)
	h := bctx.Register(t, "sum")

	in := testutil.Float64Array(t, mem.Allocator, 1, 2, 3)
	defer in.Release()

	// sum returns a scalar, which becomes a length-one batch.
	out, err := drive(t, bctx, func() (arrow.Array, error) {
		return e.MapBatches(context.Background(), in, h)
	})
	require.NoError(t, err)
	defer out.Release()

	testutil.AssertFloat64Values(t, []float64{6}, out)
	assert.Equal(t, uint64(1), bctx.Dispatcher.Served())
}

func TestEngine_MapBatchesWith(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)
	h := bctx.Register(t, "scale")

	in := testutil.Float64Array(t, mem.Allocator, testutil.Sequence(12)...)
	defer in.Release()

	out, err := drive(t, bctx, func() (arrow.Array, error) {
		return e.MapBatchesWith(context.Background(), in, 0.5, h)
	})
	require.NoError(t, err)
	defer out.Release()

	testutil.AssertFloat64Values(t, []float64{0, 0.5, 1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5, 5.5}, out)
}

func TestEngine_MapBatchesOptions(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)
	double := bctx.Register(t, "double")

	in := testutil.Float64Array(t, mem.Allocator, testutil.Sequence(12)...)
	defer in.Release()

	t.Run("output type casts the result", func(t *testing.T) {
		out, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.MapBatches(context.Background(), in, double, ops.WithOutputType(arrow.PrimitiveTypes.Int64))
		})
		require.NoError(t, err)
		defer out.Release()

		ints, ok := out.(*array.Int64)
		require.True(t, ok, "got %s", out.DataType())
		assert.Equal(t, []int64{0, 2, 4, 6, 8, 10, 12, 14, 16, 18, 20, 22}, ints.Int64Values())
	})

	t.Run("output type the result cannot take", func(t *testing.T) {
		_, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.MapBatches(context.Background(), in, double, ops.WithOutputType(arrow.BinaryTypes.String))
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "result does not match output type utf8")
	})

	t.Run("empty input takes the output type", func(t *testing.T) {
		empty := testutil.Float64Array(t, mem.Allocator)
		defer empty.Release()

		out, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.MapBatches(context.Background(), empty, double, ops.WithOutputType(arrow.PrimitiveTypes.Int32))
		})
		require.NoError(t, err)
		defer out.Release()
		assert.Equal(t, 0, out.Len())
		assert.Equal(t, arrow.INT32, out.DataType().ID())
	})

	t.Run("agg list makes one call", func(t *testing.T) {
		// Each call reports its input length, so chunking would show up as
		// several values.
		count := bctx.Dispatcher.Register(bctx.Interp.Lambda("count", func(args ...host.Value) (host.Value, error) {
			return []float64{float64(len(args[0].([]float64)))}, nil
		}))

		out, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.MapBatches(context.Background(), in, count)
		})
		require.NoError(t, err)
		testutil.AssertFloat64Values(t, []float64{4, 4, 4}, out)
		out.Release()

		out, err = drive(t, bctx, func() (arrow.Array, error) {
			return e.MapBatchesWith(context.Background(), in, 1, count, ops.AggList())
		})
		require.NoError(t, err)
		defer out.Release()
		testutil.AssertFloat64Values(t, []float64{12}, out)
	})
}

func TestEngine_MapBatchesFailure(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)

	values := testutil.Sequence(20)
	values[13] = -1
	in := testutil.Float64Array(t, mem.Allocator, values...)
	defer in.Release()

	t.Run("callback error", func(t *testing.T) {
		h := bctx.Register(t, "fail_negative")
		_, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.MapBatches(context.Background(), in, h)
		})
		require.ErrorIs(t, err, errors.ErrCallbackFailed)
		assert.Contains(t, err.Error(), "MapBatches operation failed")
		assert.Contains(t, err.Error(), "negative value -1")
	})

	t.Run("panic", func(t *testing.T) {
		h := bctx.Register(t, "panic")
		_, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.MapBatches(context.Background(), in, h)
		})
		require.ErrorIs(t, err, errors.ErrCallbackFailed)
		assert.Contains(t, err.Error(), "subscript out of bounds")
	})

	t.Run("unconvertible result", func(t *testing.T) {
		h := bctx.Register(t, "wrong_type")
		_, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.MapBatches(context.Background(), in, h)
		})
		require.ErrorIs(t, err, errors.ErrCallbackFailed)
		assert.Contains(t, err.Error(), "not a column")
	})

	t.Run("nil handle", func(t *testing.T) {
		_, err := e.MapBatches(context.Background(), in, nil)
		require.ErrorIs(t, err, errors.ErrNilHandle)
	})
}

func TestEngine_MapBatchesInconsistentTypes(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)

	h := bctx.Dispatcher.Register(bctx.Interp.Lambda("mixed", func(args ...host.Value) (host.Value, error) {
		v := args[0].([]float64)
		if v[0] == 0 {
			return []string{"first"}, nil
		}
		return v, nil
	}))

	in := testutil.Float64Array(t, mem.Allocator, testutil.Sequence(12)...)
	defer in.Release()

	_, err := drive(t, bctx, func() (arrow.Array, error) {
		return e.MapBatches(context.Background(), in, h)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inconsistent types")
}

func TestEngine_Filter(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)

	in := testutil.Float64Array(t, mem.Allocator, -3, 1, -2, 4, 0, 7, -1, 9, 2, -5, 6, 3)
	defer in.Release()

	t.Run("keeps matching rows in order", func(t *testing.T) {
		h := bctx.Register(t, "is_positive")
		out, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.Filter(context.Background(), in, h)
		})
		require.NoError(t, err)
		defer out.Release()
		testutil.AssertFloat64Values(t, []float64{1, 4, 7, 9, 2, 6, 3}, out)
	})

	t.Run("non-logical predicate", func(t *testing.T) {
		h := bctx.Register(t, "double")
		_, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.Filter(context.Background(), in, h)
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logical vector")
	})

	t.Run("null rows", func(t *testing.T) {
		b := array.NewFloat64Builder(mem.Allocator)
		b.AppendValues([]float64{1, 0, 3, 0}, []bool{true, false, true, false})
		withNulls := b.NewArray()
		b.Release()
		defer withNulls.Release()

		// Keeps every row but the last: the null at index 1 is kept, the one
		// at index 3 is dropped.
		h := bctx.Dispatcher.Register(bctx.Interp.Lambda("all_but_last", func(args ...host.Value) (host.Value, error) {
			v := args[0].([]float64)
			out := make([]bool, len(v))
			for i := range out {
				out[i] = i < len(v)-1
			}
			return out, nil
		}))
		out, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.Filter(context.Background(), withNulls, h)
		})
		require.NoError(t, err)
		defer out.Release()

		floats, ok := out.(*array.Float64)
		require.True(t, ok)
		require.Equal(t, 3, floats.Len())
		assert.Equal(t, 1, floats.NullN())
		assert.Equal(t, 1.0, floats.Value(0))
		assert.True(t, floats.IsNull(1))
		assert.Equal(t, 3.0, floats.Value(2))
	})

	t.Run("length mismatch", func(t *testing.T) {
		h := bctx.Dispatcher.Register(bctx.Interp.Lambda("short", func(...host.Value) (host.Value, error) {
			return []bool{true}, nil
		}))
		_, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.Filter(context.Background(), in, h)
		})
		require.ErrorIs(t, err, errors.ErrMismatchedLength)
	})
}

func TestEngine_FilterStrings(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)

	h := bctx.Dispatcher.Register(bctx.Interp.Lambda("starts_with_a", func(args ...host.Value) (host.Value, error) {
		v := args[0].([]string)
		out := make([]bool, len(v))
		for i, s := range v {
			out[i] = len(s) > 0 && s[0] == 'a'
		}
		return out, nil
	}))

	in, err := series.BuildArray([]string{"apple", "banana", "avocado", "cherry"}, mem.Allocator)
	require.NoError(t, err)
	defer in.Release()

	out, err := drive(t, bctx, func() (arrow.Array, error) {
		return e.Filter(context.Background(), in, h)
	})
	require.NoError(t, err)
	defer out.Release()

	strs, ok := out.(*array.String)
	require.True(t, ok)
	require.Equal(t, 2, strs.Len())
	assert.Equal(t, "apple", strs.Value(0))
	assert.Equal(t, "avocado", strs.Value(1))
}

func TestEngine_Aggregate(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)
	h := bctx.Register(t, "sum")

	in := testutil.Float64Array(t, mem.Allocator, testutil.Sequence(10)...)
	defer in.Release()

	sums, err := drive(t, bctx, func() ([]float64, error) {
		return e.Aggregate(context.Background(), in, h)
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{0 + 1 + 2 + 3, 4 + 5 + 6 + 7, 8 + 9}, sums)
}

func TestEngine_NameMap(t *testing.T) {
	bctx := testutil.SetupBridgeTest(t)
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	e := newEngine(t, bctx, mem)

	names := []string{"price", "qty", "region"}

	t.Run("renames every column", func(t *testing.T) {
		h := bctx.Register(t, "upper")
		out, err := drive(t, bctx, func() ([]string, error) {
			return e.NameMap(context.Background(), names, h)
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"PRICE", "QTY", "REGION"}, out)
	})

	t.Run("non-string result", func(t *testing.T) {
		h := bctx.Dispatcher.Register(bctx.Interp.Lambda("nchar", func(args ...host.Value) (host.Value, error) {
			return float64(len(args[0].(string))), nil
		}))
		_, err := drive(t, bctx, func() ([]string, error) {
			return e.NameMap(context.Background(), names, h)
		})
		require.ErrorIs(t, err, errors.ErrCallbackFailed)
		assert.Contains(t, err.Error(), "return value was not a string")
		assert.Contains(t, err.Error(), "NameMap operation failed on column")
	})
}

func TestEngine_FieldNames(t *testing.T) {
	bctx := testutil.SetupBridgeTest(t)
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	e := newEngine(t, bctx, mem)
	h := bctx.Register(t, "field_name")

	out, err := drive(t, bctx, func() ([]string, error) {
		return e.FieldNames(context.Background(), 4, h)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"field_0", "field_1", "field_2", "field_3"}, out)

	out, err = e.FieldNames(context.Background(), 0, h)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = e.FieldNames(context.Background(), -1, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field count must be at least 0")
}

func TestEngine_MapBatchesInBackground(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)

	pool, err := bridge.NewDeferredPool(bctx.Registry, 2,
		bridge.WithLogger(logging.Nop()), bridge.WithReleaseTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer pool.Close()

	snap, err := host.Serialize("scale", 10.0)
	require.NoError(t, err)

	in := testutil.Float64Array(t, mem.Allocator, testutil.Sequence(11)...)
	defer in.Release()

	out, err := drive(t, bctx, func() (arrow.Array, error) {
		return e.MapBatchesInBackground(context.Background(), in, snap, pool)
	})
	require.NoError(t, err)
	defer out.Release()

	testutil.AssertFloat64Values(t, []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, out)

	t.Run("unknown function", func(t *testing.T) {
		bad, err := host.Serialize("not_defined")
		require.NoError(t, err)
		_, err = drive(t, bctx, func() (arrow.Array, error) {
			return e.MapBatchesInBackground(context.Background(), in, bad, pool)
		})
		require.ErrorIs(t, err, errors.ErrCallbackFailed)
		assert.Contains(t, err.Error(), "object 'not_defined' not found")
	})
}

func TestEngine_MapElementsInBackground(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)

	pool, err := bridge.NewDeferredPool(bctx.Registry, 2,
		bridge.WithLogger(logging.Nop()), bridge.WithReleaseTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer pool.Close()

	in := testutil.Float64Array(t, mem.Allocator, 1, 2, 3, 4, 5)
	defer in.Release()

	t.Run("one task per row", func(t *testing.T) {
		snap, err := host.Serialize("scale", 3.0)
		require.NoError(t, err)
		served := bctx.Dispatcher.Served()

		out, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.MapElementsInBackground(context.Background(), in, snap, pool, ops.WithOutputType(arrow.PrimitiveTypes.Int64))
		})
		require.NoError(t, err)
		defer out.Release()

		ints, ok := out.(*array.Int64)
		require.True(t, ok)
		assert.Equal(t, []int64{3, 6, 9, 12, 15}, ints.Int64Values())
		assert.Equal(t, served+5, bctx.Dispatcher.Served())
	})

	t.Run("result longer than one row", func(t *testing.T) {
		bctx.Interp.Define("repeat", func(args ...host.Value) (host.Value, error) {
			v := args[0].([]float64)
			return append(v, v...), nil
		})
		snap, err := host.Serialize("repeat")
		require.NoError(t, err)

		_, err = drive(t, bctx, func() (arrow.Array, error) {
			return e.MapElementsInBackground(context.Background(), in, snap, pool)
		})
		require.ErrorIs(t, err, errors.ErrMismatchedLength)
		assert.Contains(t, err.Error(), "element result: expected length 1, got 2")
	})

	t.Run("empty input", func(t *testing.T) {
		empty := testutil.Float64Array(t, mem.Allocator)
		defer empty.Release()
		snap, err := host.Serialize("double")
		require.NoError(t, err)

		out, err := drive(t, bctx, func() (arrow.Array, error) {
			return e.MapElementsInBackground(context.Background(), empty, snap, pool)
		})
		require.NoError(t, err)
		defer out.Release()
		assert.Equal(t, 0, out.Len())
		assert.Equal(t, arrow.FLOAT64, out.DataType().ID())
	})
}

func TestEngine_Cancellation(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)
	h := bctx.Register(t, "double")

	in := testutil.Float64Array(t, mem.Allocator, testutil.Sequence(20)...)
	defer in.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.MapBatches(ctx, in, h)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEngine_Disconnected(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)
	h := bctx.Register(t, "double")

	in := testutil.Float64Array(t, mem.Allocator, 1, 2, 3)
	defer in.Release()

	bctx.Close()
	_, err := e.MapBatches(context.Background(), in, h)
	require.ErrorIs(t, err, errors.ErrDisconnected)
}

func TestEngine_DisconnectedAfterClose(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()
	bctx := testutil.SetupBridgeTest(t)
	e := newEngine(t, bctx, mem)
	h := bctx.Register(t, "double")
	upper := bctx.Register(t, "upper")

	in := testutil.Float64Array(t, mem.Allocator, testutil.Sequence(12)...)
	defer in.Release()

	// Session teardown order: bridge first, then the engine pool.
	bctx.Close()
	e.Close()

	_, err := e.MapBatches(context.Background(), in, h)
	require.ErrorIs(t, err, errors.ErrDisconnected)
	assert.NotErrorIs(t, err, context.Canceled)

	_, err = e.NameMap(context.Background(), []string{"a"}, upper)
	require.ErrorIs(t, err, errors.ErrDisconnected)

	_, err = e.FieldNames(context.Background(), 2, h)
	require.ErrorIs(t, err, errors.ErrDisconnected)
}
