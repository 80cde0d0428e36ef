// Package testutil provides common testing utilities shared by the bridge,
// operator and public API tests.
//
// It consolidates the patterns every bridge test needs:
// - a checked arrow allocator that fails the test on leaks
// - an isolated registry with a dispatcher owned by the test goroutine
// - a host interpreter preloaded with sample functions
// - batch construction and assertions
package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/gorillabind/internal/bridge"
	"github.com/paveg/gorillabind/internal/host"
	"github.com/paveg/gorillabind/internal/logging"
	"github.com/paveg/gorillabind/internal/series"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryContext provides a checked allocator with automatic cleanup.
type TestMemoryContext struct {
	Allocator *memory.CheckedAllocator
	tb        testing.TB
}

// Release asserts that every buffer allocated through the context was freed.
func (tmc *TestMemoryContext) Release() {
	tmc.Allocator.AssertSize(tmc.tb, 0)
}

// SetupMemoryTest creates a checked allocator for tests.
//
// Example usage:
//
//	mem := testutil.SetupMemoryTest(t)
//	defer mem.Release()
func SetupMemoryTest(tb testing.TB) *TestMemoryContext {
	tb.Helper()
	return &TestMemoryContext{
		Allocator: memory.NewCheckedAllocator(memory.NewGoAllocator()),
		tb:        tb,
	}
}

// BridgeTestContext is an isolated bridge whose host-execution goroutine is
// the test goroutine.
type BridgeTestContext struct {
	Registry   *bridge.Registry
	Dispatcher *bridge.Dispatcher
	Interp     *host.Interpreter
}

// Close tears the bridge down.
func (ctx *BridgeTestContext) Close() {
	ctx.Dispatcher.Close()
}

// SetupBridgeTest creates an isolated registry and dispatcher with the sample
// functions defined. The dispatcher is torn down when the test ends.
func SetupBridgeTest(tb testing.TB, opts ...bridge.Option) *BridgeTestContext {
	tb.Helper()
	interp := host.New()
	DefineSampleFunctions(interp)

	reg := bridge.NewRegistry()
	opts = append([]bridge.Option{bridge.WithLogger(logging.Nop())}, opts...)
	d, err := bridge.NewDispatcher(reg, interp, opts...)
	require.NoError(tb, err)

	ctx := &BridgeTestContext{Registry: reg, Dispatcher: d, Interp: interp}
	tb.Cleanup(ctx.Close)
	return ctx
}

// Register looks up a sample function and registers it with the dispatcher.
func (ctx *BridgeTestContext) Register(tb testing.TB, name string) *bridge.Handle {
	tb.Helper()
	c, err := ctx.Interp.Lookup(name)
	require.NoError(tb, err)
	return ctx.Dispatcher.Register(c)
}

// SampleFunctions lists the functions DefineSampleFunctions installs.
var SampleFunctions = []string{
	"double", "scale", "sum", "is_positive", "field_name", "upper", "fail_negative", "panic", "wrong_type",
}

// Definer is anything host functions can be installed on.
type Definer interface {
	Define(name string, fn host.Func)
}

// DefineSampleFunctions installs the sample host functions:
//
//	double(x)        x * 2
//	scale(x, f)      x * f
//	sum(x)           sum of x
//	is_positive(x)   x > 0
//	field_name(i)    "field_<i>"
//	upper(name)      upper-cased name
//	fail_negative(x) x, or an error when any value is negative
//	panic(x)         panics
//	wrong_type(x)    returns a map, which has no engine representation
func DefineSampleFunctions(interp Definer) {
	interp.Define("double", func(args ...host.Value) (host.Value, error) {
		return mapFloats(args[0], func(x float64) float64 { return x * 2 })
	})
	interp.Define("scale", func(args ...host.Value) (host.Value, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("argument \"factor\" is missing, with no default")
		}
		f, ok := host.AsScalar(args[1])
		if !ok {
			return nil, fmt.Errorf("non-numeric argument to binary operator")
		}
		return mapFloats(args[0], func(x float64) float64 { return x * f })
	})
	interp.Define("sum", func(args ...host.Value) (host.Value, error) {
		v, err := floatsOf(args[0])
		if err != nil {
			return nil, err
		}
		total := 0.0
		for _, x := range v {
			total += x
		}
		return total, nil
	})
	interp.Define("is_positive", func(args ...host.Value) (host.Value, error) {
		v, err := floatsOf(args[0])
		if err != nil {
			return nil, err
		}
		out := make([]bool, len(v))
		for i, x := range v {
			out[i] = x > 0
		}
		return out, nil
	})
	interp.Define("field_name", func(args ...host.Value) (host.Value, error) {
		i, ok := host.AsScalar(args[0])
		if !ok {
			return nil, fmt.Errorf("index must be numeric")
		}
		return fmt.Sprintf("field_%d", int(i)), nil
	})
	interp.Define("upper", func(args ...host.Value) (host.Value, error) {
		s, ok := host.AsString(args[0])
		if !ok {
			return nil, fmt.Errorf("name must be a string")
		}
		return strings.ToUpper(s), nil
	})
	interp.Define("fail_negative", func(args ...host.Value) (host.Value, error) {
		v, err := floatsOf(args[0])
		if err != nil {
			return nil, err
		}
		for _, x := range v {
			if x < 0 {
				return nil, fmt.Errorf("negative value %v", x)
			}
		}
		return v, nil
	})
	interp.Define("panic", func(...host.Value) (host.Value, error) {
		panic("subscript out of bounds")
	})
	interp.Define("wrong_type", func(...host.Value) (host.Value, error) {
		return map[string]int{"a": 1}, nil
	})
}

func floatsOf(v host.Value) ([]float64, error) {
	switch x := v.(type) {
	case []float64:
		return x, nil
	case []int64:
		out := make([]float64, len(x))
		for i, n := range x {
			out[i] = float64(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("non-numeric argument of type %T", v)
	}
}

func mapFloats(v host.Value, fn func(float64) float64) (host.Value, error) {
	in, err := floatsOf(v)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(in))
	for i, x := range in {
		out[i] = fn(x)
	}
	return out, nil
}

// Float64Array builds a float64 batch.
func Float64Array(tb testing.TB, mem memory.Allocator, values ...float64) arrow.Array {
	tb.Helper()
	arr, err := series.BuildArray(values, mem)
	require.NoError(tb, err)
	return arr
}

// Sequence returns 0, 1, ..., n-1 as float64.
func Sequence(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

// AssertFloat64Values asserts that arr is a float64 batch holding expected.
func AssertFloat64Values(tb testing.TB, expected []float64, arr arrow.Array) {
	tb.Helper()
	require.NotNil(tb, arr)
	v, err := host.FromArrow(arr)
	require.NoError(tb, err)
	got, ok := v.([]float64)
	require.True(tb, ok, "expected float64 batch, got %s", arr.DataType())
	assert.Equal(tb, expected, got)
}
