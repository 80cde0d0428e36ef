package bridge_test

import (
	"fmt"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/gorillabind/internal/bridge"
	"github.com/paveg/gorillabind/internal/host"
	"github.com/paveg/gorillabind/internal/logging"
	"github.com/paveg/gorillabind/internal/series"
	"github.com/stretchr/testify/require"
)

// newBridge creates an isolated registry with a dispatcher owned by the
// calling test goroutine.
func newBridge(t *testing.T, opts ...bridge.Option) (*bridge.Registry, *bridge.Dispatcher, *host.Interpreter) {
	t.Helper()
	reg := bridge.NewRegistry()
	interp := host.New()
	opts = append([]bridge.Option{bridge.WithLogger(logging.Nop())}, opts...)
	d, err := bridge.NewDispatcher(reg, interp, opts...)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return reg, d, interp
}

func floats(t *testing.T, values ...float64) arrow.Array {
	t.Helper()
	arr, err := series.BuildArray(values, memory.NewGoAllocator())
	require.NoError(t, err)
	return arr
}

func floatValues(t *testing.T, arr arrow.Array) []float64 {
	t.Helper()
	v, err := host.FromArrow(arr)
	require.NoError(t, err)
	out, ok := v.([]float64)
	require.True(t, ok, "expected float64 batch, got %T", v)
	return out
}

func doubleFn(args ...host.Value) (host.Value, error) {
	v, ok := args[0].([]float64)
	if !ok {
		return nil, fmt.Errorf("expected numeric vector, got %T", args[0])
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * 2
	}
	return out, nil
}

func scaleFn(args ...host.Value) (host.Value, error) {
	v, ok := args[0].([]float64)
	if !ok {
		return nil, fmt.Errorf("expected numeric vector, got %T", args[0])
	}
	factor, ok := host.AsScalar(args[1])
	if !ok {
		return nil, fmt.Errorf("expected numeric factor, got %T", args[1])
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * factor
	}
	return out, nil
}
