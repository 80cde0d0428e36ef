package host

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/paveg/gorillabind/internal/series"
)

// FromArrow converts an engine batch into a host vector. Null float slots
// become NaN; other null slots become the zero value.
func FromArrow(arr arrow.Array) (Value, error) {
	switch a := arr.(type) {
	case *array.Float64:
		out := make([]float64, a.Len())
		for i := range out {
			if a.IsNull(i) {
				out[i] = math.NaN()
				continue
			}
			out[i] = a.Value(i)
		}
		return out, nil
	case *array.Int64:
		out := make([]int64, a.Len())
		for i := range out {
			if a.IsValid(i) {
				out[i] = a.Value(i)
			}
		}
		return out, nil
	case *array.Int32:
		out := make([]int64, a.Len())
		for i := range out {
			if a.IsValid(i) {
				out[i] = int64(a.Value(i))
			}
		}
		return out, nil
	case *array.String:
		out := make([]string, a.Len())
		for i := range out {
			if a.IsValid(i) {
				out[i] = a.Value(i)
			}
		}
		return out, nil
	case *array.Boolean:
		out := make([]bool, a.Len())
		for i := range out {
			if a.IsValid(i) {
				out[i] = a.Value(i)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("no host representation for %s", arr.DataType())
	}
}

// ToArrow converts a host value into an engine batch. Scalars become
// length-one batches.
func ToArrow(v Value, mem memory.Allocator) (arrow.Array, error) {
	switch x := v.(type) {
	case float64:
		return series.BuildArray([]float64{x}, mem)
	case int64:
		return series.BuildArray([]int64{x}, mem)
	case int:
		return series.BuildArray([]int64{int64(x)}, mem)
	case string:
		return series.BuildArray([]string{x}, mem)
	case bool:
		return series.BuildArray([]bool{x}, mem)
	case []int:
		conv := make([]int64, len(x))
		for i, n := range x {
			conv[i] = int64(n)
		}
		return series.BuildArray(conv, mem)
	case nil:
		return nil, fmt.Errorf("function returned NULL, expected a vector")
	default:
		arr, err := series.BuildArray(v, mem)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %T to a column", v)
		}
		return arr, nil
	}
}

// AsString accepts a string or a length-one string vector.
func AsString(v Value) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []string:
		if len(x) == 1 {
			return x[0], true
		}
	}
	return "", false
}

// AsScalar accepts a numeric or boolean scalar, or a length-one vector of one.
func AsScalar(v Value) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case []float64:
		if len(x) == 1 {
			return x[0], true
		}
	case []int64:
		if len(x) == 1 {
			return float64(x[0]), true
		}
	}
	return 0, false
}
