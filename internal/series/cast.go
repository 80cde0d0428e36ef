package series

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/exp/constraints"
)

type number interface {
	constraints.Integer | constraints.Float
}

type appender[T any] interface {
	Append(T)
	AppendNull()
	NewArray() arrow.Array
	Release()
}

// Cast converts arr to dtype. Numeric types convert between each other,
// float to integer only when every value is integral. Any other pair must
// already match. Nulls are kept. The result holds its own reference.
func Cast(arr arrow.Array, dtype arrow.DataType, mem memory.Allocator) (arrow.Array, error) {
	if arrow.TypeEqual(arr.DataType(), dtype) {
		arr.Retain()
		return arr, nil
	}
	if mem == nil {
		mem = memory.NewGoAllocator()
	}

	switch dtype.ID() {
	case arrow.FLOAT64:
		return castNumeric[float64](arr, dtype, array.NewFloat64Builder(mem))
	case arrow.FLOAT32:
		return castNumeric[float32](arr, dtype, array.NewFloat32Builder(mem))
	case arrow.INT64:
		return castNumeric[int64](arr, dtype, array.NewInt64Builder(mem))
	case arrow.INT32:
		return castNumeric[int32](arr, dtype, array.NewInt32Builder(mem))
	default:
		return nil, castError(arr.DataType(), dtype)
	}
}

func castNumeric[T number](arr arrow.Array, dtype arrow.DataType, b appender[T]) (arrow.Array, error) {
	defer b.Release()

	switch a := arr.(type) {
	case *array.Float64:
		return convertInto(a, dtype, b)
	case *array.Float32:
		return convertInto(a, dtype, b)
	case *array.Int64:
		return convertInto(a, dtype, b)
	case *array.Int32:
		return convertInto(a, dtype, b)
	default:
		return nil, castError(arr.DataType(), dtype)
	}
}

type numericArray[F number] interface {
	arrow.Array
	Value(int) F
}

func convertInto[F, T number](arr numericArray[F], dtype arrow.DataType, b appender[T]) (arrow.Array, error) {
	integral := isInteger(dtype)
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			b.AppendNull()
			continue
		}
		v := arr.Value(i)
		if integral && float64(v) != math.Trunc(float64(v)) {
			return nil, fmt.Errorf("cannot cast %s to %s: value %v at row %d is not integral", arr.DataType(), dtype, v, i)
		}
		b.Append(T(v))
	}
	return b.NewArray(), nil
}

func isInteger(dtype arrow.DataType) bool {
	switch dtype.ID() {
	case arrow.INT64, arrow.INT32:
		return true
	default:
		return false
	}
}

func castError(from, to arrow.DataType) error {
	return fmt.Errorf("cannot cast %s to %s", from, to)
}
