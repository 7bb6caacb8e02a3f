package utils

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"unsafe"
)

// Array is a dense row-major n-dimensional array. Data holds the raw element
// bytes in native byte order, the same layout the GDAL workers hand back.
type Array struct {
	DType DType
	Shape []int
	Data  []byte
}

func numElements(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func NewArray(dtype DType, shape ...int) (*Array, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDType, dtype)
	}
	for _, s := range shape {
		if s < 0 {
			return nil, fmt.Errorf("%w: negative dimension in %v", ErrArraySize, shape)
		}
	}
	return &Array{
		DType: dtype,
		Shape: append([]int(nil), shape...),
		Data:  make([]byte, numElements(shape)*dtype.Size()),
	}, nil
}

// FromSlice copies data into a new array of the given shape.
func FromSlice[T Element](shape []int, data []T) (*Array, error) {
	a, err := NewArray(DTypeOf[T](), shape...)
	if err != nil {
		return nil, err
	}
	if len(data) != a.Len() {
		return nil, fmt.Errorf("%w: %d elements for shape %v", ErrArraySize, len(data), shape)
	}
	copy(View[T](a), data)
	return a, nil
}

// View reinterprets the array storage as []T without copying. It panics if T
// does not match the array dtype.
func View[T Element](a *Array) []T {
	if dt := DTypeOf[T](); dt != a.DType {
		panic(fmt.Sprintf("array: %s view of %s array", dt, a.DType))
	}
	if len(a.Data) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&a.Data[0])), a.Len())
}

func (a *Array) Len() int {
	return numElements(a.Shape)
}

func (a *Array) NDim() int {
	return len(a.Shape)
}

func (a *Array) SameShape(b *Array) bool {
	return slices.Equal(a.Shape, b.Shape)
}

// Validate checks that a is non-nil and its data holds exactly the elements
// of its shape.
func (a *Array) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: missing array", ErrArraySize)
	}
	if a.DType.Size() == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownDType, a.DType)
	}
	for _, s := range a.Shape {
		if s < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrArraySize, a.Shape)
		}
	}
	if want := a.Len() * a.DType.Size(); len(a.Data) != want {
		return fmt.Errorf("%w: %d bytes for shape %v of %s, expected %d", ErrArraySize, len(a.Data), a.Shape, a.DType, want)
	}
	return nil
}

// Equal reports identical dtype, shape and bytes.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.DType == b.DType && a.SameShape(b) && bytes.Equal(a.Data, b.Data)
}

func (a *Array) Clone() *Array {
	if a == nil {
		return nil
	}
	return &Array{
		DType: a.DType,
		Shape: append([]int(nil), a.Shape...),
		Data:  append([]byte(nil), a.Data...),
	}
}

// Float64s converts every element to float64, booleans as 0 or 1.
func (a *Array) Float64s() []float64 {
	out := make([]float64, a.Len())
	switch a.DType {
	case Bool:
		for i, v := range View[bool](a) {
			if v {
				out[i] = 1
			}
		}
	case Byte:
		for i, v := range View[uint8](a) {
			out[i] = float64(v)
		}
	case Int16:
		for i, v := range View[int16](a) {
			out[i] = float64(v)
		}
	case UInt16:
		for i, v := range View[uint16](a) {
			out[i] = float64(v)
		}
	case Int32:
		for i, v := range View[int32](a) {
			out[i] = float64(v)
		}
	case UInt32:
		for i, v := range View[uint32](a) {
			out[i] = float64(v)
		}
	case Int64:
		for i, v := range View[int64](a) {
			out[i] = float64(v)
		}
	case Float32:
		for i, v := range View[float32](a) {
			out[i] = float64(v)
		}
	case Float64:
		copy(out, View[float64](a))
	}
	return out
}

// SetFloat64s writes values back into the array, converting to its dtype.
// Integer dtypes round to nearest and saturate at the type limits.
func (a *Array) SetFloat64s(values []float64) error {
	if len(values) != a.Len() {
		return fmt.Errorf("%w: %d values for shape %v", ErrArraySize, len(values), a.Shape)
	}
	switch a.DType {
	case Bool:
		data := View[bool](a)
		for i, v := range values {
			data[i] = v != 0
		}
	case Byte:
		data := View[uint8](a)
		for i, v := range values {
			data[i] = uint8(clamp(v, 0, math.MaxUint8))
		}
	case Int16:
		data := View[int16](a)
		for i, v := range values {
			data[i] = int16(clamp(v, math.MinInt16, math.MaxInt16))
		}
	case UInt16:
		data := View[uint16](a)
		for i, v := range values {
			data[i] = uint16(clamp(v, 0, math.MaxUint16))
		}
	case Int32:
		data := View[int32](a)
		for i, v := range values {
			data[i] = int32(clamp(v, math.MinInt32, math.MaxInt32))
		}
	case UInt32:
		data := View[uint32](a)
		for i, v := range values {
			data[i] = uint32(clamp(v, 0, math.MaxUint32))
		}
	case Int64:
		data := View[int64](a)
		for i, v := range values {
			data[i] = int64(math.Round(v))
		}
	case Float32:
		data := View[float32](a)
		for i, v := range values {
			data[i] = float32(v)
		}
	case Float64:
		copy(View[float64](a), values)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDType, a.DType)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
