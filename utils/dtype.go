package utils

import "fmt"

// DType names follow numpy so that config files written for the download
// service keep working.
type DType string

const (
	Bool    DType = "bool"
	Byte    DType = "uint8"
	Int16   DType = "int16"
	UInt16  DType = "uint16"
	Int32   DType = "int32"
	UInt32  DType = "uint32"
	Int64   DType = "int64"
	Float32 DType = "float32"
	Float64 DType = "float64"
)

const (
	SizeofInt16   = 2
	SizeofInt32   = 4
	SizeofInt64   = 8
	SizeofFloat32 = 4
	SizeofFloat64 = 8
)

func ParseDType(s string) (DType, error) {
	switch DType(s) {
	case Bool, Byte, Int16, UInt16, Int32, UInt32, Int64, Float32, Float64:
		return DType(s), nil
	case "byte":
		return Byte, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDType, s)
}

// Size is the element size in bytes, 0 for an unknown dtype.
func (d DType) Size() int {
	switch d {
	case Bool, Byte:
		return 1
	case Int16, UInt16:
		return SizeofInt16
	case Int32, UInt32:
		return SizeofInt32
	case Int64:
		return SizeofInt64
	case Float32:
		return SizeofFloat32
	case Float64:
		return SizeofFloat64
	}
	return 0
}

func (d DType) IsFloat() bool {
	return d == Float32 || d == Float64
}

func (d *DType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	dt, err := ParseDType(raw)
	if err != nil {
		return err
	}
	*d = dt
	return nil
}

// Element is the set of Go types an Array can be viewed as.
type Element interface {
	bool | uint8 | int16 | uint16 | int32 | uint32 | int64 | float32 | float64
}

func DTypeOf[T Element]() DType {
	var zero T
	switch any(zero).(type) {
	case bool:
		return Bool
	case uint8:
		return Byte
	case int16:
		return Int16
	case uint16:
		return UInt16
	case int32:
		return Int32
	case uint32:
		return UInt32
	case int64:
		return Int64
	case float32:
		return Float32
	default:
		return Float64
	}
}
