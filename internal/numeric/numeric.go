// Package numeric names the element types a device matrix can hold.
//
// Every compiled kernel is specialized for exactly one Elem, and the Elem's
// name is the stable suffix of the kernel name (vector_add_float, vector_dot_int).
package numeric

import "fmt"

// Number is the set of element types kernels are compiled for.
type Number interface {
	int32 | int64 | float32 | float64
}

// Elem identifies an element type at runtime.
type Elem uint8

const (
	Invalid Elem = iota
	Int32
	Int64
	Float32
	Float64
)

// All lists every supported element type in kernel table order.
var All = []Elem{Int32, Int64, Float32, Float64}

var elemNames = [...]string{
	Invalid: "invalid",
	Int32:   "int",
	Int64:   "long",
	Float32: "float",
	Float64: "double",
}

var elemSizes = [...]int{
	Invalid: 0,
	Int32:   4,
	Int64:   8,
	Float32: 4,
	Float64: 8,
}

// Name returns the kernel-name suffix of the element type.
func (e Elem) Name() string {
	if int(e) >= len(elemNames) {
		return elemNames[Invalid]
	}
	return elemNames[e]
}

func (e Elem) String() string { return e.Name() }

// Size returns the width of one element in bytes.
func (e Elem) Size() int {
	if int(e) >= len(elemSizes) {
		return 0
	}
	return elemSizes[e]
}

// IsFloat reports whether the element type is a floating point type.
func (e Elem) IsFloat() bool {
	return e == Float32 || e == Float64
}

// ElemOf returns the Elem for the type parameter T.
func ElemOf[T Number]() Elem {
	var zero T
	switch any(zero).(type) {
	case int32:
		return Int32
	case int64:
		return Int64
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return Invalid
}

// ParseElem accepts either the kernel name ("float") or the Go name ("float32").
func ParseElem(s string) (Elem, error) {
	switch s {
	case "int", "int32":
		return Int32, nil
	case "long", "int64":
		return Int64, nil
	case "float", "float32":
		return Float32, nil
	case "double", "float64":
		return Float64, nil
	}
	return Invalid, fmt.Errorf("numeric: unknown element type %q", s)
}
