package dense

import (
	"fmt"

	"github.com/23skdu/longbow-devmat/internal/numeric"
	"github.com/23skdu/longbow-devmat/internal/simd"
)

// Host reference arithmetic. Each function returns a new matrix and leaves
// its operands untouched.

func (m *Matrix[T]) sameShape(op string, o *Matrix[T]) error {
	if m.rows != o.rows || m.columns != o.columns {
		return fmt.Errorf("dense: %s of %dx%d and %dx%d", op, m.rows, m.columns, o.rows, o.columns)
	}
	return nil
}

// Add returns m + o.
func (m *Matrix[T]) Add(o *Matrix[T]) (*Matrix[T], error) {
	if err := m.sameShape("add", o); err != nil {
		return nil, err
	}
	out := New[T](m.rows, m.columns)
	simd.Add(out.data, m.data, o.data)
	return out, nil
}

// Sub returns m - o.
func (m *Matrix[T]) Sub(o *Matrix[T]) (*Matrix[T], error) {
	if err := m.sameShape("sub", o); err != nil {
		return nil, err
	}
	out := New[T](m.rows, m.columns)
	simd.Sub(out.data, m.data, o.data)
	return out, nil
}

// MulElem returns the element-wise product of m and o.
func (m *Matrix[T]) MulElem(o *Matrix[T]) (*Matrix[T], error) {
	if err := m.sameShape("multiply", o); err != nil {
		return nil, err
	}
	out := New[T](m.rows, m.columns)
	simd.Mul(out.data, m.data, o.data)
	return out, nil
}

// Mul returns the matrix product m · o.
func (m *Matrix[T]) Mul(o *Matrix[T]) (*Matrix[T], error) {
	if m.columns != o.rows {
		return nil, fmt.Errorf("dense: product of %dx%d and %dx%d", m.rows, m.columns, o.rows, o.columns)
	}
	out := New[T](m.rows, o.columns)
	simd.MatMul(out.data, m.data, o.data, m.rows, m.columns, o.columns)
	return out, nil
}

// T returns the transpose of m.
func (m *Matrix[T]) T() *Matrix[T] {
	out := New[T](m.columns, m.rows)
	simd.Transpose(out.data, m.data, m.rows, m.columns)
	return out
}

// Filled returns a rows x columns matrix with every element set to v.
func Filled[T numeric.Number](rows, columns int, v T) *Matrix[T] {
	m := New[T](rows, columns)
	for i := range m.data {
		m.data[i] = v
	}
	return m
}
