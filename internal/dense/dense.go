// Package dense implements the host-side matrix that device matrices are
// uploaded from and downloaded into.
package dense

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-devmat/internal/numeric"
)

// Matrix is a row-major dense matrix held in host memory.
type Matrix[T numeric.Number] struct {
	rows    int
	columns int
	data    []T
}

// New returns a zeroed rows x columns matrix.
func New[T numeric.Number](rows, columns int) *Matrix[T] {
	if rows < 0 || columns < 0 {
		panic(fmt.Sprintf("dense: negative dimensions %dx%d", rows, columns))
	}
	return &Matrix[T]{
		rows:    rows,
		columns: columns,
		data:    make([]T, rows*columns),
	}
}

// FromSlice wraps data without copying. len(data) must equal rows*columns.
func FromSlice[T numeric.Number](rows, columns int, data []T) (*Matrix[T], error) {
	if rows < 0 || columns < 0 {
		return nil, fmt.Errorf("dense: negative dimensions %dx%d", rows, columns)
	}
	if len(data) != rows*columns {
		return nil, fmt.Errorf("dense: data length %d does not match %dx%d", len(data), rows, columns)
	}
	return &Matrix[T]{rows: rows, columns: columns, data: data}, nil
}

// MustFromSlice is FromSlice for literals in tests and examples.
func MustFromSlice[T numeric.Number](rows, columns int, data []T) *Matrix[T] {
	m, err := FromSlice(rows, columns, data)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Matrix[T]) Rows() int    { return m.rows }
func (m *Matrix[T]) Columns() int { return m.columns }

// Dims returns (rows, columns), mirroring mat.Matrix.
func (m *Matrix[T]) Dims() (int, int) { return m.rows, m.columns }

// Len returns rows*columns.
func (m *Matrix[T]) Len() int { return len(m.data) }

// Data returns the backing row-major slice.
func (m *Matrix[T]) Data() []T { return m.data }

func (m *Matrix[T]) At(i, j int) T {
	m.check(i, j)
	return m.data[i*m.columns+j]
}

func (m *Matrix[T]) Set(i, j int, v T) {
	m.check(i, j)
	m.data[i*m.columns+j] = v
}

func (m *Matrix[T]) check(i, j int) {
	if i < 0 || i >= m.rows || j < 0 || j >= m.columns {
		panic(fmt.Sprintf("dense: index (%d, %d) out of range for %dx%d", i, j, m.rows, m.columns))
	}
}

// Clone returns a deep copy.
func (m *Matrix[T]) Clone() *Matrix[T] {
	data := make([]T, len(m.data))
	copy(data, m.data)
	return &Matrix[T]{rows: m.rows, columns: m.columns, data: data}
}

// Equal reports element-wise equality including shape.
func (m *Matrix[T]) Equal(o *Matrix[T]) bool {
	if m.rows != o.rows || m.columns != o.columns {
		return false
	}
	for i, v := range m.data {
		if o.data[i] != v {
			return false
		}
	}
	return true
}

// ApproxEqual is Equal with an absolute tolerance, for float results.
func (m *Matrix[T]) ApproxEqual(o *Matrix[T], tol float64) bool {
	if m.rows != o.rows || m.columns != o.columns {
		return false
	}
	for i, v := range m.data {
		if math.Abs(float64(v)-float64(o.data[i])) > tol {
			return false
		}
	}
	return true
}

// Dense converts to a gonum matrix, widening elements to float64.
func (m *Matrix[T]) Dense() *mat.Dense {
	if m.rows == 0 || m.columns == 0 {
		return &mat.Dense{}
	}
	data := make([]float64, len(m.data))
	for i, v := range m.data {
		data[i] = float64(v)
	}
	return mat.NewDense(m.rows, m.columns, data)
}

// FromDense copies a gonum matrix into a host matrix of element type T.
// Integer targets truncate toward zero.
func FromDense[T numeric.Number](d mat.Matrix) *Matrix[T] {
	r, c := d.Dims()
	m := New[T](r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.data[i*c+j] = T(d.At(i, j))
		}
	}
	return m
}

func (m *Matrix[T]) String() string {
	return fmt.Sprintf("dense.Matrix[%s](%dx%d)", numeric.ElemOf[T]().Name(), m.rows, m.columns)
}
