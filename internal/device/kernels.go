package device

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/23skdu/longbow-devmat/internal/numeric"
	"github.com/23skdu/longbow-devmat/internal/simd"
)

var (
	binaryParams = []Param{
		{Name: "a", Kind: ParamIn},
		{Name: "b", Kind: ParamIn},
		{Name: "out", Kind: ParamOut},
	}
	copyParams = []Param{
		{Name: "a", Kind: ParamIn},
		{Name: "out", Kind: ParamOut},
	}
	transposeParams = []Param{
		{Name: "a", Kind: ParamIn},
		{Name: "out", Kind: ParamOut},
		{Name: "rows", Kind: ParamSize},
		{Name: "columns", Kind: ParamSize},
	}
	dotParams = []Param{
		{Name: "a", Kind: ParamIn},
		{Name: "b", Kind: ParamIn},
		{Name: "out", Kind: ParamOut},
		{Name: "a_columns", Kind: ParamSize},
		{Name: "b_columns", Kind: ParamSize},
	}
	thresholdParams = []Param{
		{Name: "a", Kind: ParamIn},
		{Name: "out", Kind: ParamOut},
		{Name: "threshold", Kind: ParamScalar},
	}
	lossParams = []Param{
		{Name: "a", Kind: ParamIn},
		{Name: "train", Kind: ParamIn},
		{Name: "out", Kind: ParamOut},
		{Name: "rows", Kind: ParamSize},
		{Name: "columns", Kind: ParamSize},
	}
)

// compile registers every operation specialized for T.
func compile[T numeric.Number](p *program) {
	e := numeric.ElemOf[T]()

	p.add(OpAdd, e, binaryParams, elementwise(simd.Add[T]))
	p.add(OpSub, e, binaryParams, elementwise(simd.Sub[T]))
	p.add(OpMultiply, e, binaryParams, elementwise(simd.Mul[T]))
	p.add(OpCopyTo, e, copyParams, copyTo[T])
	p.add(OpTranspose, e, transposeParams, transpose[T])
	p.add(OpDot, e, dotParams, dotKernel[T]())

	p.add(OpMax, e, thresholdParams, threshold(func(v, t T) T {
		if v > t {
			return v
		}
		return t
	}))
	p.add(OpMin, e, thresholdParams, threshold(func(v, t T) T {
		if v < t {
			return v
		}
		return t
	}))
	p.add(OpDMax, e, thresholdParams, threshold(func(v, t T) T {
		if v > t {
			return 1
		}
		return 0
	}))
	p.add(OpDMin, e, thresholdParams, threshold(func(v, t T) T {
		if v < t {
			return 1
		}
		return 0
	}))

	p.add(OpMSE, e, lossParams, mse[T])
	p.add(OpDMSE, e, lossParams, dmse[T])
}

// elementwise applies f to the [lo, hi) slice of every argument.
func elementwise[T numeric.Number](f func(dst, a, b []T)) execFunc {
	return func(args []any, _ WorkSize, lo, hi int) {
		a, b, out := args[0].([]T), args[1].([]T), args[2].([]T)
		f(out[lo:hi], a[lo:hi], b[lo:hi])
	}
}

func threshold[T numeric.Number](f func(v, t T) T) execFunc {
	return func(args []any, _ WorkSize, lo, hi int) {
		a, out, t := args[0].([]T), args[1].([]T), args[2].(T)
		for i := lo; i < hi; i++ {
			out[i] = f(a[i], t)
		}
	}
}

func copyTo[T numeric.Number](args []any, _ WorkSize, lo, hi int) {
	a, out := args[0].([]T), args[1].([]T)
	copy(out[lo:hi], a[lo:hi])
}

// transpose runs over (rows, columns) of the source.
func transpose[T numeric.Number](args []any, _ WorkSize, lo, hi int) {
	a, out := args[0].([]T), args[1].([]T)
	rows, cols := args[2].(int), args[3].(int)
	for i := lo; i < hi; i++ {
		for j := 0; j < cols; j++ {
			out[j*rows+i] = a[i*cols+j]
		}
	}
}

func dotKernel[T numeric.Number]() execFunc {
	switch any(T(0)).(type) {
	case float32:
		return dotFloat32
	case float64:
		return dotFloat64
	}
	return dotGeneric[T]
}

// dotGeneric runs over (a rows, b columns); the work rows [lo, hi) of a
// produce the same rows of out.
func dotGeneric[T numeric.Number](args []any, _ WorkSize, lo, hi int) {
	a, b, out := args[0].([]T), args[1].([]T), args[2].([]T)
	k, n := args[3].(int), args[4].(int)
	simd.MatMul(out[lo*n:hi*n], a[lo*k:hi*k], b[:k*n], hi-lo, k, n)
}

func dotFloat32(args []any, _ WorkSize, lo, hi int) {
	a, b, out := args[0].([]float32), args[1].([]float32), args[2].([]float32)
	k, n := args[3].(int), args[4].(int)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: hi - lo, Cols: k, Stride: k, Data: a[lo*k : hi*k]},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b[:k*n]},
		0,
		blas32.General{Rows: hi - lo, Cols: n, Stride: n, Data: out[lo*n : hi*n]},
	)
}

func dotFloat64(args []any, _ WorkSize, lo, hi int) {
	a, b, out := args[0].([]float64), args[1].([]float64), args[2].([]float64)
	k, n := args[3].(int), args[4].(int)
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas64.General{Rows: hi - lo, Cols: k, Stride: k, Data: a[lo*k : hi*k]},
		blas64.General{Rows: k, Cols: n, Stride: n, Data: b[:k*n]},
		0,
		blas64.General{Rows: hi - lo, Cols: n, Stride: n, Data: out[lo*n : hi*n]},
	)
}

// mse runs over columns: out[j] is the mean squared error of column j.
func mse[T numeric.Number](args []any, _ WorkSize, lo, hi int) {
	a, train, out := args[0].([]T), args[1].([]T), args[2].([]T)
	rows, cols := args[3].(int), args[4].(int)
	for j := lo; j < hi; j++ {
		var sum T
		for i := 0; i < rows; i++ {
			d := a[i*cols+j] - train[i*cols+j]
			sum += d * d
		}
		out[j] = sum / T(rows)
	}
}

// dmse runs over columns: out[j] is the derivative of column j's mean
// squared error with respect to a, averaged over rows.
func dmse[T numeric.Number](args []any, _ WorkSize, lo, hi int) {
	a, train, out := args[0].([]T), args[1].([]T), args[2].([]T)
	rows, cols := args[3].(int), args[4].(int)
	for j := lo; j < hi; j++ {
		var sum T
		for i := 0; i < rows; i++ {
			sum += a[i*cols+j] - train[i*cols+j]
		}
		out[j] = 2 * sum / T(rows)
	}
}
