// Package simd holds unrolled loops over row-major slices. The host device's
// element-wise and integer dot kernels run on them, as does dense.Matrix
// arithmetic.
package simd

import "github.com/23skdu/longbow-devmat/internal/numeric"

// Add performs dst[i] = a[i] + b[i].
func Add[T numeric.Number](dst, a, b []T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] + b[i]
		dst[i+1] = a[i+1] + b[i+1]
		dst[i+2] = a[i+2] + b[i+2]
		dst[i+3] = a[i+3] + b[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] = a[i] + b[i]
	}
}

// Sub performs dst[i] = a[i] - b[i].
func Sub[T numeric.Number](dst, a, b []T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] - b[i]
		dst[i+1] = a[i+1] - b[i+1]
		dst[i+2] = a[i+2] - b[i+2]
		dst[i+3] = a[i+3] - b[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] = a[i] - b[i]
	}
}

// Mul performs dst[i] = a[i] * b[i].
func Mul[T numeric.Number](dst, a, b []T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] = a[i] * b[i]
		dst[i+1] = a[i+1] * b[i+1]
		dst[i+2] = a[i+2] * b[i+2]
		dst[i+3] = a[i+3] * b[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] = a[i] * b[i]
	}
}

// AddScaled performs dst += src * scale
func AddScaled[T numeric.Number](dst, src []T, scale T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// MatMul performs dst = a · b where a is m x k and b is k x n, all row-major.
// Rows of b are accumulated into dst so the inner loop stays contiguous.
func MatMul[T numeric.Number](dst, a, b []T, m, k, n int) {
	clear(dst[:m*n])
	for i := 0; i < m; i++ {
		row := dst[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			AddScaled(row, b[p*n:(p+1)*n], a[i*k+p])
		}
	}
}

// Transpose writes the cols x rows transpose of the rows x cols src into dst.
func Transpose[T numeric.Number](dst, src []T, rows, cols int) {
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+i] = src[i*cols+j]
		}
	}
}
