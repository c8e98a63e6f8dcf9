package matrix

import (
	"context"
	"math"
	"math/bits"
	"math/rand/v2"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-devmat/internal/dense"
	"github.com/23skdu/longbow-devmat/internal/device"
	"github.com/23skdu/longbow-devmat/internal/numeric"
)

func newContext(t *testing.T, opts ...device.Option) *device.Context {
	t.Helper()
	opts = append([]device.Option{device.WithLogger(zerolog.Nop())}, opts...)
	cc, err := device.NewContext(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cc.Close() })
	return cc
}

func upload[T numeric.Number](t *testing.T, cc *device.Context, h *dense.Matrix[T], mode device.Mode) *Matrix[T] {
	t.Helper()
	m, err := FromMatrix(cc, h, mode)
	require.NoError(t, err)
	return m
}

func alloc[T numeric.Number](t *testing.T, cc *device.Context, rows, cols int, mode device.Mode) *Matrix[T] {
	t.Helper()
	m, err := New[T](cc, rows, cols, mode)
	require.NoError(t, err)
	return m
}

func download[T numeric.Number](t *testing.T, m *Matrix[T]) *dense.Matrix[T] {
	t.Helper()
	h, err := m.Get(context.Background())
	require.NoError(t, err)
	return h
}

func randomMatrix[T numeric.Number](r *rand.Rand, rows, cols int) *dense.Matrix[T] {
	h := dense.New[T](rows, cols)
	data := h.Data()
	for i := range data {
		data[i] = T(r.IntN(200) - 100)
	}
	return h
}

func sequence[T numeric.Number](n int, scale T) *dense.Matrix[T] {
	data := make([]T, n)
	for i := range data {
		data[i] = T(i) * scale
	}
	return dense.MustFromSlice(1, n, data)
}

func testRoundTrip[T numeric.Number](t *testing.T, cc *device.Context) {
	r := rand.New(rand.NewPCG(1, 2))
	for _, shape := range [][2]int{{1, 1}, {3, 7}, {64, 33}} {
		h := randomMatrix[T](r, shape[0], shape[1])
		m := upload(t, cc, h, device.ReadOnly)
		assert.Nil(t, m.Producer())

		got := download(t, m)
		assert.True(t, h.Equal(got), "round trip %v", shape)
	}
}

func TestMatrix_RoundTrip(t *testing.T) {
	cc := newContext(t)
	t.Run("int", func(t *testing.T) { testRoundTrip[int32](t, cc) })
	t.Run("long", func(t *testing.T) { testRoundTrip[int64](t, cc) })
	t.Run("float", func(t *testing.T) { testRoundTrip[float32](t, cc) })
	t.Run("double", func(t *testing.T) { testRoundTrip[float64](t, cc) })
}

func TestMatrix_AddScenario(t *testing.T) {
	cc := newContext(t)

	a := upload(t, cc, sequence[int32](10000, 1), device.ReadOnly)
	b := upload(t, cc, sequence[int32](10000, 2), device.ReadOnly)
	c := alloc[int32](t, cc, 1, 10000, device.WriteOnly)

	require.NoError(t, a.Add(b, c))

	got := download(t, c)
	assert.True(t, sequence[int32](10000, 3).Equal(got))
}

func TestMatrix_AddIntoInput(t *testing.T) {
	cc := newContext(t)

	a := upload(t, cc, sequence[int32](10000, 1), device.ReadOnly)
	b := upload(t, cc, sequence[int32](10000, 2), device.ReadWrite)

	require.NoError(t, a.Add(b, b))
	require.NoError(t, a.Add(b, b)) // b now carries a producer and is read again

	got := download(t, b)
	assert.True(t, sequence[int32](10000, 4).Equal(got))
}

func TestMatrix_AliasingMatchesSeparateOutput(t *testing.T) {
	cc := newContext(t)
	r := rand.New(rand.NewPCG(3, 4))
	ha := randomMatrix[float64](r, 17, 9)
	hb := randomMatrix[float64](r, 17, 9)

	a := upload(t, cc, ha, device.ReadOnly)
	b1 := upload(t, cc, hb, device.ReadWrite)
	b2 := upload(t, cc, hb, device.ReadWrite)
	c := alloc[float64](t, cc, 17, 9, device.ReadWrite)

	require.NoError(t, a.Add(b1, b1))
	require.NoError(t, a.Add(b2, c))
	require.NoError(t, c.CopyTo(b2))

	assert.True(t, download(t, b2).Equal(download(t, b1)))
}

func testElementwise[T numeric.Number](t *testing.T, cc *device.Context) {
	r := rand.New(rand.NewPCG(5, 6))
	ha := randomMatrix[T](r, 31, 47)
	hb := randomMatrix[T](r, 31, 47)

	a := upload(t, cc, ha, device.ReadOnly)
	b := upload(t, cc, hb, device.ReadOnly)

	ops := []struct {
		name string
		run  func(out *Matrix[T]) error
		want func(x, y T) T
	}{
		{"add", func(out *Matrix[T]) error { return a.Add(b, out) }, func(x, y T) T { return x + y }},
		{"sub", func(out *Matrix[T]) error { return a.Sub(b, out) }, func(x, y T) T { return x - y }},
		{"multiply", func(out *Matrix[T]) error { return a.Multiply(b, out) }, func(x, y T) T { return x * y }},
		{"max", func(out *Matrix[T]) error { return a.Max(10, out) }, func(x, _ T) T { return max(x, 10) }},
		{"min", func(out *Matrix[T]) error { return a.Min(10, out) }, func(x, _ T) T { return min(x, 10) }},
		{"dmax", func(out *Matrix[T]) error { return a.DMax(10, out) }, func(x, _ T) T {
			if x > 10 {
				return 1
			}
			return 0
		}},
		{"dmin", func(out *Matrix[T]) error { return a.DMin(10, out) }, func(x, _ T) T {
			if x < 10 {
				return 1
			}
			return 0
		}},
		{"copy_to", func(out *Matrix[T]) error { return a.CopyTo(out) }, func(x, _ T) T { return x }},
	}

	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			out := alloc[T](t, cc, 31, 47, device.WriteOnly)
			require.NoError(t, op.run(out))
			got := download(t, out).Data()
			for i := range got {
				want := op.want(ha.Data()[i], hb.Data()[i])
				if got[i] != want {
					t.Fatalf("%s mismatch at %d: got %v, want %v", op.name, i, got[i], want)
				}
			}
		})
	}
}

func TestMatrix_Elementwise(t *testing.T) {
	cc := newContext(t)
	t.Run("int", func(t *testing.T) { testElementwise[int32](t, cc) })
	t.Run("long", func(t *testing.T) { testElementwise[int64](t, cc) })
	t.Run("float", func(t *testing.T) { testElementwise[float32](t, cc) })
	t.Run("double", func(t *testing.T) { testElementwise[float64](t, cc) })
}

// A 1x20000 add is split across workers.
func TestMatrix_ElementwiseParallel(t *testing.T) {
	cc := newContext(t, device.WithWorkers(4))
	r := rand.New(rand.NewPCG(13, 14))
	ha := randomMatrix[int32](r, 1, 20000)
	hb := randomMatrix[int32](r, 1, 20000)

	a := upload(t, cc, ha, device.ReadOnly)
	b := upload(t, cc, hb, device.ReadOnly)
	c := alloc[int32](t, cc, 1, 20000, device.WriteOnly)
	require.NoError(t, a.Multiply(b, c))

	want, err := ha.MulElem(hb)
	require.NoError(t, err)
	assert.True(t, want.Equal(download(t, c)))
}

func TestMatrix_DotFloat(t *testing.T) {
	cc := newContext(t, device.WithWorkers(4))
	r := rand.New(rand.NewPCG(7, 8))
	ha := randomMatrix[float64](r, 150, 40)
	hb := randomMatrix[float64](r, 40, 130)

	a := upload(t, cc, ha, device.ReadOnly)
	b := upload(t, cc, hb, device.ReadOnly)
	c := alloc[float64](t, cc, 150, 130, device.WriteOnly)
	require.NoError(t, a.Dot(b, c))

	var want mat.Dense
	want.Mul(ha.Dense(), hb.Dense())
	assert.True(t, mat.EqualApprox(&want, download(t, c).Dense(), 1e-9))
}

func TestMatrix_DotFloat32(t *testing.T) {
	cc := newContext(t)
	a := upload(t, cc, dense.MustFromSlice(2, 3, []float32{1, 2, 3, 4, 5, 6}), device.ReadOnly)
	b := upload(t, cc, dense.MustFromSlice(3, 2, []float32{7, 8, 9, 10, 11, 12}), device.ReadOnly)
	c := alloc[float32](t, cc, 2, 2, device.WriteOnly)

	require.NoError(t, a.Dot(b, c))
	assert.Equal(t, []float32{58, 64, 139, 154}, download(t, c).Data())
}

func TestMatrix_DotInt(t *testing.T) {
	cc := newContext(t, device.WithWorkers(4))
	r := rand.New(rand.NewPCG(9, 10))
	// 150x130 outputs are enough work items to be split by row ranges.
	for _, shape := range [][3]int{{12, 5, 8}, {150, 30, 130}} {
		m, k, n := shape[0], shape[1], shape[2]
		ha := randomMatrix[int32](r, m, k)
		hb := randomMatrix[int32](r, k, n)

		a := upload(t, cc, ha, device.ReadOnly)
		b := upload(t, cc, hb, device.ReadOnly)
		c := alloc[int32](t, cc, m, n, device.WriteOnly)
		require.NoError(t, a.Dot(b, c))

		got := download(t, c)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var sum int32
				for p := 0; p < k; p++ {
					sum += ha.At(i, p) * hb.At(p, j)
				}
				require.Equal(t, sum, got.At(i, j), "%v (%d, %d)", shape, i, j)
			}
		}
	}
}

func TestMatrix_TransposeInvolution(t *testing.T) {
	cc := newContext(t)
	r := rand.New(rand.NewPCG(11, 12))
	for _, shape := range [][2]int{{1, 1}, {1, 9}, {9, 1}, {4, 4}, {13, 300}} {
		h := randomMatrix[int64](r, shape[0], shape[1])
		a := upload(t, cc, h, device.ReadOnly)
		at := alloc[int64](t, cc, shape[1], shape[0], device.ReadWrite)
		att := alloc[int64](t, cc, shape[0], shape[1], device.WriteOnly)

		require.NoError(t, a.Transpose(at))
		require.NoError(t, at.Transpose(att))

		once := download(t, at)
		assert.Equal(t, h.At(0, shape[1]-1), once.At(shape[1]-1, 0))
		assert.True(t, h.Equal(download(t, att)), "transpose twice %v", shape)
	}
}

func TestMatrix_ChainWithoutWaits(t *testing.T) {
	cc := newContext(t)
	r := rand.New(rand.NewPCG(13, 14))
	ha := randomMatrix[int64](r, 200, 150)
	hb := randomMatrix[int64](r, 200, 150)

	a := upload(t, cc, ha, device.ReadOnly)
	b := upload(t, cc, hb, device.ReadOnly)
	c := alloc[int64](t, cc, 200, 150, device.ReadWrite)
	d := alloc[int64](t, cc, 200, 150, device.WriteOnly)

	require.NoError(t, a.Add(b, c))
	require.NoError(t, c.Multiply(a, d))

	got := download(t, d).Data()
	for i, v := range got {
		want := (ha.Data()[i] + hb.Data()[i]) * ha.Data()[i]
		if v != want {
			t.Fatalf("chain mismatch at %d: got %d, want %d", i, v, want)
		}
	}
}

func TestMatrix_MSE(t *testing.T) {
	cc := newContext(t)
	pred := upload(t, cc, dense.MustFromSlice(2, 3, []float64{
		1, 2, 3,
		3, 2, 1,
	}), device.ReadOnly)
	train := upload(t, cc, dense.MustFromSlice(2, 3, []float64{
		0, 2, 5,
		1, 2, 1,
	}), device.ReadOnly)

	loss := alloc[float64](t, cc, 1, 3, device.WriteOnly)
	grad := alloc[float64](t, cc, 1, 3, device.WriteOnly)
	require.NoError(t, pred.MSE(train, loss))
	require.NoError(t, pred.DMSE(train, grad))

	// column 0: diffs 1, 2; column 1: 0, 0; column 2: -2, 0
	assert.Equal(t, []float64{2.5, 0, 2}, download(t, loss).Data())
	assert.Equal(t, []float64{3, 0, -2}, download(t, grad).Data())
}

func TestMatrix_MSEInt(t *testing.T) {
	cc := newContext(t)
	pred := upload(t, cc, dense.MustFromSlice(3, 3, []int32{
		1, 5, -4,
		0, 5, 0,
		0, 5, 0,
	}), device.ReadOnly)
	train := upload(t, cc, dense.MustFromSlice(3, 3, []int32{
		0, 0, 0,
		0, 0, 0,
		0, 0, 0,
	}), device.ReadOnly)

	loss := alloc[int32](t, cc, 1, 3, device.WriteOnly)
	grad := alloc[int32](t, cc, 1, 3, device.WriteOnly)
	require.NoError(t, pred.MSE(train, loss))
	require.NoError(t, pred.DMSE(train, grad))

	// Integer division truncates toward zero:
	// mse  = 1/3, 75/3, 16/3; dmse = 2/3, 30/3, -8/3.
	assert.Equal(t, []int32{0, 25, 5}, download(t, loss).Data())
	assert.Equal(t, []int32{0, 10, -2}, download(t, grad).Data())
}

func TestMatrix_ProducerProtocol(t *testing.T) {
	cc := newContext(t)
	a := upload(t, cc, dense.MustFromSlice(1, 3, []float32{1, 2, 3}), device.ReadWrite)
	out := alloc[float32](t, cc, 1, 3, device.ReadWrite)
	assert.Nil(t, a.Producer())
	assert.Nil(t, out.Producer())

	require.NoError(t, a.Add(a, out))
	first := out.Producer()
	require.NotNil(t, first)
	assert.Nil(t, a.Producer(), "inputs keep their producer")

	require.NoError(t, a.Sub(a, out))
	second := out.Producer()
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Greater(t, second.ID(), first.ID())

	assert.Equal(t, []float32{0, 0, 0}, download(t, out).Data())
	assert.Same(t, second, out.Producer(), "Get leaves the producer in place")
	assert.Equal(t, []float32{0, 0, 0}, download(t, out).Data())

	require.NoError(t, out.Set(dense.MustFromSlice(1, 3, []float32{7, 8, 9})))
	assert.Same(t, second, out.Producer(), "Set bypasses the producer")
	assert.Equal(t, []float32{7, 8, 9}, download(t, out).Data())
}

func TestMatrix_ZeroDimensionsRejected(t *testing.T) {
	cc := newContext(t)

	_, err := New[float32](cc, 0, 4, device.ReadWrite)
	assert.ErrorIs(t, err, device.ErrAllocation)

	_, err = New[float32](cc, 4, 0, device.ReadWrite)
	assert.ErrorIs(t, err, device.ErrAllocation)

	_, err = FromMatrix(cc, dense.New[int32](0, 3), device.ReadOnly)
	assert.ErrorIs(t, err, device.ErrAllocation)

	_, err = New[float32](nil, 1, 1, device.ReadWrite)
	assert.ErrorIs(t, err, device.ErrAllocation)
}

func TestMatrix_OverflowingShapeRejected(t *testing.T) {
	cc := newContext(t)

	// rows*4 wraps around to 4.
	rows := 1<<(bits.UintSize-2) + 1
	_, err := New[float32](cc, rows, 4, device.ReadWrite)
	assert.ErrorIs(t, err, device.ErrAllocation)

	_, err = New[float32](cc, 4, rows, device.ReadWrite)
	assert.ErrorIs(t, err, device.ErrAllocation)

	_, err = New[int64](cc, math.MaxInt/2, 2, device.ReadWrite)
	assert.ErrorIs(t, err, device.ErrAllocation)

	assert.Equal(t, 0, cc.Buffers())
}

func TestMatrix_OutOfMemory(t *testing.T) {
	cc := newContext(t, device.WithMemoryLimit(1024))

	m := alloc[float64](t, cc, 8, 8, device.ReadWrite) // 512 bytes
	_, err := New[float64](cc, 9, 9, device.ReadWrite)
	assert.ErrorIs(t, err, device.ErrAllocation)

	m.Release()
	_, err = New[float64](cc, 9, 9, device.ReadWrite)
	assert.NoError(t, err)
}

func TestMatrix_ShapeValidation(t *testing.T) {
	cc := newContext(t)
	a := alloc[float32](t, cc, 2, 3, device.ReadWrite)
	b := alloc[float32](t, cc, 3, 2, device.ReadWrite)
	v := alloc[float32](t, cc, 1, 4, device.ReadWrite)
	sq := alloc[float32](t, cc, 2, 2, device.ReadWrite)
	row := alloc[float32](t, cc, 1, 3, device.ReadWrite)

	assert.ErrorIs(t, a.Add(v, a), ErrShapeMismatch)
	assert.ErrorIs(t, a.Sub(a, v), ErrShapeMismatch)
	assert.ErrorIs(t, a.CopyTo(v), ErrShapeMismatch)
	assert.ErrorIs(t, a.Max(0, v), ErrShapeMismatch)
	assert.ErrorIs(t, a.Transpose(a), ErrShapeMismatch)
	assert.ErrorIs(t, a.Dot(a, sq), ErrShapeMismatch)
	assert.ErrorIs(t, a.Dot(b, a), ErrShapeMismatch)
	assert.ErrorIs(t, a.MSE(b, row), ErrShapeMismatch)
	assert.ErrorIs(t, a.DMSE(a, v), ErrShapeMismatch)
	assert.ErrorIs(t, a.Add(nil, a), ErrShapeMismatch)

	assert.ErrorIs(t, sq.Transpose(sq), ErrAliased)
	assert.ErrorIs(t, sq.Dot(sq, sq), ErrAliased)

	// Rejected operations leave every producer untouched.
	for _, m := range []*Matrix[float32]{a, b, v, sq, row} {
		assert.Nil(t, m.Producer())
	}

	// Element-wise operations only need matching lengths.
	col := alloc[float32](t, cc, 3, 1, device.ReadWrite)
	assert.NoError(t, row.Add(col, row))
}

func TestMatrix_DeviceErrors(t *testing.T) {
	cc := newContext(t, device.WithElems(numeric.Float32))

	ints := alloc[int32](t, cc, 1, 2, device.ReadWrite)
	err := ints.Add(ints, ints)
	assert.ErrorIs(t, err, device.ErrKernelNotFound)
	assert.Nil(t, ints.Producer())

	a := alloc[float32](t, cc, 1, 2, device.ReadOnly)
	assert.ErrorIs(t, a.Add(a, a), device.ErrDispatch, "read-only output")

	other := newContext(t)
	foreign := alloc[float32](t, other, 1, 2, device.ReadWrite)
	assert.ErrorIs(t, a.Add(foreign, foreign), ErrContextMismatch)

	assert.ErrorIs(t, a.Set(dense.New[float32](2, 1)), ErrShapeMismatch)
}

func TestMatrix_CancelledGet(t *testing.T) {
	cc := newContext(t)
	a := upload(t, cc, dense.MustFromSlice(1, 2, []float32{1, 2}), device.ReadOnly)
	require.NoError(t, cc.Finish(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The read either completes or observes the cancellation; it never hangs.
	if h, err := a.Get(ctx); err == nil {
		assert.Equal(t, []float32{1, 2}, h.Data())
	} else {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
