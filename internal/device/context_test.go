package device

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-devmat/internal/numeric"
)

func newTestContext(t *testing.T, opts ...Option) *Context {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	c, err := NewContext(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func upload[T numeric.Number](t *testing.T, c *Context, mode Mode, data []T) *Buffer {
	t.Helper()
	buf, err := c.Allocate(numeric.ElemOf[T](), len(data), mode)
	require.NoError(t, err)
	_, err = Write(c, buf, data)
	require.NoError(t, err)
	return buf
}

func TestNewContext_Options(t *testing.T) {
	_, err := NewContext(WithLogger(zerolog.Nop()), WithWorkers(0))
	assert.Error(t, err)

	_, err = NewContext(WithLogger(zerolog.Nop()), WithQueueDepth(0))
	assert.Error(t, err)

	_, err = NewContext(WithLogger(zerolog.Nop()), WithMemoryLimit(-1))
	assert.Error(t, err)

	c := newTestContext(t, WithWorkers(3))
	assert.Equal(t, 3, c.Workers())
	assert.NotEmpty(t, c.ID())
	assert.Contains(t, c.Name(), "host/")
	assert.Len(t, c.Kernels(), int(numOps)*len(numeric.All))
}

func TestContext_Allocate(t *testing.T) {
	c := newTestContext(t, WithMemoryLimit(64))

	_, err := c.Allocate(numeric.Float32, 0, ReadWrite)
	assert.ErrorIs(t, err, ErrAllocation)

	_, err = c.Allocate(numeric.Float32, 4, Mode(0))
	assert.ErrorIs(t, err, ErrAllocation)

	buf, err := c.Allocate(numeric.Float64, 6, ReadWrite) // 48 bytes
	require.NoError(t, err)
	assert.Equal(t, int64(48), buf.Bytes())

	_, err = c.Allocate(numeric.Float64, 3, ReadWrite) // 24 more would exceed 64
	assert.ErrorIs(t, err, ErrAllocation)

	used, limit := c.MemoryUsage()
	assert.Equal(t, int64(48), used)
	assert.Equal(t, int64(64), limit)
	assert.Equal(t, 1, c.Buffers())

	buf.Release()
	buf.Release()
	used, _ = c.MemoryUsage()
	assert.Equal(t, int64(0), used)
	assert.Equal(t, 0, c.Buffers())

	_, err = c.Allocate(numeric.Float64, 8, ReadWrite)
	assert.NoError(t, err)
}

func TestContext_AllocateOverflow(t *testing.T) {
	if math.MaxInt < 1<<62 {
		t.Skip("needs 64-bit int")
	}
	c := newTestContext(t)

	_, err := c.Allocate(numeric.Float64, math.MaxInt/4, ReadWrite)
	assert.ErrorIs(t, err, ErrAllocation, "byte count overflows int64")

	_, err = c.Allocate(numeric.Float64, math.MaxInt/16, ReadWrite)
	assert.ErrorIs(t, err, ErrAllocation, "larger than the runtime can allocate")

	used, _ := c.MemoryUsage()
	assert.Equal(t, int64(0), used)
	assert.Equal(t, 0, c.Buffers())
}

func TestContext_KernelLookup(t *testing.T) {
	c := newTestContext(t, WithElems(numeric.Float32))

	k, err := c.Kernel(OpAdd, numeric.Float32)
	require.NoError(t, err)
	assert.Equal(t, "vector_add_float", k.Name())
	assert.Equal(t, OpAdd, k.Op())
	assert.Equal(t, numeric.Float32, k.Elem())
	assert.Len(t, k.Params(), 3)

	_, err = c.Kernel(OpDot, numeric.Int32)
	assert.ErrorIs(t, err, ErrKernelNotFound)
	assert.Contains(t, err.Error(), "vector_dot_int")

	k, err = c.KernelByName("vector_copy_to_float")
	require.NoError(t, err)
	assert.Equal(t, OpCopyTo, k.Op())

	_, err = c.KernelByName("vector_add_complex")
	assert.ErrorIs(t, err, ErrKernelNotFound)
}

func TestContext_WriteRead(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	src := []int64{1, 2, 3, 4}
	buf := upload(t, c, ReadOnly, src)
	src[0] = 100 // snapshot taken at submission

	got, err := Read[int64](ctx, c, buf, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4}, got)

	_, err = c.EnqueueWrite(buf, []int64{1, 2})
	assert.ErrorIs(t, err, ErrTransfer)

	_, err = c.EnqueueWrite(buf, []float32{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrTransfer)

	_, err = Read[float32](ctx, c, buf, nil)
	assert.ErrorIs(t, err, ErrTransfer)

	other := newTestContext(t)
	_, err = other.EnqueueRead(ctx, buf, nil)
	assert.ErrorIs(t, err, ErrTransfer)
}

func TestContext_EnqueueKernel(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	a := upload(t, c, ReadOnly, []float32{1, 2, 3})
	b := upload(t, c, ReadOnly, []float32{10, 20, 30})
	out, err := c.Allocate(numeric.Float32, 3, WriteOnly)
	require.NoError(t, err)

	k, err := c.Kernel(OpAdd, numeric.Float32)
	require.NoError(t, err)

	before := testutil.ToFloat64(kernelsDispatched.WithLabelValues(k.Name()))

	ev, err := c.EnqueueKernel(k, Range1(3), WorkSize{}, nil, a, b, out)
	require.NoError(t, err)
	require.NoError(t, ev.Wait(ctx))
	assert.True(t, ev.Done())
	assert.NoError(t, ev.Err())
	assert.Equal(t, "vector_add_float", ev.Name())

	got, err := Read[float32](ctx, c, out, []*Event{ev})
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 33}, got)

	assert.Equal(t, before+1, testutil.ToFloat64(kernelsDispatched.WithLabelValues(k.Name())))
}

func TestContext_BindValidation(t *testing.T) {
	c := newTestContext(t)
	a := upload(t, c, ReadOnly, []float32{1, 2})
	wo, err := c.Allocate(numeric.Float32, 2, WriteOnly)
	require.NoError(t, err)
	ints := upload(t, c, ReadWrite, []int32{1, 2})

	add, _ := c.Kernel(OpAdd, numeric.Float32)
	maxK, _ := c.Kernel(OpMax, numeric.Float32)
	tr, _ := c.Kernel(OpTranspose, numeric.Float32)

	cases := []struct {
		name string
		k    *Kernel
		args []any
	}{
		{"arity", add, []any{a, a}},
		{"not a buffer", add, []any{a, 3, wo}},
		{"read-only output", add, []any{a, a, a}},
		{"write-only input", add, []any{wo, a, wo}},
		{"element type", add, []any{a, ints, wo}},
		{"scalar type", maxK, []any{a, wo, 1.0}},
		{"negative size", tr, []any{a, wo, -1, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.EnqueueKernel(tc.k, Range1(2), WorkSize{}, nil, tc.args...)
			assert.ErrorIs(t, err, ErrDispatch)
		})
	}

	other := newTestContext(t)
	foreign := upload(t, other, ReadOnly, []float32{1, 2})
	_, err = c.EnqueueKernel(add, Range1(2), WorkSize{}, nil, a, foreign, wo)
	assert.ErrorIs(t, err, ErrDispatch)

	_, err = c.EnqueueKernel(add, Range1(-1), WorkSize{}, nil, a, a, wo)
	assert.ErrorIs(t, err, ErrDispatch)

	_, err = c.EnqueueKernel(nil, Range1(2), WorkSize{}, nil)
	assert.ErrorIs(t, err, ErrDispatch)
}

func TestContext_FaultPropagatesToDependents(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()

	a := upload(t, c, ReadOnly, []float32{1, 2, 3, 4})
	out, err := c.Allocate(numeric.Float32, 4, ReadWrite)
	require.NoError(t, err)
	k, _ := c.Kernel(OpCopyTo, numeric.Float32)

	// Work size past the end of the buffers faults inside the kernel.
	bad, err := c.EnqueueKernel(k, Range1(10), WorkSize{}, nil, a, out)
	require.NoError(t, err)
	assert.ErrorIs(t, bad.Wait(ctx), ErrDispatch)

	_, err = Read[float32](ctx, c, out, []*Event{bad})
	assert.ErrorIs(t, err, ErrDispatch)

	// The queue keeps serving independent work.
	got, err := Read[float32](ctx, c, a, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, got)
}

func TestContext_ParallelLaunch(t *testing.T) {
	c := newTestContext(t, WithWorkers(4))
	ctx := context.Background()

	const n = 100000
	xs := make([]int64, n)
	ys := make([]int64, n)
	for i := range xs {
		xs[i] = int64(i)
		ys[i] = int64(3 * i)
	}
	a := upload(t, c, ReadOnly, xs)
	b := upload(t, c, ReadOnly, ys)
	out, err := c.Allocate(numeric.Int64, n, WriteOnly)
	require.NoError(t, err)

	k, _ := c.Kernel(OpSub, numeric.Int64)
	ev, err := c.EnqueueKernel(k, Range1(n), Range1(64), nil, b, a, out)
	require.NoError(t, err)

	got, err := Read[int64](ctx, c, out, []*Event{ev})
	require.NoError(t, err)
	for i, v := range got {
		if v != int64(2*i) {
			t.Fatalf("sub mismatch at %d: got %d, want %d", i, v, 2*i)
		}
	}
}

func TestContext_ReadHonoursCancellation(t *testing.T) {
	c := newTestContext(t)

	// An event nobody completes stalls the queue behind it.
	stall := newEvent(0, "stall")
	a := upload(t, c, ReadOnly, []float32{1})
	out, err := c.Allocate(numeric.Float32, 1, WriteOnly)
	require.NoError(t, err)
	k, _ := c.Kernel(OpCopyTo, numeric.Float32)
	_, err = c.EnqueueKernel(k, Range1(1), WorkSize{}, []*Event{stall}, a, out)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Read[float32](ctx, c, a, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	stall.complete(nil)
	require.NoError(t, c.Finish(context.Background()))
}

func TestContext_Close(t *testing.T) {
	c, err := NewContext(WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	a := upload(t, c, ReadOnly, []int32{1, 2})
	require.NoError(t, c.Finish(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	k, _ := c.Kernel(OpCopyTo, numeric.Int32)
	_, err = c.EnqueueKernel(k, Range1(2), WorkSize{}, nil, a, a)
	assert.Error(t, err)

	_, err = c.EnqueueWrite(a, []int32{3, 4})
	assert.ErrorIs(t, err, ErrTransfer)

	assert.ErrorIs(t, c.Finish(context.Background()), ErrDispatch)
}

func TestCompactWait(t *testing.T) {
	e1 := newEvent(1, "a")
	e2 := newEvent(2, "b")
	assert.Nil(t, compactWait(nil))
	assert.Equal(t, []*Event{e1, e2}, compactWait([]*Event{nil, e1, e2, e1, nil}))
}
