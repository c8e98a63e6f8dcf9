package device

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/23skdu/longbow-devmat/internal/numeric"
)

// Buffer is a block of device memory holding length elements of one type.
// Its contents are only touched by commands running on the owning queue.
type Buffer struct {
	ctx      *Context
	id       uint64
	elem     numeric.Elem
	mode     Mode
	length   int
	data     any // []T matching elem
	released atomic.Bool
}

func (b *Buffer) ID() uint64         { return b.id }
func (b *Buffer) Elem() numeric.Elem { return b.elem }
func (b *Buffer) Mode() Mode         { return b.mode }
func (b *Buffer) Len() int           { return b.length }

// Bytes is the allocation size charged against the context's memory limit.
func (b *Buffer) Bytes() int64 {
	return int64(b.length) * int64(b.elem.Size())
}

// Release returns the buffer's memory to the context. Commands already
// enqueued against the buffer still complete; new ones are rejected.
// Release is idempotent.
func (b *Buffer) Release() {
	if b.released.Swap(true) {
		return
	}
	b.ctx.free(b)
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool { return b.released.Load() }

// makeSlice allocates the backing store of a buffer. Lengths the runtime
// cannot allocate fail with ErrAllocation instead of panicking.
func makeSlice(elem numeric.Elem, n int) (s any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s, err = nil, errors.Wrapf(ErrAllocation, "%v", r)
		}
	}()
	switch elem {
	case numeric.Int32:
		return make([]int32, n), nil
	case numeric.Int64:
		return make([]int64, n), nil
	case numeric.Float32:
		return make([]float32, n), nil
	case numeric.Float64:
		return make([]float64, n), nil
	}
	return nil, errors.Wrapf(ErrAllocation, "invalid element type %d", elem)
}

// sliceInfo returns the element type and length of a host slice.
func sliceInfo(v any) (numeric.Elem, int) {
	switch s := v.(type) {
	case []int32:
		return numeric.Int32, len(s)
	case []int64:
		return numeric.Int64, len(s)
	case []float32:
		return numeric.Float32, len(s)
	case []float64:
		return numeric.Float64, len(s)
	}
	return numeric.Invalid, 0
}

func cloneSlice(v any) any {
	switch s := v.(type) {
	case []int32:
		return slices.Clone(s)
	case []int64:
		return slices.Clone(s)
	case []float32:
		return slices.Clone(s)
	case []float64:
		return slices.Clone(s)
	}
	panic(fmt.Sprintf("device: unsupported slice type %T", v))
}

func copySlice(dst, src any) {
	switch d := dst.(type) {
	case []int32:
		copy(d, src.([]int32))
	case []int64:
		copy(d, src.([]int64))
	case []float32:
		copy(d, src.([]float32))
	case []float64:
		copy(d, src.([]float64))
	default:
		panic(fmt.Sprintf("device: unsupported slice type %T", dst))
	}
}

// scalarElem returns the element type of a kernel scalar argument.
func scalarElem(v any) numeric.Elem {
	switch v.(type) {
	case int32:
		return numeric.Int32
	case int64:
		return numeric.Int64
	case float32:
		return numeric.Float32
	case float64:
		return numeric.Float64
	}
	return numeric.Invalid
}
