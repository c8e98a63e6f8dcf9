// Package matrix implements device-resident matrices.
//
// A Matrix owns one device buffer and remembers the event of the last
// operation that wrote it (its producer). Every operation waits on the
// producers of the matrices it reads and installs its own completion event as
// the producer of its output, so chains like
//
//	a.Add(b, c)
//	c.Multiply(a, d)
//	d.Get(ctx)
//
// are correctly ordered without the caller inserting any waits. Only Get
// blocks the calling goroutine.
//
// Outputs are always supplied by the caller. Element-wise operations may write
// into one of their own inputs; transpose, dot, mse and dmse may not.
package matrix

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-devmat/internal/dense"
	"github.com/23skdu/longbow-devmat/internal/device"
	"github.com/23skdu/longbow-devmat/internal/numeric"
)

var tracer = otel.Tracer("github.com/23skdu/longbow-devmat/internal/matrix")

// Matrix is a rows x columns matrix of T resident in device memory.
type Matrix[T numeric.Number] struct {
	cc      *device.Context
	rows    int
	columns int
	buf     *device.Buffer

	// producer is swapped atomically so readers on other goroutines never
	// observe a torn update.
	producer atomic.Pointer[device.Event]
}

// New allocates an uninitialized matrix. No device work is enqueued and the
// matrix has no producer. Zero-sized dimensions, and shapes whose element
// count overflows int, fail with device.ErrAllocation.
func New[T numeric.Number](cc *device.Context, rows, columns int, mode device.Mode) (*Matrix[T], error) {
	if cc == nil {
		return nil, errors.Wrap(device.ErrAllocation, "nil compute context")
	}
	if rows <= 0 || columns <= 0 {
		return nil, errors.Wrapf(device.ErrAllocation, "invalid shape %dx%d", rows, columns)
	}
	if columns > math.MaxInt/rows {
		return nil, errors.Wrapf(device.ErrAllocation, "shape %dx%d overflows the element count", rows, columns)
	}
	buf, err := cc.Allocate(numeric.ElemOf[T](), rows*columns, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "allocate %dx%d", rows, columns)
	}
	return &Matrix[T]{
		cc:      cc,
		rows:    rows,
		columns: columns,
		buf:     buf,
	}, nil
}

// FromMatrix allocates a matrix shaped like host and enqueues the upload of
// its contents. The upload is ordered before anything later enqueued on cc,
// so the matrix starts without a producer.
func FromMatrix[T numeric.Number](cc *device.Context, host *dense.Matrix[T], mode device.Mode) (*Matrix[T], error) {
	if host == nil {
		return nil, errors.Wrap(device.ErrAllocation, "nil host matrix")
	}
	m, err := New[T](cc, host.Rows(), host.Columns(), mode)
	if err != nil {
		return nil, err
	}
	if _, err := device.Write(cc, m.buf, host.Data()); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

func (m *Matrix[T]) Rows() int                { return m.rows }
func (m *Matrix[T]) Columns() int             { return m.columns }
func (m *Matrix[T]) Dims() (int, int)         { return m.rows, m.columns }
func (m *Matrix[T]) Len() int                 { return m.rows * m.columns }
func (m *Matrix[T]) Mode() device.Mode        { return m.buf.Mode() }
func (m *Matrix[T]) Context() *device.Context { return m.cc }

// Producer returns the event of the last operation that wrote the matrix,
// or nil if none has.
func (m *Matrix[T]) Producer() *device.Event {
	return m.producer.Load()
}

// Release frees the device buffer. The matrix must not be used afterwards.
func (m *Matrix[T]) Release() {
	m.buf.Release()
}

func (m *Matrix[T]) String() string {
	return fmt.Sprintf("matrix.Matrix[%s](%dx%d, %s)", numeric.ElemOf[T]().Name(), m.rows, m.columns, m.buf.Mode())
}

// Get waits for the producer, if any, and downloads the matrix. The producer
// is left in place, so repeated calls re-wait on an already completed event.
func (m *Matrix[T]) Get(ctx context.Context) (*dense.Matrix[T], error) {
	ctx, span := tracer.Start(ctx, "matrix.Get", trace.WithAttributes(
		attribute.Int("rows", m.rows),
		attribute.Int("columns", m.columns),
	))
	defer span.End()

	var wait []*device.Event
	if ev := m.producer.Load(); ev != nil {
		wait = []*device.Event{ev}
	}
	data, err := device.Read[T](ctx, m.cc, m.buf, wait)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		return nil, err
	}
	return dense.FromSlice(m.rows, m.columns, data)
}

// Set overwrites the matrix contents with host. It neither waits on nor
// replaces the producer: a Set issued while a write to this matrix is still
// pending is ordered only by the queue.
func (m *Matrix[T]) Set(host *dense.Matrix[T]) error {
	if host == nil {
		return errors.Wrap(device.ErrTransfer, "nil host matrix")
	}
	if host.Rows() != m.rows || host.Columns() != m.columns {
		return errors.Wrapf(ErrShapeMismatch, "set %dx%d from %dx%d", m.rows, m.columns, host.Rows(), host.Columns())
	}
	_, err := device.Write(m.cc, m.buf, host.Data())
	return err
}
