package matrix

import (
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-devmat/internal/device"
	"github.com/23skdu/longbow-devmat/internal/numeric"
)

// dispatch enqueues op with a wait-list built from the producers of inputs
// and makes the new event the producer of out. Nothing changes on error.
func (m *Matrix[T]) dispatch(op device.Op, ws device.WorkSize, inputs []*Matrix[T], out *Matrix[T], args ...any) error {
	k, err := m.cc.Kernel(op, numeric.ElemOf[T]())
	if err != nil {
		return err
	}

	wait := make([]*device.Event, 0, len(inputs))
	for _, in := range inputs {
		if ev := in.producer.Load(); ev != nil {
			wait = append(wait, ev)
		}
	}

	ev, err := m.cc.EnqueueKernel(k, ws, device.WorkSize{}, wait, args...)
	if err != nil {
		return err
	}
	out.producer.Store(ev)
	return nil
}

func (m *Matrix[T]) sameContext(op device.Op, others ...*Matrix[T]) error {
	for _, o := range others {
		if o == nil {
			return errors.Wrapf(ErrShapeMismatch, "%s: nil operand", op)
		}
		if o.cc != m.cc {
			return errors.Wrap(ErrContextMismatch, op.String())
		}
	}
	return nil
}

func (m *Matrix[T]) sameLength(op device.Op, others ...*Matrix[T]) error {
	for _, o := range others {
		if o.Len() != m.Len() {
			return errors.Wrapf(ErrShapeMismatch, "%s: %dx%d and %dx%d differ in length", op, m.rows, m.columns, o.rows, o.columns)
		}
	}
	return nil
}

func notAliased[T numeric.Number](op device.Op, out *Matrix[T], inputs ...*Matrix[T]) error {
	for _, in := range inputs {
		if in.buf == out.buf {
			return errors.Wrap(ErrAliased, op.String())
		}
	}
	return nil
}

func (m *Matrix[T]) elementwise(op device.Op, other, out *Matrix[T]) error {
	if err := m.sameContext(op, other, out); err != nil {
		return err
	}
	if err := m.sameLength(op, other, out); err != nil {
		return err
	}
	return m.dispatch(op, device.Range1(m.Len()), []*Matrix[T]{m, other}, out, m.buf, other.buf, out.buf)
}

// Add enqueues out = m + other element-wise. out may be m or other.
func (m *Matrix[T]) Add(other, out *Matrix[T]) error {
	return m.elementwise(device.OpAdd, other, out)
}

// Sub enqueues out = m - other element-wise. out may be m or other.
func (m *Matrix[T]) Sub(other, out *Matrix[T]) error {
	return m.elementwise(device.OpSub, other, out)
}

// Multiply enqueues the element-wise (Hadamard) product. out may be m or other.
func (m *Matrix[T]) Multiply(other, out *Matrix[T]) error {
	return m.elementwise(device.OpMultiply, other, out)
}

// CopyTo enqueues a copy of m into out.
func (m *Matrix[T]) CopyTo(out *Matrix[T]) error {
	if err := m.sameContext(device.OpCopyTo, out); err != nil {
		return err
	}
	if err := m.sameLength(device.OpCopyTo, out); err != nil {
		return err
	}
	return m.dispatch(device.OpCopyTo, device.Range1(m.Len()), []*Matrix[T]{m}, out, m.buf, out.buf)
}

// Transpose enqueues out = mᵀ. out must be columns x rows and distinct from m.
func (m *Matrix[T]) Transpose(out *Matrix[T]) error {
	if err := m.sameContext(device.OpTranspose, out); err != nil {
		return err
	}
	if out.rows != m.columns || out.columns != m.rows {
		return errors.Wrapf(ErrShapeMismatch, "transpose: %dx%d into %dx%d", m.rows, m.columns, out.rows, out.columns)
	}
	if err := notAliased(device.OpTranspose, out, m); err != nil {
		return err
	}
	return m.dispatch(device.OpTranspose, device.Range2(m.rows, m.columns), []*Matrix[T]{m}, out,
		m.buf, out.buf, m.rows, m.columns)
}

// Dot enqueues the matrix product out = m · other.
func (m *Matrix[T]) Dot(other, out *Matrix[T]) error {
	if err := m.sameContext(device.OpDot, other, out); err != nil {
		return err
	}
	if m.columns != other.rows {
		return errors.Wrapf(ErrShapeMismatch, "dot: %dx%d · %dx%d", m.rows, m.columns, other.rows, other.columns)
	}
	if out.rows != m.rows || out.columns != other.columns {
		return errors.Wrapf(ErrShapeMismatch, "dot: result is %dx%d, output is %dx%d", m.rows, other.columns, out.rows, out.columns)
	}
	if err := notAliased(device.OpDot, out, m, other); err != nil {
		return err
	}
	return m.dispatch(device.OpDot, device.Range2(m.rows, other.columns), []*Matrix[T]{m, other}, out,
		m.buf, other.buf, out.buf, m.columns, other.columns)
}

func (m *Matrix[T]) threshold(op device.Op, t T, out *Matrix[T]) error {
	if err := m.sameContext(op, out); err != nil {
		return err
	}
	if err := m.sameLength(op, out); err != nil {
		return err
	}
	return m.dispatch(op, device.Range1(m.Len()), []*Matrix[T]{m}, out, m.buf, out.buf, t)
}

// Max enqueues out[i] = max(m[i], threshold).
func (m *Matrix[T]) Max(threshold T, out *Matrix[T]) error {
	return m.threshold(device.OpMax, threshold, out)
}

// Min enqueues out[i] = min(m[i], threshold).
func (m *Matrix[T]) Min(threshold T, out *Matrix[T]) error {
	return m.threshold(device.OpMin, threshold, out)
}

// DMax enqueues the derivative of Max: 1 where m[i] > threshold, else 0.
func (m *Matrix[T]) DMax(threshold T, out *Matrix[T]) error {
	return m.threshold(device.OpDMax, threshold, out)
}

// DMin enqueues the derivative of Min: 1 where m[i] < threshold, else 0.
func (m *Matrix[T]) DMin(threshold T, out *Matrix[T]) error {
	return m.threshold(device.OpDMin, threshold, out)
}

func (m *Matrix[T]) loss(op device.Op, train, out *Matrix[T]) error {
	if err := m.sameContext(op, train, out); err != nil {
		return err
	}
	if train.rows != m.rows || train.columns != m.columns {
		return errors.Wrapf(ErrShapeMismatch, "%s: prediction %dx%d, train %dx%d", op, m.rows, m.columns, train.rows, train.columns)
	}
	if out.Len() != m.columns {
		return errors.Wrapf(ErrShapeMismatch, "%s: output needs %d elements, has %d", op, m.columns, out.Len())
	}
	if err := notAliased(op, out, m, train); err != nil {
		return err
	}
	return m.dispatch(op, device.Range1(m.columns), []*Matrix[T]{m, train}, out,
		m.buf, train.buf, out.buf, m.rows, m.columns)
}

// MSE enqueues the per-column mean squared error of m against train.
// out holds one element per column.
func (m *Matrix[T]) MSE(train, out *Matrix[T]) error {
	return m.loss(device.OpMSE, train, out)
}

// DMSE enqueues the per-column gradient of MSE with respect to m:
// 2·mean(m - train) over each column.
func (m *Matrix[T]) DMSE(train, out *Matrix[T]) error {
	return m.loss(device.OpDMSE, train, out)
}
