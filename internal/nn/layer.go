// Package nn trains small fully connected networks whose every forward and
// backward step runs as device matrix operations. Only loss reports and
// predictions read results back to the host.
package nn

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-devmat/internal/dense"
	"github.com/23skdu/longbow-devmat/internal/device"
	"github.com/23skdu/longbow-devmat/internal/matrix"
)

// Float is the set of element types a network can be trained in.
type Float interface {
	float32 | float64
}

// Activation is applied to a layer's affine output.
type Activation uint8

const (
	Linear Activation = iota
	ReLU
)

func (a Activation) String() string {
	switch a {
	case Linear:
		return "linear"
	case ReLU:
		return "relu"
	}
	return fmt.Sprintf("Activation(%d)", uint8(a))
}

// ParseActivation is the inverse of Activation.String.
func ParseActivation(s string) (Activation, error) {
	switch s {
	case "linear":
		return Linear, nil
	case "relu":
		return ReLU, nil
	}
	return 0, errors.Errorf("nn: unknown activation %q", s)
}

// Dense is a fully connected layer: act(x · W + b).
type Dense[T Float] struct {
	in, out int
	act     Activation
	w       *matrix.Matrix[T] // in x out
	b       *matrix.Matrix[T] // 1 x out
}

// NewDense allocates a layer with Glorot-uniform weights drawn from src and
// zero bias.
func NewDense[T Float](cc *device.Context, in, out int, act Activation, src rand.Source) (*Dense[T], error) {
	bound := math.Sqrt(6 / float64(in+out))
	dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}

	w := dense.New[T](in, out)
	for i := range w.Data() {
		w.Data()[i] = T(dist.Rand())
	}
	return NewDenseFrom(cc, w, dense.New[T](1, out), act)
}

// NewDenseFrom uploads existing weights (in x out) and bias (1 x out).
func NewDenseFrom[T Float](cc *device.Context, w, b *dense.Matrix[T], act Activation) (*Dense[T], error) {
	if w == nil || b == nil {
		return nil, errors.New("nn: nil layer parameters")
	}
	if b.Rows() != 1 || b.Columns() != w.Columns() {
		return nil, errors.Wrapf(matrix.ErrShapeMismatch, "nn: bias %dx%d for weights %dx%d", b.Rows(), b.Columns(), w.Rows(), w.Columns())
	}
	dw, err := matrix.FromMatrix(cc, w, device.ReadWrite)
	if err != nil {
		return nil, errors.Wrap(err, "upload weights")
	}
	db, err := matrix.FromMatrix(cc, b, device.ReadWrite)
	if err != nil {
		dw.Release()
		return nil, errors.Wrap(err, "upload bias")
	}
	return &Dense[T]{in: w.Rows(), out: w.Columns(), act: act, w: dw, b: db}, nil
}

func (l *Dense[T]) In() int                    { return l.in }
func (l *Dense[T]) Out() int                   { return l.out }
func (l *Dense[T]) Activation() Activation     { return l.act }
func (l *Dense[T]) Weights() *matrix.Matrix[T] { return l.w }
func (l *Dense[T]) Bias() *matrix.Matrix[T]    { return l.b }

func (l *Dense[T]) Release() {
	l.w.Release()
	l.b.Release()
}

// layerSpace holds the per-batch intermediates of one layer.
type layerSpace[T Float] struct {
	bias *matrix.Matrix[T] // batch x out, b broadcast over rows
	z    *matrix.Matrix[T] // batch x out, pre-activation
	a    *matrix.Matrix[T] // batch x out, activation (z itself for Linear)
	mask *matrix.Matrix[T] // batch x out, activation derivative
	dZ   *matrix.Matrix[T] // batch x out
	xT   *matrix.Matrix[T] // in x batch
	wT   *matrix.Matrix[T] // out x in
	dW   *matrix.Matrix[T] // in x out
	db   *matrix.Matrix[T] // 1 x out
	dX   *matrix.Matrix[T] // batch x in
}

type slot[T Float] struct {
	dst        **matrix.Matrix[T]
	rows, cols int
}

func (l *Dense[T]) newSpace(cc *device.Context, batch int) (*layerSpace[T], error) {
	s := &layerSpace[T]{}
	slots := []slot[T]{
		{&s.bias, batch, l.out},
		{&s.z, batch, l.out},
		{&s.xT, l.in, batch},
		{&s.wT, l.out, l.in},
		{&s.dW, l.in, l.out},
		{&s.db, 1, l.out},
		{&s.dX, batch, l.in},
	}
	if l.act == ReLU {
		slots = append(slots,
			slot[T]{&s.a, batch, l.out},
			slot[T]{&s.mask, batch, l.out},
			slot[T]{&s.dZ, batch, l.out},
		)
	}
	for _, sl := range slots {
		m, err := matrix.New[T](cc, sl.rows, sl.cols, device.ReadWrite)
		if err != nil {
			s.release()
			return nil, errors.Wrapf(err, "layer %dx%d workspace", l.in, l.out)
		}
		*sl.dst = m
	}
	if l.act == Linear {
		s.a = s.z
	}
	return s, nil
}

func (s *layerSpace[T]) release() {
	for _, m := range []*matrix.Matrix[T]{s.bias, s.z, s.mask, s.dZ, s.xT, s.wT, s.dW, s.db, s.dX} {
		if m != nil {
			m.Release()
		}
	}
	if s.a != s.z && s.a != nil {
		s.a.Release()
	}
}

// forward enqueues s.a = act(x · W + b).
func (l *Dense[T]) forward(ws *workspace[T], s *layerSpace[T], x *matrix.Matrix[T]) error {
	if err := x.Dot(l.w, s.z); err != nil {
		return err
	}
	if err := ws.onesCol.Dot(l.b, s.bias); err != nil {
		return err
	}
	if err := s.z.Add(s.bias, s.z); err != nil {
		return err
	}
	if l.act == ReLU {
		return s.z.Max(0, s.a)
	}
	return nil
}

// backward enqueues the parameter gradients for upstream gradient dA and,
// when wantInput is set, the gradient with respect to x in s.dX. With
// withBias unset the caller has already produced s.db.
func (l *Dense[T]) backward(ws *workspace[T], s *layerSpace[T], x, dA *matrix.Matrix[T], withBias, wantInput bool) error {
	dZ := dA
	if l.act == ReLU {
		if err := s.z.DMax(0, s.mask); err != nil {
			return err
		}
		if err := dA.Multiply(s.mask, s.dZ); err != nil {
			return err
		}
		dZ = s.dZ
	}

	if err := x.Transpose(s.xT); err != nil {
		return err
	}
	if err := s.xT.Dot(dZ, s.dW); err != nil {
		return err
	}
	if withBias {
		if err := ws.onesRow.Dot(dZ, s.db); err != nil {
			return err
		}
	}
	if !wantInput {
		return nil
	}
	if err := l.w.Transpose(s.wT); err != nil {
		return err
	}
	return dZ.Dot(s.wT, s.dX)
}
