package nn

import (
	"github.com/23skdu/longbow-devmat/internal/cache"
	"github.com/23skdu/longbow-devmat/internal/dense"
	"github.com/23skdu/longbow-devmat/internal/device"
	"github.com/23skdu/longbow-devmat/internal/matrix"
)

// SGD applies plain gradient descent: param -= rate * grad. The rate is
// broadcast through a read-only matrix per parameter shape, built on first use.
type SGD[T Float] struct {
	cc    *device.Context
	rate  T
	rates *cache.MapCache[[2]int, *matrix.Matrix[T]]
}

func NewSGD[T Float](cc *device.Context, rate float64) *SGD[T] {
	return &SGD[T]{
		cc:    cc,
		rate:  T(rate),
		rates: cache.NewMapCache[[2]int, *matrix.Matrix[T]](),
	}
}

// Step enqueues the update of param. grad is scaled in place.
func (s *SGD[T]) Step(param, grad *matrix.Matrix[T]) error {
	rows, cols := grad.Dims()
	rate, err := s.rates.GetOrCreate([2]int{rows, cols}, func() (*matrix.Matrix[T], error) {
		return matrix.FromMatrix(s.cc, dense.Filled(rows, cols, s.rate), device.ReadOnly)
	})
	if err != nil {
		return err
	}
	if err := grad.Multiply(rate, grad); err != nil {
		return err
	}
	return param.Sub(grad, param)
}

func (s *SGD[T]) Release() {
	s.rates.Drain(func(_ [2]int, m *matrix.Matrix[T]) { m.Release() })
}
