package nn

import (
	"context"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/23skdu/longbow-devmat/internal/dense"
	"github.com/23skdu/longbow-devmat/internal/device"
	"github.com/23skdu/longbow-devmat/internal/numeric"
)

// LayerSnapshot is the host copy of one layer's parameters.
type LayerSnapshot[T Float] struct {
	Activation string           `cbor:"activation"`
	W          *dense.Matrix[T] `cbor:"w"`
	B          *dense.Matrix[T] `cbor:"b"`
}

// Snapshot is the persisted form of a Network.
type Snapshot[T Float] struct {
	Elem   string             `cbor:"elem"`
	Layers []LayerSnapshot[T] `cbor:"layers"`
}

// Snapshot downloads every layer's parameters.
func (n *Network[T]) Snapshot(ctx context.Context) (*Snapshot[T], error) {
	s := &Snapshot[T]{Elem: numeric.ElemOf[T]().Name()}
	for i, l := range n.layers {
		w, err := l.w.Get(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d weights", i)
		}
		b, err := l.b.Get(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d bias", i)
		}
		s.Layers = append(s.Layers, LayerSnapshot[T]{Activation: l.act.String(), W: w, B: b})
	}
	return s, nil
}

// Save writes the network's parameters as CBOR.
func (n *Network[T]) Save(ctx context.Context, w io.Writer) error {
	s, err := n.Snapshot(ctx)
	if err != nil {
		return err
	}
	return errors.Wrap(cbor.NewEncoder(w).Encode(s), "encode snapshot")
}

// Load reads a network written by Save onto cc.
func Load[T Float](cc *device.Context, r io.Reader) (*Network[T], error) {
	var s Snapshot[T]
	if err := cbor.NewDecoder(r).Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	if want := numeric.ElemOf[T]().Name(); s.Elem != want {
		return nil, errors.Errorf("nn: snapshot holds %s parameters, want %s", s.Elem, want)
	}

	layers := make([]*Dense[T], 0, len(s.Layers))
	release := func() {
		for _, l := range layers {
			l.Release()
		}
	}
	for i, ls := range s.Layers {
		act, err := ParseActivation(ls.Activation)
		if err != nil {
			release()
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		l, err := NewDenseFrom(cc, ls.W, ls.B, act)
		if err != nil {
			release()
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		layers = append(layers, l)
	}
	n, err := FromLayers(cc, layers...)
	if err != nil {
		release()
		return nil, err
	}
	return n, nil
}
