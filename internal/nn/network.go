package nn

import (
	"context"
	"math/rand/v2"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-devmat/internal/cache"
	"github.com/23skdu/longbow-devmat/internal/dense"
	"github.com/23skdu/longbow-devmat/internal/device"
	"github.com/23skdu/longbow-devmat/internal/matrix"
)

var tracer = otel.Tracer("github.com/23skdu/longbow-devmat/internal/nn")

// Network is a stack of dense layers sharing one compute context. It is not
// safe for concurrent use: calls share cached per-batch workspaces.
type Network[T Float] struct {
	cc     *device.Context
	layers []*Dense[T]
	spaces *cache.MapCache[int, *workspace[T]]
}

// workspace holds everything a forward/backward pass over one batch size needs.
type workspace[T Float] struct {
	onesCol *matrix.Matrix[T] // batch x 1
	onesRow *matrix.Matrix[T] // 1 x batch
	layers  []*layerSpace[T]
}

func (w *workspace[T]) release() {
	for _, s := range w.layers {
		s.release()
	}
	for _, m := range []*matrix.Matrix[T]{w.onesCol, w.onesRow} {
		if m != nil {
			m.Release()
		}
	}
}

// NewNetwork builds a network with the given layer widths: sizes[0] inputs,
// ReLU hidden layers and a linear output layer of sizes[len-1] units.
func NewNetwork[T Float](cc *device.Context, sizes []int, seed uint64) (*Network[T], error) {
	if len(sizes) < 2 {
		return nil, errors.Errorf("nn: need at least input and output sizes, got %v", sizes)
	}
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)

	layers := make([]*Dense[T], 0, len(sizes)-1)
	for i := 1; i < len(sizes); i++ {
		act := ReLU
		if i == len(sizes)-1 {
			act = Linear
		}
		l, err := NewDense[T](cc, sizes[i-1], sizes[i], act, src)
		if err != nil {
			for _, l := range layers {
				l.Release()
			}
			return nil, errors.Wrapf(err, "layer %d", i-1)
		}
		layers = append(layers, l)
	}
	return FromLayers(cc, layers...)
}

// FromLayers assembles a network from existing layers. Adjacent widths must agree.
func FromLayers[T Float](cc *device.Context, layers ...*Dense[T]) (*Network[T], error) {
	if len(layers) == 0 {
		return nil, errors.New("nn: network without layers")
	}
	for i := 1; i < len(layers); i++ {
		if layers[i-1].out != layers[i].in {
			return nil, errors.Wrapf(matrix.ErrShapeMismatch, "nn: layer %d outputs %d, layer %d takes %d", i-1, layers[i-1].out, i, layers[i].in)
		}
	}
	return &Network[T]{
		cc:     cc,
		layers: layers,
		spaces: cache.NewMapCache[int, *workspace[T]](),
	}, nil
}

func (n *Network[T]) Layers() []*Dense[T] { return n.layers }
func (n *Network[T]) Inputs() int         { return n.layers[0].in }
func (n *Network[T]) Outputs() int        { return n.layers[len(n.layers)-1].out }

// Release frees the layers and every cached workspace.
func (n *Network[T]) Release() {
	n.spaces.Drain(func(_ int, w *workspace[T]) { w.release() })
	for _, l := range n.layers {
		l.Release()
	}
}

func (n *Network[T]) workspace(batch int) (*workspace[T], error) {
	return n.spaces.GetOrCreate(batch, func() (*workspace[T], error) {
		w := &workspace[T]{}
		var err error
		if w.onesCol, err = matrix.FromMatrix(n.cc, dense.Filled[T](batch, 1, 1), device.ReadOnly); err != nil {
			return nil, err
		}
		if w.onesRow, err = matrix.FromMatrix(n.cc, dense.Filled[T](1, batch, 1), device.ReadOnly); err != nil {
			w.release()
			return nil, err
		}
		for _, l := range n.layers {
			s, err := l.newSpace(n.cc, batch)
			if err != nil {
				w.release()
				return nil, err
			}
			w.layers = append(w.layers, s)
		}
		log.Debug().Int("batch", batch).Int("layers", len(n.layers)).Msg("Network workspace allocated")
		return w, nil
	})
}

func (n *Network[T]) forward(ws *workspace[T], x *matrix.Matrix[T]) (*matrix.Matrix[T], error) {
	in := x
	for i, l := range n.layers {
		if err := l.forward(ws, ws.layers[i], in); err != nil {
			return nil, errors.Wrapf(err, "forward layer %d", i)
		}
		in = ws.layers[i].a
	}
	return in, nil
}

func (n *Network[T]) checkInput(x *dense.Matrix[T]) error {
	if x == nil || x.Rows() == 0 {
		return errors.Wrap(matrix.ErrShapeMismatch, "nn: empty batch")
	}
	if x.Columns() != n.Inputs() {
		return errors.Wrapf(matrix.ErrShapeMismatch, "nn: batch has %d features, network takes %d", x.Columns(), n.Inputs())
	}
	return nil
}

// Predict runs a forward pass over x and downloads the output.
func (n *Network[T]) Predict(ctx context.Context, x *dense.Matrix[T]) (*dense.Matrix[T], error) {
	if err := n.checkInput(x); err != nil {
		return nil, err
	}
	ws, err := n.workspace(x.Rows())
	if err != nil {
		return nil, err
	}
	dx, err := matrix.FromMatrix(n.cc, x, device.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer dx.Release()

	out, err := n.forward(ws, dx)
	if err != nil {
		return nil, err
	}
	return out.Get(ctx)
}

// TrainOptions controls Train.
type TrainOptions struct {
	Epochs       int
	LearningRate float64

	// ReportEvery reads the loss back every that many epochs. The final
	// epoch is always reported. Zero reports only the final epoch.
	ReportEvery int
	OnReport    func(epoch int, loss float64)
}

// trainSpace holds the loss-side matrices of one Train call.
type trainSpace[T Float] struct {
	y     *matrix.Matrix[T] // batch x outputs
	grad  *matrix.Matrix[T] // batch x outputs, dLoss/dPrediction
	scale *matrix.Matrix[T] // batch x outputs, filled with 2/batch
	loss  *matrix.Matrix[T] // 1 x outputs
}

func (t *trainSpace[T]) release() {
	for _, m := range []*matrix.Matrix[T]{t.y, t.grad, t.scale, t.loss} {
		if m != nil {
			m.Release()
		}
	}
}

// Train fits the network to (x, y) by full-batch gradient descent on the
// mean squared error and returns the loss of the final epoch, measured before
// its update.
func (n *Network[T]) Train(ctx context.Context, x, y *dense.Matrix[T], opts TrainOptions) (float64, error) {
	if err := n.checkInput(x); err != nil {
		return 0, err
	}
	if y == nil || y.Rows() != x.Rows() || y.Columns() != n.Outputs() {
		return 0, errors.Wrapf(matrix.ErrShapeMismatch, "nn: targets must be %dx%d", x.Rows(), n.Outputs())
	}
	if opts.Epochs <= 0 {
		return 0, errors.Errorf("nn: epochs must be positive, got %d", opts.Epochs)
	}
	if opts.LearningRate <= 0 {
		return 0, errors.Errorf("nn: learning rate must be positive, got %g", opts.LearningRate)
	}

	ctx, span := tracer.Start(ctx, "nn.Train", trace.WithAttributes(
		attribute.Int("epochs", opts.Epochs),
		attribute.Int("batch", x.Rows()),
		attribute.Float64("learning_rate", opts.LearningRate),
	))
	defer span.End()

	loss, err := n.train(ctx, span, x, y, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "training failed")
		return 0, err
	}
	span.SetAttributes(attribute.Float64("loss", loss))
	return loss, nil
}

func (n *Network[T]) train(ctx context.Context, span trace.Span, x, y *dense.Matrix[T], opts TrainOptions) (float64, error) {
	batch := x.Rows()
	ws, err := n.workspace(batch)
	if err != nil {
		return 0, err
	}

	dx, err := matrix.FromMatrix(n.cc, x, device.ReadOnly)
	if err != nil {
		return 0, err
	}
	defer dx.Release()

	ts := &trainSpace[T]{}
	defer ts.release()
	if ts.y, err = matrix.FromMatrix(n.cc, y, device.ReadOnly); err != nil {
		return 0, err
	}
	if ts.scale, err = matrix.FromMatrix(n.cc, dense.Filled(batch, n.Outputs(), T(2)/T(batch)), device.ReadOnly); err != nil {
		return 0, err
	}
	if ts.grad, err = matrix.New[T](n.cc, batch, n.Outputs(), device.ReadWrite); err != nil {
		return 0, err
	}
	if ts.loss, err = matrix.New[T](n.cc, 1, n.Outputs(), device.ReadWrite); err != nil {
		return 0, err
	}

	opt := NewSGD[T](n.cc, opts.LearningRate)
	defer opt.Release()

	var last float64
	for epoch := 1; epoch <= opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := n.step(ws, ts, dx, opt); err != nil {
			return 0, errors.Wrapf(err, "epoch %d", epoch)
		}

		report := epoch == opts.Epochs || (opts.ReportEvery > 0 && epoch%opts.ReportEvery == 0)
		if !report {
			continue
		}
		if last, err = n.readLoss(ctx, ts.loss); err != nil {
			return 0, errors.Wrapf(err, "epoch %d", epoch)
		}
		span.AddEvent("loss", trace.WithAttributes(
			attribute.Int("epoch", epoch),
			attribute.Float64("loss", last),
		))
		log.Debug().Int("epoch", epoch).Float64("loss", last).Msg("Training progress")
		if opts.OnReport != nil {
			opts.OnReport(epoch, last)
		}
	}
	return last, nil
}

// step enqueues one forward pass, the loss, the backward pass and the
// parameter updates. Nothing here blocks.
func (n *Network[T]) step(ws *workspace[T], ts *trainSpace[T], x *matrix.Matrix[T], opt *SGD[T]) error {
	pred, err := n.forward(ws, x)
	if err != nil {
		return err
	}

	if err := pred.MSE(ts.y, ts.loss); err != nil {
		return err
	}
	if err := pred.Sub(ts.y, ts.grad); err != nil {
		return err
	}
	if err := ts.grad.Multiply(ts.scale, ts.grad); err != nil {
		return err
	}

	lastIdx := len(n.layers) - 1
	// For a linear output layer the bias gradient is the column sum of the
	// loss gradient, which is exactly what DMSE computes.
	outputBias := n.layers[lastIdx].act == ReLU
	if !outputBias {
		if err := pred.DMSE(ts.y, ws.layers[lastIdx].db); err != nil {
			return err
		}
	}

	dA := ts.grad
	for i := lastIdx; i >= 0; i-- {
		in := x
		if i > 0 {
			in = ws.layers[i-1].a
		}
		withBias := i != lastIdx || outputBias
		if err := n.layers[i].backward(ws, ws.layers[i], in, dA, withBias, i > 0); err != nil {
			return errors.Wrapf(err, "backward layer %d", i)
		}
		dA = ws.layers[i].dX
	}

	for i, l := range n.layers {
		if err := opt.Step(l.w, ws.layers[i].dW); err != nil {
			return errors.Wrapf(err, "update layer %d weights", i)
		}
		if err := opt.Step(l.b, ws.layers[i].db); err != nil {
			return errors.Wrapf(err, "update layer %d bias", i)
		}
	}
	return nil
}

// readLoss downloads the per-column loss and averages it.
func (n *Network[T]) readLoss(ctx context.Context, loss *matrix.Matrix[T]) (float64, error) {
	h, err := loss.Get(ctx)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, v := range h.Data() {
		sum += float64(v)
	}
	return sum / float64(h.Len()), nil
}
