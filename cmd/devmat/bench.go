package main

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-devmat/internal/dense"
	"github.com/23skdu/longbow-devmat/internal/device"
	"github.com/23skdu/longbow-devmat/internal/matrix"
	"github.com/23skdu/longbow-devmat/internal/numeric"
)

type benchOptions struct {
	size        int
	iterations  int
	pipelines   int
	concurrency int
	duration    time.Duration
	verify      bool
	seed        uint64
}

func benchCmd() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "Run the chained C = A + B; D = C * A; E = D · Aᵀ benchmark",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "size", Aliases: []string{"n"}, Value: 256, Usage: "Square matrix size"},
			&cli.IntFlag{Name: "iterations", Value: 20, Usage: "Chain iterations per pipeline"},
			&cli.IntFlag{Name: "pipelines", Value: 1, Usage: "Independent chains per round"},
			&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "Pipelines enqueueing at the same time"},
			&cli.StringFlag{Name: "elem", Value: "float", Usage: "Element type (int, long, float, double)"},
			&cli.DurationFlag{Name: "duration", Usage: "Repeat rounds for this long (soak test, e.g. 10s, 20m)"},
			&cli.BoolFlag{Name: "verify", Usage: "Check device results against the host reference"},
			&cli.Uint64Flag{Name: "seed", Value: 1, Usage: "Input data seed"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus /metrics on this address (e.g. :9100)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts := benchOptions{
				size:        cmd.Int("size"),
				iterations:  cmd.Int("iterations"),
				pipelines:   cmd.Int("pipelines"),
				concurrency: cmd.Int("concurrency"),
				duration:    cmd.Duration("duration"),
				verify:      cmd.Bool("verify"),
				seed:        cmd.Uint64("seed"),
			}
			if opts.size < 1 || opts.iterations < 1 || opts.pipelines < 1 || opts.concurrency < 1 {
				return errors.New("size, iterations, pipelines and concurrency must be positive")
			}

			if addr := cmd.String("metrics-addr"); addr != "" {
				stop := serveMetrics(addr)
				defer stop()
			}

			elem, err := numeric.ParseElem(cmd.String("elem"))
			if err != nil {
				return err
			}
			cc, err := newDeviceContext()
			if err != nil {
				return err
			}
			defer cc.Close()

			switch elem {
			case numeric.Int32:
				return runBench[int32](ctx, cmd, cc, opts)
			case numeric.Int64:
				return runBench[int64](ctx, cmd, cc, opts)
			case numeric.Float32:
				return runBench[float32](ctx, cmd, cc, opts)
			default:
				return runBench[float64](ctx, cmd, cc, opts)
			}
		},
	}
}

func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// pipeline is one independent chain of device matrices.
type pipeline[T numeric.Number] struct {
	ha, hb   *dense.Matrix[T]
	a, at, b *matrix.Matrix[T]
	c, d, e  *matrix.Matrix[T]
}

// randomInts fills a matrix with small integers so every elem type computes
// the chain exactly.
func randomInts[T numeric.Number](r *rand.Rand, n int) *dense.Matrix[T] {
	m := dense.New[T](n, n)
	for i := range m.Data() {
		m.Data()[i] = T(r.IntN(9) - 4)
	}
	return m
}

func newPipeline[T numeric.Number](cc *device.Context, n int, seed uint64) (*pipeline[T], error) {
	r := rand.New(rand.NewPCG(seed, seed+1))
	p := &pipeline[T]{ha: randomInts[T](r, n), hb: randomInts[T](r, n)}

	var err error
	if p.a, err = matrix.FromMatrix(cc, p.ha, device.ReadOnly); err != nil {
		return nil, err
	}
	if p.b, err = matrix.FromMatrix(cc, p.hb, device.ReadOnly); err != nil {
		p.release()
		return nil, err
	}
	for _, dst := range []**matrix.Matrix[T]{&p.at, &p.c, &p.d} {
		if *dst, err = matrix.New[T](cc, n, n, device.ReadWrite); err != nil {
			p.release()
			return nil, err
		}
	}
	if p.e, err = matrix.New[T](cc, n, n, device.WriteOnly); err != nil {
		p.release()
		return nil, err
	}
	if err := p.a.Transpose(p.at); err != nil {
		p.release()
		return nil, err
	}
	return p, nil
}

func (p *pipeline[T]) release() {
	for _, m := range []*matrix.Matrix[T]{p.a, p.at, p.b, p.c, p.d, p.e} {
		if m != nil {
			m.Release()
		}
	}
}

// run enqueues the chain iterations times and waits only for the final E.
func (p *pipeline[T]) run(ctx context.Context, iterations int) (*dense.Matrix[T], error) {
	for i := 0; i < iterations; i++ {
		if err := p.a.Add(p.b, p.c); err != nil {
			return nil, err
		}
		if err := p.c.Multiply(p.a, p.d); err != nil {
			return nil, err
		}
		if err := p.d.Dot(p.at, p.e); err != nil {
			return nil, err
		}
	}
	return p.e.Get(ctx)
}

// reference computes E on the host.
func (p *pipeline[T]) reference() (*dense.Matrix[T], error) {
	c, err := p.ha.Add(p.hb)
	if err != nil {
		return nil, err
	}
	d, err := c.MulElem(p.ha)
	if err != nil {
		return nil, err
	}
	return d.Mul(p.ha.T())
}

// runRound runs every pipeline once, at most opts.concurrency at a time.
func runRound[T numeric.Number](ctx context.Context, pipes []*pipeline[T], opts benchOptions) error {
	sem := semaphore.NewWeighted(int64(opts.concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pipes {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			e, err := p.run(gctx, opts.iterations)
			if err != nil {
				return errors.Wrapf(err, "pipeline %d", i)
			}
			if !opts.verify {
				return nil
			}
			want, err := p.reference()
			if err != nil {
				return err
			}
			if !want.Equal(e) {
				return errors.Errorf("pipeline %d: device result differs from host reference", i)
			}
			return nil
		})
	}
	return g.Wait()
}

func runBench[T numeric.Number](ctx context.Context, cmd *cli.Command, cc *device.Context, opts benchOptions) error {
	pipes := make([]*pipeline[T], 0, opts.pipelines)
	defer func() {
		for _, p := range pipes {
			p.release()
		}
	}()
	for i := 0; i < opts.pipelines; i++ {
		p, err := newPipeline[T](cc, opts.size, opts.seed+uint64(i))
		if err != nil {
			return errors.Wrapf(err, "pipeline %d", i)
		}
		pipes = append(pipes, p)
	}

	elem := numeric.ElemOf[T]()
	log.Info().
		Str("device", cc.Name()).
		Str("elem", elem.Name()).
		Int("size", opts.size).
		Int("iterations", opts.iterations).
		Int("pipelines", opts.pipelines).
		Int("workers", cc.Workers()).
		Msg("Starting benchmark")

	start := time.Now()
	rounds := 0
	for {
		if err := runRound(ctx, pipes, opts); err != nil {
			return err
		}
		rounds++

		if opts.duration <= 0 || time.Since(start) >= opts.duration {
			break
		}
		if rounds%10 == 0 {
			elapsed := time.Since(start)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("rounds", rounds).
				Float64("ops_per_sec", benchOps(opts, rounds)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}
	elapsed := time.Since(start)

	n := float64(opts.size)
	dots := float64(rounds * opts.pipelines * opts.iterations)
	allocated, _ := cc.MemoryUsage()

	printf(cmd, "device:     %s\n", cc.Name())
	printf(cmd, "elem:       %s\n", elem.Name())
	printf(cmd, "size:       %dx%d\n", opts.size, opts.size)
	printf(cmd, "rounds:     %d\n", rounds)
	printf(cmd, "elapsed:    %s\n", elapsed.Round(time.Millisecond))
	printf(cmd, "ops/s:      %.1f\n", benchOps(opts, rounds)/elapsed.Seconds())
	printf(cmd, "dot GFLOP/s: %.3f\n", dots*2*n*n*n/elapsed.Seconds()/1e9)
	printf(cmd, "memory:     %d bytes in %d buffers\n", allocated, cc.Buffers())
	if opts.verify {
		printf(cmd, "verified:   ok\n")
	}
	return nil
}

// benchOps counts kernel dispatches: three per chain iteration.
func benchOps(opts benchOptions, rounds int) float64 {
	return float64(rounds * opts.pipelines * opts.iterations * 3)
}
