package main

import (
	"context"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-devmat/internal/config"
	"github.com/23skdu/longbow-devmat/internal/dense"
	"github.com/23skdu/longbow-devmat/internal/device"
	"github.com/23skdu/longbow-devmat/internal/nn"
)

// XOR truth table.
var (
	xorInputs  = []float64{0, 0, 0, 1, 1, 0, 1, 1}
	xorTargets = []float64{0, 1, 1, 0}
)

func trainCmd() *cli.Command {
	return &cli.Command{
		Name:  "train",
		Usage: "Train a two-layer network on XOR with device matrices",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "epochs", Usage: "Training epochs"},
			&cli.FloatFlag{Name: "learning-rate", Aliases: []string{"lr"}, Usage: "SGD learning rate"},
			&cli.IntFlag{Name: "hidden", Usage: "Hidden layer width"},
			&cli.Uint64Flag{Name: "seed", Usage: "Weight initialization seed"},
			&cli.IntFlag{Name: "report-every", Usage: "Log the loss every N epochs"},
			&cli.StringFlag{Name: "elem", Value: "float", Usage: "Element type (float, double)"},
			&cli.StringFlag{Name: "save", Usage: "Write trained weights to this file (CBOR)"},
			&cli.StringFlag{Name: "predictions", Usage: "Write predictions to this file (Arrow IPC stream)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			tc := cfg.Train
			if cmd.IsSet("epochs") {
				tc.Epochs = cmd.Int("epochs")
			}
			if cmd.IsSet("learning-rate") {
				tc.LearningRate = cmd.Float("learning-rate")
			}
			if cmd.IsSet("hidden") {
				tc.Hidden = cmd.Int("hidden")
			}
			if cmd.IsSet("seed") {
				tc.Seed = cmd.Uint64("seed")
			}
			if cmd.IsSet("report-every") {
				tc.ReportEvery = cmd.Int("report-every")
			}
			if tc.Epochs < 1 || tc.LearningRate <= 0 || tc.Hidden < 1 {
				return errors.Errorf("invalid training parameters: epochs=%d learning_rate=%g hidden=%d", tc.Epochs, tc.LearningRate, tc.Hidden)
			}

			cc, err := newDeviceContext()
			if err != nil {
				return err
			}
			defer cc.Close()

			switch cmd.String("elem") {
			case "float", "float32":
				return runTrain[float32](ctx, cmd, cc, tc)
			case "double", "float64":
				return runTrain[float64](ctx, cmd, cc, tc)
			}
			return errors.Errorf("train supports float and double elements, got %q", cmd.String("elem"))
		},
	}
}

func xorData[T nn.Float]() (*dense.Matrix[T], *dense.Matrix[T]) {
	x := dense.New[T](4, 2)
	for i, v := range xorInputs {
		x.Data()[i] = T(v)
	}
	y := dense.New[T](4, 1)
	for i, v := range xorTargets {
		y.Data()[i] = T(v)
	}
	return x, y
}

func runTrain[T nn.Float](ctx context.Context, cmd *cli.Command, cc *device.Context, tc config.TrainConfig) error {
	net, err := nn.NewNetwork[T](cc, []int{2, tc.Hidden, 1}, tc.Seed)
	if err != nil {
		return err
	}
	defer net.Release()

	x, y := xorData[T]()

	log.Info().
		Str("device", cc.Name()).
		Int("hidden", tc.Hidden).
		Int("epochs", tc.Epochs).
		Float64("learning_rate", tc.LearningRate).
		Msg("Training XOR")

	start := time.Now()
	loss, err := net.Train(ctx, x, y, nn.TrainOptions{
		Epochs:       tc.Epochs,
		LearningRate: tc.LearningRate,
		ReportEvery:  tc.ReportEvery,
		OnReport: func(epoch int, loss float64) {
			log.Info().Int("epoch", epoch).Float64("loss", loss).Msg("Training progress")
		},
	})
	if err != nil {
		return err
	}
	log.Info().Float64("loss", loss).Dur("elapsed", time.Since(start)).Msg("Training complete")

	pred, err := net.Predict(ctx, x)
	if err != nil {
		return err
	}
	printf(cmd, "%-8s %-8s %s\n", "input", "target", "prediction")
	for i := 0; i < x.Rows(); i++ {
		printf(cmd, "%g %-6g %-8g %.4f\n", float64(x.At(i, 0)), float64(x.At(i, 1)), float64(y.At(i, 0)), float64(pred.At(i, 0)))
	}

	if path := cmd.String("save"); path != "" {
		if err := saveNetwork(ctx, net, path); err != nil {
			return err
		}
		log.Info().Str("path", path).Msg("Weights saved")
	}
	if path := cmd.String("predictions"); path != "" {
		if err := writePredictions(pred, path); err != nil {
			return err
		}
		log.Info().Str("path", path).Int("rows", pred.Rows()).Msg("Predictions written")
	}
	return nil
}

func saveNetwork[T nn.Float](ctx context.Context, net *nn.Network[T], path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create weights file")
	}
	if err := net.Save(ctx, f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writePredictions[T nn.Float](pred *dense.Matrix[T], path string) error {
	rec, err := pred.RecordBatch(memory.NewGoAllocator())
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create predictions file")
	}
	if err := dense.WriteArrowStream(f, rec); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "write arrow stream")
	}
	return f.Close()
}
