package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-devmat/internal/config"
	"github.com/23skdu/longbow-devmat/internal/device"
)

// cfg is resolved once in the root Before hook: defaults, then the config
// file, then explicitly set flags.
var cfg = config.Default()

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Error().Err(err).Msg("devmat failed")
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	var shutdownTracer func(context.Context) error

	return &cli.Command{
		Name:  "devmat",
		Usage: "Device matrix toolkit",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to YAML config file"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)"},
			&cli.StringFlag{Name: "log-format", Usage: "Log format (pretty, json)"},
			&cli.IntFlag{Name: "workers", Usage: "Kernel worker goroutines (0 = one per CPU)"},
			&cli.IntFlag{Name: "queue-depth", Usage: "Commands that may be pending before submission blocks"},
			&cli.StringFlag{Name: "max-memory", Usage: "Device memory limit (e.g. 4GB, 512MB)"},
			&cli.BoolFlag{Name: "otel", Usage: "Enable OpenTelemetry tracing (stdout)"},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if err := resolveConfig(cmd); err != nil {
				return ctx, err
			}
			if err := setupLogging(cmd.ErrWriter, cfg.Log); err != nil {
				return ctx, err
			}
			if cmd.Bool("otel") {
				shutdown, err := initTracer(cmd.Writer)
				if err != nil {
					return ctx, errors.Wrap(err, "initialize tracer")
				}
				shutdownTracer = shutdown
			}
			return ctx, nil
		},
		After: func(ctx context.Context, cmd *cli.Command) error {
			if shutdownTracer != nil {
				return shutdownTracer(ctx)
			}
			return nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			trainCmd(),
			benchCmd(),
			kernelsCmd(),
			versionCmd(),
		},
	}
}

func resolveConfig(cmd *cli.Command) error {
	cfg = config.Default()
	if path := cmd.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.Log.Format = cmd.String("log-format")
	}
	if cmd.IsSet("workers") {
		cfg.Device.Workers = cmd.Int("workers")
	}
	if cmd.IsSet("queue-depth") {
		cfg.Device.QueueDepth = cmd.Int("queue-depth")
	}
	if cmd.IsSet("max-memory") {
		cfg.Device.MaxMemory = cmd.String("max-memory")
	}
	return cfg.Validate()
}

func setupLogging(w io.Writer, lc config.LogConfig) error {
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		return errors.Wrap(err, "log level")
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch lc.Format {
	case "json":
		log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
	default:
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Caller().Logger()
	}
	return nil
}

// newDeviceContext opens a compute context configured from cfg.
func newDeviceContext() (*device.Context, error) {
	limit, err := cfg.Device.MemoryLimit()
	if err != nil {
		return nil, err
	}
	elems, err := cfg.Device.ElemTypes()
	if err != nil {
		return nil, err
	}
	opts := []device.Option{
		device.WithQueueDepth(cfg.Device.QueueDepth),
		device.WithMemoryLimit(limit),
		device.WithElems(elems...),
		device.WithLogger(log.Logger),
	}
	if cfg.Device.Workers > 0 {
		opts = append(opts, device.WithWorkers(cfg.Device.Workers))
	}
	return device.NewContext(opts...)
}

func initTracer(w io.Writer) (func(context.Context) error, error) {
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("devmat"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

func out(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func printf(cmd *cli.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(out(cmd), format, args...)
}
