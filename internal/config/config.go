// Package config loads the devmat configuration file.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-devmat/internal/numeric"
)

// Config represents the devmat configuration file.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Log    LogConfig    `yaml:"log"`
	Train  TrainConfig  `yaml:"train"`
}

type DeviceConfig struct {
	Workers    int      `yaml:"workers"`
	QueueDepth int      `yaml:"queue_depth"`
	MaxMemory  string   `yaml:"max_memory"` // e.g. 512MB, 4GB; empty or 0 means unlimited
	Elems      []string `yaml:"elems"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // pretty | json
}

type TrainConfig struct {
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
	Hidden       int     `yaml:"hidden"`
	Seed         uint64  `yaml:"seed"`
	ReportEvery  int     `yaml:"report_every"`
}

// Default returns the configuration used when no file is given. Zero device
// workers means one per CPU.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			QueueDepth: 1024,
			Elems:      []string{"int", "long", "float", "double"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "pretty",
		},
		Train: TrainConfig{
			Epochs:       2000,
			LearningRate: 0.05,
			Hidden:       8,
			Seed:         1,
			ReportEvery:  200,
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate checks value ranges and names.
func (c Config) Validate() error {
	if c.Device.Workers < 0 {
		return errors.Errorf("device.workers must not be negative, got %d", c.Device.Workers)
	}
	if c.Device.QueueDepth < 1 {
		return errors.Errorf("device.queue_depth must be positive, got %d", c.Device.QueueDepth)
	}
	if _, err := ParseBytes(c.Device.MaxMemory); err != nil {
		return errors.Wrap(err, "device.max_memory")
	}
	if _, err := c.Device.ElemTypes(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "pretty", "json":
	default:
		return errors.Errorf("log.format must be pretty or json, got %q", c.Log.Format)
	}
	if c.Train.Epochs < 1 {
		return errors.Errorf("train.epochs must be positive, got %d", c.Train.Epochs)
	}
	if c.Train.LearningRate <= 0 {
		return errors.Errorf("train.learning_rate must be positive, got %g", c.Train.LearningRate)
	}
	if c.Train.Hidden < 1 {
		return errors.Errorf("train.hidden must be positive, got %d", c.Train.Hidden)
	}
	return nil
}

// ElemTypes resolves the configured element type names.
func (d DeviceConfig) ElemTypes() ([]numeric.Elem, error) {
	if len(d.Elems) == 0 {
		return numeric.All, nil
	}
	out := make([]numeric.Elem, 0, len(d.Elems))
	for _, name := range d.Elems {
		e, err := numeric.ParseElem(name)
		if err != nil {
			return nil, errors.Wrap(err, "device.elems")
		}
		out = append(out, e)
	}
	return out, nil
}

// MemoryLimit returns MaxMemory in bytes.
func (d DeviceConfig) MemoryLimit() (int64, error) {
	return ParseBytes(d.MaxMemory)
}

// ParseBytes parses sizes like 4GB, 100MB, 512K or 1024. Units are binary.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	var val int64
	var unit string
	n, err := fmt.Sscanf(s, "%d%s", &val, &unit)
	if n == 0 {
		return 0, errors.Wrapf(err, "invalid size %q", s)
	}
	if val < 0 {
		return 0, errors.Errorf("negative size %q", s)
	}

	var multiplier int64
	switch strings.ToUpper(unit) {
	case "GB", "G":
		multiplier = 1 << 30
	case "MB", "M":
		multiplier = 1 << 20
	case "KB", "K":
		multiplier = 1 << 10
	case "", "B":
		multiplier = 1
	default:
		return 0, errors.Errorf("unknown size unit %q in %q", unit, s)
	}
	if val > math.MaxInt64/multiplier {
		return 0, errors.Errorf("size %q overflows int64", s)
	}
	return val * multiplier, nil
}
