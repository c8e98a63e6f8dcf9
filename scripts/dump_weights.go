//go:build ignore

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-devmat/internal/dense"
	"github.com/23skdu/longbow-devmat/internal/nn"
)

// WeightDump holds the summary of one saved parameter matrix for verification
type WeightDump struct {
	Name     string    `json:"name"`
	Rows     int       `json:"rows"`
	Cols     int       `json:"cols"`
	FirstFew []float64 `json:"first_few"`
	LastFew  []float64 `json:"last_few"`
	Sum      float64   `json:"sum"`
}

func summarize[T nn.Float](name string, m *dense.Matrix[T]) WeightDump {
	d := WeightDump{Name: name, Rows: m.Rows(), Cols: m.Columns()}
	data := m.Data()
	for i, v := range data {
		d.Sum += float64(v)
		if i < 5 {
			d.FirstFew = append(d.FirstFew, float64(v))
		}
		if i >= len(data)-5 {
			d.LastFew = append(d.LastFew, float64(v))
		}
	}
	return d
}

func dump[T nn.Float](raw []byte) ([]WeightDump, error) {
	var s nn.Snapshot[T]
	if err := cbor.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	var out []WeightDump
	for i, l := range s.Layers {
		prefix := fmt.Sprintf("layer%d.%s", i, l.Activation)
		out = append(out, summarize(prefix+".w", l.W), summarize(prefix+".b", l.B))
	}
	return out, nil
}

func main() {
	weightsPath := flag.String("weights", "xor.cbor", "Path to a snapshot written by devmat train --save")
	elem := flag.String("elem", "float", "Element type of the snapshot (float, double)")
	flag.Parse()

	raw, err := os.ReadFile(*weightsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read weights")
	}

	var dumps []WeightDump
	switch *elem {
	case "double":
		dumps, err = dump[float64](raw)
	default:
		dumps, err = dump[float32](raw)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to decode snapshot")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dumps); err != nil {
		log.Fatal().Err(err).Msg("Failed to encode dump")
	}
}
