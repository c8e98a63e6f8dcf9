package main

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
)

type kernelParam struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type kernelInfo struct {
	Name   string        `json:"name"`
	Op     string        `json:"op"`
	Elem   string        `json:"elem"`
	Params []kernelParam `json:"params"`
}

type kernelTable struct {
	Device  string       `json:"device"`
	Context string       `json:"context"`
	Workers int          `json:"workers"`
	Kernels []kernelInfo `json:"kernels"`
}

func kernelsCmd() *cli.Command {
	return &cli.Command{
		Name:  "kernels",
		Usage: "List the compiled kernel table",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cc, err := newDeviceContext()
			if err != nil {
				return err
			}
			defer cc.Close()

			table := kernelTable{Device: cc.Name(), Context: cc.ID(), Workers: cc.Workers()}
			for _, k := range cc.Kernels() {
				info := kernelInfo{Name: k.Name(), Op: k.Op().String(), Elem: k.Elem().Name()}
				for _, p := range k.Params() {
					info.Params = append(info.Params, kernelParam{Name: p.Name, Kind: p.Kind.String()})
				}
				table.Kernels = append(table.Kernels, info)
			}

			if cmd.Bool("json") {
				enc := json.NewEncoder(out(cmd))
				enc.SetIndent("", "  ")
				return enc.Encode(table)
			}

			printf(cmd, "device: %s (%d workers)\n", table.Device, table.Workers)
			for _, k := range table.Kernels {
				params := make([]string, len(k.Params))
				for i, p := range k.Params {
					params[i] = p.Kind + " " + p.Name
				}
				printf(cmd, "%-24s %s\n", k.Name, strings.Join(params, ", "))
			}
			return nil
		},
	}
}
