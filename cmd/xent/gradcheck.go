package main

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/xent/internal/logger"
	"github.com/samcharles93/xent/internal/tensor"
	"github.com/samcharles93/xent/internal/xent"
)

func gradcheckCmd() *cli.Command {
	var (
		vocab      int64
		rows       int64
		seed       int64
		spread     float64
		step       float64
		tolerance  float64
		maxColumns int64
		ignoreRate float64
	)

	flags := append([]cli.Flag{}, kernelFlags()...)
	flags = append(flags, transformFlags()...)
	flags = append(flags,
		&cli.Int64Flag{Name: "vocab", Aliases: []string{"v"}, Usage: "vocabulary size", Value: 257, Destination: &vocab},
		&cli.Int64Flag{Name: "rows", Aliases: []string{"n"}, Usage: "rows to check", Value: 8, Destination: &rows},
		&cli.Int64Flag{Name: "seed", Value: 42, Destination: &seed},
		&cli.Float64Flag{Name: "spread", Usage: "logits are uniform in (-spread, spread)", Value: 4, Destination: &spread},
		&cli.Float64Flag{Name: "step", Usage: "central difference half width", Value: 1e-2, Destination: &step},
		&cli.Float64Flag{Name: "tolerance", Usage: "largest accepted absolute error", Value: 2e-3, Destination: &tolerance},
		&cli.Int64Flag{Name: "max-columns", Usage: "columns probed per row (0 = all)", Value: 16, Destination: &maxColumns},
		&cli.Float64Flag{Name: "ignore-rate", Usage: "fraction of rows labelled -100", Value: 0.25, Destination: &ignoreRate},
	)

	return &cli.Command{
		Name:  "gradcheck",
		Usage: "Compare the analytic gradient against finite differences",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyKernelConfig(cmd, cfg)
			if vocab < 1 || rows < 1 {
				return cli.Exit("error: --vocab and --rows must be positive", 1)
			}

			ce, err := xent.New(kernelOptions())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			logits := tensor.NewMatrix(int(rows), int(vocab))
			tensor.FillRand(&logits, seed, float32(spread))
			rng := rand.New(rand.NewSource(seed + 1))
			labels := make([]int32, rows)
			for i := range labels {
				labels[i] = int32(rng.Intn(int(vocab)))
				if rng.Float64() < ignoreRate {
					labels[i] = xent.IgnoreIndex
				}
			}
			t := flagTransform()
			log.Info("gradcheck", "rows", rows, "vocab", vocab, "chunks", xent.Chunks(int(vocab), ce.Options().Capacity),
				"softcap", t.Softcap, "scale", t.Scale)

			res, err := ce.GradCheck(ctx, logits, labels, t, xent.GradCheckOptions{
				Step:       step,
				Tolerance:  tolerance,
				MaxColumns: int(maxColumns),
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmt.Println(res.String())
			if !res.Passed() {
				return cli.Exit("gradcheck FAILED", 2)
			}
			fmt.Println("gradcheck ok")
			return nil
		},
	}
}
