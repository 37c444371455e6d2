package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/xent/internal/causallm"
	"github.com/samcharles93/xent/internal/logger"
	"github.com/samcharles93/xent/internal/safetensors"
	"github.com/samcharles93/xent/internal/xent"
)

type evalResult struct {
	Input       string    `json:"input"`
	Loss        float32   `json:"loss"`
	ValidLabels int       `json:"valid_labels"`
	Shape       [3]int    `json:"shape"`
	DType       string    `json:"dtype"`
	Chunks      int       `json:"chunks"`
	Softcap     float32   `json:"softcap"`
	Scale       float32   `json:"scale"`
	RowLosses   []float32 `json:"row_losses,omitempty"`
	GradOut     string    `json:"grad_out,omitempty"`
}

func evalCmd() *cli.Command {
	var (
		input       string
		logitsName  string
		labelsName  string
		modelConfig string
		gradOut     string
		shift       bool
		rowLosses   bool
		asJSON      bool
	)

	flags := append([]cli.Flag{}, kernelFlags()...)
	flags = append(flags, transformFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "safetensors file holding logits and labels",
			Required:    true,
			Destination: &input,
		},
		&cli.StringFlag{
			Name:        "logits-name",
			Usage:       "tensor name of the [batch, seq, vocab] logits",
			Value:       "logits",
			Destination: &logitsName,
		},
		&cli.StringFlag{
			Name:        "labels-name",
			Usage:       "tensor name of the [batch, seq] labels (I32 or I64)",
			Value:       "labels",
			Destination: &labelsName,
		},
		&cli.StringFlag{
			Name:        "model-config",
			Usage:       "HF config.json to take final_logit_softcapping and logit_scale from",
			Destination: &modelConfig,
		},
		&cli.BoolFlag{
			Name:        "shift",
			Usage:       "labels are input ids; shift them left by one position first",
			Destination: &shift,
		},
		&cli.StringFlag{
			Name:        "grad-out",
			Usage:       "write d(loss)/d(logits) and the row losses to this safetensors file",
			Destination: &gradOut,
		},
		&cli.BoolFlag{
			Name:        "row-losses",
			Usage:       "include per-position losses in the output",
			Destination: &rowLosses,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the result as JSON",
			Destination: &asJSON,
		},
	)

	return &cli.Command{
		Name:  "eval",
		Usage: "Compute the mean loss (and optionally the gradient) of stored logits",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyKernelConfig(cmd, cfg)

			t := flagTransform()
			if modelConfig != "" {
				mt, err := causallm.LoadTransform(modelConfig)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: model config: %v", err), 1)
				}
				if !cmd.IsSet("softcap") {
					t.Softcap = mt.Softcap
				}
				if !cmd.IsSet("scale") {
					t.Scale = mt.Scale
				}
			}

			f, err := safetensors.Open(input)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open %s: %v", input, err), 1)
			}
			logits, err := f.ReadTensor3(logitsName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			labels, err := f.ReadLabels(labelsName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if shift {
				labels = causallm.ShiftLabels(labels)
			}
			dtype := logits.Rows.DType.String()
			log.Info("loaded logits", "path", input, "batch", logits.B, "seq", logits.S, "vocab", logits.V, "dtype", dtype)

			ce, err := xent.New(kernelOptions())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			red, err := ce.Reduce(ctx, logits, labels, t)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			res := evalResult{
				Input:       input,
				Loss:        red.Loss,
				ValidLabels: red.Valid,
				Shape:       [3]int{logits.B, logits.S, logits.V},
				DType:       dtype,
				Chunks:      red.State().Chunks(),
				Softcap:     t.Softcap,
				Scale:       t.Scale,
			}
			if rowLosses {
				res.RowLosses = red.RowLosses
			}

			if gradOut == "" {
				red.State().Discard()
			} else {
				grad, err := red.Backward(ctx, 1)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: backward: %v", err), 1)
				}
				err = safetensors.Write(gradOut, []safetensors.Tensor{
					safetensors.MatrixTensor("grad", []int{grad.B, grad.S, grad.C}, grad.Matrix),
					safetensors.F32Tensor("row_losses", []int{logits.B, logits.S}, red.RowLosses),
					safetensors.F32Tensor("loss", []int{1}, []float32{red.Loss}),
				}, map[string]string{
					"source":  input,
					"softcap": fmt.Sprint(t.Softcap),
					"scale":   fmt.Sprint(t.Scale),
				})
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: write %s: %v", gradOut, err), 1)
				}
				res.GradOut = gradOut
				log.Info("wrote gradient", "path", gradOut)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Printf("loss:         %.6f\n", res.Loss)
			fmt.Printf("valid labels: %d of %d\n", res.ValidLabels, logits.B*logits.S)
			fmt.Printf("shape:        [%d %d %d] %s\n", logits.B, logits.S, logits.V, dtype)
			fmt.Printf("transform:    softcap=%g scale=%g\n", t.Softcap, t.Scale)
			if res.RowLosses != nil {
				for i, l := range res.RowLosses {
					fmt.Printf("  [%d,%d] %.6f\n", i/logits.S, i%logits.S, l)
				}
			}
			return nil
		},
	}
}
