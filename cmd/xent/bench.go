package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"golang.org/x/sys/cpu"

	"github.com/samcharles93/xent/internal/logger"
	"github.com/samcharles93/xent/internal/toy"
	"github.com/samcharles93/xent/internal/xent"
)

type benchRun struct {
	Forward  time.Duration `json:"forward_ns"`
	Backward time.Duration `json:"backward_ns"`
	Loss     float32       `json:"loss"`
}

type benchReport struct {
	ID         string     `json:"id"`
	Vocab      int        `json:"vocab"`
	Rows       int        `json:"rows"`
	Capacity   int        `json:"capacity"`
	Tile       int        `json:"tile"`
	Workers    int        `json:"workers"`
	Chunks     int        `json:"chunks"`
	Softcap    float32    `json:"softcap"`
	Scale      float32    `json:"scale"`
	CPUs       int        `json:"cpus"`
	CPUFeature []string   `json:"cpu_features"`
	Runs       []benchRun `json:"runs"`
}

func benchCmd() *cli.Command {
	var (
		vocab     int64
		rows      int64
		hidden    int64
		warmup    int64
		benchRuns int64
		seed      int64
		asJSON    bool
	)

	flags := append([]cli.Flag{}, kernelFlags()...)
	flags = append(flags, transformFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "vocab",
			Aliases:     []string{"v"},
			Usage:       "vocabulary size",
			Value:       128256,
			Destination: &vocab,
		},
		&cli.Int64Flag{
			Name:        "rows",
			Aliases:     []string{"n"},
			Usage:       "token positions per batch",
			Value:       512,
			Destination: &rows,
		},
		&cli.Int64Flag{
			Name:        "hidden",
			Usage:       "hidden size of the toy model producing the logits",
			Value:       64,
			Destination: &hidden,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmup,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Value:       42,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON",
			Destination: &asJSON,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time forward and backward on toy-model logits",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyKernelConfig(cmd, cfg)

			if vocab < 1 || rows < 1 || hidden < 1 || benchRuns < 1 {
				return cli.Exit("error: --vocab, --rows, --hidden and --runs must be positive", 1)
			}
			ce, err := xent.New(kernelOptions())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			t := flagTransform()
			if err := t.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			opts := ce.Options()

			log.Info("building toy model logits", "vocab", vocab, "rows", rows, "hidden", hidden)
			model := toy.NewToyLM(int(vocab), int(hidden), seed)
			rng := rand.New(rand.NewSource(seed))
			tokens := make([]int32, rows)
			labels := make([]int32, rows)
			for i := range tokens {
				tokens[i] = int32(rng.Intn(int(vocab)))
				labels[i] = int32(rng.Intn(int(vocab)))
			}
			logits, err := model.Logits(ctx, [][]int32{tokens})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: toy logits: %v", err), 1)
			}
			upstream := make([]float32, rows)
			for i := range upstream {
				upstream[i] = 1 / float32(rows)
			}

			report := benchReport{
				ID:         "bench_" + uuid.NewString(),
				Vocab:      int(vocab),
				Rows:       int(rows),
				Capacity:   opts.Capacity,
				Tile:       opts.BackwardTile,
				Workers:    opts.Workers,
				Chunks:     xent.Chunks(int(vocab), opts.Capacity),
				Softcap:    t.Softcap,
				Scale:      t.Scale,
				CPUs:       runtime.NumCPU(),
				CPUFeature: cpuFeatures(),
			}

			once := func() (benchRun, error) {
				m := logits.Rows.Clone()
				start := time.Now()
				losses, st, err := ce.Forward(ctx, m, labels, t)
				if err != nil {
					return benchRun{}, err
				}
				fwd := time.Since(start)
				start = time.Now()
				if _, err := st.Backward(ctx, upstream); err != nil {
					return benchRun{}, err
				}
				var sum float64
				for _, l := range losses {
					sum += float64(l)
				}
				return benchRun{Forward: fwd, Backward: time.Since(start), Loss: float32(sum / float64(rows))}, nil
			}

			for i := range int(warmup) {
				log.Debug("warmup run", "run", i+1)
				if _, err := once(); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}
			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				r, err := once()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				report.Runs = append(report.Runs, r)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printBenchReport(report)
			return nil
		},
	}
}

func printBenchReport(r benchReport) {
	path := "single"
	if r.Chunks > 1 {
		path = fmt.Sprintf("chunked (%d chunks)", r.Chunks)
	}
	fmt.Println("=== xent Benchmark ===")
	fmt.Printf("Run:        %s\n", r.ID)
	fmt.Printf("Shape:      %d rows x %d vocab\n", r.Rows, r.Vocab)
	fmt.Printf("Path:       %s, capacity %d, tile %d\n", path, r.Capacity, r.Tile)
	fmt.Printf("Transform:  softcap=%g scale=%g\n", r.Softcap, r.Scale)
	fmt.Printf("CPUs:       %d\n", r.CPUs)
	fmt.Printf("Workers:    %d\n", r.Workers)
	if len(r.CPUFeature) > 0 {
		fmt.Printf("Features:   %s\n", strings.Join(r.CPUFeature, " "))
	}
	fmt.Println()

	fmt.Println("=== Results ===")
	fmt.Printf("%-6s %12s %12s %10s %10s\n", "Run", "Forward", "Backward", "GB/s", "Loss")
	bytes := float64(r.Rows) * float64(r.Vocab) * 4
	var sumF, sumB time.Duration
	for i, run := range r.Runs {
		total := run.Forward + run.Backward
		fmt.Printf("%-6d %12s %12s %10.2f %10.4f\n",
			i+1, run.Forward.Round(time.Microsecond), run.Backward.Round(time.Microsecond),
			2*bytes/total.Seconds()/1e9, run.Loss)
		sumF += run.Forward
		sumB += run.Backward
	}
	n := time.Duration(len(r.Runs))
	fmt.Printf("\n%-6s %12s %12s\n", "Avg", (sumF / n).Round(time.Microsecond), (sumB / n).Round(time.Microsecond))

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
		float64(mem.Alloc)/(1024*1024),
		float64(mem.Sys)/(1024*1024))
}

func cpuFeatures() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64":
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
		add(cpu.X86.HasAVX512BF16, "avx512bf16")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasFPHP, "fp16")
		add(cpu.ARM64.HasSVE, "sve")
	}
	return out
}
