package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/xent/internal/xent"
)

var (
	capacity     int64
	backwardTile int64
	workers      int64
	softcap      float64
	scale        float64
	logLevel     string
	logFormat    string
	debug        bool

	// cfg is loaded once by the root Before hook.
	cfg Config
)

func kernelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "capacity",
			Usage:       "widest vocabulary handled in a single pass; wider rows are chunked",
			Value:       xent.MaxFusedSize,
			Destination: &capacity,
		},
		&cli.Int64Flag{
			Name:        "tile",
			Aliases:     []string{"backward-tile"},
			Usage:       "columns per backward work unit",
			Value:       xent.BackwardBlockSize,
			Destination: &backwardTile,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "kernel worker goroutines (0 = GOMAXPROCS)",
			Destination: &workers,
		},
	}
}

func transformFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Float64Flag{
			Name:        "softcap",
			Usage:       "logit softcap t, x -> t*tanh(x/t) (0 = off)",
			Destination: &softcap,
		},
		&cli.Float64Flag{
			Name:        "scale",
			Aliases:     []string{"logit-scale"},
			Usage:       "logit scale s, x -> s*x (0 = off)",
			Destination: &scale,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, plain, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func kernelOptions() xent.Options {
	return xent.Options{
		Capacity:     int(capacity),
		BackwardTile: int(backwardTile),
		Workers:      int(workers),
	}
}

func flagTransform() xent.Transform {
	return xent.Transform{Softcap: float32(softcap), Scale: float32(scale)}
}
