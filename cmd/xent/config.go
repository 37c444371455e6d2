package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/xent/internal/logger"
)

// Config represents the xent configuration file (~/.config/xent/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Kernel
	Capacity     *int64 `yaml:"capacity"`
	BackwardTile *int64 `yaml:"backward_tile"`
	Workers      *int64 `yaml:"workers"`

	// Transform defaults
	Softcap *float64 `yaml:"softcap"`
	Scale   *float64 `yaml:"scale"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	if p := os.Getenv("XENT_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "xent", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist; a file that exists but does not parse is an error.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// applyLoggingConfig applies config file defaults to the logging flags
// when they were not set on the command line.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyKernelConfig applies config file defaults to kernel and transform
// flags of commands that declare them.
func applyKernelConfig(c *cli.Command, cfg Config) {
	if cfg.Capacity != nil && !c.IsSet("capacity") {
		capacity = *cfg.Capacity
	}
	if cfg.BackwardTile != nil && !c.IsSet("tile") {
		backwardTile = *cfg.BackwardTile
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Softcap != nil && !c.IsSet("softcap") {
		softcap = *cfg.Softcap
	}
	if cfg.Scale != nil && !c.IsSet("scale") {
		scale = *cfg.Scale
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyKernelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// setupLogging is the root Before hook: it loads the config file and puts
// the configured logger into the context every subcommand receives.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	loaded, err := LoadConfig(configPath())
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
	}
	cfg = loaded
	applyLoggingConfig(cmd, cfg)

	format := logFormat
	if format == "pretty" && !stderrIsTTY() {
		format = "plain"
	}
	log, err := logger.FromOptions(os.Stderr, logger.Options{
		Level:  logLevel,
		Format: format,
		Debug:  debug,
	})
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return logger.WithContext(ctx, log), nil
}
