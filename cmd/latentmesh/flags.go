package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/latentmesh/internal/envconfig"
	"github.com/samcharles93/latentmesh/internal/logger"
)

var (
	modelPath string
	tp        int
	dp        int
	pp        int
	graphMode bool
	enableMC2 bool
	dtype     string
	seed      int64
	fp16Guard string
	logLevel  string
	logFormat string
	debug     bool
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a HF-style config.json (built-in toy model when empty)",
			Destination: &modelPath,
		},
		&cli.IntFlag{
			Name:        "tp",
			Usage:       "tensor-parallel size",
			Value:       1,
			Destination: &tp,
		},
		&cli.IntFlag{
			Name:        "dp",
			Usage:       "data-parallel size",
			Value:       1,
			Destination: &dp,
		},
		&cli.IntFlag{
			Name:        "pp",
			Usage:       "pipeline-parallel size",
			Value:       1,
			Destination: &pp,
		},
		&cli.BoolFlag{
			Name:        "graph",
			Usage:       "run decode passes through captured graphs",
			Destination: &graphMode,
		},
		&cli.BoolFlag{
			Name:        "mc2",
			Usage:       "fuse MoE dispatch and combine with communication on graph decode",
			Destination: &enableMC2,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "activation dtype (f32, f16, bf16)",
			Value:       "f32",
			Destination: &dtype,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for generated weights",
			Value:       1,
			Destination: &seed,
		},
		&cli.StringFlag{
			Name:        "fp16-guard",
			Usage:       "residual scaling against f16 overflow (auto, on, off)",
			Value:       "auto",
			Destination: &fp16Guard,
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
			Usage:       "log format (pretty, json, text)",
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

// setupLogging builds the process logger from flags, LATENTMESH_DEBUG and
// the config file, and stores it on the context.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg := LoadConfig()
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}

	level := logger.ParseLevel(logLevel)
	if envconfig.Set("LATENTMESH_DEBUG") && !cmd.IsSet("log-level") {
		level = envconfig.LogLevel()
	}
	if debug {
		level = slog.LevelDebug
	}
	color := stderrIsTTY() && !envconfig.Set("NO_COLOR")
	log, err := logger.Open(os.Stderr, logFormat, level, color)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}
