package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/latentmesh/internal/config"
	"github.com/samcharles93/latentmesh/internal/engine"
	"github.com/samcharles93/latentmesh/internal/logger"
)

var stderrIsTTY = func() bool { return isTTY(os.Stderr) }

// buildEngine resolves the engine flags against the environment and the
// config file and constructs the engine.
func buildEngine(ctx context.Context, cmd *cli.Command) (*engine.Engine, error) {
	cfg := LoadConfig()
	applyEngineConfig(cmd, cfg)

	m := config.Default()
	if modelPath != "" {
		var err error
		if m, err = config.LoadModel(modelPath); err != nil {
			return nil, err
		}
	}

	rt := config.DefaultRuntime()
	rt.Parallel = config.Parallel{TP: tp, DP: dp, PP: pp}
	rt.GraphMode = graphMode
	rt.EnableMC2 = enableMC2
	rt.DType = dtype
	rt.Seed = seed
	rt.GraphBatchSizes = graphBatchSizes(cfg.GraphBatchSizes, tp, enableMC2)

	opts := []engine.Option{engine.WithLogger(logger.FromContext(ctx))}
	switch strings.ToLower(fp16Guard) {
	case "", "auto":
	case "on", "true":
		opts = append(opts, engine.WithFP16Guard(true))
	case "off", "false":
		opts = append(opts, engine.WithFP16Guard(false))
	default:
		return nil, fmt.Errorf("unknown --fp16-guard value %q (want auto, on or off)", fp16Guard)
	}
	return engine.New(m, rt, opts...)
}

// graphBatchSizes returns the configured sizes, or 1, 2, 4 and 8 decode
// tokens. MC2 splits each batch across tp ranks, so its defaults are
// multiples of tp.
func graphBatchSizes(configured []int, tp int, mc2 bool) []int {
	if len(configured) > 0 {
		return configured
	}
	unit := 1
	if mc2 {
		unit = tp
	}
	return []int{unit, 2 * unit, 4 * unit, 8 * unit}
}

// parseInts parses a comma separated list such as "5,3".
func parseInts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q in %q", part, s)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty list %q", s)
	}
	return out, nil
}
