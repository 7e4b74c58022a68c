package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/latentmesh/internal/engine"
	"github.com/samcharles93/latentmesh/internal/logger"
	"github.com/samcharles93/latentmesh/internal/model"
	"github.com/samcharles93/latentmesh/internal/tensor"
)

func runCmd() *cli.Command {
	var (
		lengths     string
		seqs        int
		decodeSteps int
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run a prefill pass and decode steps across the grid",
		Flags: append(engineFlags(),
			&cli.StringFlag{
				Name:        "lengths",
				Usage:       "comma separated prefill token count of every DP rank",
				Value:       "5,3",
				Destination: &lengths,
			},
			&cli.IntFlag{
				Name:        "seqs",
				Usage:       "sequences per DP rank; prefill tokens are dealt round-robin",
				Value:       1,
				Destination: &seqs,
			},
			&cli.IntFlag{
				Name:        "decode-steps",
				Usage:       "decode steps after prefill, one token per sequence",
				Value:       0,
				Destination: &decodeSteps,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			ns, err := parseInts(lengths)
			if err != nil {
				return err
			}
			if seqs < 1 {
				return fmt.Errorf("--seqs must be >= 1, got %d", seqs)
			}
			eng, err := buildEngine(ctx, cmd)
			if err != nil {
				return err
			}
			vocab := eng.Model().VocabSize

			var rows []stepRow
			prefill := prefillBatches(ns, seqs, vocab)
			r, err := runStep(ctx, eng, model.Prefill, 0, prefill)
			if err != nil {
				return err
			}
			rows = append(rows, r...)
			for step := 1; step <= decodeSteps; step++ {
				r, err := runStep(ctx, eng, model.Decode, step, decodeBatches(len(ns), seqs, step, vocab))
				if err != nil {
					return err
				}
				rows = append(rows, r...)
			}
			log.Info("run complete", "mesh", eng.Mesh().String(), "steps", decodeSteps+1)
			writeSummary(os.Stdout, rows)
			return nil
		},
	}
}

type stepRow struct {
	step    int
	res     *engine.Result
	dp      int
	elapsed time.Duration
}

func runStep(ctx context.Context, eng *engine.Engine, phase model.Phase, step int, batches []engine.Batch) ([]stepRow, error) {
	start := time.Now()
	res, err := eng.Step(ctx, engine.Request{Phase: phase, Batches: batches})
	if err != nil {
		return nil, fmt.Errorf("%s step %d: %w", phase, step, err)
	}
	elapsed := time.Since(start)
	rows := make([]stepRow, len(res.Hidden))
	for dp := range res.Hidden {
		rows[dp] = stepRow{step: step, res: res, dp: dp, elapsed: elapsed}
	}
	return rows, nil
}

// prefillBatches deals lengths[dp] synthetic tokens round-robin over seqs
// sequences on every DP rank.
func prefillBatches(lengths []int, seqs, vocab int) []engine.Batch {
	out := make([]engine.Batch, len(lengths))
	for dp, n := range lengths {
		b := engine.Batch{Tokens: make([]int, n), Seqs: make([]int, n)}
		for i := range n {
			b.Tokens[i] = (7*i + 13*dp + 1) % vocab
			b.Seqs[i] = i % seqs
		}
		out[dp] = b
	}
	return out
}

func decodeBatches(dps, seqs, step, vocab int) []engine.Batch {
	out := make([]engine.Batch, dps)
	for dp := range out {
		b := engine.Batch{Tokens: make([]int, seqs), Seqs: make([]int, seqs)}
		for s := range seqs {
			b.Tokens[s] = (31*step + 5*s + 3*dp) % vocab
			b.Seqs[s] = s
		}
		out[dp] = b
	}
	return out
}

func writeSummary(w io.Writer, rows []stepRow) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"step", "phase", "mode", "mc2", "dp", "rows", "l2 norm", "max abs", "finite", "elapsed"})
	for _, r := range rows {
		h := r.res.Hidden[r.dp]
		table.Append([]string{
			strconv.Itoa(r.step),
			r.res.Phase.String(),
			r.res.Mode.String(),
			strconv.FormatBool(r.res.CombinedComm),
			strconv.Itoa(r.dp),
			strconv.Itoa(h.R),
			strconv.FormatFloat(tensor.FrobeniusNorm(h), 'f', 4, 64),
			strconv.FormatFloat(float64(tensor.MaxAbs(h)), 'f', 4, 32),
			strconv.FormatBool(tensor.AllFinite(h)),
			r.elapsed.Round(time.Microsecond).String(),
		})
	}
	table.Render()
}
