package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/latentmesh/internal/padding"
)

func planCmd() *cli.Command {
	var (
		lengths string
		planTP  int
	)

	return &cli.Command{
		Name:  "plan",
		Usage: "Print the padding plan for per-DP-rank token counts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "lengths",
				Usage:       "comma separated token count of every DP rank",
				Required:    true,
				Destination: &lengths,
			},
			&cli.IntFlag{
				Name:        "tp",
				Usage:       "tensor-parallel size",
				Value:       1,
				Destination: &planTP,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ns, err := parseInts(lengths)
			if err != nil {
				return err
			}
			plan, err := padding.NewPlan(ns, planTP)
			if err != nil {
				return err
			}
			writePlan(os.Stdout, plan)
			return nil
		},
	}
}

func writePlan(w io.Writer, plan *padding.Plan) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"dp", "length", "pad", "offset"})
	for rank, n := range plan.Lengths {
		table.Append([]string{
			strconv.Itoa(rank),
			strconv.Itoa(n),
			strconv.Itoa(plan.PadSize[rank]),
			strconv.Itoa(plan.Offset(rank)),
		})
	}
	table.Render()
	_, _ = fmt.Fprintf(w, "tp=%d max_length=%d kept=%d/%d\n", plan.TP, plan.MaxLength, plan.Kept(), len(plan.KeepMask))
}
