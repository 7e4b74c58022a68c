package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/latentmesh/internal/envconfig"
	"github.com/samcharles93/latentmesh/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			fmt.Printf("version:    %s\n", info.Version)
			if info.Commit != "" {
				fmt.Printf("commit:     %s\n", info.Commit)
			}
			if info.BuildTime != "" {
				fmt.Printf("build time: %s\n", info.BuildTime)
			}
			if info.GoVersion != "" {
				fmt.Printf("go:         %s\n", info.GoVersion)
			}
			return nil
		},
	}
}

func envCmd() *cli.Command {
	return &cli.Command{
		Name:  "env",
		Usage: "List the LATENTMESH_* environment variables and their values",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			vars := envconfig.AsMap()
			values := envconfig.Values()
			names := make([]string, 0, len(vars))
			for name := range vars {
				names = append(names, name)
			}
			sort.Strings(names)

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"name", "value", "description"})
			for _, name := range names {
				table.Append([]string{name, values[name], vars[name].Description})
			}
			table.Render()
			return nil
		},
	}
}
