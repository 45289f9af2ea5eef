package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/dukex/kernelgraph/pkg/cmd"
	"github.com/dukex/kernelgraph/pkg/log"
	"github.com/dukex/kernelgraph/pkg/protocol"
	"github.com/dukex/kernelgraph/pkg/registry"
	"github.com/urfave/cli/v3"
)

func NewNodesCommand() *cli.Command {
	return &cli.Command{
		Name:    "nodes",
		Aliases: []string{"n"},
		Usage:   "List the available node types",
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("kernelgraph").With("action", "nodes")

			reg, err := cmd.NewRegistry(ctx, logger, command.String("plugins-path"), registry.Dependencies{})
			if err != nil {
				return err
			}

			factories := reg.GetAvailableNodes()
			slices.SortFunc(factories, func(a, b protocol.NodeFactory) int {
				return strings.Compare(a.ID(), b.ID())
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tNAME\tDESCRIPTION")

			for _, f := range factories {
				fmt.Fprintf(w, "%s\t%s\t%s\n", f.ID(), f.Name(), f.Description())
			}

			return w.Flush()
		},
	}
}
