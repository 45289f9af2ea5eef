package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dukex/kernelgraph/pkg/cmd"
	"github.com/dukex/kernelgraph/pkg/definition"
	"github.com/dukex/kernelgraph/pkg/log"
	"github.com/dukex/kernelgraph/pkg/policy"
	"github.com/dukex/kernelgraph/pkg/registry"
	"github.com/urfave/cli/v3"
)

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate graph definition files",
		ArgsUsage: "<file-or-directory>...",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() == 0 {
				return fmt.Errorf("at least one graph file or directory is required")
			}

			logger := log.WithModule("kernelgraph").With("action", "validate")

			reg, err := cmd.NewRegistry(ctx, logger, command.String("plugins-path"), registry.Dependencies{})
			if err != nil {
				return err
			}

			return validatePaths(ctx, os.Stdout, reg, command.Args().Slice())
		},
	}
}

// validatePaths builds every definition found under paths and prints a report.
func validatePaths(ctx context.Context, out io.Writer, factory definition.NodeFactory, paths []string) error {
	fmt.Fprintln(out, "Graph Validation Results:")
	fmt.Fprintln(out, "=========================")

	valid, invalid := 0, 0

	for _, path := range paths {
		defs, err := loadPath(ctx, factory, path)
		if err != nil {
			fmt.Fprintf(out, "\n%s\n    INVALID: %v\n", path, err)
			invalid++

			continue
		}

		for _, def := range defs {
			fmt.Fprintf(out, "\nGraph: %s (%s)\n", def.Document.Name, path)

			if err := validateDefinition(def); err != nil {
				fmt.Fprintf(out, "    INVALID: %v\n", err)
				invalid++

				continue
			}

			fmt.Fprintf(out, "    VALID: %d nodes, %d edges, %d policies\n",
				len(def.Document.Nodes), len(def.Document.Edges), len(def.Policies))
			valid++
		}
	}

	fmt.Fprintf(out, "\nValidation Summary:\n")
	fmt.Fprintf(out, "  Total graphs: %d\n", valid+invalid)
	fmt.Fprintf(out, "  Valid graphs: %d\n", valid)
	fmt.Fprintf(out, "  Invalid graphs: %d\n", invalid)

	if invalid > 0 {
		return fmt.Errorf("found %d invalid graphs", invalid)
	}

	return nil
}

func loadPath(ctx context.Context, factory definition.NodeFactory, path string) ([]*definition.Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if info.IsDir() {
		return definition.LoadDir(ctx, factory, path)
	}

	def, err := definition.LoadFile(ctx, factory, path)
	if err != nil {
		return nil, err
	}

	return []*definition.Definition{def}, nil
}

// validateDefinition checks the structure and policies the loader does not.
func validateDefinition(def *definition.Definition) error {
	if err := def.Graph.Validate(); err != nil {
		return err
	}

	return def.Register(policy.NewRegistry(policy.DefaultRegistryOptions()))
}
