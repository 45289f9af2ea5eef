package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dukex/kernelgraph/pkg/cmd"
	"github.com/dukex/kernelgraph/pkg/config"
	"github.com/dukex/kernelgraph/pkg/definition"
	"github.com/dukex/kernelgraph/pkg/log"
	"github.com/dukex/kernelgraph/pkg/models"
	"github.com/dukex/kernelgraph/pkg/services"
	"github.com/urfave/cli/v3"
)

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Run a graph once and print the execution",
		ArgsUsage: "<file-or-directory>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "graph",
				Aliases: []string{"g"},
				Usage:   "Graph to run; optional when the path holds a single graph",
			},
			&cli.StringSliceFlag{
				Name:  "var",
				Usage: "Input variable as key=value; JSON values are decoded",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				Sources: cli.EnvVars("KERNELGRAPH_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "checkpoint-store",
				Usage:   "Checkpoint store URL (memory://, file://, postgres://, redis://)",
				Sources: cli.EnvVars("CHECKPOINT_STORE"),
			},
			&cli.StringFlag{
				Name:  "resume",
				Usage: "Checkpoint ID to resume instead of starting a new run",
			},
			&cli.StringFlag{
				Name:  "priority",
				Usage: "Execution priority (low, normal, high, critical)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Execution timeout, overriding the configured one",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("exactly one graph file or directory is required")
			}

			logger := log.WithModule("kernelgraph").With("action", "run")

			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}

			vars, err := parseVariables(command.StringSlice("var"))
			if err != nil {
				return err
			}

			runtime, err := cmd.NewRuntime(ctx, logger, cmd.RuntimeConfig{
				Config:          *cfg,
				CheckpointStore: command.String("checkpoint-store"),
				PluginsPath:     command.String("plugins-path"),
			})
			if err != nil {
				return err
			}

			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()

				if err := runtime.Close(closeCtx); err != nil {
					logger.Error("Failed to close runtime", "error", err)
				}
			}()

			defs, err := loadPath(ctx, runtime.Registry, command.Args().First())
			if err != nil {
				return err
			}

			for _, def := range defs {
				if _, err := runtime.Graphs.Register(def); err != nil {
					return err
				}
			}

			var exec *services.Execution

			if checkpointID := command.String("resume"); checkpointID != "" {
				exec, err = runtime.Executions.Resume(ctx, checkpointID)
			} else {
				name, nameErr := graphName(defs, command.String("graph"))
				if nameErr != nil {
					return nameErr
				}

				exec, err = runtime.Executions.Run(ctx, services.RunRequest{
					GraphName: name,
					Variables: vars,
					Priority:  models.Priority(command.String("priority")),
					Timeout:   command.Duration("timeout"),
				})
			}

			if err != nil {
				return err
			}

			if err := printExecution(os.Stdout, exec); err != nil {
				return err
			}

			if exec.Status != models.ExecutionStatusCompleted {
				return fmt.Errorf("execution %s finished with status %s", exec.ID, exec.Status)
			}

			return nil
		},
	}
}

func graphName(defs []*definition.Definition, name string) (string, error) {
	if name != "" {
		return name, nil
	}

	if len(defs) != 1 {
		return "", fmt.Errorf("found %d graphs, select one with --graph", len(defs))
	}

	return defs[0].Document.Name, nil
}

// parseVariables turns key=value pairs into run variables.
func parseVariables(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q, expected key=value", pair)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}

		vars[key] = value
	}

	return vars, nil
}

func printExecution(out io.Writer, exec *services.Execution) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	return enc.Encode(exec)
}
