package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukex/kernelgraph/pkg/cmd"
	"github.com/dukex/kernelgraph/pkg/config"
	"github.com/dukex/kernelgraph/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const (
	defaultPort     = 9091
	shutdownTimeout = 30 * time.Second
)

func main() {
	cmd := &cli.Command{
		Name:                  "kernelgraph-api",
		Usage:                 "Run graphs over a REST API",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML configuration file",
				Sources: cli.EnvVars("KERNELGRAPH_CONFIG"),
			},
			&cli.StringFlag{
				Name:     "graphs-path",
				Usage:    "Directory of graph definitions to register",
				Value:    "./graphs",
				Required: false,
				Sources:  cli.EnvVars("GRAPHS_PATH"),
			},
			&cli.StringFlag{
				Name:    "checkpoint-store",
				Usage:   "Checkpoint store URL (memory://, file://, postgres://, redis://)",
				Value:   "memory://",
				Sources: cli.EnvVars("CHECKPOINT_STORE"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type for execution events (gochannel, kafka)",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "plugins-path",
				Usage:    "Path to the directory containing node plugins",
				Value:    "./plugins",
				Required: false,
				Sources:  cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.BoolFlag{
				Name:    "otel",
				Usage:   "Export traces over OTLP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("api")

			logger.InfoContext(ctx, "Initializing kernelgraph API")

			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}

			runtime, err := cmd.NewRuntime(ctx, logger, cmd.RuntimeConfig{
				Config:          *cfg,
				CheckpointStore: command.String("checkpoint-store"),
				EventBus:        command.String("event-bus"),
				PluginsPath:     command.String("plugins-path"),
				GraphsPath:      command.String("graphs-path"),
				Tracing:         command.Bool("otel"),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := runtime.Start(ctx); err != nil {
				return err
			}

			app := NewAPI(logger, runtime).App()

			go func() {
				<-ctx.Done()

				if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
					logger.ErrorContext(ctx, "Failed to shut down API server", "error", err)
				}
			}()

			if err := app.Listen(":" + strconv.Itoa(command.Int("port"))); err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return runtime.Close(closeCtx)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.WithModule("api").Error("API failed", "error", err)
		os.Exit(1)
	}
}
