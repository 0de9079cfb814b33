package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/maestro/pkg/config"
	"github.com/dukex/maestro/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "maestro",
		Usage:                 "Durable node orchestration server",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "api",
				Usage: "Run the HTTP API server",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return runAPI(ctx)
				},
			},
			{
				Name:  "worker",
				Usage: "Run the async event worker",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "worker-id",
						Aliases: []string{"id"},
						Usage:   "Custom worker ID (auto-generated if not provided)",
						Value:   "",
						Sources: cli.EnvVars("WORKER_ID"),
					},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					return runWorker(ctx, c.String("worker-id"))
				},
			},
			{
				Name:  "heal",
				Usage: "Run the deadline heal sweep on its schedule",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return runHeal(ctx)
				},
			},
			{
				Name:  "sweep",
				Usage: "Run a single heal sweep and exit",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return runSweepOnce(ctx)
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := command.Run(ctx, os.Args)
	if err != nil {
		logger := log.Setup(config.FromEnv().LogLevel)
		logger.Error("maestro exited with error", "error", err)
		os.Exit(1)
	}
}
