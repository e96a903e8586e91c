// Package main provides the hookcron worker: the adaptive pool claiming
// and executing pending HTTP calls.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/hookcron/hookcron/pkg/cmd"
	"github.com/hookcron/hookcron/pkg/log"
	"github.com/hookcron/hookcron/pkg/worker"
)

func main() {
	command := &cli.Command{
		Name:                  "hookcron-worker",
		EnableShellCompletion: true,
		Usage:                 "Claim and execute pending task executions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, memory)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.IntFlag{
				Name:    "max-workers",
				Usage:   "Upper bound on concurrent HTTP calls",
				Value:   20,
				Sources: cli.EnvVars("MAX_WORKERS"),
			},
			&cli.IntFlag{
				Name:    "fairness-cap",
				Usage:   "Concurrent executions allowed per organization",
				Value:   3,
				Sources: cli.EnvVars("FAIRNESS_CAP"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("hookcron-worker")

			logger.InfoContext(ctx, "Initializing hookcron worker")

			eventBus := cmd.NewEventBus(command.String("event-bus"), "hookcron-worker", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			pool := worker.NewPool(persistence, eventBus, logger, worker.PoolConfig{
				Max: command.Int("max-workers"),
				Worker: worker.Config{
					FairnessCap: command.Int("fairness-cap"),
				},
			})

			if err := pool.Run(ctx); err != nil {
				logger.ErrorContext(ctx, "Worker pool stopped with error", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
