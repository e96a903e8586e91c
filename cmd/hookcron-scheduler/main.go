// Package main provides the hookcron scheduler: the leader-elected tick
// that materializes due tasks, plus the stuck-execution reaper.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/hookcron/hookcron/pkg/cmd"
	"github.com/hookcron/hookcron/pkg/log"
	"github.com/hookcron/hookcron/pkg/scheduler"
)

func main() {
	command := &cli.Command{
		Name:                  "hookcron-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Materialize due tasks into executions and recover stuck ones",
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
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("hookcron-scheduler")

			logger.InfoContext(ctx, "Initializing hookcron scheduler")

			eventBus := cmd.NewEventBus(command.String("event-bus"), "hookcron-scheduler", logger)
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

			reaper := scheduler.NewReaper(persistence, eventBus, logger)
			go reaper.Start(ctx)

			sched := scheduler.NewScheduler(persistence, eventBus, logger)

			if err := sched.Start(ctx); err != nil {
				logger.ErrorContext(ctx, "Scheduler stopped with error", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
