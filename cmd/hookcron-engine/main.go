// Package main provides the hookcron engine: the workflow event consumer,
// the safety-net sweep, and the run-facing HTTP surface.
package main

import (
	"context"
	"os"
	"strconv"

	cli "github.com/urfave/cli/v3"

	"github.com/hookcron/hookcron/pkg/cmd"
	"github.com/hookcron/hookcron/pkg/log"
	"github.com/hookcron/hookcron/pkg/web"
	"github.com/hookcron/hookcron/pkg/workflow"
)

func main() {
	command := &cli.Command{
		Name:                  "hookcron-engine",
		EnableShellCompletion: true,
		Usage:                 "Advance workflow runs and serve the run API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to serve the run API on",
				Value:   9090,
				Sources: cli.EnvVars("PORT"),
			},
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

			logger := log.WithModule("hookcron-engine")

			logger.InfoContext(ctx, "Initializing hookcron engine")

			eventBus := cmd.NewEventBus(command.String("event-bus"), "hookcron-engine", logger)
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

			engine := workflow.NewEngine(persistence, eventBus, logger)
			if err := engine.Start(ctx); err != nil {
				logger.ErrorContext(ctx, "Failed to start workflow engine", "error", err)

				return err
			}

			sweeper := workflow.NewSweeper(engine, persistence, logger)
			go sweeper.Start(ctx)

			handlers := web.NewHandlers(persistence, engine, eventBus)
			app := web.NewApp(handlers)

			go func() {
				<-ctx.Done()

				if err := app.Shutdown(); err != nil {
					logger.Error("Failed to shut down run API", "error", err)
				}
			}()

			if err := app.Listen(":" + strconv.Itoa(command.Int("port"))); err != nil {
				logger.ErrorContext(ctx, "Run API stopped with error", "error", err)

				return err
			}

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
