// Package cmd wires shared infrastructure for the hookcron binaries.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hookcron/hookcron/pkg/persistence"
	"github.com/hookcron/hookcron/pkg/persistence/postgresql"
)

// NewPersistence creates the store from a database URL. PostgreSQL is the
// only supported backend; its advisory locks and SKIP LOCKED claims are
// load-bearing for the scheduler and workers.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(err)
		}

		return p
	default:
		panic("Unsupported database URL: " + databaseURL)
	}
}
