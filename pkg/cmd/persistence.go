// Package cmd provides common initialization functions for the flowgraph binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowgraph/pkg/persistence"
	"github.com/dukex/flowgraph/pkg/persistence/memory"
	"github.com/dukex/flowgraph/pkg/persistence/postgresql"
)

// NewPersistence opens the store named by databaseURL: postgres:// or
// postgresql:// URLs use PostgreSQL, memory:// keeps everything in process.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "memory":
		logger.WarnContext(ctx, "using in-memory persistence, data is lost on exit")

		return memory.NewPersistence(logger)
	default:
		return nil, fmt.Errorf("unsupported database URL %q (supported: postgres://, memory://)", databaseURL)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return provider
}
