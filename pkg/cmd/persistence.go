package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/prompthook/pkg/persistence"
	"github.com/dukex/prompthook/pkg/persistence/memory"
	"github.com/dukex/prompthook/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"postgres", "postgresql", "memory"}

// NewPersistence opens the store named by the URL scheme. memory:// keeps everything in
// process and is meant for local development.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "memory":
		logger.WarnContext(ctx, "Using in-memory persistence, data is lost on exit")

		return memory.NewPersistence(), nil
	default:
		return nil, fmt.Errorf("unsupported database url %q, expected one of %v", databaseURL, supportedPersistenceProviders)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return ""
}
