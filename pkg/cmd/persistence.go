package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/persistence/file"
	"github.com/dukex/kernelgraph/pkg/persistence/postgresql"
	"github.com/dukex/kernelgraph/pkg/persistence/redis"
)

var supportedCheckpointStores = []string{"memory", "file", "postgres", "postgresql", "redis", "rediss"}

// NewCheckpointStore opens the checkpoint store named by storeURL. The scheme picks
// the backend; an URL without scheme is a file store rooted at that path.
func NewCheckpointStore(ctx context.Context, storeURL string, logger *slog.Logger) (checkpoint.Store, error) {
	switch provider := parseStoreProvider(storeURL); provider {
	case "memory":
		return checkpoint.NewMemoryStore(), nil
	case "postgres", "postgresql":
		return postgresql.NewStore(ctx, logger, storeURL)
	case "redis", "rediss":
		return redis.NewStore(ctx, logger, storeURL)
	default:
		store, err := file.NewStore(strings.TrimPrefix(storeURL, "file://"))
		if err != nil {
			return nil, fmt.Errorf("failed to open file checkpoint store: %w", err)
		}

		return store, nil
	}
}

func parseStoreProvider(storeURL string) string {
	provider, _, found := strings.Cut(storeURL, "://")
	if !found {
		return "file"
	}

	for _, supported := range supportedCheckpointStores {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
