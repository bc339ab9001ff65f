package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wattflow/wattflow/pkg/store"
	"github.com/wattflow/wattflow/pkg/store/file"
	"github.com/wattflow/wattflow/pkg/store/postgresql"
)

// NewStateStore builds a state store from the URL scheme: postgres:// for
// the SQL store, anything else is treated as a file-store root path.
func NewStateStore(ctx context.Context, logger *slog.Logger, databaseURL string) (store.StateStore, error) {
	switch parseStoreProvider(databaseURL) {
	case "postgres", "postgresql":
		stateStore, err := postgresql.NewStore(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgresql state store: %w", err)
		}

		return stateStore, nil
	default:
		stateStore, err := file.NewStore(databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create file state store: %w", err)
		}

		return stateStore, nil
	}
}

func parseStoreProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return scheme
}
