package repo

import (
	"context"
	"log/slog"
	"strings"
)

// Open picks the backend from the URL scheme: postgres:// and postgresql://
// open a pgx pool, anything else is treated as an SQLite path ("sqlite:" prefix optional).
func Open(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (Repository, error) {
	url := strings.TrimSpace(databaseURL)
	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return NewPostgres(ctx, url, schema, logger)
	case strings.HasPrefix(lower, "sqlite://"):
		return NewSQLite(ctx, url[len("sqlite://"):], logger)
	case strings.HasPrefix(lower, "sqlite:"):
		return NewSQLite(ctx, url[len("sqlite:"):], logger)
	default:
		return NewSQLite(ctx, url, logger)
	}
}
