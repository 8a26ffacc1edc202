package durable

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a backend.
type Options struct {
	// Backend is one of auto, memory, sqlite or postgres.
	Backend     string
	DatabaseURL string
	SQLitePath  string
}

// Open creates the configured backend. auto picks postgres when a database
// URL is set, sqlite when a path is set, memory otherwise. Open failures
// wrap ErrUnavailable.
func Open(ctx context.Context, opts Options) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" || backend == "auto" {
		switch {
		case strings.TrimSpace(opts.DatabaseURL) != "":
			backend = "postgres"
		case strings.TrimSpace(opts.SQLitePath) != "":
			backend = "sqlite"
		default:
			backend = "memory"
		}
	}
	switch backend {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(ctx, opts.SQLitePath)
	case "postgres":
		if strings.TrimSpace(opts.DatabaseURL) == "" {
			return nil, fmt.Errorf("%w: postgres backend requires DATABASE_URL", ErrUnavailable)
		}
		return NewPostgresStore(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("invalid store backend %q (expected auto|memory|sqlite|postgres)", opts.Backend)
	}
}
