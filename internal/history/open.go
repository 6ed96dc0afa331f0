package history

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Options selects and configures a ledger engine.
type Options struct {
	Backend     string
	FilePath    string
	DatabaseURL string
	RedisURL    string
	RedisPrefix string
}

// Open returns the ledger engine named by opts.Backend.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Ledger, error) {
	var (
		l   Ledger
		err error
	)
	switch opts.Backend {
	case BackendFile, "":
		l, err = OpenFile(opts.FilePath)
	case BackendPostgres:
		l, err = OpenPostgres(ctx, opts.DatabaseURL)
	case BackendRedis:
		l, err = OpenRedis(ctx, opts.RedisURL, opts.RedisPrefix)
	case BackendMemory:
		l = NewMemory()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("history: ledger opened", "backend", backendName(opts.Backend))
	return l, nil
}

func backendName(b string) string {
	if b == "" {
		return BackendFile
	}
	return b
}
