package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	apperrors "accessguard/internal/errors"
)

// ErrNotFound is returned by Get when the key has never been set or was deleted.
var ErrNotFound = fmt.Errorf("storage: %w", apperrors.ErrNotFound)

// Store is a string key/value substrate with get/set/delete semantics.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string
	Dir           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open builds the store named by opts.Backend.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "storage"))

	switch strings.ToLower(opts.Backend) {
	case "", BackendFile:
		store, err := NewFileStore(opts.Dir)
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "Using file storage", slog.String("dir", store.Dir()))
		return store, nil
	case BackendMemory:
		logger.InfoContext(ctx, "Using in-memory storage")
		return NewMemoryStore(), nil
	case BackendRedis:
		store, err := NewRedisStore(ctx, RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Prefix:   opts.RedisPrefix,
		})
		if err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "Using redis storage",
			slog.String("addr", opts.RedisAddr),
			slog.String("prefix", opts.RedisPrefix),
		)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// IsNotFound reports whether err signals a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
