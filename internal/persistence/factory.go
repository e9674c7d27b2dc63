package persistence

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Options selects and configures a store backend.
type Options struct {
	Backend    string
	Postgres   *pgxpool.Pool // required for postgres
	SQLitePath string
	Redis      *redis.Client // required for redis
	RedisKey   string
}

// Open builds the configured store. The returned closer releases resources
// owned by the store and may be nil.
func Open(ctx context.Context, opts Options) (Store, io.Closer, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil, nil
	case BackendPostgres:
		if opts.Postgres == nil {
			return nil, nil, fmt.Errorf("%w: postgres backend without a pool", ErrStorage)
		}
		s := NewPostgresStore(opts.Postgres)
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case BackendSQLite:
		s, err := NewSQLiteStore(opts.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case BackendRedis:
		if opts.Redis == nil {
			return nil, nil, fmt.Errorf("%w: redis backend without a client", ErrStorage)
		}
		return NewRedisStore(opts.Redis, opts.RedisKey), opts.Redis, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown backend %q", ErrStorage, opts.Backend)
	}
}
