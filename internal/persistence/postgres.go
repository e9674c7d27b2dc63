package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/livedata/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS persistent_subscriptions (
	id         TEXT PRIMARY KEY,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps persistent subscriptions in a PostgreSQL table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store on an open pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("%w: create table: %v", ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]model.PersistentSubscription, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM persistent_subscriptions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrStorage, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%w: scan: %v", ErrStorage, err)
	}
	return fromIDs(ids), nil
}

// SaveAll deletes rows missing from subs and upserts the rest in one
// transaction.
func (s *PostgresStore) SaveAll(ctx context.Context, subs []model.PersistentSubscription) error {
	ids := sortedIDs(subs)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM persistent_subscriptions WHERE NOT (id = ANY($1))`, ids); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrStorage, err)
	}

	if len(ids) > 0 {
		now := time.Now().UTC()
		batch := &pgx.Batch{}
		for _, id := range ids {
			batch.Queue(`
				INSERT INTO persistent_subscriptions (id, updated_at)
				VALUES ($1, $2)
				ON CONFLICT (id) DO UPDATE SET updated_at = EXCLUDED.updated_at
			`, id, now)
		}

		results := tx.SendBatch(ctx, batch)
		for range ids {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return fmt.Errorf("%w: upsert: %v", ErrStorage, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("%w: upsert: %v", ErrStorage, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	return nil
}
