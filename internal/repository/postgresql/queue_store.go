package postgresql

import (
	"context"
	"errors"
	"fmt"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/database"
	"github.com/jackc/pgx/v5"
)

type queueStoreImpl struct {
	db *database.DB
}

// NewQueueStore creates a Postgres backed key-value store for shared kiosk
// deployments where several devices write to one database.
func NewQueueStore(ctx context.Context, db *database.DB) (presence.QueueStore, error) {
	s := &queueStoreImpl{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *queueStoreImpl) migrate(ctx context.Context) error {
	return WithTransaction(ctx, s.db, func(ctx context.Context) error {
		q := GetQuerier(ctx, s.db)
		if _, err := q.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS presence_kv (
				key        TEXT PRIMARY KEY,
				value      BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`); err != nil {
			return fmt.Errorf("create presence_kv: %w", err)
		}
		if _, err := q.Exec(ctx, `CREATE INDEX IF NOT EXISTS presence_kv_updated_at_idx ON presence_kv (updated_at)`); err != nil {
			return fmt.Errorf("create presence_kv index: %w", err)
		}
		return nil
	})
}

func (s *queueStoreImpl) Load(ctx context.Context, key string) ([]byte, error) {
	q := GetQuerier(ctx, s.db)

	var value []byte
	err := q.QueryRow(ctx, `SELECT value FROM presence_kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, presence.ErrStoreNotFound
		}
		return nil, err
	}
	return value, nil
}

func (s *queueStoreImpl) Save(ctx context.Context, key string, value []byte) error {
	q := GetQuerier(ctx, s.db)
	query := `
		INSERT INTO presence_kv (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at
	`
	_, err := q.Exec(ctx, query, key, value)
	return err
}

func (s *queueStoreImpl) Delete(ctx context.Context, key string) error {
	q := GetQuerier(ctx, s.db)
	_, err := q.Exec(ctx, `DELETE FROM presence_kv WHERE key = $1`, key)
	return err
}

func (s *queueStoreImpl) Close() error {
	s.db.Close()
	return nil
}
