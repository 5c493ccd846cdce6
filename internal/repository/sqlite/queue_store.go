package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
)

type queueStoreImpl struct {
	db *sql.DB
}

// NewQueueStore creates the on-device key-value store. The schema is created
// on first use.
func NewQueueStore(ctx context.Context, db *sql.DB) (presence.QueueStore, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS presence_kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("create presence_kv: %w", err)
	}
	return &queueStoreImpl{db: db}, nil
}

func (s *queueStoreImpl) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM presence_kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, presence.ErrStoreNotFound
		}
		return nil, err
	}
	return value, nil
}

func (s *queueStoreImpl) Save(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence_kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *queueStoreImpl) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM presence_kv WHERE key = ?`, key)
	return err
}

func (s *queueStoreImpl) Close() error {
	return s.db.Close()
}
