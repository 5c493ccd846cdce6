package postgresql_test

import (
	"context"
	"os"
	"testing"

	"github.com/cmlabs-hris/presence-sync/internal/domain/presence"
	"github.com/cmlabs-hris/presence-sync/internal/pkg/database"
	"github.com/cmlabs-hris/presence-sync/internal/repository/postgresql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (presence.QueueStore, *database.DB) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := database.NewPostgreSQLDB(ctx, dsn)
	require.NoError(t, err)

	store, err := postgresql.NewQueueStore(ctx, db)
	require.NoError(t, err)

	_, err = db.Exec(ctx, "TRUNCATE TABLE presence_kv")
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })
	return store, db
}

func TestQueueStore_RoundTrip(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx, "presence:queue:dev-1")
	assert.ErrorIs(t, err, presence.ErrStoreNotFound)

	require.NoError(t, store.Save(ctx, "presence:queue:dev-1", []byte(`[{"id":"a"}]`)))
	require.NoError(t, store.Save(ctx, "presence:queue:dev-1", []byte(`[{"id":"b"}]`)))

	got, err := store.Load(ctx, "presence:queue:dev-1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"b"}]`, string(got))

	require.NoError(t, store.Delete(ctx, "presence:queue:dev-1"))
	require.NoError(t, store.Delete(ctx, "presence:queue:dev-1"))
	_, err = store.Load(ctx, "presence:queue:dev-1")
	assert.ErrorIs(t, err, presence.ErrStoreNotFound)
}

func TestQueueStore_KeysAreIsolated(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "presence:queue:dev-1", []byte(`[]`)))
	require.NoError(t, store.Save(ctx, "presence:queue:dev-2", []byte(`[{"id":"x"}]`)))

	got, err := store.Load(ctx, "presence:queue:dev-1")
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(got))
}
