//go:build integration

package notifications

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/stockwatch/internal/config"
	"github.com/albapepper/stockwatch/internal/db"
)

// Run with: DATABASE_URL=postgres://... go test -tags integration ./internal/notifications
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	_, err = db.Migrate(ctx, conn)
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))

	pool, err := db.New(ctx, &config.Config{DatabaseURL: url, DBPoolMinConns: 1, DBPoolMaxConns: 2, DBPoolMaxLife: time.Minute})
	require.NoError(t, err)
	defer pool.Close()

	store := NewPostgresStore(pool.Pool)
	user := "it-user-" + uuid.NewString()
	old := time.Now().UTC().Add(-40 * 24 * time.Hour).Truncate(time.Microsecond)
	recent := time.Now().UTC().Truncate(time.Microsecond)

	first := Record{ID: uuid.New(), UserID: user, Category: "stock", Title: "Low stock", Body: "Milk", CreatedAt: old}
	second := Record{ID: uuid.New(), UserID: user, Category: "announcement", Title: "Closed Monday", CreatedAt: recent}
	require.NoError(t, store.Insert(ctx, first))
	require.NoError(t, store.Insert(ctx, second))

	list, err := store.ListForUser(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest first")
	assert.Nil(t, list[1].ReadAt)

	require.NoError(t, store.MarkRead(ctx, user, first.ID, recent))
	require.NoError(t, store.MarkRead(ctx, "someone-else", second.ID, recent))

	n, err := store.PurgeRead(ctx, recent.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	list, err = store.ListForUser(ctx, user, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Nil(t, list[0].ReadAt)
}
