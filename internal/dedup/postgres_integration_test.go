//go:build integration

package dedup

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

// Run with: DATABASE_URL=postgres://... go test -tags integration ./internal/dedup
func TestPostgresLedger(t *testing.T) {
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

	pool, err := db.New(ctx, &config.Config{DatabaseURL: url, DBPoolMinConns: 1, DBPoolMaxConns: 4, DBPoolMaxLife: time.Minute})
	require.NoError(t, err)
	defer pool.Close()

	ledger := NewPostgresLedger(pool.Pool)
	subject := "it-branch:" + uuid.NewString()
	now := time.Now().UTC()
	rec := Record{ID: uuid.New(), Subject: subject, Severity: "critical", Source: SourceSaleStockOut, CreatedAt: now}

	ok, err := ledger.Reserve(ctx, rec, SourceSaleStockOut.Overlapping(), now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// An overlapping source inside the window is refused.
	again := Record{ID: uuid.New(), Subject: subject, Severity: "critical", Source: SourceStockOut, CreatedAt: now}
	ok, err = ledger.Reserve(ctx, again, SourceStockOut.Overlapping(), now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	recent, err := ledger.Recent(ctx, subject, SourceStockOut.Overlapping(), now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, recent)

	n, err := ledger.Purge(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	recent, err = ledger.Recent(ctx, subject, SourceStockOut.Overlapping(), now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, recent)
}
