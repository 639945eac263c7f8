//go:build integration

package migration

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/erp/docnumber/migrations"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

func TestMigrator_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("docnumber_migrate"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("admin123"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := New(db, FromFS(migrations.FS, "."), zaptest.NewLogger(t))
	require.NoError(t, err)

	status, err := m.Status()
	require.NoError(t, err)
	assert.Zero(t, status.Version)
	assert.Len(t, status.Pending, 2)

	require.NoError(t, m.Up())
	require.NoError(t, m.Up())

	status, err = m.Status()
	require.NoError(t, err)
	assert.Equal(t, uint(20251101090100), status.Version)
	assert.False(t, status.Dirty)
	assert.Len(t, status.Applied, 2)
	assert.Empty(t, status.Pending)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM document_number_sequences").Scan(&n))
	assert.Zero(t, n)

	require.NoError(t, m.Steps(-1))
	version, _, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(20251101090000), version)

	require.NoError(t, m.Down())
	version, _, err = m.Version()
	require.NoError(t, err)
	assert.Zero(t, version)
}
