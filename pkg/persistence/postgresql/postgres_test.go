package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/persistence/postgresql"
	"github.com/dukex/kernelgraph/pkg/testutil"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"checkpoints", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Store, context.Context, string) {
	t.Helper()

	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("kernelgraph_test"),
			postgres.WithUsername("kernelgraph"),
			postgres.WithPassword("kernelgraph"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewStore(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		err = store.Close()
		require.NoError(t, err)

		dropDb(ctx, t, databaseURL)

		cancel()
	})

	return store, ctx, databaseURL
}

func TestNewStore_Migrations(t *testing.T) {
	store, ctx, databaseURL := setupTestDB(t)

	require.NoError(t, store.HealthCheck(ctx))

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	var exists bool

	err = db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'checkpoints' AND column_name = 'pending_nodes'
		)`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) checkpoint.Store {
		store, _, _ := setupTestDB(t)

		return store
	})
}

func TestStore_SaveIsIdempotent(t *testing.T) {
	store, ctx, _ := setupTestDB(t)

	cp := testutil.CreateTestCheckpoint()
	require.NoError(t, store.Save(ctx, cp))

	cp.Name = "renamed"
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Get(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
