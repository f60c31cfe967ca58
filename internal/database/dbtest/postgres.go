// Package dbtest starts a throwaway postgres for repository integration tests.
package dbtest

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/matvik19/duplicate-contacts/internal/database"
	"github.com/matvik19/duplicate-contacts/pkg/logger"
)

const (
	user     = "testuser"
	password = "testpass"
	dbName   = "duplicates"
)

// MigrationsDir is the absolute path of db/pg.
func MigrationsDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "..", "db", "pg")
}

// New starts postgres, applies migrations and returns a connected DB.
// The container is terminated when the test finishes.
func New(t *testing.T) database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     user,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       dbName,
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			).WithDeadline(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable", host, port.Port(), user, password, dbName)
	log := logger.Nop()

	db, err := database.Open(ctx, dsn, database.PoolConfig{MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetime: time.Minute}, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	migrations := database.NewMigrationService(log, &database.MigrationConfig{
		MigrationFolderPath: MigrationsDir(),
		DatabaseName:        dbName,
	})
	require.NoError(t, migrations.Migrate(db.SQL()))

	return db
}
