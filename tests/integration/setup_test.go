//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/biznespilot/governor/pkg/storage"
)

// setupPostgres starts a PostgreSQL container and returns a storage config
// pointing at it. The container is removed when the test ends.
func setupPostgres(t *testing.T) storage.Config {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("Docker/Podman not available, skipping integration tests")
	}
	defer provider.Close()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("governor_test"),
		postgres.WithUsername("governor"),
		postgres.WithPassword("governor_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		// the test context may already be cancelled
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := storage.DefaultConfig()
	cfg.Type = storage.TypePostgres
	cfg.PostgresURL = connStr
	cfg.PostgresTimeout = 5 * time.Second
	return cfg
}
