package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
	Skip(args ...any)
}

// NewTestDSN starts a PostgreSQL server for the test and returns its DSN.
// It skips in -short mode.
func NewTestDSN(t Testing) string {
	if testing.Short() {
		t.Skip("postgres container tests are skipped in -short mode")
	}
	ctx := t.Context()
	pgC, err := testcontainers.Run(
		ctx, "postgres:16-alpine",
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "screeem",
			"POSTGRES_PASSWORD": "screeem",
			"POSTGRES_DB":       "screeem",
		}),
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			// the server restarts once after initdb
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgC); err != nil {
			t.Errorf("terminate postgres container: %s", err.Error())
		}
	})

	endpoint, err := pgC.PortEndpoint(ctx, "5432/tcp", "")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://screeem:screeem@%s/screeem?sslmode=disable", endpoint)
	t.Logf("postgres dsn: %s", dsn)
	return dsn
}

// NewTestPool opens a migrated pool on a fresh server.
func NewTestPool(t Testing) *pgx.ConnPool {
	pool, err := Open(t.Context(), Config{DSN: NewTestDSN(t)})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}
