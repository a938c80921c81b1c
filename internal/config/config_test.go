package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, BackendSQLite, cfg.Backend)
	require.Equal(t, "screeem.db", cfg.SQLitePath)
	require.Equal(t, "@every 1m", cfg.PublishSchedule)
	require.Equal(t, 10, cfg.PublishBatch)
	require.Equal(t, 5, cfg.CommandRetries)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	require.True(t, cfg.DryRun)
	require.False(t, cfg.NatsNotify)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("SCREEEM_BACKEND", "postgres")
	t.Setenv("SCREEEM_POSTGRES_DSN", "postgres://screeem@localhost/screeem")
	t.Setenv("SCREEEM_LOG_LEVEL", "debug")
	t.Setenv("SCREEEM_COMMAND_RETRIES", "9")
	t.Setenv("SCREEEM_NATS_NOTIFY", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BackendPostgres, cfg.Backend)
	require.Equal(t, "postgres://screeem@localhost/screeem", cfg.PostgresDSN)
	require.Equal(t, 9, cfg.CommandRetries)
	require.True(t, cfg.NatsNotify)
}

func TestLoad_Errors(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  map[string]string
		msg  string
	}{
		{name: "bad int", env: map[string]string{"SCREEEM_PUBLISH_BATCH": "many"}, msg: "parse env"},
		{name: "unknown backend", env: map[string]string{"SCREEEM_BACKEND": "mongo"}, msg: `unknown backend "mongo"`},
		{name: "postgres without dsn", env: map[string]string{"SCREEEM_BACKEND": "postgres"}, msg: "SCREEEM_POSTGRES_DSN is required"},
		{name: "bad level", env: map[string]string{"SCREEEM_LOG_LEVEL": "loud"}, msg: `invalid log level "loud"`},
		{name: "no retries", env: map[string]string{"SCREEEM_COMMAND_RETRIES": "0"}, msg: "at least 1"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.ErrorContains(t, err, tc.msg)
		})
	}
}

func TestConfig_Logger(t *testing.T) {
	cfg := Config{LogLevel: "warn", LogFormat: "json"}
	l := cfg.Logger()
	require.False(t, l.Enabled(t.Context(), -4))
	require.True(t, l.Enabled(t.Context(), 4))
}
