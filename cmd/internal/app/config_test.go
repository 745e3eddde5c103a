package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/store"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"RUNHUB_HTTP_ADDR", "RUNHUB_DATABASE_URL", "RUNHUB_REDIS_URL", "RUNHUB_NOTIFY_MODE", "RUNHUB_WS_ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	require.Empty(t, cfg.DatabaseURL)
	require.Equal(t, store.DefaultSchema, cfg.DBSchema)
	require.Equal(t, NotifyNop, cfg.NotifyMode)
	require.True(t, cfg.WSOriginRequired)
	require.NotEmpty(t, cfg.WSAllowedOrigins)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("RUNHUB_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("RUNHUB_NOTIFY_MODE", "ASYNQ")
	t.Setenv("RUNHUB_REDIS_URL", "redis://127.0.0.1:6379/0")
	t.Setenv("RUNHUB_WS_ALLOWED_ORIGINS", " https://app.runhub.io , ,https://admin.runhub.io")
	t.Setenv("RUNHUB_WS_RATE_WINDOW", "2s")
	t.Setenv("RUNHUB_WS_RATE_EVENTS", "-3")

	cfg := LoadConfig()
	require.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr)
	require.Equal(t, NotifyAsynq, cfg.NotifyMode)
	require.Equal(t, []string{"https://app.runhub.io", "https://admin.runhub.io"}, cfg.WSAllowedOrigins)
	require.Equal(t, 2*time.Second, cfg.WSRateWindow)
	require.Positive(t, cfg.WSRateEvents)
	require.NoError(t, cfg.Validate())

	gw := cfg.GatewayConfig()
	require.Equal(t, cfg.WSAllowedOrigins, gw.AllowedOrigins)
	require.Equal(t, 2*time.Second, gw.RateWindow)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	base := Config{
		NotifyMode:       NotifyNop,
		DBSchema:         "runhub",
		WSOriginRequired: true,
		WSAllowedOrigins: []string{"http://localhost"},
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "asynq without redis", mutate: func(c *Config) { c.NotifyMode = NotifyAsynq }, wantErr: "RUNHUB_REDIS_URL"},
		{name: "postgres without db", mutate: func(c *Config) { c.NotifyMode = NotifyPostgres }, wantErr: "RUNHUB_DATABASE_URL"},
		{name: "unknown mode", mutate: func(c *Config) { c.NotifyMode = "smtp" }, wantErr: "unknown RUNHUB_NOTIFY_MODE"},
		{name: "bad schema", mutate: func(c *Config) { c.DBSchema = "chat;drop" }, wantErr: "RUNHUB_DB_SCHEMA"},
		{name: "party header required", mutate: func(c *Config) { c.RequirePartyHeader = true }, wantErr: "RUNHUB_WS_PARTY_HEADER"},
		{name: "insecure with party header", mutate: func(c *Config) {
			c.RequirePartyHeader, c.WSPartyHeader, c.WSDevInsecure = true, "X-Party-ID", true
		}, wantErr: "RUNHUB_WS_DEV_INSECURE"},
		{name: "origin required without allowlist", mutate: func(c *Config) { c.WSAllowedOrigins = nil }, wantErr: "RUNHUB_WS_ALLOWED_ORIGINS"},
		{name: "wildcard origin", mutate: func(c *Config) { c.WSAllowedOrigins = []string{"*"} }, wantErr: "wildcard"},
		{name: "wildcard origin in dev", mutate: func(c *Config) { c.WSAllowedOrigins, c.WSDevInsecure = []string{"*"}, true }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("RUNHUB_TEST_CSV", " a, ,b ,")
	require.Equal(t, []string{"a", "b"}, EnvCSV("RUNHUB_TEST_CSV", nil))

	t.Setenv("RUNHUB_TEST_CSV", " , ")
	require.Equal(t, []string{"x"}, EnvCSV("RUNHUB_TEST_CSV", []string{"x"}))
}

func TestLoadDotEnv(t *testing.T) {
	const key = "RUNHUB_TEST_DOTENV_VALUE"
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte(key+"=from-file\n"), 0o600))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	require.Equal(t, "from-file", os.Getenv(key))

	// Already-set variables win.
	t.Setenv(key, "from-env")
	require.NoError(t, LoadDotEnv(path))
	require.Equal(t, "from-env", os.Getenv(key))
}
