package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dimagi/casecore/internal/domain"
)

func writeConfig(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, dir
}

func TestLoadAPIConfig(t *testing.T) {
	tests := []struct {
		name        string
		configFile  string
		expectError bool
		validate    func(*testing.T, *APIConfig)
	}{
		{
			name: "valid config file",
			configFile: `
debug: true
sentry_dsn: "https://sentry.example.com"
server:
  port: 9090
database:
  host: localhost
  user: casecore
  password: secret
  dbname: casecore
engine:
  rebuild_timeout: 5s
  negative_balance_policy: allow
auth:
  api_keys: ["k1", "k2"]
`,
			validate: func(t *testing.T, cfg *APIConfig) {
				assert.True(t, cfg.Debug)
				assert.Equal(t, "https://sentry.example.com", cfg.SentryDSN)
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, "0.0.0.0", cfg.Server.Host)
				assert.Equal(t, DriverPostgres, cfg.Database.Driver)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, 5*time.Second, cfg.Engine.RebuildTimeout)
				policy, err := cfg.Engine.Policy()
				require.NoError(t, err)
				assert.Equal(t, domain.NegativeBalanceAllow, policy)
				assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
			},
		},
		{
			name: "defaults applied",
			configFile: `
database:
  host: db
  dbname: casecore
`,
			validate: func(t *testing.T, cfg *APIConfig) {
				assert.Equal(t, 30*time.Second, cfg.Engine.RebuildTimeout)
				assert.Equal(t, string(domain.NegativeBalanceReject), cfg.Engine.NegativeBalancePolicy)
				assert.Equal(t, 10, cfg.Engine.ConsumptionMinWindowDays)
				assert.Equal(t, 60, cfg.Engine.ConsumptionMaxWindowDays)
				assert.Equal(t, BlobBackendMemory, cfg.Blob.Backend)
				assert.Equal(t, "casecore", cfg.Temporal.TaskQueue)
				assert.True(t, cfg.Database.AutoMigrate)
			},
		},
		{
			name: "sqlite driver",
			configFile: `
database:
  driver: sqlite
  sqlite_path: /tmp/casecore.db
`,
			validate: func(t *testing.T, cfg *APIConfig) {
				assert.Equal(t, "/tmp/casecore.db", cfg.Database.DSN())
			},
		},
		{
			name: "missing database host",
			configFile: `
database:
  dbname: casecore
`,
			expectError: true,
		},
		{
			name: "unknown negative balance policy",
			configFile: `
database:
  host: db
  dbname: casecore
engine:
  negative_balance_policy: clamp
`,
			expectError: true,
		},
		{
			name: "inverted consumption window",
			configFile: `
database:
  host: db
  dbname: casecore
engine:
  consumption_min_window_days: 90
  consumption_max_window_days: 30
`,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, dir := writeConfig(t, tt.configFile)

			cfg, err := LoadAPIConfig(path, dir)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoadWorkerConfig(t *testing.T) {
	path, dir := writeConfig(t, `
database:
  host: db
  dbname: casecore
nats:
  url: "nats://localhost:4222"
  max_deliver: 7
`)

	cfg, err := LoadWorkerConfig(path, dir)
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 7, cfg.NATS.MaxDeliver)
	assert.Equal(t, "CASECORE_CHANGES", cfg.NATS.StreamName)
	assert.Equal(t, "casecore.changes", cfg.NATS.SubjectPrefix)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, 200, cfg.Relay.BatchSize)
	assert.Equal(t, time.Second, cfg.Relay.PollInterval)
}

func TestLoadSweeperConfig(t *testing.T) {
	path, dir := writeConfig(t, `
database:
  host: db
  dbname: casecore
dirty_case_sweeper:
  interval: 30s
`)

	cfg, err := LoadSweeperConfig(path, dir)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.DirtyCaseSweeper.Interval)
	assert.Equal(t, 100, cfg.DirtyCaseSweeper.BatchSize)
	assert.Equal(t, 8, cfg.DirtyCaseSweeper.Worker.Size)
	assert.Equal(t, 5*time.Minute, cfg.CleanlinessSweeper.Interval)
	assert.Equal(t, 5, cfg.Database.MaxOpenConns)
}

func TestLoadCtlConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadCtlConfig(filepath.Join(t.TempDir(), "missing.yaml"), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoadCtlConfigEnvOnly(t *testing.T) {
	t.Setenv("CASECORE_DATABASE_DRIVER", DriverSQLite)
	t.Setenv("CASECORE_DATABASE_SQLITE_PATH", "/tmp/ctl.db")
	t.Setenv("CASECORE_ENGINE_REBUILD_TIMEOUT", "2m")

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := LoadCtlConfig("", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "/tmp/ctl.db", cfg.Database.DSN())
	assert.Equal(t, 2*time.Minute, cfg.Engine.RebuildTimeout)
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Driver:   DriverPostgres,
		Host:     "localhost",
		Port:     5432,
		User:     "u",
		Password: "p",
		DBName:   "d",
		SSLMode:  "disable",
	}
	assert.Equal(t, "host=localhost port=5432 user=u password=p dbname=d sslmode=disable", cfg.DSN())
}

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()

	assert.Equal(t, 30*time.Second, cfg.RebuildTimeout)
	assert.Equal(t, 10, cfg.ConsumptionMinWindowDays)
	assert.Equal(t, 60, cfg.ConsumptionMaxWindowDays)
	assert.Equal(t, 16, cfg.Intake.Size)
	assert.Equal(t, 4, cfg.Cleanliness.Size)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, domain.NegativeBalanceReject, policy)
}
