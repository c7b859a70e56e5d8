package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"LoanLedger/internal/config"
	"LoanLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loanledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LOAN_CONFIG_FILE", "")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
	assert.Equal(t, 24*time.Hour, cfg.MaxPriceAge)
	assert.Empty(t, cfg.DefaultPolicy)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
postgres_url: postgres://file/db
redis_addr: redis:6379
max_price_age: 6h
persist_flush_timeout: 20ms
default_write_off_policy:
  - triggers:
      - kind: principal_overdue
        days: 10
    status:
      percentage: "0.2"
      penalty: "0.02"
  - triggers:
      - kind: price_outdated
        seconds: 3600
      - kind: principal_overdue
        days: 0
    status:
      percentage: "0.5"
      penalty: "0"
`)
	t.Setenv("LOAN_POSTGRES_DSN", "postgres://env/db")
	t.Setenv("LOAN_PERSIST_BATCH_SIZE", "64")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.PostgresURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 64, cfg.PersistBatchSize)
	assert.Equal(t, 6*time.Hour, cfg.MaxPriceAge)
	assert.Equal(t, 20*time.Millisecond, cfg.PersistFlushTimeout)

	require.Len(t, cfg.DefaultPolicy, 2)
	assert.Equal(t, state.PrincipalOverdueDays(10), cfg.DefaultPolicy[0].Triggers[0])
	assert.Equal(t, "0.2", cfg.DefaultPolicy[0].Status.Percentage.String())
	assert.Equal(t, state.PriceOutdated(3600), cfg.DefaultPolicy[1].Triggers[0])
}

func TestLoad_ConfigFileFromEnv(t *testing.T) {
	t.Setenv("LOAN_CONFIG_FILE", writeFile(t, "http_addr: \":8181\"\n"))

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8181", cfg.HTTPAddr)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown field", "postgres: x\n"},
		{"bad trigger", "default_write_off_policy:\n  - triggers:\n      - kind: late\n    status: {percentage: \"0.1\"}\n"},
		{"rule without triggers", "default_write_off_policy:\n  - status: {percentage: \"0.1\"}\n"},
		{"zero batch", "persist_batch_size: 0\n"},
		{"same http and metrics", "http_addr: \":9000\"\nmetrics_addr: \":9000\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "open config")
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PostgresURL = ""
	cfg.MaxPriceAge = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "postgres_url is required")
	assert.ErrorContains(t, err, "max_price_age must be positive")
}

func TestEnvIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("LOAN_CONFIG_FILE", "")
	t.Setenv("LOAN_COMMAND_QUEUE_SIZE", "lots")
	t.Setenv("LOAN_MAX_PRICE_AGE", "soon")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().CommandQueueSize, cfg.CommandQueueSize)
	assert.Equal(t, config.DefaultConfig().MaxPriceAge, cfg.MaxPriceAge)
}
