package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, AuthNone, cfg.Marketplace.Auth.Kind)
	assert.InDelta(t, 20.0, cfg.RateLimit.Rate, 0.001)
	assert.Equal(t, 40, cfg.RateLimit.Burst)
	assert.Equal(t, 24*time.Hour, cfg.Resolve.RetryAfter())
	assert.Equal(t, 5*time.Minute, cfg.Resolve.TransientBackoff())
	assert.Equal(t, 20, cfg.Resolve.KeywordResultCap)
	assert.InDelta(t, 0.95, cfg.Resolve.UPCConfidence, 0.001)
	assert.InDelta(t, 0.8, cfg.Resolve.MfgNumberConfidence, 0.001)
	assert.InDelta(t, 0.6, cfg.Resolve.KeywordConfidence, 0.001)
	assert.InDelta(t, 0.8, cfg.Dedup.FuzzyThreshold, 0.001)
	assert.Equal(t, 8, cfg.Batch.Concurrency)
	assert.InDelta(t, 0.15, cfg.Scoring.ReferralFeePct, 0.001)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 60, cfg.Schedule.PollSecs)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: catalog.db
marketplace:
  base_url: https://api.example.com
  auth:
    kind: oauth_refresh
    client_id: cid
    refresh_token: rt
    token_url: https://auth.example.com/token
batch:
  concurrency: 4
schedule:
  jobs:
    - name: nightly
      frequency: daily
      hour: 3
      selector: all_due
      limit: 500
      enabled: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, AuthOAuthRefresh, cfg.Marketplace.Auth.Kind)
	assert.Equal(t, "cid", cfg.Marketplace.Auth.ClientID)
	assert.Equal(t, 4, cfg.Batch.Concurrency)
	require.Len(t, cfg.Schedule.Jobs, 1)
	assert.Equal(t, "nightly", cfg.Schedule.Jobs[0].Name)
	assert.Equal(t, 3, cfg.Schedule.Jobs[0].Hour)
	// Defaults still apply for unset values
	assert.Equal(t, 50, cfg.Batch.ChunkSize)
	assert.NoError(t, cfg.Validate("resolve"))
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("CATALOG_STORE_DRIVER", "postgres")
	t.Setenv("CATALOG_LOG_LEVEL", "warn")
	t.Setenv("CATALOG_RATE_LIMIT_BURST", "60")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 60, cfg.RateLimit.Burst)
}

func TestInitLoggerConsole(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

// validDefaults returns a Config that passes every mode.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "catalog.db"
	cfg.Marketplace.BaseURL = "https://api.example.com"
	cfg.Marketplace.Auth.Kind = AuthNone
	cfg.RateLimit.Rate = 20
	cfg.RateLimit.Burst = 40
	cfg.Resolve.RetryAfterHours = 24
	cfg.Resolve.KeywordResultCap = 20
	cfg.Resolve.UPCConfidence = 0.95
	cfg.Resolve.MfgNumberConfidence = 0.8
	cfg.Resolve.KeywordConfidence = 0.6
	cfg.Dedup.FuzzyThreshold = 0.8
	cfg.Batch.ChunkSize = 50
	cfg.Batch.Concurrency = 8
	cfg.Schedule.PollSecs = 60
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModesPass(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"store", "resolve", "serve", "schedule"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""
	cfg.Marketplace.BaseURL = ""
	cfg.RateLimit.Burst = 10

	err := cfg.Validate("resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "marketplace.base_url is required")
	assert.Contains(t, err.Error(), "rate_limit.burst must be >= rate_limit.rate")
}

func TestValidate_ConcurrencyBelowBurst(t *testing.T) {
	cfg := validDefaults()
	cfg.Batch.Concurrency = 40
	err := cfg.Validate("resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch.concurrency must be >= 1 and below rate_limit.burst")

	cfg.Batch.Concurrency = 39
	assert.NoError(t, cfg.Validate("resolve"))
}

func TestValidate_AuthUnion(t *testing.T) {
	cfg := validDefaults()
	cfg.Marketplace.Auth.Kind = AuthOAuthRefresh
	err := cfg.Validate("resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marketplace.auth.client_id is required")
	assert.Contains(t, err.Error(), "marketplace.auth.refresh_token is required")

	cfg.Marketplace.Auth.Kind = AuthAPIKey
	err = cfg.Validate("resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marketplace.auth.api_key is required")

	cfg.Marketplace.Auth.Kind = "saml"
	err = cfg.Validate("resolve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "marketplace.auth.kind")
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
