package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any env vars that might interfere with defaults.
	os.Unsetenv("CERT_STORE_ROOT")
	os.Unsetenv("DEFAULT_CA")
	os.Unsetenv("RENEWAL_DAYS")
	os.Unsetenv("RENEWAL_TICK")
	os.Unsetenv("DEFAULT_MONITOR_FREQ")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "/var/lib/certfleet", cfg.StoreRoot)
	assert.Equal(t, "letsencrypt", cfg.DefaultCA)
	assert.Equal(t, 30, cfg.RenewalDays)
	assert.Equal(t, time.Hour, cfg.RenewalTick)
	assert.Equal(t, 3600, cfg.DefaultMonitorFreq)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.ACMEStaging)
}

func TestLoad_AllEnvVars(t *testing.T) {
	t.Setenv("CORE_DATABASE_URL", "postgres://core:5432/coredb")
	t.Setenv("CERT_STORE_ROOT", "/srv/certs")
	t.Setenv("DEFAULT_CA", "zerossl")
	t.Setenv("ACME_EMAIL", "ops@example.com")
	t.Setenv("ACME_STAGING", "true")
	t.Setenv("RENEWAL_DAYS", "21")
	t.Setenv("RENEWAL_TICK", "30m")
	t.Setenv("WORKER_POOL_SIZE", "8")
	t.Setenv("DNS_PROVIDER", "cloudflare")
	t.Setenv("CLOUDFLARE_API_TOKEN", "cf-token")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "postgres://core:5432/coredb", cfg.CoreDatabaseURL)
	assert.Equal(t, "/srv/certs", cfg.StoreRoot)
	assert.Equal(t, "zerossl", cfg.DefaultCA)
	assert.Equal(t, "ops@example.com", cfg.ACMEEmail)
	assert.True(t, cfg.ACMEStaging)
	assert.Equal(t, 21, cfg.RenewalDays)
	assert.Equal(t, 30*time.Minute, cfg.RenewalTick)
	assert.Equal(t, 8, cfg.WorkerPoolSize)
	assert.Equal(t, "cloudflare", cfg.DNSProvider)
	assert.Equal(t, "cf-token", cfg.CloudflareAPIToken)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MalformedIntFallsBack(t *testing.T) {
	t.Setenv("RENEWAL_DAYS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.RenewalDays)
}

func TestValidate_MissingFields(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.Validate())

	cfg.CoreDatabaseURL = "postgres://localhost/core"
	require.Error(t, cfg.Validate())

	cfg.ACMEEmail = "ops@example.com"
	cfg.StoreRoot = "/srv/certs"
	cfg.RenewalDays = 30
	cfg.WorkerPoolSize = 4
	require.NoError(t, cfg.Validate())
}

func TestValidate_BadNumbers(t *testing.T) {
	cfg := &Config{
		CoreDatabaseURL: "postgres://localhost/core",
		ACMEEmail:       "ops@example.com",
		StoreRoot:       "/srv/certs",
		RenewalDays:     0,
		WorkerPoolSize:  4,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RENEWAL_DAYS")

	cfg.RenewalDays = 30
	cfg.WorkerPoolSize = -1
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_POOL_SIZE")
}
