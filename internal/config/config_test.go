package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VIPPSGW_PRIMARY__ENV", "test")
	t.Setenv("VIPPSGW_SERVER__PORT", "8080")
	t.Setenv("VIPPSGW_SERVER__READ_TIMEOUT", "10s")
	t.Setenv("VIPPSGW_SERVER__WRITE_TIMEOUT", "10s")
	t.Setenv("VIPPSGW_SERVER__IDLE_TIMEOUT", "60s")
	t.Setenv("VIPPSGW_PROVIDER__ENVIRONMENT", "test")
	t.Setenv("VIPPSGW_PROVIDER__BASE_URL", "https://apitest.vipps.no")
	t.Setenv("VIPPSGW_PROVIDER__SUBSCRIPTION_KEY", "sub-key")
	t.Setenv("VIPPSGW_PROVIDER__MERCHANT_SERIAL_NUMBER", "123456")
	t.Setenv("VIPPSGW_PROVIDER__CLIENT_ID", "client-id")
	t.Setenv("VIPPSGW_PROVIDER__CLIENT_SECRET", "client-secret")
	t.Setenv("VIPPSGW_PROVIDER__CONN_TIMEOUT", "10s")
	t.Setenv("VIPPSGW_WEBHOOK__CALLBACK_URL", "https://merchant.example/webhooks/vipps")
	t.Setenv("VIPPSGW_RECONCILER__INTERVAL", "1m")
	t.Setenv("VIPPSGW_RECONCILER__WINDOW", "5m")
	t.Setenv("VIPPSGW_RECONCILER__BATCH_SIZE", "100")
	t.Setenv("VIPPSGW_DATABASE__HOST", "localhost")
	t.Setenv("VIPPSGW_DATABASE__PORT", "5432")
	t.Setenv("VIPPSGW_DATABASE__USER", "gateway")
	t.Setenv("VIPPSGW_DATABASE__PASSWORD", "secret")
	t.Setenv("VIPPSGW_DATABASE__NAME", "gateway")
	t.Setenv("VIPPSGW_DATABASE__SSL_MODE", "disable")
	t.Setenv("VIPPSGW_DATABASE__MAX_OPEN_CONNS", "10")
	t.Setenv("VIPPSGW_DATABASE__MAX_IDLE_CONNS", "5")
	t.Setenv("VIPPSGW_DATABASE__CONN_MAX_LIFETIME", "1h")
	t.Setenv("VIPPSGW_DATABASE__CONN_MAX_IDLE_TIME", "30m")
}

func TestLoadConfig(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "https://apitest.vipps.no", cfg.Provider.BaseURL)
	assert.Equal(t, "123456", cfg.Provider.MerchantSerialNumber)
	assert.Equal(t, "https://merchant.example/webhooks/vipps", cfg.Webhook.CallbackURL)
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, uint32(5), cfg.Retry.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Retry.BreakerCooldown)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.FreshnessWindow)
	assert.Equal(t, 72*time.Hour, cfg.Webhook.Retention)
	assert.Equal(t, 60*time.Second, cfg.Provider.TokenExpiryMargin)
	assert.Equal(t, 2*time.Second, cfg.Pos.PollInterval)
	assert.False(t, cfg.Webhook.AllowUnsigned)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VIPPSGW_RETRY__MAX_ATTEMPTS", "5")
	t.Setenv("VIPPSGW_WEBHOOK__FRESHNESS_WINDOW", "2m")
	t.Setenv("VIPPSGW_PROVIDER__TOKEN_EXPIRY_MARGIN", "2m")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Webhook.FreshnessWindow)
	assert.Equal(t, 2*time.Minute, cfg.Provider.TokenExpiryMargin)
}

func TestDatabaseDSNEscapesCredentials(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "gateway",
		Password: "p@ss/w:rd",
		Name:     "gateway",
		SSLMode:  "require",
	}

	assert.Equal(t,
		"postgres://gateway:p%40ss%2Fw:rd@db.internal:5432/gateway?sslmode=require",
		cfg.DSN(),
	)
}

func TestLoadConfigValidation(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VIPPSGW_PROVIDER__ENVIRONMENT", "staging")

	_, err := LoadConfig()
	assert.Error(t, err, "environment must be test or production")
}

func TestLoadConfigMissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VIPPSGW_PROVIDER__CLIENT_SECRET", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}
