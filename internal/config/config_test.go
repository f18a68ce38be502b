package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/money"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultHoldPeriod, cfg.HoldPeriod)
	assert.Equal(t, money.MustParse("100.00"), cfg.AutoApproveRefundBelow)
	assert.Equal(t, "0.1", cfg.Rates.Default.String())
	assert.Equal(t, DefaultAppealWindow, cfg.AppealWindow)
	assert.Equal(t, DefaultPlatformAccount, cfg.PlatformAccountID)
	assert.Equal(t, time.Hour, cfg.ExpiryInterval)
	assert.True(t, cfg.ExpiryEnabled)
	assert.Equal(t, DefaultAMQPExchange, cfg.AMQPExchange)
}

func TestLoad_EscrowRules(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "HOLD_PERIOD", "14d")
	setEnv(t, "AUTO_APPROVE_REFUND_BELOW", "0")
	setEnv(t, "PLATFORM_FEE_RATE", "0.12")
	setEnv(t, "FEE_RATES", "tutoring=0.05, cleaning=0.08")
	setEnv(t, "APPEAL_WINDOW", "72h")
	setEnv(t, "CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 14*24*time.Hour, cfg.HoldPeriod)
	assert.Equal(t, money.Zero, cfg.AutoApproveRefundBelow)
	assert.Equal(t, "0.12", cfg.Rates.For("plumbing").String())
	assert.Equal(t, "0.05", cfg.Rates.For("Tutoring").String())
	assert.Equal(t, 72*time.Hour, cfg.AppealWindow)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_CollectsParseErrors(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "HOLD_PERIOD", "soon")
	setEnv(t, "EXPIRY_BATCH_SIZE", "many")
	setEnv(t, "AUTO_APPROVE_REFUND_BELOW", "1.005")
	setEnv(t, "PLATFORM_FEE_RATE", "1.5")

	_, err := Load()
	require.Error(t, err)
	for _, key := range []string{"HOLD_PERIOD", "EXPIRY_BATCH_SIZE", "AUTO_APPROVE_REFUND_BELOW", "PLATFORM_FEE_RATE"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoad_ProductionRequiresSecrets(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "JWT_SECRET", "")
	setEnv(t, "DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:               "development",
			HoldPeriod:        time.Hour,
			AppealWindow:      time.Hour,
			ExpiryBatchSize:   1,
			ExpiryConcurrency: 1,
			PlatformAccountID: "platform",
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown env", func(c *Config) { c.Env = "qa" }, "ENV must be"},
		{"staging short secret", func(c *Config) { c.Env = "staging"; c.JWTSecret = "short" }, "JWT_SECRET"},
		{"zero hold period", func(c *Config) { c.HoldPeriod = 0 }, "HOLD_PERIOD"},
		{"zero appeal window", func(c *Config) { c.AppealWindow = 0 }, "APPEAL_WINDOW"},
		{"negative threshold", func(c *Config) { c.AutoApproveRefundBelow = -1 }, "AUTO_APPROVE_REFUND_BELOW"},
		{"zero concurrency", func(c *Config) { c.ExpiryConcurrency = 0 }, "EXPIRY_CONCURRENCY"},
		{"unsigned webhook", func(c *Config) {
			c.Env = "staging"
			c.JWTSecret = "0123456789abcdef0123456789abcdef"
			c.WebhookURL = "https://hooks.example/escrow"
		}, "WEBHOOK_SECRET"},
		{"no platform account", func(c *Config) { c.PlatformAccountID = "" }, "PLATFORM_ACCOUNT_ID"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_DevHeaders(t *testing.T) {
	cfg := Config{Env: "development"}
	assert.True(t, cfg.DevHeaders())
	cfg.JWTSecret = "configured"
	assert.False(t, cfg.DevHeaders())
	cfg = Config{Env: "production"}
	assert.False(t, cfg.DevHeaders())
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("30d")
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, d)

	d, err = parseDuration("90m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = parseDuration("xd")
	assert.Error(t, err)
}
