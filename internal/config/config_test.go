package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txguard/internal/risk"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("RISK_ALERT_THRESHOLD", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, risk.DefaultPolicy(), cfg.Policy)
	assert.True(t, cfg.SeniorOverrides.IsZero())
	assert.Equal(t, DefaultClassifierTimeout, cfg.ClassifierTimeout)
	assert.Equal(t, DefaultSettlementInterval, cfg.SettlementInterval)
	assert.Equal(t, DefaultSettlementBatchSize, cfg.SettlementBatchSize)
	assert.True(t, cfg.SettlementEnabled)
	assert.False(t, cfg.StrictTimestamps)
	assert.Zero(t, cfg.RateLimitRPM)
	assert.Equal(t, DefaultRateLimitBurst, cfg.RateLimitBurst)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_PolicyAndOverrides(t *testing.T) {
	t.Setenv("RISK_ALERT_THRESHOLD", "0.8")
	t.Setenv("RISK_AMOUNT_STD_CAP", "4")
	t.Setenv("SENIOR_RISK_ALERT_THRESHOLD", "0.5")
	t.Setenv("SENIOR_RISK_NEW_RECIPIENT_PENALTY", "0.3")
	t.Setenv("PRIVILEGED_USER_IDS", " alice, ,bob ")
	t.Setenv("STRICT_TIMESTAMPS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.8, cfg.Policy.AlertThreshold)
	assert.Equal(t, 4.0, cfg.Policy.AmountStdCap)
	assert.Equal(t, []string{"alice", "bob"}, cfg.PrivilegedUserIDs)
	assert.True(t, cfg.StrictTimestamps)

	set := cfg.Policies()
	senior := set.Resolve(risk.ClassPrivileged)
	assert.Equal(t, 0.5, senior.AlertThreshold)
	assert.Equal(t, 0.3, senior.NewRecipientPenalty)
	assert.Equal(t, 4.0, senior.AmountStdCap, "unset overrides inherit the base")
	assert.Equal(t, 0.8, set.Resolve(risk.ClassStandard).AlertThreshold)
}

func TestLoad_Durations(t *testing.T) {
	t.Setenv("CLASSIFIER_TIMEOUT", "0.5")
	t.Setenv("SETTLEMENT_INTERVAL", "1m")
	t.Setenv("SETTLEMENT_MIN_AGE", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.ClassifierTimeout)
	assert.Equal(t, time.Minute, cfg.SettlementInterval)
	assert.Zero(t, cfg.SettlementMinAge)
}

func TestLoad_MalformedValuesReportedTogether(t *testing.T) {
	t.Setenv("RISK_OFF_HOURS_PENALTY", "lots")
	t.Setenv("SETTLEMENT_BATCH_SIZE", "ten")
	t.Setenv("STRICT_TIMESTAMPS", "maybe")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RISK_OFF_HOURS_PENALTY")
	assert.Contains(t, err.Error(), "SETTLEMENT_BATCH_SIZE")
	assert.Contains(t, err.Error(), "STRICT_TIMESTAMPS")
}

func TestLoad_InvalidPolicy(t *testing.T) {
	t.Setenv("SENIOR_RISK_ALERT_THRESHOLD", "1.5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "senior policy")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			LogFormat:             "json",
			Policy:                risk.DefaultPolicy(),
			ClassifierTimeout:     time.Second,
			SettlementEnabled:     true,
			SettlementInterval:    time.Second,
			SettlementBatchSize:   10,
			SettlementConcurrency: 2,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "LOG_FORMAT"},
		{"zero classifier timeout", func(c *Config) { c.ClassifierTimeout = 0 }, "CLASSIFIER_TIMEOUT"},
		{"zero interval", func(c *Config) { c.SettlementInterval = 0 }, "SETTLEMENT_INTERVAL"},
		{"zero interval with sweeper off", func(c *Config) { c.SettlementEnabled = false; c.SettlementInterval = 0 }, ""},
		{"negative min age", func(c *Config) { c.SettlementMinAge = -time.Second }, "SETTLEMENT_MIN_AGE"},
		{"zero batch", func(c *Config) { c.SettlementBatchSize = 0 }, "SETTLEMENT_BATCH_SIZE"},
		{"zero concurrency", func(c *Config) { c.SettlementConcurrency = 0 }, "SETTLEMENT_CONCURRENCY"},
		{"negative rate limit", func(c *Config) { c.RateLimitRPM = -1 }, "RATE_LIMIT_RPM"},
		{"rate limit without burst", func(c *Config) { c.RateLimitRPM = 60 }, "RATE_LIMIT_BURST"},
		{"rate limit with burst", func(c *Config) { c.RateLimitRPM = 60; c.RateLimitBurst = 5 }, ""},
		{"negative weight", func(c *Config) { c.Policy.WeightLocal = -1 }, "invalid risk policy"},
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

func TestConfig_Environment(t *testing.T) {
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "production"}).IsDevelopment())
}
