// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/txguard/internal/risk"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply embedded migrations on startup

	// Tracing (optional, tracing disabled if not set)
	OTLPEndpoint string

	// Global classifier (optional, heuristic scorer if not set)
	ClassifierURL     string
	ClassifierToken   string
	ClassifierTimeout time.Duration

	// Risk policy
	Policy            risk.Policy
	SeniorOverrides   risk.Overrides
	PrivilegedUserIDs []string
	UserClassCacheTTL time.Duration
	StrictTimestamps  bool

	// Settlement sweeper
	SettlementEnabled     bool
	SettlementInterval    time.Duration
	SettlementMinAge      time.Duration
	SettlementBatchSize   int
	SettlementConcurrency int

	// Per-client limit on the /v1 API; zero RPM disables it
	RateLimitRPM   int
	RateLimitBurst int
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "json"
	DefaultClassifierTimeout     = 2 * time.Second
	DefaultUserClassCacheTTL     = time.Minute
	DefaultSettlementInterval    = 30 * time.Second
	DefaultSettlementMinAge      = 5 * time.Second
	DefaultSettlementBatchSize   = 100
	DefaultSettlementConcurrency = 4
	DefaultRateLimitBurst        = 50
)

// policyVars maps the environment suffix of each tunable to its Policy
// field. The base policy reads RISK_<suffix>, the privileged class
// SENIOR_RISK_<suffix>.
var policyVars = []struct {
	suffix   string
	field    func(p *risk.Policy) *float64
	override func(o *risk.Overrides) **float64
}{
	{"AMOUNT_STD_CAP", func(p *risk.Policy) *float64 { return &p.AmountStdCap }, func(o *risk.Overrides) **float64 { return &o.AmountStdCap }},
	{"UNSEEN_CHANNEL_PENALTY", func(p *risk.Policy) *float64 { return &p.UnseenChannelPenalty }, func(o *risk.Overrides) **float64 { return &o.UnseenChannelPenalty }},
	{"UNSEEN_LOCATION_PENALTY", func(p *risk.Policy) *float64 { return &p.UnseenLocationPenalty }, func(o *risk.Overrides) **float64 { return &o.UnseenLocationPenalty }},
	{"OFF_HOURS_PENALTY", func(p *risk.Policy) *float64 { return &p.OffHoursPenalty }, func(o *risk.Overrides) **float64 { return &o.OffHoursPenalty }},
	{"NEW_RECIPIENT_PENALTY", func(p *risk.Policy) *float64 { return &p.NewRecipientPenalty }, func(o *risk.Overrides) **float64 { return &o.NewRecipientPenalty }},
	{"BALANCE_DROP_PENALTY", func(p *risk.Policy) *float64 { return &p.BalanceDropPenalty }, func(o *risk.Overrides) **float64 { return &o.BalanceDropPenalty }},
	{"COMBINED_WEIGHT_LOCAL", func(p *risk.Policy) *float64 { return &p.WeightLocal }, func(o *risk.Overrides) **float64 { return &o.WeightLocal }},
	{"COMBINED_WEIGHT_GLOBAL", func(p *risk.Policy) *float64 { return &p.WeightGlobal }, func(o *risk.Overrides) **float64 { return &o.WeightGlobal }},
	{"ALERT_THRESHOLD", func(p *risk.Policy) *float64 { return &p.AlertThreshold }, func(o *risk.Overrides) **float64 { return &o.AlertThreshold }},
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           p.bool("AUTO_MIGRATE", false),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ClassifierURL:         os.Getenv("CLASSIFIER_URL"),
		ClassifierToken:       os.Getenv("CLASSIFIER_TOKEN"),
		ClassifierTimeout:     p.duration("CLASSIFIER_TIMEOUT", DefaultClassifierTimeout),
		Policy:                risk.DefaultPolicy(),
		PrivilegedUserIDs:     splitList(os.Getenv("PRIVILEGED_USER_IDS")),
		UserClassCacheTTL:     p.duration("USER_CLASS_CACHE_TTL", DefaultUserClassCacheTTL),
		StrictTimestamps:      p.bool("STRICT_TIMESTAMPS", false),
		SettlementEnabled:     p.bool("SETTLEMENT_ENABLED", true),
		SettlementInterval:    p.duration("SETTLEMENT_INTERVAL", DefaultSettlementInterval),
		SettlementMinAge:      p.duration("SETTLEMENT_MIN_AGE", DefaultSettlementMinAge),
		SettlementBatchSize:   p.int("SETTLEMENT_BATCH_SIZE", DefaultSettlementBatchSize),
		SettlementConcurrency: p.int("SETTLEMENT_CONCURRENCY", DefaultSettlementConcurrency),
		RateLimitRPM:          p.int("RATE_LIMIT_RPM", 0),
		RateLimitBurst:        p.int("RATE_LIMIT_BURST", DefaultRateLimitBurst),
	}

	for _, v := range policyVars {
		field := v.field(&cfg.Policy)
		*field = p.float("RISK_"+v.suffix, *field)
		if f, ok := p.optionalFloat("SENIOR_RISK_" + v.suffix); ok {
			*v.override(&cfg.SeniorOverrides) = &f
		}
	}

	if err := p.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Policies builds the policy set: the base policy plus the privileged
// class overrides.
func (c *Config) Policies() *risk.PolicySet {
	set := risk.NewPolicySet(c.Policy)
	if !c.SeniorOverrides.IsZero() {
		set.WithClass(risk.ClassPrivileged, c.SeniorOverrides)
	}
	return set
}

// Validate checks that all configuration is usable
func (c *Config) Validate() error {
	if err := c.Policies().Validate(); err != nil {
		return fmt.Errorf("invalid risk policy: %w", err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.ClassifierTimeout <= 0 {
		return errors.New("CLASSIFIER_TIMEOUT must be positive")
	}
	if c.SettlementEnabled && c.SettlementInterval <= 0 {
		return errors.New("SETTLEMENT_INTERVAL must be positive")
	}
	if c.SettlementMinAge < 0 {
		return errors.New("SETTLEMENT_MIN_AGE must not be negative")
	}
	if c.SettlementBatchSize <= 0 {
		return errors.New("SETTLEMENT_BATCH_SIZE must be positive")
	}
	if c.SettlementConcurrency <= 0 {
		return errors.New("SETTLEMENT_CONCURRENCY must be positive")
	}
	if c.RateLimitRPM < 0 {
		return errors.New("RATE_LIMIT_RPM must not be negative")
	}
	if c.RateLimitRPM > 0 && c.RateLimitBurst <= 0 {
		return errors.New("RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects malformed values so Load can report all of them at once.
type parser struct {
	errs []error
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func (p *parser) fail(key, value, want string) {
	p.errs = append(p.errs, fmt.Errorf("%s: %q is not a valid %s", key, value, want))
}

func (p *parser) float(key string, def float64) float64 {
	if f, ok := p.optionalFloat(key); ok {
		return f
	}
	return def
}

func (p *parser) optionalFloat(key string) (float64, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.fail(key, value, "number")
		return 0, false
	}
	return f, true
}

func (p *parser) int(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, "integer")
		return def
	}
	return i
}

func (p *parser) bool(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, "boolean")
		return def
	}
	return b
}

// duration accepts Go durations ("1500ms") or bare seconds ("2", "0.5").
func (p *parser) duration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, "duration")
		return def
	}
	return d
}
