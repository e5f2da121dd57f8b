// Package config loads engine configuration from environment variables
// and optional YAML deployment profiles. Environment variables carry
// the 12-factor knobs; profiles carry the deployment policy: creation
// rules, monitor cadence, executor wiring.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/bequest-labs/bequest/pkg/policy"
)

// Config holds server configuration.
type Config struct {
	Port       string
	HealthPort string
	LogLevel   string

	// DatabaseURL selects Postgres; empty falls back to the local
	// SQLite file at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// MasterSecret is hex; per-purpose keys are derived from it. Empty
	// means ephemeral keys, which invalidates tokens and seals on
	// restart.
	MasterSecret  string
	AdminIdentity string
	TokenTTL      time.Duration

	RedisAddr string
	RateRPM   int
	RateBurst int

	ProfileDir  string
	ProfileName string

	ExecutorWebhookURL     string
	ExecutorWASMPath       string
	ExecutorTimeoutSeconds int

	MonitorPollSeconds int

	// CreationRules come from the profile; the environment cannot
	// express CEL.
	CreationRules []policy.Rule

	ArtifactsDir string
	Environment  string
}

// Load loads configuration from environment variables, applying
// defaults that boot a local single-node deployment.
func Load() *Config {
	return &Config{
		Port:                   envOr("PORT", "8080"),
		HealthPort:             envOr("HEALTH_PORT", "8081"),
		LogLevel:               envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		SQLitePath:             envOr("BEQUEST_DB_PATH", "data/bequest.db"),
		MasterSecret:           os.Getenv("MASTER_SECRET"),
		AdminIdentity:          envOr("ADMIN_IDENTITY", "admin"),
		TokenTTL:               envDuration("TOKEN_TTL", 24*time.Hour),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RateRPM:                envInt("RATE_LIMIT_RPM", 120),
		RateBurst:              envInt("RATE_LIMIT_BURST", 30),
		ProfileDir:             envOr("PROFILE_DIR", "profiles"),
		ProfileName:            os.Getenv("PROFILE"),
		ExecutorWebhookURL:     os.Getenv("EXECUTOR_WEBHOOK_URL"),
		ExecutorWASMPath:       os.Getenv("EXECUTOR_WASM_PATH"),
		ExecutorTimeoutSeconds: envInt("EXECUTOR_TIMEOUT_SECONDS", 10),
		MonitorPollSeconds:     envInt("MONITOR_POLL_SECONDS", 30),
		ArtifactsDir:           envOr("ARTIFACTS_DIR", "data/artifacts"),
		Environment:            envOr("ENV", "development"),
	}
}

// IsProduction reports whether the deployment runs with production
// guards, such as refusing ephemeral signing keys.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
