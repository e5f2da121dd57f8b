package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/bequest-labs/bequest/pkg/policy"
)

// profileSchemaConstraint is the range of profile schema versions this
// build understands. A profile outside it fails loading rather than
// being silently misread.
const profileSchemaConstraint = ">= 1.0.0, < 2.0.0"

// Profile is a named deployment profile. Operators ship one per
// deployment flavor (conservative, demo, regulated) and select it with
// the PROFILE environment variable.
type Profile struct {
	Name          string          `yaml:"name"`
	SchemaVersion string          `yaml:"schema_version"`
	Creation      CreationConfig  `yaml:"creation"`
	Monitor       MonitorConfig   `yaml:"monitor"`
	Executor      ExecutorConfig  `yaml:"executor"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// CreationConfig carries the CEL rules gating plan creation.
type CreationConfig struct {
	Rules []policy.Rule `yaml:"rules"`
}

// MonitorConfig controls the liveness sweep cadence.
type MonitorConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// ExecutorConfig selects and tunes the release executor.
type ExecutorConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	WASMModule     string `yaml:"wasm_module"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RateLimitConfig overrides the default per-principal limits.
type RateLimitConfig struct {
	RPM   int `yaml:"rpm"`
	Burst int `yaml:"burst"`
}

// LoadProfile loads profile_<name>.yaml from the profiles directory
// and checks its schema version against the supported range.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}
	if profile.SchemaVersion == "" {
		profile.SchemaVersion = "1.0.0"
	}
	if err := checkSchemaVersion(profile.SchemaVersion); err != nil {
		return nil, fmt.Errorf("config: profile %q: %w", name, err)
	}
	return &profile, nil
}

func checkSchemaVersion(version string) error {
	constraint, err := semver.NewConstraint(profileSchemaConstraint)
	if err != nil {
		return fmt.Errorf("invalid schema constraint: %w", err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", version, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("schema_version %s is outside supported range %s", version, profileSchemaConstraint)
	}
	return nil
}

// ApplyProfile merges profile settings into the config. Profile values
// win over environment defaults for the settings a profile carries;
// zero values leave the config untouched.
func (c *Config) ApplyProfile(p *Profile) {
	if p == nil {
		return
	}
	if len(p.Creation.Rules) > 0 {
		c.CreationRules = p.Creation.Rules
	}
	if p.Monitor.PollIntervalSeconds > 0 {
		c.MonitorPollSeconds = p.Monitor.PollIntervalSeconds
	}
	if p.Executor.WebhookURL != "" {
		c.ExecutorWebhookURL = p.Executor.WebhookURL
	}
	if p.Executor.WASMModule != "" {
		c.ExecutorWASMPath = p.Executor.WASMModule
	}
	if p.Executor.TimeoutSeconds > 0 {
		c.ExecutorTimeoutSeconds = p.Executor.TimeoutSeconds
	}
	if p.RateLimit.RPM > 0 {
		c.RateRPM = p.RateLimit.RPM
	}
	if p.RateLimit.Burst > 0 {
		c.RateBurst = p.RateLimit.Burst
	}
}
