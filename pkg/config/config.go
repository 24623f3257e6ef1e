// Copyright 2025 Portage Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for the portage
// control plane.
//
// Configuration is loaded from a YAML file with environment variable
// overrides (PORTAGE_ prefix). Uses Viper for robust configuration
// management with automatic env binding.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config is the complete control plane configuration.
type Config struct {
	// DatabaseDSN is the Postgres connection string. Empty selects the
	// embedded in-memory store, which is what --standalone uses.
	DatabaseDSN string `yaml:"databaseDSN,omitempty"`

	// Standalone runs everything against the in-memory store with the
	// bootstrap tenant created at startup. Intended for development and
	// single-box evaluation, not production.
	Standalone bool `yaml:"standalone,omitempty"`

	// ListenAddress is the address the agent/operator API binds to.
	// Default: :8080
	ListenAddress string `yaml:"listenAddress,omitempty"`

	// OpsBindAddress is the address healthz, readyz, and metrics bind
	// to, kept off the tenant-facing listener.
	// Default: :8081
	OpsBindAddress string `yaml:"opsBindAddress,omitempty"`

	// LogLevel controls log verbosity.
	// Valid values: debug, info, warn, error
	// Default: info
	LogLevel string `yaml:"logLevel,omitempty"`

	// BootstrapTenantName and BootstrapTenantToken seed one tenant at
	// startup when set (always set in standalone mode).
	BootstrapTenantName  string `yaml:"bootstrapTenantName,omitempty"`
	BootstrapTenantToken string `yaml:"bootstrapTenantToken,omitempty"`

	// ScorerPath points at the scorer artifact to load at startup.
	// Empty starts with the conservative fallback until an operator
	// loads one.
	ScorerPath string `yaml:"scorerPath,omitempty"`

	// Scheduler contains the background cadences.
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`

	// Pricing contains price pipeline settings.
	Pricing PricingConfig `yaml:"pricing,omitempty"`

	// API contains request handling settings.
	API APIConfig `yaml:"api,omitempty"`

	// AWSAccounts lists the accounts the provider backfill reads spot
	// history from. Empty disables the backfill; agent-reported prices
	// still flow.
	AWSAccounts []AWSAccount `yaml:"awsAccounts,omitempty"`

	// DefaultRegion is the fallback AWS region for accounts that do not
	// name one.
	DefaultRegion string `yaml:"defaultRegion,omitempty"`

	// AccountValidationInterval is how often to re-check AWS account
	// access. Format: Go duration string. Default: 10m
	AccountValidationInterval string `yaml:"accountValidationInterval,omitempty"`
}

// SchedulerConfig holds the background job cadences. All fields are Go
// duration strings except the cron schedules.
type SchedulerConfig struct {
	// HeartbeatTimeout is how long an agent may stay silent before it
	// is marked offline. Default: 120s
	HeartbeatTimeout string `yaml:"heartbeatTimeout,omitempty"`

	// HeartbeatSweep is how often silent agents are swept. Default: 30s
	HeartbeatSweep string `yaml:"heartbeatSweep,omitempty"`

	// CommandExpiry is how often overdue commands are expired.
	// Default: 1m
	CommandExpiry string `yaml:"commandExpiry,omitempty"`

	// ZombieReap is how often zombie instances are offered for
	// termination. Default: 1m
	ZombieReap string `yaml:"zombieReap,omitempty"`

	// NoticeRetry is how often unresolved interruption notices are
	// re-driven. Default: 30s
	NoticeRetry string `yaml:"noticeRetry,omitempty"`

	// DecisionSweep is how often the decision engine walks the fleet.
	// Default: 5m
	DecisionSweep string `yaml:"decisionSweep,omitempty"`

	// ConsolidationSchedule is the cron expression for price
	// consolidation runs. Default: "0 */12 * * *"
	ConsolidationSchedule string `yaml:"consolidationSchedule,omitempty"`

	// RetentionSchedule is the cron expression for retention pruning.
	// Default: "30 4 * * *"
	RetentionSchedule string `yaml:"retentionSchedule,omitempty"`
}

// PricingConfig holds price pipeline settings.
type PricingConfig struct {
	// IngestPerPoolPerMinute bounds raw samples accepted per pool per
	// minute. Default: 60
	IngestPerPoolPerMinute int `yaml:"ingestPerPoolPerMinute,omitempty"`

	// BackfillInterval is how often the provider backfill fetches spot
	// history. Format: Go duration string. Default: 15m
	BackfillInterval string `yaml:"backfillInterval,omitempty"`
}

// APIConfig holds request handling settings.
type APIConfig struct {
	// TenantRequestsPerSecond rate-limits each tenant's API traffic.
	// Default: 50
	TenantRequestsPerSecond int `yaml:"tenantRequestsPerSecond,omitempty"`

	// TenantBurst is the rate limiter burst size. Default: 100
	TenantBurst int `yaml:"tenantBurst,omitempty"`
}

// AWSAccount is one account the backfill may assume into.
type AWSAccount struct {
	// AccountID is the AWS account ID (e.g. "111111111111").
	AccountID string `yaml:"accountId"`

	// Name is a human-readable name used in logs and health output.
	Name string `yaml:"name"`

	// AssumeRoleARN is the role to assume for cross-account access.
	AssumeRoleARN string `yaml:"assumeRoleArn"`

	// ExternalID is an optional external ID for the AssumeRole call.
	ExternalID string `yaml:"externalId,omitempty"`

	// Region overrides the default region for this account.
	Region string `yaml:"region,omitempty"`
}

// Default returns the built-in configuration used when no config file
// is given, matching the defaults Load applies.
func Default() *Config {
	return &Config{
		ListenAddress:             DefaultListenAddress,
		OpsBindAddress:            DefaultOpsBindAddress,
		LogLevel:                  "info",
		DefaultRegion:             "us-east-1",
		AccountValidationInterval: "10m",
		Scheduler: SchedulerConfig{
			HeartbeatTimeout:      "120s",
			HeartbeatSweep:        "30s",
			CommandExpiry:         "1m",
			ZombieReap:            "1m",
			NoticeRetry:           "30s",
			DecisionSweep:         "5m",
			ConsolidationSchedule: "0 */12 * * *",
			RetentionSchedule:     "30 4 * * *",
		},
		Pricing: PricingConfig{IngestPerPoolPerMinute: 60, BackfillInterval: "15m"},
		API:     APIConfig{TenantRequestsPerSecond: 50, TenantBurst: 100},
	}
}

// Load reads, overrides, and validates configuration.
//
// Environment variables with the PORTAGE_ prefix override file values,
// e.g. PORTAGE_DATABASE_DSN, PORTAGE_LOG_LEVEL. Nested account entries
// are not overridable via env vars.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("listenAddress", DefaultListenAddress)
	v.SetDefault("opsBindAddress", DefaultOpsBindAddress)
	v.SetDefault("logLevel", "info")
	v.SetDefault("defaultRegion", "us-east-1")
	v.SetDefault("accountValidationInterval", "10m")
	v.SetDefault("scheduler.heartbeatTimeout", "120s")
	v.SetDefault("scheduler.heartbeatSweep", "30s")
	v.SetDefault("scheduler.commandExpiry", "1m")
	v.SetDefault("scheduler.zombieReap", "1m")
	v.SetDefault("scheduler.noticeRetry", "30s")
	v.SetDefault("scheduler.decisionSweep", "5m")
	v.SetDefault("scheduler.consolidationSchedule", "0 */12 * * *")
	v.SetDefault("scheduler.retentionSchedule", "30 4 * * *")
	v.SetDefault("pricing.ingestPerPoolPerMinute", 60)
	v.SetDefault("pricing.backfillInterval", "15m")
	v.SetDefault("api.tenantRequestsPerSecond", 50)
	v.SetDefault("api.tenantBurst", 100)

	// Manually bind each key; Viper's automatic mapping doesn't handle
	// camelCase to SCREAMING_SNAKE_CASE well.
	v.SetEnvPrefix("PORTAGE")
	_ = v.BindEnv("databaseDSN", "PORTAGE_DATABASE_DSN")
	_ = v.BindEnv("standalone", "PORTAGE_STANDALONE")
	_ = v.BindEnv("listenAddress", "PORTAGE_LISTEN_ADDRESS")
	_ = v.BindEnv("opsBindAddress", "PORTAGE_OPS_BIND_ADDRESS")
	_ = v.BindEnv("logLevel", "PORTAGE_LOG_LEVEL")
	_ = v.BindEnv("bootstrapTenantName", "PORTAGE_BOOTSTRAP_TENANT_NAME")
	_ = v.BindEnv("bootstrapTenantToken", "PORTAGE_BOOTSTRAP_TENANT_TOKEN")
	_ = v.BindEnv("scorerPath", "PORTAGE_SCORER_PATH")
	_ = v.BindEnv("defaultRegion", "PORTAGE_DEFAULT_REGION")
	_ = v.BindEnv("accountValidationInterval", "PORTAGE_ACCOUNT_VALIDATION_INTERVAL")
	_ = v.BindEnv("scheduler.heartbeatTimeout", "PORTAGE_SCHEDULER_HEARTBEAT_TIMEOUT")
	_ = v.BindEnv("scheduler.heartbeatSweep", "PORTAGE_SCHEDULER_HEARTBEAT_SWEEP")
	_ = v.BindEnv("scheduler.commandExpiry", "PORTAGE_SCHEDULER_COMMAND_EXPIRY")
	_ = v.BindEnv("scheduler.zombieReap", "PORTAGE_SCHEDULER_ZOMBIE_REAP")
	_ = v.BindEnv("scheduler.noticeRetry", "PORTAGE_SCHEDULER_NOTICE_RETRY")
	_ = v.BindEnv("scheduler.decisionSweep", "PORTAGE_SCHEDULER_DECISION_SWEEP")
	_ = v.BindEnv("scheduler.consolidationSchedule", "PORTAGE_SCHEDULER_CONSOLIDATION_SCHEDULE")
	_ = v.BindEnv("scheduler.retentionSchedule", "PORTAGE_SCHEDULER_RETENTION_SCHEDULE")
	_ = v.BindEnv("pricing.ingestPerPoolPerMinute", "PORTAGE_PRICING_INGEST_PER_POOL_PER_MINUTE")
	_ = v.BindEnv("pricing.backfillInterval", "PORTAGE_PRICING_BACKFILL_INTERVAL")
	_ = v.BindEnv("api.tenantRequestsPerSecond", "PORTAGE_API_TENANT_REQUESTS_PER_SECOND")
	_ = v.BindEnv("api.tenantBurst", "PORTAGE_API_TENANT_BURST")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level %q: must be debug, info, warn, or error", c.LogLevel)
	}
	if c.Standalone && c.DatabaseDSN != "" {
		return fmt.Errorf("standalone mode and databaseDSN are mutually exclusive")
	}
	if c.Standalone && c.BootstrapTenantToken == "" {
		return fmt.Errorf("standalone mode requires bootstrapTenantToken")
	}
	if (c.BootstrapTenantName == "") != (c.BootstrapTenantToken == "") {
		return fmt.Errorf("bootstrapTenantName and bootstrapTenantToken must be set together")
	}

	durations := map[string]string{
		"accountValidationInterval":  c.AccountValidationInterval,
		"scheduler.heartbeatTimeout": c.Scheduler.HeartbeatTimeout,
		"scheduler.heartbeatSweep":   c.Scheduler.HeartbeatSweep,
		"scheduler.commandExpiry":    c.Scheduler.CommandExpiry,
		"scheduler.zombieReap":       c.Scheduler.ZombieReap,
		"scheduler.noticeRetry":      c.Scheduler.NoticeRetry,
		"scheduler.decisionSweep":    c.Scheduler.DecisionSweep,
		"pricing.backfillInterval":   c.Pricing.BackfillInterval,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
	}

	for key, schedule := range map[string]string{
		"scheduler.consolidationSchedule": c.Scheduler.ConsolidationSchedule,
		"scheduler.retentionSchedule":     c.Scheduler.RetentionSchedule,
	} {
		if schedule == "" {
			continue
		}
		if _, err := cron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("invalid cron expression for %s: %q: %w", key, schedule, err)
		}
	}

	if c.Pricing.IngestPerPoolPerMinute < 0 {
		return fmt.Errorf("pricing.ingestPerPoolPerMinute must not be negative")
	}
	if c.API.TenantRequestsPerSecond <= 0 || c.API.TenantBurst <= 0 {
		return fmt.Errorf("api rate limit settings must be positive")
	}

	accountIDs := make(map[string]bool)
	for i, account := range c.AWSAccounts {
		if accountIDs[account.AccountID] {
			return fmt.Errorf("duplicate account ID: %s", account.AccountID)
		}
		accountIDs[account.AccountID] = true
		if err := account.Validate(); err != nil {
			return fmt.Errorf("invalid account at index %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks that the AWS account configuration is valid.
func (a *AWSAccount) Validate() error {
	if !isValidAccountID(a.AccountID) {
		return fmt.Errorf("invalid account ID %q: must be 12 digits", a.AccountID)
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("account name is required")
	}
	if !isValidIAMRoleARN(a.AssumeRoleARN) {
		return fmt.Errorf(
			"invalid AssumeRole ARN %q: must be in format arn:aws:iam::ACCOUNT_ID:role/ROLE_NAME",
			a.AssumeRoleARN,
		)
	}
	if arnAccountID := extractAccountIDFromARN(a.AssumeRoleARN); arnAccountID != a.AccountID {
		return fmt.Errorf("AssumeRole ARN account ID %q does not match configured account ID %q",
			arnAccountID, a.AccountID)
	}
	return nil
}

// isValidAccountID checks if a string is a valid 12-digit AWS account ID.
func isValidAccountID(accountID string) bool {
	matched, _ := regexp.MatchString(`^\d{12}$`, accountID)
	return matched
}

// isValidIAMRoleARN checks if a string is a valid IAM role ARN.
// Valid format: arn:aws:iam::123456789012:role/RoleName
// Also accepts the aws-us-gov and aws-cn partitions.
func isValidIAMRoleARN(arn string) bool {
	matched, _ := regexp.MatchString(`^arn:(aws|aws-us-gov|aws-cn):iam::\d{12}:role/[a-zA-Z0-9+=,.@\-_/]+$`, arn)
	return matched
}

// extractAccountIDFromARN returns the account ID portion of an IAM role
// ARN, or empty for a malformed ARN.
func extractAccountIDFromARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) >= 5 {
		return parts[4]
	}
	return ""
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		// Should never happen since Validate() checks this.
		return fallback
	}
	return d
}

// GetHeartbeatTimeout returns the parsed heartbeat timeout.
func (c *Config) GetHeartbeatTimeout() time.Duration {
	return parseDurationOr(c.Scheduler.HeartbeatTimeout, 120*time.Second)
}

// GetHeartbeatSweep returns the parsed heartbeat sweep cadence.
func (c *Config) GetHeartbeatSweep() time.Duration {
	return parseDurationOr(c.Scheduler.HeartbeatSweep, 30*time.Second)
}

// GetCommandExpiry returns the parsed command expiry cadence.
func (c *Config) GetCommandExpiry() time.Duration {
	return parseDurationOr(c.Scheduler.CommandExpiry, time.Minute)
}

// GetZombieReap returns the parsed zombie reap cadence.
func (c *Config) GetZombieReap() time.Duration {
	return parseDurationOr(c.Scheduler.ZombieReap, time.Minute)
}

// GetNoticeRetry returns the parsed notice retry cadence.
func (c *Config) GetNoticeRetry() time.Duration {
	return parseDurationOr(c.Scheduler.NoticeRetry, 30*time.Second)
}

// GetDecisionSweep returns the parsed decision sweep cadence.
func (c *Config) GetDecisionSweep() time.Duration {
	return parseDurationOr(c.Scheduler.DecisionSweep, 5*time.Minute)
}

// GetBackfillInterval returns the parsed provider backfill cadence.
func (c *Config) GetBackfillInterval() time.Duration {
	return parseDurationOr(c.Pricing.BackfillInterval, 15*time.Minute)
}

// GetAccountValidationInterval returns the parsed account validation
// interval.
func (c *Config) GetAccountValidationInterval() time.Duration {
	return parseDurationOr(c.AccountValidationInterval, 10*time.Minute)
}
