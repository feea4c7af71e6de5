// Package config loads agent-queue's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment
// variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// HTTP façade
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	Port int    `envconfig:"PORT" default:"8090"`

	// Scheduler / Heartbeat
	MaxConcurrentTasks       int    `envconfig:"MAX_CONCURRENT_TASKS" default:"2"`
	WorktreesDir             string `envconfig:"WORKTREES_DIR" default:"~/agent-queue-worktrees"`
	HeartbeatIntervalSeconds int    `envconfig:"HEARTBEAT_INTERVAL_SECONDS" default:"60"`
	MaxTaskRetries           int    `envconfig:"MAX_TASK_RETRIES" default:"3"`
	AssessBatchSize          int    `envconfig:"ASSESS_BATCH_SIZE" default:"10"`
	AgentCLIBin              string `envconfig:"AGENT_CLI_BIN" default:"claude"`

	// AssessmentEngine
	AssessmentModel   string `envconfig:"ASSESSMENT_MODEL" default:"claude-sonnet-4-5"`
	AssessmentAPIKey  string `envconfig:"ASSESSMENT_API_KEY" required:"true"`
	AssessmentBaseURL string `envconfig:"ASSESSMENT_BASE_URL"`

	// Persisted state layout
	DBPath             string `envconfig:"DB_PATH" default:"data/agent-queue.db"`
	SessionsDir        string `envconfig:"SESSIONS_DIR" default:"data/sessions"`
	RateLimitCachePath string `envconfig:"RATE_LIMIT_CACHE_PATH"`

	// GitHub App auth, for VcsAdapter.CreatePR. Optional: when unset,
	// CreatePR fails per-call but the rest of the system still runs.
	GitHubAppID          int64  `envconfig:"GITHUB_APP_ID"`
	GitHubInstallationID int64  `envconfig:"GITHUB_INSTALLATION_ID"`
	GitHubPrivateKeyPath string `envconfig:"GITHUB_PRIVATE_KEY_PATH"`

	// Management API auth
	MgmtAuthMode string        `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey   string        `envconfig:"MGMT_API_KEY"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"0s"`
}

// GitHubEnabled reports whether VcsAdapter.CreatePR has the credentials it
// needs to authenticate as a GitHub App installation.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubAppID > 0 && c.GitHubInstallationID > 0 && c.GitHubPrivateKeyPath != ""
}

// HeartbeatInterval returns HeartbeatIntervalSeconds as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// ListenAddr returns the "host:port" pair the HTTP façade binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// LoadWithPrefix reads configuration with a prefix, for embedding
// agent-queue inside a larger process's environment namespace.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	return &cfg, nil
}
