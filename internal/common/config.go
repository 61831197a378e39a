// Package common provides shared utilities for Docket
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for Docket
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Logging     LoggingConfig   `toml:"logging"`
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Dispatch    DispatchConfig  `toml:"dispatch"`
	Retry       RetryConfig     `toml:"retry"`
	Cleanup     CleanupConfig   `toml:"cleanup"`
	Health      HealthConfig    `toml:"health"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`
	Mail        MailConfig      `toml:"mail"`
	Monitor     MonitorConfig   `toml:"monitor"`
	Export      ExportConfig    `toml:"export"`
	Auth        AuthConfig      `toml:"auth"`
	Workers     []WorkerConfig  `toml:"workers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// StorageConfig holds configuration for the 3 storage areas and the engine
// backing the job store.
type StorageConfig struct {
	Engine  string        `toml:"engine"` // "badger" (embedded, default) or "surreal"
	Job     AreaConfig    `toml:"job"`    // Job records + tenant directory (BadgerHold)
	Case    AreaConfig    `toml:"case"`   // Case assignments (BadgerHold)
	Blob    BlobConfig    `toml:"blob"`   // Archived email objects (file-backed)
	Surreal SurrealConfig `toml:"surreal"`
}

// AreaConfig holds path configuration for a storage area.
type AreaConfig struct {
	Path string `toml:"path"`
}

// BlobConfig holds object-storage configuration.
type BlobConfig struct {
	Path      string `toml:"path"`
	Container string `toml:"container"`
}

// SurrealConfig holds connection settings for the SurrealDB job store.
type SurrealConfig struct {
	Address   string `toml:"address"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
}

// QueueConfig holds enqueue-side policy.
type QueueConfig struct {
	MaxDepthPerTenant int `toml:"max_depth_per_tenant"`
}

// DispatchConfig holds worker-pool dispatch policy.
type DispatchConfig struct {
	MaxConcurrency    int    `toml:"max_concurrency"` // global ceiling across all workers
	DefaultTimeout    string `toml:"default_timeout"`
	DefaultMaxRetries int    `toml:"default_max_retries"`
}

// GetDefaultTimeout parses and returns the default job timeout.
func (c *DispatchConfig) GetDefaultTimeout() time.Duration {
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// RetryConfig holds the clamped exponential backoff law for job retries.
type RetryConfig struct {
	Initial    string  `toml:"initial"`
	Multiplier float64 `toml:"multiplier"`
	Max        string  `toml:"max"`
}

// GetInitial parses and returns the initial retry delay.
func (c *RetryConfig) GetInitial() time.Duration {
	d, err := time.ParseDuration(c.Initial)
	if err != nil {
		return time.Second
	}
	return d
}

// GetMax parses and returns the retry delay clamp.
func (c *RetryConfig) GetMax() time.Duration {
	d, err := time.ParseDuration(c.Max)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// CleanupConfig holds terminal-row and archive aging policy.
type CleanupConfig struct {
	CompletedJobAge string `toml:"completed_job_age"`
	FailedJobAge    string `toml:"failed_job_age"`
	ArchiveAge      string `toml:"archive_age"`
	Interval        string `toml:"interval"`
}

// GetCompletedJobAge parses the completed-row retention age.
func (c *CleanupConfig) GetCompletedJobAge() time.Duration {
	d, err := time.ParseDuration(c.CompletedJobAge)
	if err != nil {
		return 168 * time.Hour
	}
	return d
}

// GetFailedJobAge parses the failed-row retention age.
func (c *CleanupConfig) GetFailedJobAge() time.Duration {
	d, err := time.ParseDuration(c.FailedJobAge)
	if err != nil {
		return 720 * time.Hour
	}
	return d
}

// GetArchiveAge parses the default retention age for storage-cleanup jobs
// that omit an explicit one.
func (c *CleanupConfig) GetArchiveAge() time.Duration {
	d, err := time.ParseDuration(c.ArchiveAge)
	if err != nil {
		return 720 * time.Hour
	}
	return d
}

// GetInterval parses the cleanup sweep interval.
func (c *CleanupConfig) GetInterval() time.Duration {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return time.Hour
	}
	return d
}

// HealthConfig holds stalled-job detection policy.
type HealthConfig struct {
	StalledInterval string `toml:"stalled_interval"`
	StalledTimeout  string `toml:"stalled_timeout"`
}

// GetStalledInterval parses the reaper sweep interval.
func (c *HealthConfig) GetStalledInterval() time.Duration {
	d, err := time.ParseDuration(c.StalledInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// GetStalledTimeout parses the no-progress window after which a running job
// is considered stalled.
func (c *HealthConfig) GetStalledTimeout() time.Duration {
	d, err := time.ParseDuration(c.StalledTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// RateLimitConfig holds the upstream mail API admission budget.
type RateLimitConfig struct {
	MaxRequests int    `toml:"max_requests"`
	Window      string `toml:"window"`
	MinSpacing  string `toml:"min_spacing"`
}

// GetWindow parses the rate-limit window.
func (c *RateLimitConfig) GetWindow() time.Duration {
	d, err := time.ParseDuration(c.Window)
	if err != nil {
		return time.Minute
	}
	return d
}

// GetMinSpacing parses the minimum inter-request spacing.
func (c *RateLimitConfig) GetMinSpacing() time.Duration {
	d, err := time.ParseDuration(c.MinSpacing)
	if err != nil {
		return time.Second
	}
	return d
}

// MailConfig holds upstream mail API configuration.
type MailConfig struct {
	BaseURL     string              `toml:"base_url"`
	Timeout     string              `toml:"timeout"`
	MaxAttempts int                 `toml:"max_attempts"`
	Accounts    []MailAccountConfig `toml:"accounts"`
}

// MailAccountConfig seeds the static credential source used in development
// and tests. Production deployments replace it with the platform's token
// service.
type MailAccountConfig struct {
	Tenant      string `toml:"tenant"`
	User        string `toml:"user"`
	AccessToken string `toml:"access_token"`
	// TokenExpiresAt is an optional RFC 3339 timestamp after which the
	// token is refused. Empty means the token does not lapse.
	TokenExpiresAt string `toml:"token_expires_at"`
	Connected      bool   `toml:"connected"`
}

// GetTimeout parses and returns the per-request timeout.
func (c *MailConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// MonitorConfig holds health scoring and alerting policy.
type MonitorConfig struct {
	HealthInterval     string          `toml:"health_interval"`
	ErrorRatePct       int             `toml:"error_rate_pct"`
	QueueSizeThreshold int             `toml:"queue_size_threshold"`
	SlowJob            string          `toml:"slow_job"`
	MaxAlertsHistory   int             `toml:"max_alerts_history"`
	AutoRetry          AutoRetryConfig `toml:"auto_retry"`
}

// GetHealthInterval parses the health check cadence.
func (c *MonitorConfig) GetHealthInterval() time.Duration {
	d, err := time.ParseDuration(c.HealthInterval)
	if err != nil {
		return time.Minute
	}
	return d
}

// GetSlowJob parses the queue-wait threshold that marks jobs slow.
func (c *MonitorConfig) GetSlowJob() time.Duration {
	d, err := time.ParseDuration(c.SlowJob)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// AutoRetryConfig holds the monitor's automatic retry policy.
type AutoRetryConfig struct {
	Enabled         bool     `toml:"enabled"`
	Types           []string `toml:"types"`
	PerJobThreshold int      `toml:"per_job_threshold"` // auto-retries per job per hour
}

// ExportConfig holds export artifact policy.
type ExportConfig struct {
	Expiry string `toml:"expiry"`
}

// GetExpiry parses the export artifact lifetime.
func (c *ExportConfig) GetExpiry() time.Duration {
	d, err := time.ParseDuration(c.Expiry)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// AuthConfig holds token-exchange configuration for the REST surface.
type AuthConfig struct {
	TokenSecret string         `toml:"token_secret"`
	TokenExpiry string         `toml:"token_expiry"`
	APIKeys     []APIKeyConfig `toml:"api_keys"`
}

// APIKeyConfig binds one API key to a tenant/user identity. KeyHash is a
// bcrypt hash; Key is accepted as plaintext for development configs only.
// Admin identities may hit the cross-tenant ops endpoints; an admin entry
// with no tenant sees every tenant.
type APIKeyConfig struct {
	Tenant  string `toml:"tenant"`
	User    string `toml:"user"`
	Key     string `toml:"key"`
	KeyHash string `toml:"key_hash"`
	Admin   bool   `toml:"admin"`
}

// GetTokenExpiry parses and returns the token expiry duration.
func (c *AuthConfig) GetTokenExpiry() time.Duration {
	d, err := time.ParseDuration(c.TokenExpiry)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// WorkerConfig describes one worker the pool should run.
type WorkerConfig struct {
	ID                string   `toml:"id"`
	Types             []string `toml:"types"`
	MaxConcurrency    int      `toml:"max_concurrency"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	IdleTimeout       string   `toml:"idle_timeout"`
	Enabled           bool     `toml:"enabled"`
}

// GetHeartbeatInterval parses the worker heartbeat cadence.
func (c *WorkerConfig) GetHeartbeatInterval() time.Duration {
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetIdleTimeout parses the worker idle timeout.
func (c *WorkerConfig) GetIdleTimeout() time.Duration {
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Storage: StorageConfig{
			Engine: "badger",
			Job:    AreaConfig{Path: "data/jobs"},
			Case:   AreaConfig{Path: "data/cases"},
			Blob:   BlobConfig{Path: "data/blobs", Container: "docket-archive"},
			Surreal: SurrealConfig{
				Address:   "ws://localhost:8000/rpc",
				Username:  "root",
				Password:  "root",
				Namespace: "docket",
				Database:  "docket",
			},
		},
		Queue: QueueConfig{
			MaxDepthPerTenant: 10000,
		},
		Dispatch: DispatchConfig{
			MaxConcurrency:    10,
			DefaultTimeout:    "5m",
			DefaultMaxRetries: 3,
		},
		Retry: RetryConfig{
			Initial:    "1s",
			Multiplier: 2,
			Max:        "60s",
		},
		Cleanup: CleanupConfig{
			CompletedJobAge: "168h",
			FailedJobAge:    "720h",
			ArchiveAge:      "720h",
			Interval:        "1h",
		},
		Health: HealthConfig{
			StalledInterval: "1m",
			StalledTimeout:  "10m",
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 60,
			Window:      "1m",
			MinSpacing:  "1s",
		},
		Mail: MailConfig{
			BaseURL:     "https://graph.example.com/v1.0",
			Timeout:     "30s",
			MaxAttempts: 3,
		},
		Monitor: MonitorConfig{
			HealthInterval:     "1m",
			ErrorRatePct:       10,
			QueueSizeThreshold: 100,
			SlowJob:            "5m",
			MaxAlertsHistory:   1000,
			AutoRetry: AutoRetryConfig{
				Enabled:         true,
				Types:           []string{"email-archival", "bulk-assignment"},
				PerJobThreshold: 3,
			},
		},
		Export: ExportConfig{
			Expiry: "24h",
		},
		Auth: AuthConfig{
			TokenSecret: "dev-token-secret-change-in-production",
			TokenExpiry: "24h",
		},
		Workers: []WorkerConfig{
			{
				ID:                "worker-general",
				Types:             []string{"email-archival", "bulk-assignment", "storage-cleanup", "export", "content-analysis", "maintenance"},
				MaxConcurrency:    5,
				HeartbeatInterval: "10s",
				IdleTimeout:       "5m",
				Enabled:           true,
			},
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Apply environment overrides
	applyEnvOverrides(config)

	// Validate the storage engine selection
	validateEngine(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("DOCKET_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("DOCKET_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("DOCKET_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("DOCKET_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if path := os.Getenv("DOCKET_DATA_PATH"); path != "" {
		config.Storage.Job.Path = filepath.Join(path, "jobs")
		config.Storage.Case.Path = filepath.Join(path, "cases")
		config.Storage.Blob.Path = filepath.Join(path, "blobs")
	}

	if engine := os.Getenv("DOCKET_STORAGE_ENGINE"); engine != "" {
		config.Storage.Engine = strings.ToLower(engine)
	}

	if v := os.Getenv("DOCKET_SURREAL_ADDRESS"); v != "" {
		config.Storage.Surreal.Address = v
	}
	if v := os.Getenv("DOCKET_SURREAL_USERNAME"); v != "" {
		config.Storage.Surreal.Username = v
	}
	if v := os.Getenv("DOCKET_SURREAL_PASSWORD"); v != "" {
		config.Storage.Surreal.Password = v
	}

	if v := os.Getenv("DOCKET_MAIL_BASE_URL"); v != "" {
		config.Mail.BaseURL = v
	}

	// Auth overrides
	if v := os.Getenv("DOCKET_AUTH_TOKEN_SECRET"); v != "" {
		config.Auth.TokenSecret = v
	}
	if v := os.Getenv("DOCKET_AUTH_TOKEN_EXPIRY"); v != "" {
		config.Auth.TokenExpiry = v
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ValidateRequired returns the config fields that must be set before a
// production deployment. An empty slice means the config is complete.
func (c *Config) ValidateRequired() []string {
	var missing []string

	if c.Auth.TokenSecret == "" || strings.Contains(c.Auth.TokenSecret, "change-in-production") {
		missing = append(missing, "auth.token_secret")
	}
	if len(c.Auth.APIKeys) == 0 {
		missing = append(missing, "auth.api_keys")
	}
	for i, entry := range c.Auth.APIKeys {
		// Only admin keys may omit the tenant; they become the
		// cross-tenant ops identity.
		if entry.Tenant == "" && !entry.Admin {
			missing = append(missing, fmt.Sprintf("auth.api_keys[%d].tenant", i))
		}
	}
	if c.Mail.BaseURL == "" {
		missing = append(missing, "mail.base_url")
	}
	if c.Storage.Engine == "surreal" && c.Storage.Surreal.Address == "" {
		missing = append(missing, "storage.surreal.address")
	}
	if len(c.Workers) == 0 {
		missing = append(missing, "workers")
	}

	return missing
}

// validateEngine ensures the storage engine is a known value, defaulting to "badger".
func validateEngine(config *Config) {
	engine := strings.ToLower(strings.TrimSpace(config.Storage.Engine))
	if engine != "badger" && engine != "surreal" {
		engine = "badger"
	}
	config.Storage.Engine = engine
}

// MaskSecret returns a redacted form of a secret suitable for logs.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
