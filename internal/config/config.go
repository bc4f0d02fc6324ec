package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelx "github.com/basket/stewardq/internal/otel"
)

// QueueConfig holds Task Store tunables.
type QueueConfig struct {
	// LeaseTTLMillis is the default lease duration applied when a claim
	// does not override it. Defaults to 15000.
	LeaseTTLMillis int `yaml:"lease_ttl_ms"`
	// ClaimBatchSize is how many tasks a worker claims per poll. Default 4.
	ClaimBatchSize int `yaml:"claim_batch_size"`
	// MaxAttempts bounds worker-driven retries. Default 3.
	MaxAttempts int `yaml:"max_attempts"`
	// PollIntervalMillis is the worker claim poll interval. Default 500.
	PollIntervalMillis int `yaml:"poll_interval_ms"`
}

// RoutingConfig holds Routing Policy tunables.
type RoutingConfig struct {
	// ConfidenceThreshold below which speculative routing may engage. Default 0.55.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// SpeculativeSearch enables the low-confidence research-hint override.
	SpeculativeSearch bool `yaml:"speculative_search"`
	// ClassifierEndpoint is the external intent classifier URL. Empty
	// disables classification (generic dispatches fall to the default task).
	ClassifierEndpoint string `yaml:"classifier_endpoint"`
}

// Config is the daemon configuration, loaded from <home>/config.yaml with
// environment overrides.
type Config struct {
	HomeDir string `yaml:"-"`

	DBPath      string `yaml:"db_path"`
	BindAddr    string `yaml:"bind_addr"`
	LogLevel    string `yaml:"log_level"`
	AuthToken   string `yaml:"auth_token"`
	WorkerCount int    `yaml:"worker_count"`

	// AllowOrigins lists origins accepted for browser WebSocket and CORS
	// requests.
	AllowOrigins []string `yaml:"allow_origins"`

	// RateLimitPerMinute caps enqueue submissions per client. Zero uses the
	// default of 120; negative disables limiting.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// RateLimitBurst is the enqueue burst allowance. Default 20.
	RateLimitBurst int `yaml:"rate_limit_burst"`

	// HandlerEndpoints maps a task name to the HTTP endpoint of its steward
	// handler service. Tasks without an endpoint fail with a routing error.
	HandlerEndpoints map[string]string `yaml:"handler_endpoints"`

	Queue   QueueConfig   `yaml:"queue"`
	Routing RoutingConfig `yaml:"routing"`
	OTel    otelx.Config  `yaml:"otel"`
}

// DefaultHomeDir returns ~/.stewardq, falling back to the current directory.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".stewardq")
}

// Load reads <homeDir>/config.yaml (missing file is fine), applies defaults
// and environment overrides, and returns the effective configuration.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.HomeDir = homeDir

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STEWARDQ_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("STEWARDQ_BIND_ADDR"); v != "" {
		c.BindAddr = v
	}
	if v := os.Getenv("STEWARDQ_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STEWARDQ_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("STEWARDQ_LEASE_TTL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.LeaseTTLMillis = n
		}
	}
	if v := os.Getenv("STEWARDQ_ROUTING_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.Routing.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("STEWARDQ_SPECULATIVE_SEARCH"); v != "" {
		c.Routing.SpeculativeSearch = parseBool(v)
	}
	if v := os.Getenv("STEWARDQ_CLASSIFIER_ENDPOINT"); v != "" {
		c.Routing.ClassifierEndpoint = v
	}
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "stewardq.db")
	}
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:8170"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 120
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 20
	}
	if c.Queue.LeaseTTLMillis <= 0 {
		c.Queue.LeaseTTLMillis = 15000
	}
	if c.Queue.ClaimBatchSize <= 0 {
		c.Queue.ClaimBatchSize = 4
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.PollIntervalMillis <= 0 {
		c.Queue.PollIntervalMillis = 500
	}
	if c.Routing.ConfidenceThreshold <= 0 || c.Routing.ConfidenceThreshold > 1 {
		c.Routing.ConfidenceThreshold = 0.55
	}
}

// LeaseTTL returns the default lease duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Queue.LeaseTTLMillis) * time.Millisecond
}

// PollInterval returns the worker poll cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMillis) * time.Millisecond
}

// Fingerprint hashes the effective config for exposure in status payloads,
// excluding secrets.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	parts := []string{
		c.DBPath,
		c.BindAddr,
		c.LogLevel,
		strconv.Itoa(c.WorkerCount),
		strconv.Itoa(c.Queue.LeaseTTLMillis),
		strconv.Itoa(c.Queue.ClaimBatchSize),
		strconv.Itoa(c.Queue.MaxAttempts),
		strconv.FormatFloat(c.Routing.ConfidenceThreshold, 'f', -1, 64),
		strconv.FormatBool(c.Routing.SpeculativeSearch),
	}
	_, _ = h.Write([]byte(strings.Join(parts, "|")))
	return strconv.FormatUint(h.Sum64(), 16)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
