// Package config loads and validates the client daemon's configuration:
// the CA to talk to, the account key, solver bind addresses, and the
// renewal/task-tracker tuning knobs from spec.md §4-5.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration, loaded from YAML with
// environment-variable overrides applied on top (see env.go).
type Config struct {
	// ACME CA
	DirectoryURL string `yaml:"directory_url"`

	// Account
	AccountKeyPath string `yaml:"account_key_path"`
	AccountKeyAlg  string `yaml:"account_key_alg"` // "ed25519", "ecdsa-p256", "ecdsa-p384", "rsa2048", "rsa4096"
	Contacts       []string `yaml:"contacts"`
	TermsAgreed    bool     `yaml:"terms_agreed"`
	EABKeyID       string   `yaml:"eab_key_id"`
	EABKey         string   `yaml:"eab_key"` // base64url HMAC key

	// HTTP transport
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Nonce pool
	NonceMinPoolSize int `yaml:"nonce_min_pool_size"`

	// Orchestrator timeouts
	AuthorizationPollInitial  time.Duration `yaml:"authorization_poll_initial"`
	AuthorizationPollMaxDelay time.Duration `yaml:"authorization_poll_max_delay"`
	AuthorizationTimeout      time.Duration `yaml:"authorization_timeout"`
	OrderTimeout              time.Duration `yaml:"order_timeout"`

	// Challenge selection priority, highest first.
	ChallengePriority []string `yaml:"challenge_priority"`

	// Solvers
	HTTP01BindAddress    string `yaml:"http01_bind_address"`
	TLSALPN01BindAddress string `yaml:"tls_alpn01_bind_address"`

	// Storage
	StorePath string `yaml:"store_path"`
	DBPath    string `yaml:"db_path"`

	// Task tracker
	TaskWorkerCount    int `yaml:"task_worker_count"`
	TaskQueueThreshold int `yaml:"task_queue_threshold"`

	// Renewal scheduler
	RenewalCheckInterval time.Duration `yaml:"renewal_check_interval"`
	RenewalThreshold     time.Duration `yaml:"renewal_threshold"`
	RenewalBackoffBase   time.Duration `yaml:"renewal_backoff_base"`
	RenewalBackoffCap    time.Duration `yaml:"renewal_backoff_cap"`
	RenewalMaxRetries    int           `yaml:"renewal_max_retries"`

	// Management API
	HTTPPort    int    `yaml:"http_port"`
	BindAddress string `yaml:"bind_address"`
	AuthKey     string `yaml:"auth_key"`

	// Service
	ServiceName        string `yaml:"service_name"`
	ServiceDisplayName string `yaml:"service_display_name"`
	ServiceDescription string `yaml:"service_description"`
	RunMode            string `yaml:"run_mode"`

	// Internal flags, not persisted.
	AutoInit bool `yaml:"-"`
}

// DefaultConfig returns sane defaults matching spec.md's stated defaults
// (nonce pool minimum 4, 2s/30s poll backoff, 5min authorization timeout,
// 15min order timeout, 10 workers, 1000 queue threshold, hourly renewal
// sweep at a 30 day threshold, 3 retries capped at 24h).
func DefaultConfig() *Config {
	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, _ := os.UserHomeDir()
		configDir = homeDir
	}
	storePath := filepath.Join(configDir, "acmeclient")

	return &Config{
		DirectoryURL: "",

		AccountKeyPath: filepath.Join(storePath, "account.key"),
		AccountKeyAlg:  "ecdsa-p256",
		TermsAgreed:    false,

		HTTPTimeout: 30 * time.Second,

		NonceMinPoolSize: 4,

		AuthorizationPollInitial:  2 * time.Second,
		AuthorizationPollMaxDelay: 30 * time.Second,
		AuthorizationTimeout:      5 * time.Minute,
		OrderTimeout:              15 * time.Minute,

		ChallengePriority: []string{"dns-01", "tls-alpn-01", "http-01"},

		HTTP01BindAddress:    ":80",
		TLSALPN01BindAddress: ":443",

		StorePath: storePath,
		DBPath:    "",

		TaskWorkerCount:    10,
		TaskQueueThreshold: 1000,

		RenewalCheckInterval: time.Hour,
		RenewalThreshold:     30 * 24 * time.Hour,
		RenewalBackoffBase:   time.Hour,
		RenewalBackoffCap:    24 * time.Hour,
		RenewalMaxRetries:    3,

		HTTPPort:    9443,
		BindAddress: "127.0.0.1",

		ServiceName:        "acmeclientd",
		ServiceDisplayName: "ACME Client Daemon",
		ServiceDescription: "Acquires, renews and revokes certificates via ACME",
		RunMode:            "service",
	}
}

// Load reads config.yaml from the default store path (if present) on top
// of DefaultConfig, then applies environment overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := filepath.Join(cfg.StorePath, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	ApplyEnv(cfg)
	return cfg, nil
}

// LoadFrom reads config.yaml from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// Save writes the configuration back to config.yaml under StorePath.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.StorePath, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(c.GetConfigFilePath(), data, 0644)
}

// GetConfigFilePath returns the path to config.yaml.
func (c *Config) GetConfigFilePath() string {
	return filepath.Join(c.StorePath, "config.yaml")
}

// GetDatabasePath returns the effective sqlite DSN path.
func (c *Config) GetDatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.StorePath, "acmeclient.db")
}

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %q (value: %v): %s", e.Field, e.Value, e.Message)
}

// Validate checks the configuration for obviously unusable values. It
// intentionally does not dial the CA — that's the Directory Cache's job.
func (c *Config) Validate() error {
	var errs []ValidationError

	if strings.TrimSpace(c.DirectoryURL) == "" {
		errs = append(errs, ValidationError{"directory_url", c.DirectoryURL, "cannot be empty"})
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, ValidationError{"http_port", c.HTTPPort, "must be between 1 and 65535"})
	}
	if strings.TrimSpace(c.BindAddress) == "" {
		errs = append(errs, ValidationError{"bind_address", c.BindAddress, "cannot be empty"})
	}
	if c.NonceMinPoolSize < 1 {
		errs = append(errs, ValidationError{"nonce_min_pool_size", c.NonceMinPoolSize, "must be >= 1"})
	}
	if c.TaskWorkerCount < 1 {
		errs = append(errs, ValidationError{"task_worker_count", c.TaskWorkerCount, "must be >= 1"})
	}
	if c.RenewalMaxRetries < 0 {
		errs = append(errs, ValidationError{"renewal_max_retries", c.RenewalMaxRetries, "must be >= 0"})
	}
	switch c.AccountKeyAlg {
	case "ed25519", "ecdsa-p256", "ecdsa-p384", "rsa2048", "rsa4096":
	default:
		errs = append(errs, ValidationError{"account_key_alg", c.AccountKeyAlg, "unsupported algorithm"})
	}

	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
