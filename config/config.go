// Package config defines the TOML configuration surface of the Icaro
// scanning gateway and its validation rules.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/peskar/icaro/helpers"
)

// ICAP operating modes. In streaming mode the document is sent in a single
// pass; in prefetch mode the data source is re-opened for the remainder
// after a preview exchange, which lets very large documents avoid client-side
// buffering.
const (
	ModeStreaming = "streaming"
	ModePrefetch  = "prefetch"
)

// ICAPConfig describes the remote ICAP server endpoint.
type ICAPConfig struct {
	Host           string `toml:"host"`            // ICAP server hostname or IP
	Port           int    `toml:"port"`            // ICAP server port (default: 1344)
	Service        string `toml:"service"`         // Service name, e.g. "avscan" for c-icap/ClamAV
	Mode           string `toml:"mode"`            // "streaming" or "prefetch" (default: "streaming")
	ConnectTimeout string `toml:"connect_timeout"` // Dial timeout (default: "5s")
	IOTimeout      string `toml:"io_timeout"`      // Read/write deadline per exchange (default: "30s")
}

// GetConnectTimeout parses the dial timeout.
func (c *ICAPConfig) GetConnectTimeout() (time.Duration, error) {
	if c.ConnectTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(c.ConnectTimeout)
}

// GetIOTimeout parses the per-exchange I/O deadline.
func (c *ICAPConfig) GetIOTimeout() (time.Duration, error) {
	if c.IOTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(c.IOTimeout)
}

// ScannerConfig holds the scan orchestration policy.
type ScannerConfig struct {
	// MaxFileSize is the largest scannable document, as a size string
	// ("100M"). "0" disables scanning entirely: every scan request fails
	// fast with a configuration error verdict.
	MaxFileSize string `toml:"max_file_size"`
	// VerdictCacheSize bounds the number of cached verdicts (default: 10000).
	VerdictCacheSize int `toml:"verdict_cache_size"`
	// VerdictCacheMaxAge optionally expires verdicts by age even when the
	// server ISTag never changes. "0" (default) keeps them until the ISTag
	// rotates.
	VerdictCacheMaxAge string `toml:"verdict_cache_max_age"`
	// LockWait bounds how long a caller waits for the per-id scan lock
	// before failing with a lock-timeout verdict (default: "1m").
	LockWait string `toml:"lock_wait"`
	// LockMode selects the lock service: "local" (default) or "none".
	LockMode string `toml:"lock_mode"`
	// FailMode decides how callers of the HTTP API should treat a failed
	// scan: "closed" (default) blocks the content, "open" lets it pass.
	FailMode string `toml:"fail_mode"`
}

// FailOpen reports whether failed scans let content through.
func (c *ScannerConfig) FailOpen() bool {
	return c.FailMode == "open"
}

// GetMaxFileSize parses the maximum scannable size in bytes. Zero means
// scanning is disabled.
func (c *ScannerConfig) GetMaxFileSize() (int64, error) {
	if c.MaxFileSize == "" {
		return 100 << 20, nil // 100M default
	}
	return helpers.ParseSize(c.MaxFileSize)
}

// GetVerdictCacheMaxAge parses the optional verdict max age. Zero disables
// age-based expiry.
func (c *ScannerConfig) GetVerdictCacheMaxAge() (time.Duration, error) {
	if c.VerdictCacheMaxAge == "" || c.VerdictCacheMaxAge == "0" {
		return 0, nil
	}
	return helpers.ParseDuration(c.VerdictCacheMaxAge)
}

// GetLockWait parses the bounded lock wait.
func (c *ScannerConfig) GetLockWait() (time.Duration, error) {
	if c.LockWait == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(c.LockWait)
}

// HTTPAPIConfig holds the admin/scan HTTP API settings.
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`         // Enable the HTTP API server
	Addr         string   `toml:"addr"`          // Listen address (default: ":8744")
	APIKey       string   `toml:"api_key"`       // Plain bearer token (compared in constant time)
	APIKeyHash   string   `toml:"api_key_hash"`  // bcrypt hash of the bearer token; takes precedence over api_key
	AllowedHosts []string `toml:"allowed_hosts"` // Optional client IP/CIDR allow-list
	TLS          bool     `toml:"tls"`
	TLSCertFile  string   `toml:"tls_cert_file"`
	TLSKeyFile   string   `toml:"tls_key_file"`
}

// MetricsConfig holds the Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // Listen address for /metrics (default: ":9744")
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// S3Config holds the optional S3-compatible object source used for
// scan-by-reference. When absent, object scanning endpoints are disabled.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Debug      bool   `toml:"debug"` // Enable detailed S3 request/response tracing
}

// Config is the root configuration document.
type Config struct {
	ICAP    ICAPConfig    `toml:"icap"`
	Scanner ScannerConfig `toml:"scanner"`
	HTTPAPI HTTPAPIConfig `toml:"http_api"`
	Metrics MetricsConfig `toml:"metrics"`
	Logging LoggingConfig `toml:"logging"`
	S3      *S3Config     `toml:"s3"`
}

// NewDefaultConfig returns the built-in defaults. Values in a loaded TOML
// file and command-line flags override these.
func NewDefaultConfig() Config {
	return Config{
		ICAP: ICAPConfig{
			Host:           "localhost",
			Port:           1344,
			Service:        "avscan",
			Mode:           ModeStreaming,
			ConnectTimeout: "5s",
			IOTimeout:      "30s",
		},
		Scanner: ScannerConfig{
			MaxFileSize:        "100M",
			VerdictCacheSize:   10000,
			VerdictCacheMaxAge: "0",
			LockWait:           "1m",
			LockMode:           "local",
			FailMode:           "closed",
		},
		HTTPAPI: HTTPAPIConfig{
			Start: false,
			Addr:  ":8744",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9744",
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
	}
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies. All problems are
// collected and reported together.
func (c *Config) Validate() error {
	var problems []string

	if c.ICAP.Host == "" {
		problems = append(problems, "icap.host must not be empty")
	}
	if c.ICAP.Port <= 0 || c.ICAP.Port > 65535 {
		problems = append(problems, fmt.Sprintf("icap.port %d is out of range", c.ICAP.Port))
	}
	if c.ICAP.Service == "" {
		problems = append(problems, "icap.service must not be empty")
	}
	switch c.ICAP.Mode {
	case "", ModeStreaming, ModePrefetch:
	default:
		problems = append(problems, fmt.Sprintf("icap.mode %q is not one of %q, %q", c.ICAP.Mode, ModeStreaming, ModePrefetch))
	}
	if _, err := c.ICAP.GetConnectTimeout(); err != nil {
		problems = append(problems, fmt.Sprintf("icap.connect_timeout: %v", err))
	}
	if _, err := c.ICAP.GetIOTimeout(); err != nil {
		problems = append(problems, fmt.Sprintf("icap.io_timeout: %v", err))
	}

	if _, err := c.Scanner.GetMaxFileSize(); err != nil {
		problems = append(problems, fmt.Sprintf("scanner.max_file_size: %v", err))
	}
	if c.Scanner.VerdictCacheSize < 0 {
		problems = append(problems, "scanner.verdict_cache_size must not be negative")
	}
	if _, err := c.Scanner.GetVerdictCacheMaxAge(); err != nil {
		problems = append(problems, fmt.Sprintf("scanner.verdict_cache_max_age: %v", err))
	}
	if _, err := c.Scanner.GetLockWait(); err != nil {
		problems = append(problems, fmt.Sprintf("scanner.lock_wait: %v", err))
	}
	switch c.Scanner.LockMode {
	case "", "local", "none":
	default:
		problems = append(problems, fmt.Sprintf("scanner.lock_mode %q is not one of \"local\", \"none\"", c.Scanner.LockMode))
	}
	switch c.Scanner.FailMode {
	case "", "closed", "open":
	default:
		problems = append(problems, fmt.Sprintf("scanner.fail_mode %q is not one of \"closed\", \"open\"", c.Scanner.FailMode))
	}

	if c.HTTPAPI.Start {
		if c.HTTPAPI.Addr == "" {
			problems = append(problems, "http_api.addr must not be empty when http_api.start is true")
		}
		if c.HTTPAPI.APIKey == "" && c.HTTPAPI.APIKeyHash == "" {
			problems = append(problems, "http_api requires api_key or api_key_hash")
		}
		if c.HTTPAPI.TLS && (c.HTTPAPI.TLSCertFile == "" || c.HTTPAPI.TLSKeyFile == "") {
			problems = append(problems, "http_api.tls requires tls_cert_file and tls_key_file")
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		problems = append(problems, "metrics.addr must not be empty when metrics.enabled is true")
	}

	if c.S3 != nil {
		if c.S3.Endpoint == "" {
			problems = append(problems, "s3.endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			problems = append(problems, "s3.bucket must not be empty")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
