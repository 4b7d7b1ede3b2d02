package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "localhost", cfg.ICAP.Host)
	assert.Equal(t, 1344, cfg.ICAP.Port)
	assert.Equal(t, "avscan", cfg.ICAP.Service)
	assert.Equal(t, ModeStreaming, cfg.ICAP.Mode)

	connect, err := cfg.ICAP.GetConnectTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, connect)

	io, err := cfg.ICAP.GetIOTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, io)

	maxSize, err := cfg.Scanner.GetMaxFileSize()
	require.NoError(t, err)
	assert.Equal(t, int64(100<<20), maxSize)

	maxAge, err := cfg.Scanner.GetVerdictCacheMaxAge()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), maxAge)

	wait, err := cfg.Scanner.GetLockWait()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, wait)

	assert.False(t, cfg.Scanner.FailOpen())
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	content := `
[icap]
host = "av.internal"
port = 11344
service = "srv_clamav"
mode = "prefetch"
io_timeout = "2m"

[scanner]
max_file_size = "25M"
verdict_cache_size = 500
lock_wait = "10s"
fail_mode = "open"

[http_api]
start = true
addr = ":9000"
api_key = "secret"
allowed_hosts = ["127.0.0.1", "10.0.0.0/8"]

[logging]
level = "debug"
`
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "av.internal", cfg.ICAP.Host)
	assert.Equal(t, 11344, cfg.ICAP.Port)
	assert.Equal(t, "srv_clamav", cfg.ICAP.Service)
	assert.Equal(t, ModePrefetch, cfg.ICAP.Mode)

	// Unset fields keep their defaults.
	connect, err := cfg.ICAP.GetConnectTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, connect)

	io, err := cfg.ICAP.GetIOTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, io)

	maxSize, err := cfg.Scanner.GetMaxFileSize()
	require.NoError(t, err)
	assert.Equal(t, int64(25<<20), maxSize)

	assert.Equal(t, 500, cfg.Scanner.VerdictCacheSize)
	assert.True(t, cfg.Scanner.FailOpen())

	assert.True(t, cfg.HTTPAPI.Start)
	assert.Equal(t, ":9000", cfg.HTTPAPI.Addr)
	assert.Equal(t, []string{"127.0.0.1", "10.0.0.0/8"}, cfg.HTTPAPI.AllowedHosts)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	assert.Error(t, err)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ICAP.Host = ""
	cfg.ICAP.Port = 99999
	cfg.ICAP.Mode = "turbo"
	cfg.Scanner.FailMode = "maybe"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "icap.host")
	assert.Contains(t, err.Error(), "99999")
	assert.Contains(t, err.Error(), "turbo")
	assert.Contains(t, err.Error(), "fail_mode")
}

func TestValidateBadDurationsAndSizes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad connect timeout",
			mutate: func(c *Config) { c.ICAP.ConnectTimeout = "five seconds" },
			want:   "icap.connect_timeout",
		},
		{
			name:   "bad max file size",
			mutate: func(c *Config) { c.Scanner.MaxFileSize = "100X" },
			want:   "scanner.max_file_size",
		},
		{
			name:   "negative cache size",
			mutate: func(c *Config) { c.Scanner.VerdictCacheSize = -1 },
			want:   "verdict_cache_size",
		},
		{
			name:   "bad lock wait",
			mutate: func(c *Config) { c.Scanner.LockWait = "soonish" },
			want:   "scanner.lock_wait",
		},
		{
			name:   "bad lock mode",
			mutate: func(c *Config) { c.Scanner.LockMode = "zookeeper" },
			want:   "scanner.lock_mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateHTTPAPIRequirements(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.HTTPAPI.Start = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")

	cfg.HTTPAPI.APIKey = "secret"
	assert.NoError(t, cfg.Validate())

	cfg.HTTPAPI.TLS = true
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls_cert_file")
}

func TestValidateS3Requirements(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.S3 = &S3Config{AccessKey: "key", SecretKey: "secret"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3.endpoint")
	assert.Contains(t, err.Error(), "s3.bucket")

	cfg.S3.Endpoint = "minio.internal:9000"
	cfg.S3.Bucket = "messages"
	assert.NoError(t, cfg.Validate())
}

func TestScannerZeroMaxFileSizeDisablesScanning(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Scanner.MaxFileSize = "0"

	size, err := cfg.Scanner.GetMaxFileSize()
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.NoError(t, cfg.Validate())
}
