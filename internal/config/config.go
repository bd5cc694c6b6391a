// Package config provides configuration management for labelport.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// Default values
	DefaultPort        = 8788
	DefaultLogLevel    = "info"
	DefaultDataDir     = ".labelport"
	DefaultAPIEndpoint = "https://cloud.kili-technology.com/api/label/v2/graphql"
	DefaultHTTPTimeout = 60 * time.Second

	// Environment variable names
	EnvAPIKey        = "LABELPORT_API_KEY"
	EnvAPIEndpoint   = "LABELPORT_API_ENDPOINT"
	EnvPort          = "LABELPORT_PORT"
	EnvLogLevel      = "LABELPORT_LOG_LEVEL"
	EnvDataDir       = "LABELPORT_DATA_DIR"
	EnvCacheMaxBytes = "LABELPORT_CACHE_MAX_BYTES"
	EnvHTTPTimeout   = "LABELPORT_HTTP_TIMEOUT"
	EnvFFmpegPath    = "LABELPORT_FFMPEG_PATH"

	// Object storage for cloud-storage-connected projects
	EnvS3Endpoint  = "LABELPORT_S3_ENDPOINT"
	EnvS3AccessKey = "LABELPORT_S3_ACCESS_KEY"
	EnvS3SecretKey = "LABELPORT_S3_SECRET_KEY"
	EnvS3UseSSL    = "LABELPORT_S3_USE_SSL"

	// Tracing
	EnvOTelExporter     = "LABELPORT_OTEL_EXPORTER"
	EnvOTelEndpoint     = "LABELPORT_OTEL_ENDPOINT"
	DefaultOTelExporter = "none"
	DefaultOTelEndpoint = "http://localhost:4318"

	DefaultFFmpegTimeout  = 10 * time.Minute
	contentRepositoryPath = "/api/label/v2/files"

	// Database filename
	DBFilename = "labelport.db"

	// Cache settings
	DefaultCacheMaxBytes = 10 * 1024 * 1024 * 1024 // 10GB
)

// Config defines the application configuration interface
type Config interface {
	APIKey() string
	APIEndpoint() string
	ContentRepositoryURL() string
	HTTPTimeout() time.Duration
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	CacheDir() string
	CacheMaxBytes() int64
	ExportsDir() string
	StagingDir() string
	FFmpegPath() string
	FFmpegTimeout() time.Duration
	S3() S3Config
	OTel() OTelConfig
}

// S3Config holds credentials for s3:// asset content.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Enabled reports whether an object storage endpoint is configured.
func (c S3Config) Enabled() bool {
	return c.Endpoint != ""
}

// OTelConfig selects the trace exporter.
type OTelConfig struct {
	Exporter string
	Endpoint string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	apiKey        string
	apiEndpoint   string
	httpTimeout   time.Duration
	port          int
	logLevel      string
	dataDir       string
	cacheMaxBytes int64
	ffmpegPath    string
	s3            S3Config
	otel          OTelConfig
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		apiEndpoint:   DefaultAPIEndpoint,
		httpTimeout:   DefaultHTTPTimeout,
		port:          DefaultPort,
		logLevel:      DefaultLogLevel,
		dataDir:       defaultDataDir(),
		cacheMaxBytes: DefaultCacheMaxBytes,
		s3:            S3Config{UseSSL: true},
		otel:          OTelConfig{Exporter: DefaultOTelExporter, Endpoint: DefaultOTelEndpoint},
	}

	cfg.apiKey = strings.TrimSpace(os.Getenv(EnvAPIKey))

	if ep := os.Getenv(EnvAPIEndpoint); ep != "" {
		u, err := url.Parse(ep)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid %s: must be an absolute URL", EnvAPIEndpoint)
		}
		cfg.apiEndpoint = ep
	}

	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if cm := os.Getenv(EnvCacheMaxBytes); cm != "" {
		n, err := strconv.ParseInt(cm, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvCacheMaxBytes, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", EnvCacheMaxBytes)
		}
		cfg.cacheMaxBytes = n
	}

	if ht := os.Getenv(EnvHTTPTimeout); ht != "" {
		d, err := time.ParseDuration(ht)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHTTPTimeout, err)
		}
		cfg.httpTimeout = d
	}

	cfg.ffmpegPath = os.Getenv(EnvFFmpegPath)

	cfg.s3.Endpoint = strings.TrimSpace(os.Getenv(EnvS3Endpoint))
	cfg.s3.AccessKey = os.Getenv(EnvS3AccessKey)
	cfg.s3.SecretKey = os.Getenv(EnvS3SecretKey)
	if v := os.Getenv(EnvS3UseSSL); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvS3UseSSL, err)
		}
		cfg.s3.UseSSL = b
	}

	if ex := strings.ToLower(strings.TrimSpace(os.Getenv(EnvOTelExporter))); ex != "" {
		switch ex {
		case "none", "stdout", "otlphttp":
			cfg.otel.Exporter = ex
		default:
			return nil, fmt.Errorf("invalid %s: %q (want none, stdout or otlphttp)", EnvOTelExporter, ex)
		}
	}
	if oe := os.Getenv(EnvOTelEndpoint); oe != "" {
		cfg.otel.Endpoint = oe
	}

	return cfg, nil
}

// APIKey returns the platform API key
func (c *EnvConfig) APIKey() string {
	return c.apiKey
}

// SetAPIKey overrides the key, e.g. from a CLI flag.
func (c *EnvConfig) SetAPIKey(key string) {
	c.apiKey = strings.TrimSpace(key)
}

// APIEndpoint returns the GraphQL endpoint of the platform
func (c *EnvConfig) APIEndpoint() string {
	return c.apiEndpoint
}

// SetAPIEndpoint overrides the endpoint, e.g. from a CLI flag.
func (c *EnvConfig) SetAPIEndpoint(endpoint string) {
	c.apiEndpoint = endpoint
}

// ContentRepositoryURL returns the URL prefix under which the platform
// serves asset content. Derived from the API endpoint host.
func (c *EnvConfig) ContentRepositoryURL() string {
	u, err := url.Parse(c.apiEndpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + contentRepositoryPath
}

func (c *EnvConfig) HTTPTimeout() time.Duration {
	return c.httpTimeout
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// CacheDir returns the content cache directory path
func (c *EnvConfig) CacheDir() string {
	return filepath.Join(c.dataDir, "cache")
}

// CacheMaxBytes returns the maximum cache size in bytes
func (c *EnvConfig) CacheMaxBytes() int64 {
	return c.cacheMaxBytes
}

// ExportsDir is where archives produced by the local service are kept.
func (c *EnvConfig) ExportsDir() string {
	return filepath.Join(c.dataDir, "exports")
}

// StagingDir is the parent of per-run staging directories.
func (c *EnvConfig) StagingDir() string {
	return filepath.Join(c.dataDir, "staging")
}

func (c *EnvConfig) FFmpegPath() string {
	return c.ffmpegPath
}

func (c *EnvConfig) FFmpegTimeout() time.Duration {
	return DefaultFFmpegTimeout
}

func (c *EnvConfig) S3() S3Config {
	return c.s3
}

func (c *EnvConfig) OTel() OTelConfig {
	return c.otel
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
