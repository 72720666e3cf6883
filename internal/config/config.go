package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendS3  = "s3"
	BackendDir = "dir"
)

// Environment variables that override values from the config file.
const (
	EnvStorageBucket    = "DOCSCAN_STORAGE_BUCKET"
	EnvStorageEndpoint  = "DOCSCAN_STORAGE_ENDPOINT"
	EnvStorageAccessKey = "DOCSCAN_STORAGE_ACCESS_KEY"
	EnvStorageSecretKey = "DOCSCAN_STORAGE_SECRET_KEY"
	EnvProcessingURL    = "DOCSCAN_PROCESSING_URL"
)

// StorageConfig describes the remote bucket holding uploaded captures and processed results.
type StorageConfig struct {
	Backend         string `yaml:"backend"`           // "s3" (any S3-compatible endpoint) or "dir"
	Bucket          string `yaml:"bucket"`            // bucket name
	Endpoint        string `yaml:"endpoint"`          // host[:port], e.g. "storage.googleapis.com"
	Region          string `yaml:"region"`            // optional
	AccessKeyID     string `yaml:"access_key_id"`     // prefer DOCSCAN_STORAGE_ACCESS_KEY
	SecretAccessKey string `yaml:"secret_access_key"` // prefer DOCSCAN_STORAGE_SECRET_KEY
	UseSSL          *bool  `yaml:"use_ssl"`           // default true
	Dir             string `yaml:"dir"`               // root directory for the "dir" backend
}

// ProcessingConfig describes the remote OCR function.
type ProcessingConfig struct {
	URL        string `yaml:"url"`         // base URL of the function
	QueryParam string `yaml:"query_param"` // name of the file parameter (default "file")
	TimeoutSec int    `yaml:"timeout_sec"` // connect/read/write/call timeout (default 60)
}

// CacheConfig describes the app-private local directory.
type CacheConfig struct {
	Dir            string `yaml:"dir"`              // captures and downloaded results
	JPEGQuality    int    `yaml:"jpeg_quality"`     // 1-100, default 100
	MaxDimensionPx int    `yaml:"max_dimension_px"` // 0 = keep original size
	KeepCaptures   bool   `yaml:"keep_captures"`    // keep the saved JPEG after the job
	MaxAgeHours    int    `yaml:"max_age_hours"`    // prune results older than this at startup (0 = never)
}

// CaptureConfig describes where captured images come from.
type CaptureConfig struct {
	Command    []string `yaml:"command"`     // scanner command writing an image to stdout
	InboxDir   string   `yaml:"inbox_dir"`   // directory watched for dropped images ("" = disabled)
	DebounceMs int      `yaml:"debounce_ms"` // coalesce write bursts in the inbox (default 500)
}

// ViewerConfig describes how a processed document is opened.
type ViewerConfig struct {
	Command []string `yaml:"command"` // e.g. ["xdg-open", "{file}"]; empty = no desktop viewer
	Browser bool     `yaml:"browser"` // publish the result to connected web clients
}

// LedgerConfig describes the local job ledger.
type LedgerConfig struct {
	Path string `yaml:"path"` // SQLite file (default "./docscan.db")
}

// PanelConfig describes the optional push button and busy LED.
type PanelConfig struct {
	Enabled   bool `yaml:"enabled"`
	ButtonPin int  `yaml:"button_pin"` // BCM pin, active LOW
	LEDPin    int  `yaml:"led_pin"`    // BCM pin, 0 = no LED
	PollMs    int  `yaml:"poll_ms"`    // button poll interval (default 20)
	MockGPIO  bool `yaml:"mock_gpio"`  // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel        int `yaml:"debug_level"`         // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	CleanupTimeoutSec int `yaml:"cleanup_timeout_sec"` // budget for remote deletes after a job (default 30)
}

// Config aggregates all application configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Processing ProcessingConfig `yaml:"processing"`
	Cache      CacheConfig      `yaml:"cache"`
	Capture    CaptureConfig    `yaml:"capture"`
	Viewer     ViewerConfig     `yaml:"viewer"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Panel      PanelConfig      `yaml:"panel"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
}

// MaxConfigFileBytes caps the size of a config file.
const MaxConfigFileBytes = 1 << 20

// Load reads a YAML file, applies environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.Bucket = getEnv(EnvStorageBucket, c.Storage.Bucket)
	c.Storage.Endpoint = getEnv(EnvStorageEndpoint, c.Storage.Endpoint)
	c.Storage.AccessKeyID = getEnv(EnvStorageAccessKey, c.Storage.AccessKeyID)
	c.Storage.SecretAccessKey = getEnv(EnvStorageSecretKey, c.Storage.SecretAccessKey)
	c.Processing.URL = getEnv(EnvProcessingURL, c.Processing.URL)
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendS3
	}
	if c.Storage.UseSSL == nil {
		useSSL := true
		c.Storage.UseSSL = &useSSL
	}
	if c.Storage.Backend == BackendDir && c.Storage.Dir == "" {
		c.Storage.Dir = "./bucket"
	}
	if c.Processing.QueryParam == "" {
		c.Processing.QueryParam = "file"
	}
	if c.Processing.TimeoutSec <= 0 {
		c.Processing.TimeoutSec = 60 // matches the function's own limit
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(os.TempDir(), "docscan")
	}
	if c.Cache.JPEGQuality == 0 {
		c.Cache.JPEGQuality = 100
	}
	if c.Capture.DebounceMs <= 0 {
		c.Capture.DebounceMs = 500
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "./docscan.db"
	}
	if c.Panel.PollMs <= 0 {
		c.Panel.PollMs = 20
	}
	if c.Defaults.CleanupTimeoutSec <= 0 {
		c.Defaults.CleanupTimeoutSec = 30
	}
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendS3:
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("storage.endpoint is required for backend %q", BackendS3)
		}
	case BackendDir:
	default:
		return fmt.Errorf("unsupported storage backend: %q", c.Storage.Backend)
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required (or set %s)", EnvStorageBucket)
	}
	if strings.ContainsAny(c.Storage.Bucket, `/\`) {
		return fmt.Errorf("storage.bucket must not contain path separators, got %q", c.Storage.Bucket)
	}
	if c.Processing.URL == "" {
		return fmt.Errorf("processing.url is required (or set %s)", EnvProcessingURL)
	}
	u, err := url.Parse(c.Processing.URL)
	if err != nil {
		return fmt.Errorf("processing.url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("processing.url must be an absolute http(s) URL, got %q", c.Processing.URL)
	}
	if c.Cache.JPEGQuality < 1 || c.Cache.JPEGQuality > 100 {
		return fmt.Errorf("cache.jpeg_quality must be between 1 and 100, got %d", c.Cache.JPEGQuality)
	}
	if c.Cache.MaxDimensionPx < 0 {
		return fmt.Errorf("cache.max_dimension_px must be >= 0, got %d", c.Cache.MaxDimensionPx)
	}
	if c.Panel.Enabled && c.Panel.ButtonPin <= 0 {
		return fmt.Errorf("panel.button_pin is required when the panel is enabled")
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// ValidateConfigPath restricts config files to .yaml files inside a "configs" directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path must not contain '..': %q", path)
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension: %q", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must be inside a configs/ directory: %q", path)
	}
	return nil
}

// UseSSL reports whether the S3 endpoint is reached over TLS.
func (c *Config) UseSSL() bool {
	return c.Storage.UseSSL == nil || *c.Storage.UseSSL
}

// ProcessingTimeout returns the per-request timeout for the OCR function.
func (c *Config) ProcessingTimeout() time.Duration {
	return time.Duration(c.Processing.TimeoutSec) * time.Second
}

// CleanupTimeout returns the budget for remote deletes once a job ends.
func (c *Config) CleanupTimeout() time.Duration {
	return time.Duration(c.Defaults.CleanupTimeoutSec) * time.Second
}

// InboxDebounce returns how long inbox events are coalesced.
func (c *Config) InboxDebounce() time.Duration {
	return time.Duration(c.Capture.DebounceMs) * time.Millisecond
}

// PollInterval returns the push button poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Panel.PollMs) * time.Millisecond
}

// CacheMaxAge returns the result retention, 0 meaning forever.
func (c *Config) CacheMaxAge() time.Duration {
	return time.Duration(c.Cache.MaxAgeHours) * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
