package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string          `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string          `yaml:"log_level" env:"LOG_LEVEL"`
	DataDir    string          `yaml:"data_dir" env:"DATA_DIR"`
	Logging    LoggingConfig   `yaml:"logging"`
	KeyStore   KeyStoreConfig  `yaml:"keystore"`
	KV         KVConfig        `yaml:"kv"`
	Blob       BlobConfig      `yaml:"blob"`
	Backend    BackendConfig   `yaml:"backend"`
	Fetch      FetchConfig     `yaml:"fetch"`
	Cache      CacheConfig     `yaml:"cache"`
	Audit      AuditConfig     `yaml:"audit"`
	TLS        TLSConfig       `yaml:"tls"`
	Server     ServerConfig    `yaml:"server"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Tracing    TracingConfig   `yaml:"tracing"`
}

// LoggingConfig holds access logging configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// KeyStoreConfig holds master key storage configuration.
type KeyStoreConfig struct {
	Protector     string       `yaml:"protector" env:"KEYSTORE_PROTECTOR"` // file, passphrase
	Path          string       `yaml:"path" env:"KEYSTORE_PATH"`
	PassphraseEnv string       `yaml:"passphrase_env" env:"KEYSTORE_PASSPHRASE_ENV"` // name of the variable holding the passphrase
	Argon2        Argon2Config `yaml:"argon2"`
}

// Argon2Config holds the passphrase KDF cost parameters.
type Argon2Config struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// KVConfig holds encrypted key-value store configuration.
type KVConfig struct {
	Backend   string `yaml:"backend" env:"KV_BACKEND"` // file, sqlite
	Path      string `yaml:"path" env:"KV_PATH"`
	Algorithm string `yaml:"algorithm" env:"KV_ALGORITHM"`
}

// BlobConfig holds encrypted blob store configuration.
type BlobConfig struct {
	Backend     string            `yaml:"backend" env:"BLOB_BACKEND"` // fs, s3
	Dir         string            `yaml:"dir" env:"BLOB_DIR"`
	ChunkSize   int               `yaml:"chunk_size" env:"BLOB_CHUNK_SIZE"`
	Algorithm   string            `yaml:"algorithm" env:"BLOB_ALGORITHM"`
	Compression CompressionConfig `yaml:"compression"`
}

// CompressionConfig holds compression settings.
type CompressionConfig struct {
	Enabled      bool     `yaml:"enabled" env:"COMPRESSION_ENABLED"`
	MinSize      int64    `yaml:"min_size" env:"COMPRESSION_MIN_SIZE"`
	ContentTypes []string `yaml:"content_types" env:"COMPRESSION_CONTENT_TYPES"`
	Level        int      `yaml:"level" env:"COMPRESSION_LEVEL"`
}

// BackendConfig holds S3 backend configuration for the blob store.
type BackendConfig struct {
	Provider     string `yaml:"provider" env:"BACKEND_PROVIDER"` // aws, minio, wasabi, ...
	Endpoint     string `yaml:"endpoint" env:"BACKEND_ENDPOINT"`
	Region       string `yaml:"region" env:"BACKEND_REGION"`
	AccessKey    string `yaml:"access_key" env:"BACKEND_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"BACKEND_SECRET_KEY"`
	Bucket       string `yaml:"bucket" env:"BACKEND_BUCKET"`
	Prefix       string `yaml:"prefix" env:"BACKEND_PREFIX"`
	UsePathStyle bool   `yaml:"use_path_style" env:"BACKEND_USE_PATH_STYLE"`
}

// FetchConfig holds remote download configuration.
type FetchConfig struct {
	Timeout        time.Duration `yaml:"timeout" env:"FETCH_TIMEOUT"`
	MaxAttempts    int           `yaml:"max_attempts" env:"FETCH_MAX_ATTEMPTS"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"FETCH_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"FETCH_MAX_BACKOFF"`
	MaxBytes       int64         `yaml:"max_bytes" env:"FETCH_MAX_BYTES"`
	UserAgent      string        `yaml:"user_agent" env:"FETCH_USER_AGENT"`
}

// CacheConfig holds the decrypted secret cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxSize    int64         `yaml:"max_size" env:"CACHE_MAX_SIZE"`   // Max size in bytes
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"` // Max number of items
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, otlp
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		DataDir:    "./data",
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"Authorization", "Cookie", "Set-Cookie", "X-Api-Key"},
		},
		KeyStore: KeyStoreConfig{
			Protector:     "file",
			PassphraseEnv: "SEALED_STORE_PASSPHRASE",
			Argon2:        Argon2Config{Time: 3, MemoryKiB: 64 * 1024, Threads: 4},
		},
		KV: KVConfig{
			Backend:   "file",
			Algorithm: "AES256-GCM",
		},
		Blob: BlobConfig{
			Backend:   "fs",
			ChunkSize: 4096,
			Algorithm: "AES256-GCM",
			Compression: CompressionConfig{
				Enabled: false,
				MinSize: 1024,
				Level:   6,
			},
		},
		Backend: BackendConfig{
			Region: "us-east-1",
			Prefix: "blobs/",
		},
		Fetch: FetchConfig{
			Timeout:        30 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			UserAgent:      "sealed-store/1",
		},
		Cache: CacheConfig{
			Enabled:    false,
			MaxSize:    1 << 20,
			MaxItems:   1000,
			DefaultTTL: time.Minute,
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 10000,
		},
		Server: ServerConfig{
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			MaxHeaderBytes:    1 << 20,
			MaxBodyBytes:      1 << 30,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "sealed-store",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables. A
// missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("DATA_DIR", &config.DataDir)

	envString("LOGGING_ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	envList("LOGGING_REDACT_HEADERS", &config.Logging.RedactHeaders)

	envString("KEYSTORE_PROTECTOR", &config.KeyStore.Protector)
	envString("KEYSTORE_PATH", &config.KeyStore.Path)
	envString("KEYSTORE_PASSPHRASE_ENV", &config.KeyStore.PassphraseEnv)

	envString("KV_BACKEND", &config.KV.Backend)
	envString("KV_PATH", &config.KV.Path)
	envString("KV_ALGORITHM", &config.KV.Algorithm)

	envString("BLOB_BACKEND", &config.Blob.Backend)
	envString("BLOB_DIR", &config.Blob.Dir)
	envString("BLOB_ALGORITHM", &config.Blob.Algorithm)
	if v := os.Getenv("BLOB_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Blob.ChunkSize = n
		}
	}
	envBool("COMPRESSION_ENABLED", &config.Blob.Compression.Enabled)
	if v := os.Getenv("COMPRESSION_MIN_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			config.Blob.Compression.MinSize = n
		}
	}
	envList("COMPRESSION_CONTENT_TYPES", &config.Blob.Compression.ContentTypes)
	if v := os.Getenv("COMPRESSION_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Blob.Compression.Level = n
		}
	}

	envString("BACKEND_PROVIDER", &config.Backend.Provider)
	envString("BACKEND_ENDPOINT", &config.Backend.Endpoint)
	envString("BACKEND_REGION", &config.Backend.Region)
	envString("BACKEND_ACCESS_KEY", &config.Backend.AccessKey)
	envString("BACKEND_SECRET_KEY", &config.Backend.SecretKey)
	envString("BACKEND_BUCKET", &config.Backend.Bucket)
	envString("BACKEND_PREFIX", &config.Backend.Prefix)
	envBool("BACKEND_USE_PATH_STYLE", &config.Backend.UsePathStyle)

	envDuration("FETCH_TIMEOUT", &config.Fetch.Timeout)
	if v := os.Getenv("FETCH_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Fetch.MaxAttempts = n
		}
	}
	envDuration("FETCH_INITIAL_BACKOFF", &config.Fetch.InitialBackoff)
	envDuration("FETCH_MAX_BACKOFF", &config.Fetch.MaxBackoff)
	if v := os.Getenv("FETCH_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			config.Fetch.MaxBytes = n
		}
	}
	envString("FETCH_USER_AGENT", &config.Fetch.UserAgent)

	envBool("CACHE_ENABLED", &config.Cache.Enabled)
	if v := os.Getenv("CACHE_MAX_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Cache.MaxSize = n
		}
	}
	if v := os.Getenv("CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Cache.MaxItems = n
		}
	}
	envDuration("CACHE_DEFAULT_TTL", &config.Cache.DefaultTTL)

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	if v := os.Getenv("AUDIT_MAX_EVENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Audit.MaxEvents = n
		}
	}

	envBool("TLS_ENABLED", &config.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.TLS.KeyFile)

	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envDuration("SERVER_SHUTDOWN_TIMEOUT", &config.Server.ShutdownTimeout)
	if v := os.Getenv("SERVER_MAX_HEADER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Server.MaxHeaderBytes = n
		}
	}
	if v := os.Getenv("SERVER_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Server.MaxBodyBytes = n
		}
	}

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.RateLimit.Limit = n
		}
	}
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// envList reads a comma-separated list.
func envList(name string, dst *[]string) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

var validAlgorithms = map[string]bool{
	"AES256-GCM":        true,
	"ChaCha20-Poly1305": true,
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	switch c.KeyStore.Protector {
	case "file":
	case "passphrase":
		if c.KeyStore.PassphraseEnv == "" {
			return fmt.Errorf("keystore.passphrase_env is required when protector is passphrase")
		}
	default:
		return fmt.Errorf("invalid keystore.protector: %s (must be file or passphrase)", c.KeyStore.Protector)
	}

	switch c.KV.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("invalid kv.backend: %s (must be file or sqlite)", c.KV.Backend)
	}
	if !validAlgorithms[c.KV.Algorithm] {
		return fmt.Errorf("invalid kv.algorithm: %s", c.KV.Algorithm)
	}

	switch c.Blob.Backend {
	case "fs":
	case "s3":
		if c.Backend.Bucket == "" {
			return fmt.Errorf("backend.bucket is required when blob.backend is s3")
		}
		if (c.Backend.AccessKey == "") != (c.Backend.SecretKey == "") {
			return fmt.Errorf("backend.access_key and backend.secret_key must be set together")
		}
	default:
		return fmt.Errorf("invalid blob.backend: %s (must be fs or s3)", c.Blob.Backend)
	}
	if !validAlgorithms[c.Blob.Algorithm] {
		return fmt.Errorf("invalid blob.algorithm: %s", c.Blob.Algorithm)
	}
	if c.Blob.ChunkSize < 1024 || c.Blob.ChunkSize > 1<<20 {
		return fmt.Errorf("blob.chunk_size must be between 1024 and 1048576")
	}
	if c.Blob.Compression.Enabled && (c.Blob.Compression.Level < 1 || c.Blob.Compression.Level > 9) {
		return fmt.Errorf("blob.compression.level must be between 1 and 9")
	}

	if c.Fetch.MaxAttempts < 1 {
		return fmt.Errorf("fetch.max_attempts must be at least 1")
	}

	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when rate limiting is enabled")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		switch c.Tracing.Exporter {
		case "stdout":
		case "otlp":
			if c.Tracing.OtlpEndpoint == "" {
				return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
			}
		default:
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
	}

	return nil
}

// KeyStorePath returns the master key file location.
func (c *Config) KeyStorePath() string {
	if c.KeyStore.Path != "" {
		return c.KeyStore.Path
	}
	return filepath.Join(c.DataDir, "keystore", "master.key")
}

// KVPath returns the key-value store location for the configured backend.
func (c *Config) KVPath() string {
	if c.KV.Path != "" {
		return c.KV.Path
	}
	if c.KV.Backend == "sqlite" {
		return filepath.Join(c.DataDir, "kv", "secrets.db")
	}
	return filepath.Join(c.DataDir, "kv", "secrets.json")
}

// BlobDir returns the filesystem blob directory. For the s3 backend it is
// used for staging.
func (c *Config) BlobDir() string {
	if c.Blob.Dir != "" {
		return c.Blob.Dir
	}
	return filepath.Join(c.DataDir, "blobs")
}
