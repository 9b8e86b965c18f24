// Package config loads the session store configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/chat-session-store/pkg/history"
)

// Store backends.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config holds the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	History  HistoryConfig  `yaml:"history"`
	Store    StoreConfig    `yaml:"store"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Name            string        `yaml:"name"`
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig configures the default slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HistoryConfig configures the bounded window and its expiry.
type HistoryConfig struct {
	MaxMessages     int           `yaml:"max_messages"`
	TTL             time.Duration `yaml:"ttl"`
	OpTimeout       time.Duration `yaml:"op_timeout"`
	MaxContentBytes int           `yaml:"max_content_bytes"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StoreConfig selects the backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"`    // redis, postgres, memory
	Codec     string `yaml:"codec"`      // json, cbor (redis only)
	KeyPrefix string `yaml:"key_prefix"` // redis only
}

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	DB                 int           `yaml:"db"`
	SSL                *bool         `yaml:"ssl"` // default: true
	InsecureSkipVerify bool          `yaml:"ssl_skip_verify"`
	PoolSize           int           `yaml:"pool_size"`
	MaxRetries         int           `yaml:"max_retries"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
}

// TLSEnabled reports whether the Redis connection uses TLS.
func (r RedisConfig) TLSEnabled() bool {
	return r.SSL == nil || *r.SSL
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxRetries   uint64 `yaml:"max_retries"`
}

// HistoryOptions returns the options shared by every backend.
func (c *Config) HistoryOptions() history.Options {
	return history.Options{
		MaxMessages:     c.History.MaxMessages,
		TTL:             c.History.TTL,
		OpTimeout:       c.History.OpTimeout,
		MaxContentBytes: c.History.MaxContentBytes,
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// LoadConfig loads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "session-service"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8001"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 2 * time.Minute
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	opts := cfg.HistoryOptions().WithDefaults()
	cfg.History.MaxMessages = opts.MaxMessages
	cfg.History.TTL = opts.TTL
	cfg.History.OpTimeout = opts.OpTimeout
	cfg.History.MaxContentBytes = opts.MaxContentBytes
	if cfg.History.CleanupInterval == 0 {
		cfg.History.CleanupInterval = time.Minute
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendRedis
	}
	if cfg.Store.Codec == "" {
		cfg.Store.Codec = "json"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.SSL == nil {
		enabled := true
		cfg.Redis.SSL = &enabled
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxRetries == 0 {
		cfg.Database.MaxRetries = 3
	}
}

// ApplyEnv overrides configuration from environment variables. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []string
	fail := func(name, value string, err error) {
		errs = append(errs, fmt.Sprintf("%s=%q: %v", name, value, err))
	}

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(name, v, err)
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				fail(name, v, err)
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				fail(name, v, err)
				return
			}
			*dst = d
		}
	}

	integer("MAX_MESSAGES", &c.History.MaxMessages)
	duration("SESSION_TTL", &c.History.TTL)
	duration("SESSION_OP_TIMEOUT", &c.History.OpTimeout)
	str("STORE_BACKEND", &c.Store.Backend)
	str("STORE_CODEC", &c.Store.Codec)
	str("REDIS_HOST", &c.Redis.Host)
	integer("REDIS_PORT", &c.Redis.Port)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)
	if v, ok := lookup("REDIS_SSL"); ok && v != "" {
		enabled := c.Redis.TLSEnabled()
		boolean("REDIS_SSL", &enabled)
		c.Redis.SSL = &enabled
	}
	boolean("REDIS_SSL_SKIP_VERIFY", &c.Redis.InsecureSkipVerify)
	str("DATABASE_DSN", &c.Database.DSN)
	str("LISTEN_ADDRESS", &c.Server.Address)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseDuration accepts a Go duration ("90s", "24h") or a bare integer
// number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing duration: %w", err)
	}
	return d, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.History.MaxMessages <= 0 {
		errs = append(errs, "history.max_messages must be positive")
	}
	if c.History.TTL <= 0 {
		errs = append(errs, "history.ttl must be positive")
	} else if c.History.TTL < time.Second {
		errs = append(errs, "history.ttl must be at least 1s")
	}
	if c.History.OpTimeout <= 0 {
		errs = append(errs, "history.op_timeout must be positive")
	}

	switch c.Store.Backend {
	case BackendRedis:
		if c.Redis.Host == "" {
			errs = append(errs, "redis.host is required for the redis backend")
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, "redis.port must be between 1 and 65535")
		}
	case BackendPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres backend")
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q is not one of redis, postgres, memory", c.Store.Backend))
	}

	switch c.Store.Codec {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Sprintf("store.codec %q is not one of json, cbor", c.Store.Codec))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not one of text, json", c.Logging.Format))
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, "server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
