// Package config handles loading and validation of tphroute configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// TPHROUTE_ prefix:
//
//	server.address → TPHROUTE_SERVER_ADDRESS
//	rate_limit.capacity → TPHROUTE_RATE_LIMIT_CAPACITY
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via TPHROUTE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/tphroute/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// RateLimitBackend selects where the per-client window counters live.
type RateLimitBackend string

const (
	// RateLimitBackendMemory keeps counters in process memory. Counters are
	// per-instance; run a single replica or accept per-replica quotas.
	RateLimitBackendMemory RateLimitBackend = "memory"
	// RateLimitBackendRedis keeps counters in Redis so that all replicas
	// share one quota per client.
	RateLimitBackendRedis RateLimitBackend = "redis"
)

func (b RateLimitBackend) Valid() bool {
	switch b {
	case RateLimitBackendMemory, RateLimitBackendRedis:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Configuration tree
// ---------------------------------------------------------------------------

// Config is the root configuration for tphroute.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Database  DatabaseConfig  `yaml:"database"   envPrefix:"DATABASE_"`
	Auth      AuthConfig      `yaml:"auth"       envPrefix:"AUTH_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	Export    ExportConfig    `yaml:"export"     envPrefix:"EXPORT_"`
	Cache     CacheConfig     `yaml:"cache"      envPrefix:"CACHE_"`
	Events    EventsConfig    `yaml:"events"     envPrefix:"EVENTS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the main API server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin server (health checks, metrics) settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// DatabaseConfig holds the MySQL connection settings for the TPH store.
type DatabaseConfig struct {
	Host     string         `yaml:"host"     env:"HOST"`
	Port     int            `yaml:"port"     env:"PORT"`
	User     string         `yaml:"user"     env:"USER"`
	Password RedactedString `yaml:"password" env:"PASSWORD"`
	Name     string         `yaml:"name"     env:"NAME"`

	// DSN overrides the host/port/user/password/name fields when set.
	DSN RedactedString `yaml:"dsn" env:"DSN"`

	MaxOpenConns    int    `yaml:"max_open_conns"    env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`

	// ConnectRetries controls how often the initial connection is retried
	// before startup fails. The database may come up after the service in
	// container deployments.
	ConnectRetries int    `yaml:"connect_retries" env:"CONNECT_RETRIES"`
	ConnectBackoff string `yaml:"connect_backoff" env:"CONNECT_BACKOFF"`

	// AutoMigrate creates/updates the tph table schema at startup.
	// Intended for development; production schemas are managed externally.
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// APIKeyConfig describes one pre-issued API key. Keys are fixed for the
// process lifetime; there is no issuance or revocation at runtime.
type APIKeyConfig struct {
	Key         RedactedString `yaml:"key"`
	Name        string         `yaml:"name"`
	Permissions []string       `yaml:"permissions"`
}

// AuthConfig holds the static API key table.
type AuthConfig struct {
	Keys []APIKeyConfig `yaml:"keys"`
}

// RateLimitConfig holds the fixed-window rate limiter settings.
type RateLimitConfig struct {
	// Window is the fixed window length (default "1h").
	Window string `yaml:"window" env:"WINDOW"`
	// Capacity is the number of requests allowed per client per window
	// (default 100).
	Capacity int64 `yaml:"capacity" env:"CAPACITY"`
	// Backend selects memory (per-instance) or redis (shared) counters.
	Backend RateLimitBackend `yaml:"backend" env:"BACKEND"`
	// KeyPrefix namespaces Redis keys (default "tphroute").
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// RedisConfig holds connection settings for the shared rate-limit store.
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// ExportConfig holds KML export settings.
type ExportConfig struct {
	// Dir is the directory route overlays are written to and served from.
	// Download requests can never escape this directory.
	Dir string `yaml:"dir" env:"DIR"`
}

// CacheConfig holds the point-set cache settings. The cache collapses
// repeated identical database fetches between order updates.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	TTL     string `yaml:"ttl"     env:"TTL"`
	// MaxCost is the ristretto memory budget in bytes (default 32 MiB).
	MaxCost int64 `yaml:"max_cost" env:"MAX_COST"`
}

// EventsConfig holds optional authorization decision event emission.
// When enabled, tphroute batches allow/deny decisions to a webhook.
type EventsConfig struct {
	Enabled       bool             `yaml:"enabled"        env:"ENABLED"`
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// EventsHTTPConfig holds HTTP event receiver settings.
type EventsHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON() to prevent accidental leakage in logs or serialized
// output. Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer (%#v).
func (r RedactedString) GoString() string { return `"` + r.String() + `"` }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            3306,
			User:            "root",
			Name:            "tph_database",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: "1h",
			ConnectRetries:  30,
			ConnectBackoff:  "2s",
		},
		RateLimit: RateLimitConfig{
			Window:    "1h",
			Capacity:  100,
			Backend:   RateLimitBackendMemory,
			KeyPrefix: "tphroute",
		},
		Redis: RedisConfig{
			Mode:         RedisModeSingle,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Export: ExportConfig{
			Dir: "./exports",
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     "30s",
			MaxCost: 32 << 20,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			SampleRate: 0.1,
		},
	}
}

// ConfigFilePath returns the configuration file path, honoring the
// TPHROUTE_CONFIG_FILE override.
func ConfigFilePath() string {
	configFile := os.Getenv("TPHROUTE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/tphroute/config.yaml and
// can be overridden via TPHROUTE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "TPHROUTE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Memory"
// or env values like "REDIS" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.RateLimit.Backend = RateLimitBackend(strings.ToLower(string(cfg.RateLimit.Backend)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
	for i := range cfg.Auth.Keys {
		for j, p := range cfg.Auth.Keys[i].Permissions {
			cfg.Auth.Keys[i].Permissions[j] = strings.ToLower(strings.TrimSpace(p))
		}
	}
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v // leave as-is; validation will catch invalid values
	}
}

// knownPermissions is the closed permission vocabulary.
var knownPermissions = map[string]struct{}{
	"read":  {},
	"write": {},
	"admin": {},
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateServer(cfg); err != nil {
		return err
	}
	if err := validateDatabase(cfg); err != nil {
		return err
	}
	if err := validateAuth(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateExport(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return nil
}

func validateServer(cfg *Config) error {
	durations := map[string]string{
		"server.read_timeout":  cfg.Server.ReadTimeout,
		"server.write_timeout": cfg.Server.WriteTimeout,
		"server.idle_timeout":  cfg.Server.IdleTimeout,
		"server.drain_timeout": cfg.Server.DrainTimeout,
		"admin.read_timeout":   cfg.Admin.ReadTimeout,
		"admin.write_timeout":  cfg.Admin.WriteTimeout,
		"admin.idle_timeout":   cfg.Admin.IdleTimeout,
	}
	for name, val := range durations {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, val, err)
		}
	}

	if !cfg.Server.TLS.MinVersion.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", cfg.Server.TLS.MinVersion)
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled")
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	db := cfg.Database
	if db.DSN == "" {
		if db.Host == "" || db.Name == "" {
			return fmt.Errorf("database.host and database.name are required (or set database.dsn)")
		}
		if db.Port <= 0 || db.Port > 65535 {
			return fmt.Errorf("invalid database.port %d", db.Port)
		}
	}
	for name, val := range map[string]string{
		"database.conn_max_lifetime": db.ConnMaxLifetime,
		"database.connect_backoff":   db.ConnectBackoff,
	} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, val, err)
		}
	}
	return nil
}

func validateAuth(cfg *Config) error {
	if len(cfg.Auth.Keys) == 0 {
		return fmt.Errorf("auth.keys must contain at least one API key")
	}
	seen := make(map[string]struct{}, len(cfg.Auth.Keys))
	for i, k := range cfg.Auth.Keys {
		if k.Key == "" {
			return fmt.Errorf("auth.keys[%d].key is empty", i)
		}
		if _, dup := seen[k.Key.Value()]; dup {
			return fmt.Errorf("auth.keys[%d]: duplicate API key", i)
		}
		seen[k.Key.Value()] = struct{}{}
		if len(k.Permissions) == 0 {
			return fmt.Errorf("auth.keys[%d] (%s): permission set is empty", i, k.Name)
		}
		for _, p := range k.Permissions {
			if _, ok := knownPermissions[p]; !ok {
				return fmt.Errorf("auth.keys[%d] (%s): unknown permission %q: must be read, write, or admin", i, k.Name, p)
			}
		}
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	if !rl.Backend.Valid() {
		return fmt.Errorf("invalid rate_limit.backend %q: must be memory or redis", rl.Backend)
	}
	if rl.Capacity <= 0 {
		return fmt.Errorf("rate_limit.capacity must be positive, got %d", rl.Capacity)
	}
	if rl.Window != "" {
		d, err := time.ParseDuration(rl.Window)
		if err != nil {
			return fmt.Errorf("invalid rate_limit.window %q: %w", rl.Window, err)
		}
		if d < time.Second {
			return fmt.Errorf("rate_limit.window must be at least 1s, got %s", d)
		}
	}
	return nil
}

func validateRedis(cfg *Config) error {
	if cfg.RateLimit.Backend != RateLimitBackendRedis {
		return nil
	}
	r := cfg.Redis
	if len(r.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints is required when rate_limit.backend is redis")
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q: must be single, sentinel, or cluster", r.Mode)
	}
	if r.Mode == RedisModeSentinel && r.MasterName == "" {
		return fmt.Errorf("redis.master_name is required in sentinel mode")
	}
	return nil
}

func validateExport(cfg *Config) error {
	if cfg.Export.Dir == "" {
		return fmt.Errorf("export.dir must not be empty")
	}
	clean := filepath.Clean(cfg.Export.Dir)
	if !filepath.IsAbs(clean) {
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("export.dir %q escapes the working directory", cfg.Export.Dir)
		}
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

// WindowDuration returns the parsed rate-limit window, falling back to one hour.
func (rl RateLimitConfig) WindowDuration() time.Duration {
	d, err := time.ParseDuration(rl.Window)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// ParseDuration parses s, returning def when s is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
