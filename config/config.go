// Package config loads the server configuration.
//
// Values start from Default, are replaced by an optional YAML file, and are
// finally overridden by environment variables.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DeclanJeon/ponslink-signal/domain/credential"
	"github.com/DeclanJeon/ponslink-signal/domain/ratelimit"
	"github.com/DeclanJeon/ponslink-signal/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	HTTP       HTTPConfig        `yaml:"http"`
	Store      StoreConfig       `yaml:"store"`
	Credential credential.Config `yaml:"turn"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit"`
	Presence   PresenceConfig    `yaml:"presence"`
	Monitor    MonitorConfig     `yaml:"monitor"`
	Log        LogConfig         `yaml:"log"`
	Telemetry  telemetry.Config  `yaml:"telemetry"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HTTPConfig configures the gateway listener.
type HTTPConfig struct {
	Port int `yaml:"port"`
	// AllowedOrigins is a comma-separated CORS allow list.
	AllowedOrigins         string `yaml:"allowed_origins"`
	StatsRequestsPerMinute int    `yaml:"stats_requests_per_minute"`
}

// StoreConfig selects and configures the shared store.
type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// LimitConfig is one rate limit scope.
type LimitConfig struct {
	Points        int           `yaml:"points"`
	Window        time.Duration `yaml:"window"`
	BlockDuration time.Duration `yaml:"block"`
}

// RateLimitConfig holds both rate limit scopes.
type RateLimitConfig struct {
	IP   LimitConfig `yaml:"ip"`
	User LimitConfig `yaml:"user"`
}

// PresenceConfig configures liveness and the zombie reaper.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ZombieTimeout     time.Duration `yaml:"zombie_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// MonitorConfig configures advisory index pruning.
type MonitorConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxAge          time.Duration `yaml:"max_age"`
}

// LogConfig configures the application logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	origin := ratelimit.DefaultOriginConfig()
	user := ratelimit.DefaultUserConfig()
	return &Config{
		HTTP: HTTPConfig{
			Port:                   3000,
			AllowedOrigins:         "http://localhost:3000,http://localhost:8080",
			StatsRequestsPerMinute: 60,
		},
		Store: StoreConfig{
			Backend:   "redis",
			RedisAddr: "localhost:6379",
		},
		Credential: credential.DefaultConfig(),
		RateLimit: RateLimitConfig{
			IP:   LimitConfig{Points: origin.Points, Window: origin.Window, BlockDuration: origin.BlockDuration},
			User: LimitConfig{Points: user.Points, Window: user.Window, BlockDuration: user.BlockDuration},
		},
		Presence: PresenceConfig{
			HeartbeatInterval: 30 * time.Second,
			ZombieTimeout:     90 * time.Second,
			SweepInterval:     60 * time.Second,
		},
		Monitor: MonitorConfig{
			CleanupInterval: 5 * time.Minute,
			MaxAge:          time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: telemetry.Config{
			ServiceName:    "ponslink-signal",
			ExportInterval: time.Minute,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load builds the configuration from defaults, the YAML file at path (if any)
// and the environment. An empty path falls back to CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Port = getEnvInt("HTTP_PORT", getEnvInt("PORT", c.HTTP.Port))
	c.HTTP.AllowedOrigins = getEnv("CORS_ALLOWED_ORIGINS", c.HTTP.AllowedOrigins)

	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.RedisAddr = getEnv("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = getEnv("REDIS_PASSWORD", c.Store.RedisPassword)
	c.Store.RedisDB = getEnvInt("REDIS_DB", c.Store.RedisDB)

	t := &c.Credential
	t.ServerURL = getEnv("TURN_SERVER_URL", t.ServerURL)
	t.Secret = getEnv("TURN_SECRET", t.Secret)
	t.Realm = getEnv("TURN_REALM", t.Realm)
	t.TTL = getEnvDuration("TURN_SESSION_TIMEOUT", t.TTL)
	t.EnableQuota = getEnvBool("TURN_ENABLE_QUOTA", t.EnableQuota)
	if value := os.Getenv("TURN_QUOTA_GB"); value != "" {
		if gb, err := strconv.ParseInt(value, 10, 64); err == nil {
			t.QuotaBytesPerDay = gb * credential.GB
		} else {
			log.Printf("Warning: invalid integer value for TURN_QUOTA_GB: %q, keeping %d bytes", value, t.QuotaBytesPerDay)
		}
	}
	t.EnableConnectionLimit = getEnvBool("TURN_ENABLE_CONNECTION_LIMIT", t.EnableConnectionLimit)
	t.MaxConnectionsPerUser = getEnvInt("TURN_MAX_CONNECTIONS", t.MaxConnectionsPerUser)
	t.EnableUDP = getEnvBool("TURN_ENABLE_UDP", t.EnableUDP)
	t.EnableTCP = getEnvBool("TURN_ENABLE_TCP", t.EnableTCP)
	t.EnableTLS = getEnvBool("TURN_ENABLE_TLS", t.EnableTLS)
	t.Ports.UDP = getEnvInt("TURN_PORT_UDP", t.Ports.UDP)
	t.Ports.TCP = getEnvInt("TURN_PORT_TCP", t.Ports.TCP)
	t.Ports.TLS = getEnvInt("TURN_PORT_TLS", t.Ports.TLS)

	c.RateLimit.IP.applyEnv("RATE_LIMIT_IP")
	c.RateLimit.User.applyEnv("RATE_LIMIT_USER")

	c.Presence.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", c.Presence.HeartbeatInterval)
	c.Presence.ZombieTimeout = getEnvDuration("ZOMBIE_TIMEOUT", c.Presence.ZombieTimeout)
	c.Presence.SweepInterval = getEnvDuration("SWEEP_INTERVAL", c.Presence.SweepInterval)

	c.Log.Level = strings.ToLower(getEnv("LOG_LEVEL", c.Log.Level))
	c.Log.Format = strings.ToLower(getEnv("LOG_FORMAT", c.Log.Format))

	c.Telemetry.ServiceName = getEnv("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
}

func (l *LimitConfig) applyEnv(prefix string) {
	l.Points = getEnvInt(prefix+"_POINTS", l.Points)
	l.Window = getEnvDuration(prefix+"_WINDOW", l.Window)
	l.BlockDuration = getEnvDuration(prefix+"_BLOCK", l.BlockDuration)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.StatsRequestsPerMinute <= 0 {
		errs = append(errs, errors.New("http.stats_requests_per_minute must be positive"))
	}
	switch c.Store.Backend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be redis or memory", c.Store.Backend))
	}

	if c.Credential.ServerURL != "" && c.Credential.Secret == "" {
		errs = append(errs, errors.New("turn.secret is required when turn.server_url is set"))
	}
	if c.Credential.TTL <= 0 {
		errs = append(errs, errors.New("turn.ttl must be positive"))
	}
	if c.Credential.EnableQuota && c.Credential.QuotaBytesPerDay <= 0 {
		errs = append(errs, errors.New("turn.quota_bytes_per_day must be positive when enable_quota is set"))
	}
	if c.Credential.EnableConnectionLimit && c.Credential.MaxConnectionsPerUser <= 0 {
		errs = append(errs, errors.New("turn.max_connections_per_user must be positive"))
	}

	errs = append(errs, c.RateLimit.IP.validate("rate_limit.ip")...)
	errs = append(errs, c.RateLimit.User.validate("rate_limit.user")...)

	if c.Presence.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("presence.heartbeat_interval must be positive"))
	}
	if c.Presence.ZombieTimeout <= c.Presence.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("presence.zombie_timeout %s must exceed heartbeat_interval %s",
			c.Presence.ZombieTimeout, c.Presence.HeartbeatInterval))
	}
	if c.Presence.SweepInterval <= 0 {
		errs = append(errs, errors.New("presence.sweep_interval must be positive"))
	}
	if c.Monitor.CleanupInterval <= 0 || c.Monitor.MaxAge <= 0 {
		errs = append(errs, errors.New("monitor intervals must be positive"))
	}

	if c.Telemetry.OTLPEndpoint != "" && c.Telemetry.ExportInterval <= 0 {
		errs = append(errs, errors.New("telemetry.export_interval must be positive when exporting"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

func (l LimitConfig) validate(name string) []error {
	var errs []error
	if l.Points <= 0 {
		errs = append(errs, fmt.Errorf("%s.points must be positive", name))
	}
	if l.Window <= 0 {
		errs = append(errs, fmt.Errorf("%s.window must be positive", name))
	}
	if l.BlockDuration < 0 {
		errs = append(errs, fmt.Errorf("%s.block must not be negative", name))
	}
	return errs
}

// Addr is the gateway listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTP.Port)
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the integer value of an environment variable or a default value.
// Logs a warning if the value cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
		log.Printf("Warning: invalid integer value for %s: %q, using default %d", key, value, defaultValue)
	}
	return defaultValue
}

// getEnvBool accepts anything strconv.ParseBool does.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
		log.Printf("Warning: invalid boolean value for %s: %q, using default %t", key, value, defaultValue)
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Printf("Warning: invalid duration value for %s: %q, using default %s", key, value, defaultValue)
	return defaultValue
}
