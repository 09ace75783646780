// Package config provides configuration helpers that define runtime defaults,
// validation, and environment loading for the relay's primary and worker
// processes.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Fabric backends selectable through FABRIC.
const (
	FabricPrimary = "primary"
	FabricRedis   = "redis"
	FabricNATS    = "nats"
	FabricMemory  = "memory"
)

// Presence scopes selectable through PRESENCE_SCOPE.
const (
	// PresenceCluster merges every worker's shard before emitting.
	PresenceCluster = "cluster"
	// PresenceShard emits the invoking worker's local list as-is.
	PresenceShard = "shard"
)

// SameSite policies selectable through AFFINITY_SAMESITE for the primary's
// affinity cookie.
const (
	SameSiteLax    = "lax"
	SameSiteStrict = "strict"
	// SameSiteNone lets the cookie ride cross-site websocket upgrades; the
	// cookie is then marked Secure.
	SameSiteNone = "none"
)

// RateLimitConfig defines the parameters for per-connection operation rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the settings shared by the primary and its workers.
type Config struct {
	Port              string
	AllowedOrigins    []string
	MaxMessageSize    int64
	RateLimit         RateLimitConfig
	Workers           int
	WorkerBasePort    int
	Fabric            string
	RelayAddr         string
	RedisAddr         string
	RedisChannel      string
	NATSURL           string
	NATSSubject       string
	PresenceScope     string
	PresenceHeartbeat time.Duration
	AffinityTTL       time.Duration
	AffinitySameSite  string
	LogLevel          string
	LogFormat         string
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		WorkerBasePort:    9100,
		Fabric:            FabricPrimary,
		RelayAddr:         "127.0.0.1:9099",
		RedisAddr:         "localhost:6379",
		RedisChannel:      "helpdesk-relay",
		NATSURL:           "nats://127.0.0.1:4222",
		NATSSubject:       "helpdesk.relay",
		PresenceScope:     PresenceCluster,
		PresenceHeartbeat: 10 * time.Second,
		AffinityTTL:       10 * time.Minute,
		AffinitySameSite:  SameSiteLax,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load reads an optional .env file and then builds the configuration from the
// environment. A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return NewConfigFromEnv(), nil
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	if workers := os.Getenv("WORKERS"); workers != "" {
		cfg.Workers = parseIntValue(workers, cfg.Workers)
	}

	if base := os.Getenv("WORKER_BASE_PORT"); base != "" {
		cfg.WorkerBasePort = parseIntValue(base, cfg.WorkerBasePort)
	}

	cfg.Fabric = envOrDefault("FABRIC", cfg.Fabric)
	cfg.RelayAddr = envOrDefault("RELAY_ADDR", cfg.RelayAddr)
	cfg.RedisAddr = envOrDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisChannel = envOrDefault("REDIS_CHANNEL", cfg.RedisChannel)
	cfg.NATSURL = envOrDefault("NATS_URL", cfg.NATSURL)
	cfg.NATSSubject = envOrDefault("NATS_SUBJECT", cfg.NATSSubject)
	cfg.PresenceScope = envOrDefault("PRESENCE_SCOPE", cfg.PresenceScope)
	cfg.AffinitySameSite = envOrDefault("AFFINITY_SAMESITE", cfg.AffinitySameSite)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("LOG_FORMAT", cfg.LogFormat)

	if heartbeat := os.Getenv("PRESENCE_HEARTBEAT"); heartbeat != "" {
		cfg.PresenceHeartbeat = parseSeconds(heartbeat, cfg.PresenceHeartbeat)
	}

	if ttl := os.Getenv("AFFINITY_TTL"); ttl != "" {
		cfg.AffinityTTL = parseSeconds(ttl, cfg.AffinityTTL)
	}

	return cfg.Sanitize()
}

// Sanitize replaces invalid or missing values with defaults and returns the
// receiver for chaining.
func (c *Config) Sanitize() *Config {
	def := defaultConfig()

	if c.Port == "" {
		c.Port = def.Port
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.Workers < 0 {
		c.Workers = 0
	}
	if c.WorkerBasePort <= 0 {
		c.WorkerBasePort = def.WorkerBasePort
	}

	switch c.Fabric = strings.ToLower(strings.TrimSpace(c.Fabric)); c.Fabric {
	case FabricPrimary, FabricRedis, FabricNATS, FabricMemory:
	default:
		c.Fabric = def.Fabric
	}

	switch c.PresenceScope = strings.ToLower(strings.TrimSpace(c.PresenceScope)); c.PresenceScope {
	case PresenceCluster, PresenceShard:
	default:
		c.PresenceScope = def.PresenceScope
	}

	switch c.AffinitySameSite = strings.ToLower(strings.TrimSpace(c.AffinitySameSite)); c.AffinitySameSite {
	case SameSiteLax, SameSiteStrict, SameSiteNone:
	default:
		c.AffinitySameSite = def.AffinitySameSite
	}

	if c.PresenceHeartbeat <= 0 {
		c.PresenceHeartbeat = def.PresenceHeartbeat
	}
	if c.AffinityTTL <= 0 {
		c.AffinityTTL = def.AffinityTTL
	}
	return c
}

// WorkerAddr returns the loopback address the worker in the given slot listens on.
func (c *Config) WorkerAddr(slot int) string {
	return "127.0.0.1:" + strconv.Itoa(c.WorkerBasePort+slot)
}

func envOrDefault(key, value string) string {
	if env, ok := os.LookupEnv(key); ok && strings.TrimSpace(env) != "" {
		return strings.TrimSpace(env)
	}
	return value
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseSeconds accepts either a bare number of seconds or a Go duration string.
func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
