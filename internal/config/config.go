// Package config loads the relay runtime settings from the environment,
// applies defaults, and validates the result.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// RedisConfig locates the pub/sub bus.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns the host:port dial address.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Config holds the relay configuration.
type Config struct {
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	RateLimit       RateLimitConfig
	ShutdownTimeout time.Duration

	Redis         RedisConfig
	ChannelPrefix string

	BackendURL  string
	AuthTimeout time.Duration

	LogLevel  string
	LogFormat string
}

// env mirrors the recognized environment variables. Zero values are filled
// from defaultConfig by sanitize.
type env struct {
	Port            string        `envconfig:"SERVER_PORT"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS"`
	MaxMessageSize  int64         `envconfig:"MAX_MESSAGE_SIZE" validate:"gte=0"`
	RateLimitBurst  int           `envconfig:"RATE_LIMIT_BURST" validate:"gte=0"`
	RateLimitRefill time.Duration `envconfig:"RATE_LIMIT_REFILL_INTERVAL" validate:"gte=0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" validate:"gte=0"`

	RedisHost     string `envconfig:"REDIS_HOST"`
	RedisPort     int    `envconfig:"REDIS_PORT" validate:"gte=0,lte=65535"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" validate:"gte=0"`
	ChannelPrefix string `envconfig:"BUS_CHANNEL_PREFIX"`

	// Unset falls back to the default; a set value must be an absolute URL.
	BackendURL  string        `envconfig:"BACKEND_URL" validate:"omitempty,url"`
	AuthTimeout time.Duration `envconfig:"AUTH_TIMEOUT" validate:"gte=0"`

	LogLevel  string `envconfig:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" validate:"omitempty,oneof=console json"`
}

var validate = validator.New()

func defaultConfig() Config {
	return Config{
		Port: ":3001",
		AllowedOrigins: []string{
			"http://localhost:3000",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
		ShutdownTimeout: 10 * time.Second,
		Redis: RedisConfig{
			Host: "127.0.0.1",
			Port: 6379,
		},
		ChannelPrefix: "relay",
		BackendURL:    "http://localhost:8000/api",
		AuthTimeout:   5 * time.Second,
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// New returns a Config populated with default values for all settings.
func New() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Load reads the environment, validates it, and fills unset values with
// defaults.
func Load() (*Config, error) {
	var e env
	if err := envconfig.Process("", &e); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := validate.Struct(e); err != nil {
		return nil, fmt.Errorf("validate environment: %w", err)
	}

	cfg := Config{
		Port:           e.Port,
		AllowedOrigins: e.AllowedOrigins,
		MaxMessageSize: e.MaxMessageSize,
		RateLimit: RateLimitConfig{
			Burst:          e.RateLimitBurst,
			RefillInterval: e.RateLimitRefill,
		},
		ShutdownTimeout: e.ShutdownTimeout,
		Redis: RedisConfig{
			Host:     e.RedisHost,
			Port:     e.RedisPort,
			Password: e.RedisPassword,
			DB:       e.RedisDB,
		},
		ChannelPrefix: e.ChannelPrefix,
		BackendURL:    e.BackendURL,
		AuthTimeout:   e.AuthTimeout,
		LogLevel:      e.LogLevel,
		LogFormat:     e.LogFormat,
	}
	sanitized := Sanitize(cfg)
	return &sanitized, nil
}

// Sanitize replaces zero or out-of-range values with defaults and
// normalizes formatting. It never fails.
func Sanitize(cfg Config) Config {
	def := defaultConfig()

	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = def.AllowedOrigins
	}
	cfg.AllowedOrigins = origins

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	if strings.TrimSpace(cfg.Redis.Host) == "" {
		cfg.Redis.Host = def.Redis.Host
	}
	if cfg.Redis.Port <= 0 {
		cfg.Redis.Port = def.Redis.Port
	}
	if cfg.Redis.DB < 0 {
		cfg.Redis.DB = def.Redis.DB
	}

	cfg.ChannelPrefix = strings.TrimSpace(cfg.ChannelPrefix)
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = def.ChannelPrefix
	}

	cfg.BackendURL = strings.TrimRight(strings.TrimSpace(cfg.BackendURL), "/")
	if cfg.BackendURL == "" {
		cfg.BackendURL = def.BackendURL
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = def.AuthTimeout
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	return cfg
}
