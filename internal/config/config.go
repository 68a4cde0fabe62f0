// Package config loads process configuration from an optional YAML file and
// MEDIMATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "MEDIMATE"

// APIConfig locates the MediMate backend.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RetryConfig mirrors medimate.RetryConfig.
type RetryConfig struct {
	MaxRetries           int           `mapstructure:"max_retries"`
	Delay                time.Duration `mapstructure:"delay"`
	Exponential          bool          `mapstructure:"exponential"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	Jitter               float64       `mapstructure:"jitter"`
	RetryableStatusCodes []int         `mapstructure:"retryable_status_codes"`
}

// CacheConfig selects the response cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	Backend string        `mapstructure:"backend"` // memory | redis
}

// CircuitBreakerConfig enables a client-side circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// RateLimitConfig enables a client-side token bucket.
type RateLimitConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxTokens  int           `mapstructure:"max_tokens"`
	RefillRate time.Duration `mapstructure:"refill_rate"`
}

// SessionConfig selects where the login session is kept.
type SessionConfig struct {
	Store string `mapstructure:"store"` // memory | file | redis
	Dir   string `mapstructure:"dir"`   // file store directory; empty means the user config dir
}

// RedisConfig holds Redis-related configurations.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// LogConfig holds logging-related configurations.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig enables the Prometheus endpoint when Address is set.
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// AssistantConfig configures the chat-completion backend.
type AssistantConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// MockServerConfig configures the local mock backend.
type MockServerConfig struct {
	Address string `mapstructure:"address"`
}

// Config holds all configuration for the application.
type Config struct {
	API        APIConfig            `mapstructure:"api"`
	Retry      RetryConfig          `mapstructure:"retry"`
	Cache      CacheConfig          `mapstructure:"cache"`
	Breaker    CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit  RateLimitConfig      `mapstructure:"rate_limit"`
	Session    SessionConfig        `mapstructure:"session"`
	Redis      RedisConfig          `mapstructure:"redis"`
	Log        LogConfig            `mapstructure:"log"`
	Metrics    MetricsConfig        `mapstructure:"metrics"`
	Assistant  AssistantConfig      `mapstructure:"assistant"`
	MockServer MockServerConfig     `mapstructure:"mock_server"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:3000/api")
	v.SetDefault("api.timeout", 15*time.Second)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.delay", time.Second)
	v.SetDefault("retry.exponential", true)
	v.SetDefault("retry.max_delay", 0)
	v.SetDefault("retry.jitter", 0.0)
	v.SetDefault("retry.retryable_status_codes", []int{429, 500, 502, 503, 504})

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.backend", "memory")

	v.SetDefault("circuit_breaker.enabled", false)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_timeout", time.Minute)
	v.SetDefault("circuit_breaker.success_threshold", 2)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.max_tokens", 10)
	v.SetDefault("rate_limit.refill_rate", 100*time.Millisecond)

	v.SetDefault("session.store", "file")
	v.SetDefault("session.dir", "")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "medimate:")

	v.SetDefault("log.level", "info")

	v.SetDefault("metrics.address", "")

	v.SetDefault("assistant.base_url", "https://dashscope.aliyuncs.com/compatible-mode/v1")
	v.SetDefault("assistant.api_key", "")
	v.SetDefault("assistant.model", "qwen-plus")

	v.SetDefault("mock_server.address", ":3000")
}

// Load reads configuration. path names a YAML file; when empty, medimate.yaml
// is looked up in the working directory and its absence is not an error.
// Environment variables override the file, e.g. MEDIMATE_API_BASE_URL.
func Load(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("medimate")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && path == "" {
			logger.Debug("Config file not found; relying on defaults and environment variables")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Configuration loaded", zap.String("config_file_used", v.ConfigFileUsed()))
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var problems []string

	if c.API.BaseURL == "" {
		problems = append(problems, "api.base_url is required")
	}
	if c.API.Timeout <= 0 {
		problems = append(problems, "api.timeout must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		problems = append(problems, "retry.max_retries must be non-negative")
	}
	if c.Retry.Delay <= 0 {
		problems = append(problems, "retry.delay must be positive")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		problems = append(problems, "retry.jitter must be between 0 and 1")
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		problems = append(problems, "cache.ttl must be positive when the cache is enabled")
	}
	if c.Breaker.Enabled && (c.Breaker.FailureThreshold <= 0 || c.Breaker.RecoveryTimeout <= 0) {
		problems = append(problems, "circuit_breaker needs a positive failure_threshold and recovery_timeout")
	}
	if c.RateLimit.Enabled && (c.RateLimit.MaxTokens <= 0 || c.RateLimit.RefillRate <= 0) {
		problems = append(problems, "rate_limit needs positive max_tokens and refill_rate")
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		problems = append(problems, fmt.Sprintf("cache.backend %q must be memory or redis", c.Cache.Backend))
	}
	switch c.Session.Store {
	case "memory", "file", "redis":
	default:
		problems = append(problems, fmt.Sprintf("session.store %q must be memory, file or redis", c.Session.Store))
	}
	if c.UsesRedis() && c.Redis.Address == "" {
		problems = append(problems, "redis.address is required by the redis backends")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// UsesRedis reports whether any component is configured to use redis.
func (c *Config) UsesRedis() bool {
	return c.Session.Store == "redis" || (c.Cache.Enabled && c.Cache.Backend == "redis")
}
