// Package bootstrap wires configuration into a ready MediMate client, API and
// assistant.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/medimate/medimate-go"
	"github.com/medimate/medimate-go/assistant"
	"github.com/medimate/medimate-go/internal/config"
	"github.com/medimate/medimate-go/redisstore"
)

// NewZapLogger builds the JSON logger: RFC3339Nano timestamps, lowercase
// levels, errors and above to stderr, everything else to stdout.
func NewZapLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	infoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapLevel && lvl < zapcore.ErrorLevel
	})
	errorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapLevel && lvl >= zapcore.ErrorLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stdout), infoLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(os.Stderr), errorLevel),
	)

	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)).
		With(zap.String("service", "medimate"))
}

// App holds the wired components.
type App struct {
	Config    *config.Config
	Logger    medimate.Logger
	Client    *medimate.Client
	API       *medimate.API
	Assistant *assistant.Client
	Registry  *prometheus.Registry
	Redis     *redis.Client

	cleanups []func() error
}

// Close releases connections opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Option adjusts New.
type Option func(*options)

type options struct {
	clientOptions []medimate.Option
	redis         *redis.Client
}

// WithClientOptions appends options to those derived from configuration.
func WithClientOptions(opts ...medimate.Option) Option {
	return func(o *options) { o.clientOptions = append(o.clientOptions, opts...) }
}

// WithRedisClient uses rdb instead of dialing cfg.Redis.
func WithRedisClient(rdb *redis.Client) Option {
	return func(o *options) { o.redis = rdb }
}

// New builds an App from cfg.
func New(ctx context.Context, cfg *config.Config, zl *zap.Logger, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := medimate.NewZapLogger(zl)
	app := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	app.Registry.MustRegister(collectors.NewGoCollector())

	if cfg.UsesRedis() {
		rdb := o.redis
		if rdb == nil {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Address,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			app.cleanups = append(app.cleanups, rdb.Close)
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Address, err)
		}
		app.Redis = rdb
	}

	store, err := newTokenStore(cfg, app.Redis, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	clientOpts := []medimate.Option{
		medimate.WithBaseURL(cfg.API.BaseURL),
		medimate.WithTimeout(cfg.API.Timeout),
		medimate.WithMaxRetries(cfg.Retry.MaxRetries),
		medimate.WithRetryDelay(cfg.Retry.Delay),
		medimate.WithExponentialBackoff(cfg.Retry.Exponential),
		medimate.WithMaxDelay(cfg.Retry.MaxDelay),
		medimate.WithJitter(cfg.Retry.Jitter),
		medimate.WithTokenStore(store),
		medimate.WithLogger(logger),
		medimate.WithMetricsCollector(medimate.NewMetricsCollectorWithRegistry(app.Registry)),
	}
	if cfg.RateLimit.Enabled {
		clientOpts = append(clientOpts, medimate.WithRateLimiter(cfg.RateLimit.MaxTokens, cfg.RateLimit.RefillRate))
	}
	if cfg.Breaker.Enabled {
		clientOpts = append(clientOpts, medimate.WithCircuitBreaker(medimate.CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		}))
	}
	if len(cfg.Retry.RetryableStatusCodes) > 0 {
		clientOpts = append(clientOpts, medimate.WithRetryableStatusCodes(cfg.Retry.RetryableStatusCodes...))
	}
	switch {
	case !cfg.Cache.Enabled:
		clientOpts = append(clientOpts, medimate.WithoutCache())
	case cfg.Cache.Backend == "redis":
		clientOpts = append(clientOpts, medimate.WithCustomCache(redisstore.NewCache(app.Redis, cfg.Redis.Prefix, logger), cfg.Cache.TTL))
	default:
		clientOpts = append(clientOpts, medimate.WithCache(cfg.Cache.TTL))
	}
	clientOpts = append(clientOpts, o.clientOptions...)

	app.Client = medimate.New(clientOpts...)
	if err := app.Client.ValidationError(); err != nil {
		_ = app.Close()
		return nil, err
	}
	app.API = medimate.NewAPI(app.Client)
	app.Assistant = assistant.New(cfg.Assistant.APIKey,
		assistant.WithBaseURL(cfg.Assistant.BaseURL),
		assistant.WithModel(cfg.Assistant.Model),
		assistant.WithLogger(logger),
	)

	return app, nil
}

func newTokenStore(cfg *config.Config, rdb *redis.Client, logger medimate.Logger) (medimate.TokenStore, error) {
	switch cfg.Session.Store {
	case "memory":
		return medimate.NewMemoryTokenStore(), nil
	case "redis":
		return redisstore.NewTokenStore(rdb, cfg.Redis.Prefix, logger), nil
	default:
		dir := cfg.Session.Dir
		if dir == "" {
			base, err := os.UserConfigDir()
			if err != nil {
				return nil, fmt.Errorf("resolve session directory: %w", err)
			}
			dir = filepath.Join(base, "medimate")
		}
		return medimate.NewFileTokenStore(dir)
	}
}
