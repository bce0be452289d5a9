package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"bastion.dev/internal/auth"
	"bastion.dev/internal/obs"
)

// Config holds all service configuration.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	LogLevel string
	// File is the optional YAML overlay, also watched for token expiry changes.
	File string

	Postgres  PostgresConfig
	Redis     RedisConfig
	Tokens    TokenConfig
	RBAC      RBACConfig
	RateLimit RateLimitConfig
}

type PostgresConfig struct {
	DSN string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TokenConfig carries the codec settings. Secrets are normally set through the
// environment only.
type TokenConfig struct {
	Issuer           string `yaml:"issuer"`
	AccessSecret     string `yaml:"access_secret"`
	RefreshSecret    string `yaml:"refresh_secret"`
	AccessExpiresIn  string `yaml:"access_expires_in"`
	RefreshExpiresIn string `yaml:"refresh_expires_in"`
}

type RBACConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// RateLimitConfig applies per client IP to the session endpoints.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// FileConfig is the YAML overlay.
type FileConfig struct {
	LogLevel string      `yaml:"log_level"`
	Tokens   TokenConfig `yaml:"tokens"`
	RBAC     struct {
		CacheSize int    `yaml:"cache_size"`
		CacheTTL  string `yaml:"cache_ttl"`
	} `yaml:"rbac"`
}

// Load reads the YAML overlay named by BASTION_CONFIG, applies environment
// variables on top and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		LogLevel: "info",
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Tokens: TokenConfig{
			Issuer:           "bastion",
			AccessExpiresIn:  "2h",
			RefreshExpiresIn: "30d",
		},
		RBAC:      RBACConfig{CacheSize: 4096, CacheTTL: 5 * time.Second},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 10},
		File:      os.Getenv("BASTION_CONFIG"),
	}
	if cfg.File != "" {
		fc, err := LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		if err := cfg.apply(fc); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadFile parses a YAML overlay.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func (c *Config) apply(fc FileConfig) error {
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	setIf(&c.Tokens.Issuer, fc.Tokens.Issuer)
	setIf(&c.Tokens.AccessSecret, fc.Tokens.AccessSecret)
	setIf(&c.Tokens.RefreshSecret, fc.Tokens.RefreshSecret)
	setIf(&c.Tokens.AccessExpiresIn, fc.Tokens.AccessExpiresIn)
	setIf(&c.Tokens.RefreshExpiresIn, fc.Tokens.RefreshExpiresIn)
	if fc.RBAC.CacheSize > 0 {
		c.RBAC.CacheSize = fc.RBAC.CacheSize
	}
	if fc.RBAC.CacheTTL != "" {
		d, err := time.ParseDuration(fc.RBAC.CacheTTL)
		if err != nil {
			return fmt.Errorf("rbac.cache_ttl: %w", err)
		}
		c.RBAC.CacheTTL = d
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("BASTION_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("BASTION_GRPC_ADDR", c.GRPCAddr)
	c.LogLevel = getEnv("BASTION_LOG_LEVEL", c.LogLevel)

	c.Postgres.DSN = getEnv("BASTION_PG_DSN", c.Postgres.DSN)

	c.Redis.Addr = getEnv("BASTION_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("BASTION_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("BASTION_REDIS_DB", c.Redis.DB)

	c.Tokens.Issuer = getEnv("BASTION_JWT_ISSUER", c.Tokens.Issuer)
	c.Tokens.AccessSecret = getEnv("BASTION_JWT_ACCESS_SECRET", c.Tokens.AccessSecret)
	c.Tokens.RefreshSecret = getEnv("BASTION_JWT_REFRESH_SECRET", c.Tokens.RefreshSecret)
	c.Tokens.AccessExpiresIn = getEnv("BASTION_JWT_ACCESS_EXPIRES_IN", c.Tokens.AccessExpiresIn)
	c.Tokens.RefreshExpiresIn = getEnv("BASTION_JWT_REFRESH_EXPIRES_IN", c.Tokens.RefreshExpiresIn)

	c.RBAC.CacheSize = getEnvInt("BASTION_RBAC_CACHE_SIZE", c.RBAC.CacheSize)
	c.RBAC.CacheTTL = getEnvDuration("BASTION_RBAC_CACHE_TTL", c.RBAC.CacheTTL)

	c.RateLimit.RPS = getEnvFloat("BASTION_RATE_LIMIT_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = getEnvInt("BASTION_RATE_LIMIT_BURST", c.RateLimit.Burst)
}

// Validate checks if the configuration is usable. Token problems are fatal.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http address is required")
	}
	if c.Tokens.AccessSecret == "" || c.Tokens.RefreshSecret == "" {
		return errors.New("BASTION_JWT_ACCESS_SECRET and BASTION_JWT_REFRESH_SECRET are required")
	}
	if c.Tokens.AccessSecret == c.Tokens.RefreshSecret {
		return errors.New("access and refresh secrets must differ")
	}
	if _, err := auth.ParseExpiry(c.Tokens.AccessExpiresIn); err != nil {
		return fmt.Errorf("access expiry: %w", err)
	}
	if _, err := auth.ParseExpiry(c.Tokens.RefreshExpiresIn); err != nil {
		return fmt.Errorf("refresh expiry: %w", err)
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		return errors.New("rate limit rps and burst must be positive")
	}
	return nil
}

// Codec returns the token codec settings.
func (c *Config) Codec() auth.CodecConfig {
	return auth.CodecConfig{
		Issuer:           c.Tokens.Issuer,
		AccessSecret:     c.Tokens.AccessSecret,
		RefreshSecret:    c.Tokens.RefreshSecret,
		AccessExpiresIn:  c.Tokens.AccessExpiresIn,
		RefreshExpiresIn: c.Tokens.RefreshExpiresIn,
	}
}

// Watch calls fn with the re-read overlay every time path is written or
// replaced, until ctx is done. Parse failures are logged and skipped.
func Watch(ctx context.Context, path string, fn func(FileConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path = filepath.Clean(path)
	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}
	log := obs.Logger().WithField("config", path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				fc, err := LoadFile(path)
				if err != nil {
					log.WithError(err).Warn("config reload skipped")
					continue
				}
				log.Info("config reloaded")
				fn(fc)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Error("config watcher error")
			}
		}
	}()
	return nil
}

// Reloader returns a Watch callback that pushes token expiry and log level
// changes into the running service.
func Reloader(codec *auth.TokenCodec) func(FileConfig) {
	return func(fc FileConfig) {
		if fc.LogLevel != "" {
			obs.SetLevel(fc.LogLevel)
		}
		access, refresh := fc.Tokens.AccessExpiresIn, fc.Tokens.RefreshExpiresIn
		// Env values take precedence over the file, as at startup.
		if v := os.Getenv("BASTION_JWT_ACCESS_EXPIRES_IN"); v != "" {
			access = v
		}
		if v := os.Getenv("BASTION_JWT_REFRESH_EXPIRES_IN"); v != "" {
			refresh = v
		}
		codec.Reconfigure(access, refresh)
		obs.Logger().WithFields(logrus.Fields{
			"access_expires_in":  access,
			"refresh_expires_in": refresh,
		}).Debug("token settings pushed")
	}
}

func setIf(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
