// Package config loads the service configuration.
//
// Loading order:
//  1. .env supplies secrets and APP_ENV
//  2. CONFIG_FILE, or configs/{APP_ENV}.yaml, overrides built-in defaults
//  3. environment variables override the YAML
//
// Secrets (JWT secret, target API key, database URL) are read from the
// environment only and never from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
	"github.com/tangjunyou/prompt-faster-sub001/internal/models"
)

// Environment is the deployment environment
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// Config is the complete service configuration
type Config struct {
	Env          Environment               `yaml:"-"`
	Server       ServerConfig              `yaml:"server"`
	Database     DatabaseConfig            `yaml:"database"`
	Redis        RedisConfig               `yaml:"redis"`
	Auth         AuthConfig                `yaml:"auth"`
	Engine       EngineConfig              `yaml:"engine"`
	Capabilities CapabilitiesConfig        `yaml:"capabilities"`
	Target       TargetConfig              `yaml:"target"`
	EventBus     EventBusConfig            `yaml:"event_bus"`
	Optimization models.OptimizationConfig `yaml:"optimization"`
	Log          logging.Config            `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver      string `yaml:"driver"` // postgres or sqlite
	URL         string `yaml:"-"`      // DATABASE_URL only
	SQLitePath  string `yaml:"sqlite_path"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// RedisConfig enables the cross-instance event relay when URL is set
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"-"` // JWT_SECRET only
	Issuer    string `yaml:"issuer"`
}

// EngineConfig selects the optimization strategy, default or alternate
type EngineConfig struct {
	Name string `yaml:"name"`
}

// CapabilitiesConfig locates the capability runtime
type CapabilitiesConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// TargetConfig holds the execution target credential attached to loaded tasks
type TargetConfig struct {
	APIKey string `yaml:"-"` // TARGET_API_KEY only
}

type EventBusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
}

// Load reads .env, the YAML file and environment overrides
func Load() (*Config, error) {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	env := parseEnv(getEnv("APP_ENV", "dev"))
	cfg := defaults(env)

	if err := loadYAML(cfg, env); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults(env Environment) *Config {
	cfg := &Config{
		Env: env,
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:      "sqlite",
			SQLitePath:  "data/prompt-optimizer.db",
			AutoMigrate: true,
		},
		Redis:        RedisConfig{Channel: "prompt-optimizer:control-events"},
		Auth:         AuthConfig{Issuer: "prompt-optimizer"},
		Engine:       EngineConfig{Name: "default"},
		Capabilities: CapabilitiesConfig{URL: "http://capability-runtime:8000", Timeout: 60 * time.Second},
		EventBus:     EventBusConfig{QueueSize: 64},
		Optimization: models.DefaultOptimizationConfig(),
		Log:          logging.Config{Level: "info", Format: "text", Output: "stdout"},
	}
	if env == EnvProduction {
		cfg.Log.Format = "json"
	}
	return cfg
}

// loadYAML applies CONFIG_FILE when set, otherwise the first configs/{env}.yaml found
func loadYAML(cfg *Config, env Environment) error {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return nil
	}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return nil
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.Driver = getEnv("DATABASE_DRIVER", cfg.Database.Driver)
	cfg.Database.SQLitePath = getEnv("SQLITE_PATH", cfg.Database.SQLitePath)
	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Engine.Name = getEnv("OPTIMIZATION_ENGINE", cfg.Engine.Name)
	cfg.Capabilities.URL = getEnv("CAPABILITY_RUNTIME_URL", cfg.Capabilities.URL)
	cfg.Target.APIKey = getEnv("TARGET_API_KEY", cfg.Target.APIKey)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	if raw := os.Getenv("EVENT_BUS_QUEUE_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid EVENT_BUS_QUEUE_SIZE %q: %w", raw, err)
		}
		cfg.EventBus.QueueSize = n
	}
	if raw := os.Getenv("MAX_ITERATIONS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid MAX_ITERATIONS %q: %w", raw, err)
		}
		cfg.Optimization.MaxIterations = n
	}
	return nil
}

// validate fills zero values with defaults and rejects unusable settings
func (c *Config) validate() error {
	c.Database.Driver = detectDatabaseDriver(c.Database.Driver, c.Database.URL)
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return errors.New("database.sqlite_path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	switch strings.ToLower(c.Engine.Name) {
	case "", "default":
		c.Engine.Name = "default"
	case "alternate":
		c.Engine.Name = "alternate"
	default:
		return fmt.Errorf("unknown optimization engine %q", c.Engine.Name)
	}

	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.EventBus.QueueSize <= 0 {
		c.EventBus.QueueSize = 64
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "prompt-optimizer:control-events"
	}
	if c.Capabilities.Timeout <= 0 {
		c.Capabilities.Timeout = 60 * time.Second
	}

	def := models.DefaultOptimizationConfig()
	if c.Optimization.MaxIterations <= 0 {
		c.Optimization.MaxIterations = def.MaxIterations
	}
	if c.Optimization.PassThreshold <= 0 || c.Optimization.PassThreshold > 1 {
		c.Optimization.PassThreshold = def.PassThreshold
	}
	if c.Optimization.ExecutionMode == "" {
		c.Optimization.ExecutionMode = def.ExecutionMode
	}
	if c.Optimization.MaxConcurrency <= 0 {
		c.Optimization.MaxConcurrency = def.MaxConcurrency
	}
	return nil
}

// detectDatabaseDriver prefers the explicit driver and falls back to the URL scheme
func detectDatabaseDriver(driver, databaseURL string) string {
	if driver != "" {
		return strings.ToLower(driver)
	}
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}

// RedisEnabled reports whether the cross-instance relay should run
func (c *Config) RedisEnabled() bool {
	return c.Redis.URL != ""
}

// String returns a summary safe for logs
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, DB: %s %s, Redis: %s, Engine: %s}",
		c.Env, c.Database.Driver, maskPassword(c.Database.URL), maskPassword(c.Redis.URL), c.Engine.Name)
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

var passwordRe = regexp.MustCompile(`(://[^:/@]*:)([^@]+)(@)`)

func maskPassword(url string) string {
	return passwordRe.ReplaceAllString(url, "${1}***${3}")
}
