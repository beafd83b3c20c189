package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/resilience"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/tasks"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
	Inference  InferenceConfig
	Resilience ResilienceConfig
	Tasks      TaskConfig
	Cache      CacheConfig
	Workspace  WorkspaceConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000"`
	Host            string        `envconfig:"HOST" default:"127.0.0.1"`
	MaxConnections  int           `envconfig:"MAX_CONNECTIONS" default:"256"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// InferenceConfig points at the local AI inference service.
type InferenceConfig struct {
	URL               string        `envconfig:"AI_URL" default:"http://127.0.0.1:11434"`
	GRPCHealthAddr    string        `envconfig:"AI_GRPC_HEALTH_ADDR" default:""`
	Timeout           time.Duration `envconfig:"AI_TIMEOUT" default:"30s"`
	RequestsPerSecond float64       `envconfig:"AI_RPS" default:"10"`
	ProbeInterval     time.Duration `envconfig:"AI_PROBE_INTERVAL" default:"30s"`
}

// ResilienceConfig holds circuit breaker and retry knobs.
type ResilienceConfig struct {
	FailureThreshold uint32        `envconfig:"CB_FAILURE_THRESHOLD" default:"5"`
	RecoveryTimeout  time.Duration `envconfig:"CB_RECOVERY_TIMEOUT" default:"1m"`
	MaxRetries       int           `envconfig:"RETRY_MAX" default:"3"`
	InitialDelay     time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"1s"`
	MaxDelay         time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5m"`
	Multiplier       float64       `envconfig:"RETRY_MULTIPLIER" default:"2.0"`
	Jitter           float64       `envconfig:"RETRY_JITTER" default:"0"`
}

// TaskConfig sizes the background worker pool. Zero workers means one per CPU.
type TaskConfig struct {
	Workers     int           `envconfig:"TASK_WORKERS" default:"0"`
	TaskTimeout time.Duration `envconfig:"TASK_TIMEOUT" default:"5m"`
}

// CacheConfig holds façade cache lifetimes.
type CacheConfig struct {
	ModelsTTL     time.Duration `envconfig:"CACHE_MODELS_TTL" default:"5m"`
	GenerationTTL time.Duration `envconfig:"CACHE_GENERATION_TTL" default:"10m"`
	SweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"1m"`
}

// WorkspaceConfig locates user projects and the theme file.
type WorkspaceConfig struct {
	Dir       string `envconfig:"WORKSPACE_DIR" default:"./workspace"`
	ThemeFile string `envconfig:"THEME_FILE" default:"./workspace/theme.toml"`
}

// LoadEnvFile loads variables from a dotenv file. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "127.0.0.1",
			MaxConnections:  256,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Inference: InferenceConfig{
			URL:               "http://127.0.0.1:11434",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
			ProbeInterval:     30 * time.Second,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
			MaxRetries:       3,
			InitialDelay:     time.Second,
			MaxDelay:         5 * time.Minute,
			Multiplier:       2.0,
		},
		Tasks: TaskConfig{
			TaskTimeout: 5 * time.Minute,
		},
		Cache: CacheConfig{
			ModelsTTL:     5 * time.Minute,
			GenerationTTL: 10 * time.Minute,
			SweepInterval: time.Minute,
		},
		Workspace: WorkspaceConfig{
			Dir:       "./workspace",
			ThemeFile: "./workspace/theme.toml",
		},
	}
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	if c.Resilience.FailureThreshold == 0 {
		return errors.New("CB_FAILURE_THRESHOLD must be at least 1")
	}
	if c.Resilience.RecoveryTimeout <= 0 {
		return errors.New("CB_RECOVERY_TIMEOUT must be positive")
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("invalid retry settings: %w", err)
	}
	if c.Tasks.Workers < 0 {
		return errors.New("TASK_WORKERS cannot be negative")
	}
	if c.Inference.Timeout <= 0 {
		return errors.New("AI_TIMEOUT must be positive")
	}
	if c.Cache.SweepInterval <= 0 {
		return errors.New("CACHE_SWEEP_INTERVAL must be positive")
	}
	if c.Inference.ProbeInterval <= 0 {
		return errors.New("AI_PROBE_INTERVAL must be positive")
	}
	return nil
}

// BreakerSettings converts the resilience section into breaker settings.
func (c *Config) BreakerSettings() resilience.Settings {
	s := resilience.DefaultSettings()
	s.FailureThreshold = c.Resilience.FailureThreshold
	s.RecoveryTimeout = c.Resilience.RecoveryTimeout
	return s
}

// RetryPolicy converts the resilience section into a retry policy.
func (c *Config) RetryPolicy() resilience.Policy {
	return resilience.Policy{
		MaxRetries:        c.Resilience.MaxRetries,
		InitialDelay:      c.Resilience.InitialDelay,
		BackoffMultiplier: c.Resilience.Multiplier,
		MaxDelay:          c.Resilience.MaxDelay,
		Jitter:            c.Resilience.Jitter,
	}
}

// TaskProcessorConfig converts the tasks section into processor config.
func (c *Config) TaskProcessorConfig() tasks.Config {
	return tasks.Config{
		Workers:     c.Tasks.Workers,
		TaskTimeout: c.Tasks.TaskTimeout,
	}
}
