// Package config loads dqgraph configuration from defaults, an optional YAML
// file, and environment variables, in increasing order of precedence.
//
// Example Usage:
//
//	cfg, err := config.LoadFromEnvOrFile("dqgraph.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	fmt.Printf("HTTP server: %s:%d\n", cfg.Server.Address, cfg.Server.Port)
//
// Environment Variables:
//
//   - DQGRAPH_DATA_DIR="./data"
//   - DQGRAPH_IN_MEMORY=false
//   - DQGRAPH_SYNC_WRITES=false
//   - DQGRAPH_POOL_MAX_WORKERS=16
//   - DQGRAPH_POOL_CORE_WORKERS=8
//   - DQGRAPH_POOL_QUEUE_SIZE=80
//   - DQGRAPH_POOL_IDLE_TIMEOUT=30s
//   - DQGRAPH_POOL_SHUTDOWN_TIMEOUT=10s
//   - DQGRAPH_BATCH_TIMEOUT=1m
//   - DQGRAPH_BATCH_RATE_LIMIT=0
//   - DQGRAPH_MAX_CLASS_DEPTH=64
//   - DQGRAPH_LOCK_CLASS_LABELS=false
//   - DQGRAPH_HTTP_ADDRESS="127.0.0.1"
//   - DQGRAPH_HTTP_PORT=7480
//   - DQGRAPH_AUTH_USERNAME=""
//   - DQGRAPH_AUTH_PASSWORD_HASH="" (bcrypt)
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all dqgraph configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Pool     PoolConfig     `yaml:"pool"`
	DQ       DQConfig       `yaml:"dq"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
}

// DatabaseConfig configures the Badger store.
type DatabaseConfig struct {
	DataDir    string `yaml:"data_dir" validate:"required_unless=InMemory true"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// PoolConfig sizes the batch deletion worker pool.
type PoolConfig struct {
	MaxWorkers      int           `yaml:"max_workers" validate:"gte=1"`
	CoreWorkers     int           `yaml:"core_workers" validate:"gte=0,ltefield=MaxWorkers"`
	QueueSize       int           `yaml:"queue_size" validate:"gte=1"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// DQConfig tunes the flag taxonomy.
type DQConfig struct {
	MaxClassDepth   int           `yaml:"max_class_depth" validate:"gte=1,lte=4096"`
	LockClassLabels bool          `yaml:"lock_class_labels"`
	BatchTimeout    time.Duration `yaml:"batch_timeout" validate:"gte=0"`
	BatchRateLimit  float64       `yaml:"batch_rate_limit" validate:"gte=0"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address      string        `yaml:"address" validate:"required"`
	Port         int           `yaml:"port" validate:"gte=0,lte=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

// AuthConfig enables HTTP basic auth when Username is set.
type AuthConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash" validate:"required_with=Username"`
}

// Enabled reports whether requests must authenticate.
func (a AuthConfig) Enabled() bool {
	return a.Username != ""
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	threads := 2 * runtime.GOMAXPROCS(0)
	return &Config{
		Database: DatabaseConfig{
			DataDir: "./data",
		},
		Pool: PoolConfig{
			MaxWorkers:      threads,
			CoreWorkers:     threads / 2,
			QueueSize:       threads * 5,
			IdleTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		DQ: DQConfig{
			MaxClassDepth: 64,
			BatchTimeout:  time.Minute,
		},
		Server: ServerConfig{
			Address:      "127.0.0.1",
			Port:         7480,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
	}
}

// LoadFromEnv returns the defaults overridden by environment variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	applyEnv(cfg)
	return cfg
}

// LoadFile reads a YAML file on top of the defaults. Keys missing from the
// file keep their default values.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnvOrFile loads path when it is not empty (a missing file is an
// error), applies environment overrides, and validates the result.
func LoadFromEnvOrFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	c.Database.DataDir = getEnv("DQGRAPH_DATA_DIR", c.Database.DataDir)
	c.Database.InMemory = getEnvBool("DQGRAPH_IN_MEMORY", c.Database.InMemory)
	c.Database.SyncWrites = getEnvBool("DQGRAPH_SYNC_WRITES", c.Database.SyncWrites)

	c.Pool.MaxWorkers = getEnvInt("DQGRAPH_POOL_MAX_WORKERS", c.Pool.MaxWorkers)
	c.Pool.CoreWorkers = getEnvInt("DQGRAPH_POOL_CORE_WORKERS", c.Pool.CoreWorkers)
	c.Pool.QueueSize = getEnvInt("DQGRAPH_POOL_QUEUE_SIZE", c.Pool.QueueSize)
	c.Pool.IdleTimeout = getEnvDuration("DQGRAPH_POOL_IDLE_TIMEOUT", c.Pool.IdleTimeout)
	c.Pool.ShutdownTimeout = getEnvDuration("DQGRAPH_POOL_SHUTDOWN_TIMEOUT", c.Pool.ShutdownTimeout)

	c.DQ.MaxClassDepth = getEnvInt("DQGRAPH_MAX_CLASS_DEPTH", c.DQ.MaxClassDepth)
	c.DQ.LockClassLabels = getEnvBool("DQGRAPH_LOCK_CLASS_LABELS", c.DQ.LockClassLabels)
	c.DQ.BatchTimeout = getEnvDuration("DQGRAPH_BATCH_TIMEOUT", c.DQ.BatchTimeout)
	c.DQ.BatchRateLimit = getEnvFloat("DQGRAPH_BATCH_RATE_LIMIT", c.DQ.BatchRateLimit)

	c.Server.Address = getEnv("DQGRAPH_HTTP_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("DQGRAPH_HTTP_PORT", c.Server.Port)

	c.Auth.Username = getEnv("DQGRAPH_AUTH_USERNAME", c.Auth.Username)
	c.Auth.PasswordHash = getEnv("DQGRAPH_AUTH_PASSWORD_HASH", c.Auth.PasswordHash)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and the relationships between fields.
//
// Returns nil if configuration is valid, or an error naming every invalid
// field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", strings.TrimPrefix(fe.Namespace(), "Config."), fe.ActualTag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// String returns a representation safe for logging. The password hash is
// never included.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{DataDir: %s, InMemory: %v, HTTP: %s:%d, Pool: %d/%d/%d, Auth: %v}",
		c.Database.DataDir, c.Database.InMemory,
		c.Server.Address, c.Server.Port,
		c.Pool.CoreWorkers, c.Pool.MaxWorkers, c.Pool.QueueSize,
		c.Auth.Enabled(),
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
