package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the docbatch server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Analyzer  AnalyzerConfig
	Engine    EngineConfig
	Export    ExportConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type AnalyzerConfig struct {
	Provider string
	Timeout  time.Duration
	Kinds    []string
	Remote   RemoteConfig
}

type RemoteConfig struct {
	BaseURL string
	APIKey  string
}

type EngineConfig struct {
	PoolSize            int
	IdlePoll            time.Duration
	RetryInitial        time.Duration
	RetryMax            time.Duration
	StaleClaimAfter     time.Duration
	StaleSweep          string
	StorageFailureLimit int
}

type ExportConfig struct {
	Dir string
	TTL time.Duration
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

var validProviders = map[string]bool{
	"remote":    true,
	"wordcount": true,
}

// DefaultPoolSize bounds the worker pool by available CPU: min(8, 2*NumCPU).
func DefaultPoolSize() int {
	n := runtime.NumCPU() * 2
	if n > 8 {
		n = 8
	}
	return n
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("DOCBATCH_PORT", 8080),
			Env:  envString("DOCBATCH_ENV", "development"),
		},
		Database: DatabaseConfig{
			Driver:          envString("STORE_DRIVER", DriverPostgres),
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Analyzer: AnalyzerConfig{
			Provider: os.Getenv("ANALYZER_PROVIDER"),
			Timeout:  envDurationSecs("ANALYZER_TIMEOUT_SECS", 30*time.Second),
			Kinds:    envList("ANALYZER_KINDS", []string{"text", "academic", "full"}),
			Remote: RemoteConfig{
				BaseURL: os.Getenv("ANALYZER_BASE_URL"),
				APIKey:  os.Getenv("ANALYZER_API_KEY"),
			},
		},
		Engine: EngineConfig{
			PoolSize:            envInt("ENGINE_POOL_SIZE", DefaultPoolSize()),
			IdlePoll:            envDuration("ENGINE_IDLE_POLL", 250*time.Millisecond),
			RetryInitial:        envDuration("ENGINE_RETRY_INITIAL", 200*time.Millisecond),
			RetryMax:            envDuration("ENGINE_RETRY_MAX", 5*time.Second),
			StaleClaimAfter:     envDuration("ENGINE_STALE_CLAIM_AFTER", 10*time.Minute),
			StaleSweep:          envString("ENGINE_STALE_SWEEP", "@every 1m"),
			StorageFailureLimit: envInt("ENGINE_STORAGE_FAILURE_LIMIT", 5),
		},
		Export: ExportConfig{
			Dir: envString("EXPORT_DIR", "exports"),
			TTL: envDuration("EXPORT_TTL", 7*24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MIN", 120),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of postgres, memory; got %q", c.Database.Driver)
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Analyzer.Provider == "" {
		return fmt.Errorf("ANALYZER_PROVIDER is required")
	}
	if !validProviders[c.Analyzer.Provider] {
		return fmt.Errorf("ANALYZER_PROVIDER must be one of remote, wordcount; got %q", c.Analyzer.Provider)
	}
	if c.Analyzer.Provider == "remote" {
		if c.Analyzer.Remote.BaseURL == "" {
			return fmt.Errorf("ANALYZER_BASE_URL is required when ANALYZER_PROVIDER is remote")
		}
		if !strings.HasPrefix(c.Analyzer.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Analyzer.Remote.BaseURL, "https://") {
			return fmt.Errorf("ANALYZER_BASE_URL must start with http:// or https://, got %q", c.Analyzer.Remote.BaseURL)
		}
	}
	if c.Analyzer.Timeout <= 0 {
		return fmt.Errorf("ANALYZER_TIMEOUT_SECS must be positive")
	}
	if len(c.Analyzer.Kinds) == 0 {
		return fmt.Errorf("ANALYZER_KINDS must name at least one analysis kind")
	}

	if c.Engine.PoolSize < 1 {
		return fmt.Errorf("ENGINE_POOL_SIZE must be at least 1, got %d", c.Engine.PoolSize)
	}
	if c.Engine.RetryInitial <= 0 || c.Engine.RetryMax < c.Engine.RetryInitial {
		return fmt.Errorf("ENGINE_RETRY_MAX must be >= ENGINE_RETRY_INITIAL > 0")
	}
	if c.Engine.StorageFailureLimit < 1 {
		return fmt.Errorf("ENGINE_STORAGE_FAILURE_LIMIT must be at least 1")
	}
	if _, err := cron.ParseStandard(c.Engine.StaleSweep); err != nil {
		return fmt.Errorf("ENGINE_STALE_SWEEP is not a valid schedule: %w", err)
	}

	if c.Export.Dir == "" {
		return fmt.Errorf("EXPORT_DIR is required")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

// envList reads a comma-separated list, dropping blanks.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
