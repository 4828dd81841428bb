package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process configuration shared by the server and the CLI
type Config struct {
	Port string

	// Metrics warehouse (MySQL/MariaDB URL or DSN)
	SourceDSN   string
	SourceQPS   int
	SourceBurst int
	CacheSize   int
	CacheTTL    time.Duration

	// Snapshot persistence: memory | redis | postgres
	SnapshotBackend string
	SnapshotPath    string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	PostgresConn    string

	PolicyFile     string
	AnalyzeTimeout time.Duration
	RequestRate    int

	OTelEnabled  bool
	OTelEndpoint string

	MetricsUser string
	MetricsPass string
}

// Load reads the configuration from the environment
func Load() Config {
	return Config{
		Port:            getEnv("PORT", "8080"),
		SourceDSN:       getEnv("METRICS_SOURCE_DSN", ""),
		SourceQPS:       getEnvInt("SOURCE_QPS", 50),
		SourceBurst:     getEnvInt("SOURCE_BURST", 100),
		CacheSize:       getEnvInt("CACHE_SIZE", 1024),
		CacheTTL:        getEnvDuration("CACHE_TTL", 10*time.Minute),
		SnapshotBackend: getEnv("SNAPSHOT_BACKEND", "memory"),
		SnapshotPath:    getEnv("SNAPSHOT_PATH", "data/snapshots.json"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		PostgresConn:    getEnv("POSTGRES_CONN", ""),
		PolicyFile:      getEnv("SCORING_POLICY_FILE", ""),
		AnalyzeTimeout:  getEnvDuration("ANALYZE_TIMEOUT", 2*time.Minute),
		RequestRate:     getEnvInt("TOKEN_RATE", 20),
		OTelEnabled:     getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("OTEL_ENDPOINT", "localhost:4317"),
		MetricsUser:     getEnv("METRICS_USER", ""),
		MetricsPass:     getEnv("METRICS_PASS", ""),
	}
}

// Validate checks combinations Load cannot default away
func (c Config) Validate() error {
	if c.SourceDSN == "" {
		return fmt.Errorf("METRICS_SOURCE_DSN is required")
	}
	switch c.SnapshotBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when SNAPSHOT_BACKEND=redis")
		}
	case "postgres":
		if c.PostgresConn == "" {
			return fmt.Errorf("POSTGRES_CONN is required when SNAPSHOT_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown SNAPSHOT_BACKEND: %s", c.SnapshotBackend)
	}
	if c.MetricsUser != "" && c.MetricsPass == "" {
		return fmt.Errorf("METRICS_PASS is required when METRICS_USER is set")
	}
	if c.RequestRate <= 0 {
		return fmt.Errorf("TOKEN_RATE must be positive, got %d", c.RequestRate)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
