package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gantryio/gantry/pkg/observability"
	"github.com/gantryio/gantry/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration (installed catalog)
	Storage storage.Config

	// Runtime configuration (lifecycle and sandbox limits)
	Runtime RuntimeConfig

	// Registry configuration
	Registry RegistryConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// RuntimeConfig holds plugin lifecycle and sandbox limits
type RuntimeConfig struct {
	// MaxConcurrentPlugins bounds simultaneously active plugins.
	MaxConcurrentPlugins int

	// HookPoolSize bounds concurrent handler execution for
	// notification hooks.
	HookPoolSize int

	// InvocationTimeout is the wall-clock budget for one sandboxed call.
	InvocationTimeout time.Duration

	// MemoryLimit is the per-invocation memory budget in bytes.
	MemoryLimit int64

	// PolicyPath points at the host capability ceilings file. Empty
	// means built-in defaults.
	PolicyPath string

	// WatchDir, when set, is scanned for local plugin directories.
	WatchDir string
}

// RegistryConfig holds registry and cache configuration
type RegistryConfig struct {
	// Root is the registry catalog storage root.
	Root string

	// Redis cache for search results and entry metadata.
	CacheEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Runtime:       loadRuntimeConfig(),
		Registry:      loadRegistryConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GANTRY_HOST", "0.0.0.0"),
		Port:            getEnv("GANTRY_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GANTRY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GANTRY_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GANTRY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GANTRY_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GANTRY_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("GANTRY_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}
	if fsRoot := getEnv("GANTRY_FILESYSTEM_ROOT", ""); fsRoot != "" {
		cfg.Root = fsRoot
	}
	if sqlitePath := getEnv("GANTRY_SQLITE_PATH", ""); sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}

	return cfg
}

// loadRuntimeConfig loads lifecycle and sandbox limits from environment
func loadRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxConcurrentPlugins: getEnvInt("GANTRY_MAX_CONCURRENT_PLUGINS", 32),
		HookPoolSize:         getEnvInt("GANTRY_HOOK_POOL_SIZE", 8),
		InvocationTimeout:    getEnvDuration("GANTRY_INVOCATION_TIMEOUT", 30*time.Second),
		MemoryLimit:          getEnvInt64("GANTRY_MEMORY_LIMIT", 10*1024*1024),
		PolicyPath:           getEnv("GANTRY_POLICY_PATH", ""),
		WatchDir:             getEnv("GANTRY_WATCH_DIR", ""),
	}
}

// loadRegistryConfig loads registry configuration from environment
func loadRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Root:          getEnv("GANTRY_REGISTRY_ROOT", "/var/lib/gantry/registry"),
		CacheEnabled:  getEnvBool("GANTRY_CACHE_ENABLED", false),
		RedisAddr:     getEnv("GANTRY_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("GANTRY_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("GANTRY_REDIS_DB", 0),
		CacheTTL:      getEnvDuration("GANTRY_CACHE_TTL", 5*time.Minute),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("GANTRY_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("GANTRY_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case "filesystem":
		if c.Storage.Root == "" {
			return fmt.Errorf("filesystem root is required for filesystem storage")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be filesystem or sqlite)", c.Storage.Type)
	}

	if c.Runtime.MaxConcurrentPlugins < 1 {
		return fmt.Errorf("max concurrent plugins must be at least 1")
	}
	if c.Runtime.InvocationTimeout <= 0 {
		return fmt.Errorf("invocation timeout must be positive")
	}

	if c.Registry.CacheEnabled && c.Registry.RedisAddr == "" {
		return fmt.Errorf("redis address is required when the cache is enabled")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
