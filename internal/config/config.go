package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds every setting the query/ingestion pipeline needs to run.
type Config struct {
	// Storage selects and configures the Metadata/Precomputed Store backend.
	Storage StorageConfig `yaml:"storage"`

	// Cache configures the shared/memory cache tiers.
	Cache CacheConfig `yaml:"cache"`

	// Query bounds default request behavior.
	Query QueryConfig `yaml:"query"`

	// Rescan holds the merged-unreleased rescan settings.
	Rescan RescanConfig `yaml:"rescan"`

	// Logging configures the structured logger.
	Logging LoggingConfig `yaml:"logging"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver"` // "postgres", "sqlite", "bbolt"
	PostgresDSN string `yaml:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`
	BoltPath    string `yaml:"bolt_path"`
}

type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	MemoryTTL     time.Duration `yaml:"memory_ttl"`
	MappingTTL    time.Duration `yaml:"mapping_ttl"`
	Version       int           `yaml:"version"`
}

type QueryConfig struct {
	DefaultTimezoneMinutes int `yaml:"default_timezone_minutes"`
	MaxReposPerRequest     int `yaml:"max_repos_per_request"`
}

type RescanConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json", "text"
	File   string `yaml:"file"`   // empty means stderr
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "./analytics.db",
		},
		Cache: CacheConfig{
			MemoryTTL:  5 * time.Minute,
			MappingTTL: 24 * time.Hour,
			Version:    1,
		},
		Query: QueryConfig{
			DefaultTimezoneMinutes: 0,
			MaxReposPerRequest:     50,
		},
		Rescan: RescanConfig{
			Enabled:  true,
			Interval: 15 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration with increasing precedence: defaults, the
// config file, values from .env files, then the process environment
// (a .env value does not override a variable that is already set).
func Load(path string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	v.SetConfigType("yaml")

	cfg := Default()
	v.SetDefault("storage", cfg.Storage)
	v.SetDefault("cache", cfg.Cache)
	v.SetDefault("query", cfg.Query)
	v.SetDefault("rescan", cfg.Rescan)
	v.SetDefault("logging", cfg.Logging)

	v.SetEnvPrefix("ANALYTICS")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// loadEnvFiles loads .env files in order of precedence
func loadEnvFiles() {
	envFiles := []string{".env.local", ".env"}
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			godotenv.Load(file)
		}
	}
}

// applyEnvOverrides applies raw-environment-variable overrides on top of
// whatever viper already resolved, matching the precedence env var > config
// file > default.
func applyEnvOverrides(cfg *Config) {
	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.Storage.SQLitePath = expandPath(path)
	}
	if path := os.Getenv("BOLT_PATH"); path != "" {
		cfg.Storage.BoltPath = expandPath(path)
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Cache.RedisPassword = pw
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Cache.RedisDB = n
		}
	}
	if ttl := os.Getenv("CACHE_MAPPING_TTL_HOURS"); ttl != "" {
		if hours, err := strconv.Atoi(ttl); err == nil {
			cfg.Cache.MappingTTL = time.Duration(hours) * time.Hour
		}
	}
	if version := os.Getenv("CACHE_VERSION"); version != "" {
		if n, err := strconv.Atoi(version); err == nil {
			cfg.Cache.Version = n
		}
	}

	if tz := os.Getenv("QUERY_DEFAULT_TIMEZONE_MINUTES"); tz != "" {
		if n, err := strconv.Atoi(tz); err == nil {
			cfg.Query.DefaultTimezoneMinutes = n
		}
	}
	if max := os.Getenv("QUERY_MAX_REPOS_PER_REQUEST"); max != "" {
		if n, err := strconv.Atoi(max); err == nil {
			cfg.Query.MaxReposPerRequest = n
		}
	}

	if interval := os.Getenv("RESCAN_INTERVAL_MINUTES"); interval != "" {
		if n, err := strconv.Atoi(interval); err == nil {
			cfg.Rescan.Interval = time.Duration(n) * time.Minute
		}
	}
	if enabled := os.Getenv("RESCAN_ENABLED"); enabled != "" {
		cfg.Rescan.Enabled = enabled == "true"
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.Logging.File = expandPath(file)
	}
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, path[1:])
}

// Save writes configuration to path as YAML, for operators bootstrapping
// a starter file from Default() or from a running config's current state.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
