package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the optional YAML file. Environment variables take
// precedence over values from the file.
const ConfigFileEnv = "PRICE_TRACKER_CONFIG"

const (
	EngineHTTP    = "http"
	EngineBrowser = "browser"

	RegistryDatabase = "database"
	RegistryFile     = "file"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scraper   ScraperConfig   `yaml:"scraper"`
	Loader    LoaderConfig    `yaml:"loader"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Registry  RegistryConfig  `yaml:"registry"`
	Watch     WatchConfig     `yaml:"watch"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Name        string `yaml:"name"`
	SSLMode     string `yaml:"ssl_mode"`
	MaxConns    int32  `yaml:"max_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// RedisConfig also drives the outbox relay that publishes to Redis.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	StreamMaxLen int64         `yaml:"stream_max_len"`
	Retention    time.Duration `yaml:"retention"`
}

type ScraperConfig struct {
	Engine         string        `yaml:"engine"`
	Timeout        time.Duration `yaml:"timeout"`
	UserAgent      string        `yaml:"user_agent"`
	AcceptLanguage string        `yaml:"accept_language"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	RateInterval   time.Duration `yaml:"rate_interval"`
	RateBurst      int           `yaml:"rate_burst"`
	RateJitter     time.Duration `yaml:"rate_jitter"`
	Headless       bool          `yaml:"headless"`
}

type LoaderConfig struct {
	CheckProductExists bool          `yaml:"check_product_exists"`
	Timeout            time.Duration `yaml:"timeout"`
	EmitEvents         bool          `yaml:"emit_events"`
}

type SchedulerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	RunOnStart  bool          `yaml:"run_on_start"`
	RunTimeout  time.Duration `yaml:"run_timeout"`
	HistorySize int           `yaml:"history_size"`
}

type RegistryConfig struct {
	Source string `yaml:"source"`
	File   string `yaml:"file"`
}

// WatchConfig drives the price-drop consumer.
type WatchConfig struct {
	Group    string        `yaml:"group"`
	Consumer string        `yaml:"consumer"`
	Block    time.Duration `yaml:"block"`
	Lookback int           `yaml:"lookback"`

	// RetryInterval is how often unacknowledged messages are read again.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when neither a file nor the
// environment say otherwise.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"http://localhost:8501"},
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Name:     "price_tracker",
			SSLMode:  "disable",
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PollInterval: 5 * time.Second,
			BatchSize:    100,
			StreamMaxLen: 100000,
			Retention:    7 * 24 * time.Hour,
		},
		Scraper: ScraperConfig{
			Engine:         EngineHTTP,
			Timeout:        20 * time.Second,
			AcceptLanguage: "en-GB,en;q=0.9",
			MaxBodyBytes:   10 << 20,
			RateInterval:   2 * time.Second,
			RateBurst:      1,
			RateJitter:     time.Second,
			Headless:       true,
		},
		Loader: LoaderConfig{
			Timeout:    time.Minute,
			EmitEvents: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:     true,
			Interval:    3 * time.Minute,
			RunOnStart:  true,
			RunTimeout:  10 * time.Minute,
			HistorySize: 50,
		},
		Registry: RegistryConfig{
			Source: RegistryDatabase,
			File:   "products.json",
		},
		Watch: WatchConfig{
			Group:    "price-watch",
			Consumer: "price-watch-1",
			Block:    5 * time.Second,
			Lookback: 10,

			RetryInterval: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by PRICE_TRACKER_CONFIG and the environment, in that order, and validates
// the result.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvOrDefault("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.ReadTimeout = getDurationOrDefault("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getDurationOrDefault("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.CORSOrigins = getStringSliceOrDefault("SERVER_CORS_ORIGINS", c.Server.CORSOrigins)

	c.Database.Host = getEnvOrDefault("DB_HOST", c.Database.Host)
	c.Database.Port = getIntOrDefault("DB_PORT", c.Database.Port)
	c.Database.User = getEnvOrDefault("DB_USER", c.Database.User)
	c.Database.Password = getEnvOrDefault("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnvOrDefault("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnvOrDefault("DB_SSL_MODE", c.Database.SSLMode)
	c.Database.MaxConns = int32(getIntOrDefault("DB_MAX_CONNS", int(c.Database.MaxConns)))
	c.Database.AutoMigrate = getBoolOrDefault("DB_AUTO_MIGRATE", c.Database.AutoMigrate)

	c.Redis.Enabled = getBoolOrDefault("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnvOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getIntOrDefault("REDIS_DB", c.Redis.DB)
	c.Redis.PollInterval = getDurationOrDefault("RELAY_POLL_INTERVAL", c.Redis.PollInterval)
	c.Redis.BatchSize = getIntOrDefault("RELAY_BATCH_SIZE", c.Redis.BatchSize)
	c.Redis.StreamMaxLen = int64(getIntOrDefault("RELAY_STREAM_MAX_LEN", int(c.Redis.StreamMaxLen)))
	c.Redis.Retention = getDurationOrDefault("RELAY_RETENTION", c.Redis.Retention)

	c.Scraper.Engine = getEnvOrDefault("SCRAPER_ENGINE", c.Scraper.Engine)
	c.Scraper.Timeout = getDurationOrDefault("SCRAPER_TIMEOUT", c.Scraper.Timeout)
	c.Scraper.UserAgent = getEnvOrDefault("SCRAPER_USER_AGENT", c.Scraper.UserAgent)
	c.Scraper.AcceptLanguage = getEnvOrDefault("SCRAPER_ACCEPT_LANGUAGE", c.Scraper.AcceptLanguage)
	c.Scraper.MaxBodyBytes = int64(getIntOrDefault("SCRAPER_MAX_BODY_BYTES", int(c.Scraper.MaxBodyBytes)))
	c.Scraper.RateInterval = getDurationOrDefault("SCRAPER_RATE_INTERVAL", c.Scraper.RateInterval)
	c.Scraper.RateBurst = getIntOrDefault("SCRAPER_RATE_BURST", c.Scraper.RateBurst)
	c.Scraper.RateJitter = getDurationOrDefault("SCRAPER_RATE_JITTER", c.Scraper.RateJitter)
	c.Scraper.Headless = getBoolOrDefault("BROWSER_HEADLESS", c.Scraper.Headless)

	c.Loader.CheckProductExists = getBoolOrDefault("LOADER_CHECK_PRODUCT_EXISTS", c.Loader.CheckProductExists)
	c.Loader.Timeout = getDurationOrDefault("LOADER_TIMEOUT", c.Loader.Timeout)
	c.Loader.EmitEvents = getBoolOrDefault("LOADER_EMIT_EVENTS", c.Loader.EmitEvents)

	c.Scheduler.Enabled = getBoolOrDefault("SCHEDULER_ENABLED", c.Scheduler.Enabled)
	c.Scheduler.Interval = getDurationOrDefault("SCHEDULER_INTERVAL", c.Scheduler.Interval)
	c.Scheduler.RunOnStart = getBoolOrDefault("SCHEDULER_RUN_ON_START", c.Scheduler.RunOnStart)
	c.Scheduler.RunTimeout = getDurationOrDefault("SCHEDULER_RUN_TIMEOUT", c.Scheduler.RunTimeout)
	c.Scheduler.HistorySize = getIntOrDefault("SCHEDULER_HISTORY_SIZE", c.Scheduler.HistorySize)

	c.Registry.Source = getEnvOrDefault("REGISTRY_SOURCE", c.Registry.Source)
	c.Registry.File = getEnvOrDefault("REGISTRY_FILE", c.Registry.File)

	c.Watch.Group = getEnvOrDefault("WATCH_GROUP", c.Watch.Group)
	c.Watch.Consumer = getEnvOrDefault("WATCH_CONSUMER", c.Watch.Consumer)
	c.Watch.Block = getDurationOrDefault("WATCH_BLOCK", c.Watch.Block)
	c.Watch.Lookback = getIntOrDefault("WATCH_LOOKBACK", c.Watch.Lookback)
	c.Watch.RetryInterval = getDurationOrDefault("WATCH_RETRY_INTERVAL", c.Watch.RetryInterval)

	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOrDefault("LOG_FORMAT", c.Logging.Format)
}

func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid server port: %q", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}

	switch c.Scraper.Engine {
	case EngineHTTP, EngineBrowser:
	default:
		return fmt.Errorf("SCRAPER_ENGINE must be %q or %q, got %q", EngineHTTP, EngineBrowser, c.Scraper.Engine)
	}
	if c.Scraper.Timeout <= 0 {
		return fmt.Errorf("SCRAPER_TIMEOUT must be positive")
	}
	if c.Scraper.RateInterval < 0 || c.Scraper.RateJitter < 0 {
		return fmt.Errorf("SCRAPER_RATE_INTERVAL and SCRAPER_RATE_JITTER cannot be negative")
	}
	if c.Scraper.RateBurst < 1 {
		return fmt.Errorf("SCRAPER_RATE_BURST must be at least 1")
	}

	if c.Loader.Timeout < 0 {
		return fmt.Errorf("LOADER_TIMEOUT cannot be negative")
	}

	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive when the scheduler is enabled")
	}
	if c.Scheduler.HistorySize < 1 {
		return fmt.Errorf("SCHEDULER_HISTORY_SIZE must be at least 1")
	}

	switch c.Registry.Source {
	case RegistryDatabase:
	case RegistryFile:
		if c.Registry.File == "" {
			return fmt.Errorf("REGISTRY_FILE is required when REGISTRY_SOURCE is %q", RegistryFile)
		}
	default:
		return fmt.Errorf("REGISTRY_SOURCE must be %q or %q, got %q", RegistryDatabase, RegistryFile, c.Registry.Source)
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			return fmt.Errorf("REDIS_ADDR is required when Redis is enabled")
		}
		if c.Redis.BatchSize < 1 {
			return fmt.Errorf("RELAY_BATCH_SIZE must be at least 1")
		}
		if c.Redis.StreamMaxLen < 0 || c.Redis.Retention < 0 {
			return fmt.Errorf("RELAY_STREAM_MAX_LEN and RELAY_RETENTION cannot be negative")
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Logging.Format)
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
