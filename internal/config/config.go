package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for hdriflow. It is built once at process
// start and passed by value into constructors.
type Config struct {
	API      APIConfig
	Upload   UploadConfig
	Tracking TrackingConfig
	Console  ConsoleConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Debug    bool
	// ErrorReporting enables reporting of user-visible errors.
	ErrorReporting bool
}

type APIConfig struct {
	BaseURL string
	// Timeout of zero means no client-side timeout beyond normal HTTP behavior.
	Timeout time.Duration
}

type UploadConfig struct {
	MaxFileSize       int64
	AllowedExtensions []string
}

type TrackingConfig struct {
	PollInterval    time.Duration
	RecentJobsLimit int
}

type ConsoleConfig struct {
	Port           int
	Env            string
	KeyHash        string
	RequestsPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type CacheConfig struct {
	TTL     time.Duration
	MaxSize int
}

const (
	DefaultBaseURL           = "http://localhost:5000/api"
	DefaultMaxFileSize       = 200 * 1024 * 1024
	DefaultAllowedExtensions = "jpg,jpeg,png,tiff,tif"
	DefaultPollInterval      = 2 * time.Second
)

// Load reads configuration from environment variables (and an optional .env
// file) and returns a validated Config. Every option has a default, so an
// empty environment yields a working local development setup.
func Load() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		API: APIConfig{
			BaseURL: strings.TrimRight(envString("HDRI_API_BASE_URL", DefaultBaseURL), "/"),
			Timeout: envDuration("HDRI_HTTP_TIMEOUT", 0),
		},
		Upload: UploadConfig{
			MaxFileSize:       envInt64("HDRI_MAX_FILE_SIZE", DefaultMaxFileSize),
			AllowedExtensions: ParseExtensions(envString("HDRI_ALLOWED_EXTENSIONS", DefaultAllowedExtensions)),
		},
		Tracking: TrackingConfig{
			PollInterval:    envDuration("HDRI_POLL_INTERVAL", DefaultPollInterval),
			RecentJobsLimit: envInt("HDRI_RECENT_JOBS_LIMIT", 10),
		},
		Console: ConsoleConfig{
			Port:           envInt("CONSOLE_PORT", 8080),
			Env:            envString("CONSOLE_ENV", "development"),
			KeyHash:        os.Getenv("CONSOLE_KEY_HASH"),
			RequestsPerMin: envInt("CONSOLE_RATE_LIMIT", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Cache: CacheConfig{
			TTL:     envDuration("CACHE_TTL", 30*time.Minute),
			MaxSize: envInt("CACHE_MAX_ENTRIES", 1024),
		},
		Debug:          envBool("HDRI_DEBUG", false),
		ErrorReporting: envBool("HDRI_ERROR_REPORTING", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("HDRI_API_BASE_URL must start with http:// or https://, got %q", c.API.BaseURL)
	}

	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("HDRI_MAX_FILE_SIZE must be positive, got %d", c.Upload.MaxFileSize)
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		return fmt.Errorf("HDRI_ALLOWED_EXTENSIONS must list at least one extension")
	}

	if c.Tracking.PollInterval <= 0 {
		return fmt.Errorf("HDRI_POLL_INTERVAL must be positive, got %s", c.Tracking.PollInterval)
	}
	if c.Tracking.RecentJobsLimit < 1 || c.Tracking.RecentJobsLimit > 100 {
		return fmt.Errorf("HDRI_RECENT_JOBS_LIMIT must be between 1 and 100, got %d", c.Tracking.RecentJobsLimit)
	}

	if c.Database.URL != "" && !strings.HasPrefix(c.Database.URL, "postgres://") && !strings.HasPrefix(c.Database.URL, "postgresql://") {
		return fmt.Errorf("DATABASE_URL must be a postgres:// URL")
	}
	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must be a redis:// URL")
	}

	return nil
}

// ParseExtensions splits a comma-separated extension list into lowercase
// entries without leading dots.
func ParseExtensions(list string) []string {
	var exts []string
	for _, e := range strings.Split(list, ",") {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			exts = append(exts, e)
		}
	}
	return exts
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

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
