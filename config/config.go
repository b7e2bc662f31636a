package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	// Redis configuration
	RedisAddr            string
	RedisDB              int
	RedisStream          string
	RedisStreamCount     int
	RedisStreamMaxLength int64
	PublishEnabled       bool

	// Memcache configuration, empty means the in-process cache
	MemcacheAddr string

	// Postgres connection string, empty disables storage
	DatabaseURL string

	// Crawl configuration
	TargetsFile        string
	OutputDir          string
	CrawlInterval      time.Duration
	RunTimeout         time.Duration
	MaxParallelTargets int
	RequestTimeout     time.Duration
	MaxBodyBytes       int64
	ProxyURL           string

	// Monitor HTTP listener, empty disables it
	MonitorAddr string

	// Environment
	Environment string
}

// LoadDotEnv reads a .env file if one exists. Values already in the environment win.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

// LoadConfig loads the configuration from environment variables with defaults
func LoadConfig() *Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	streamCount, _ := strconv.Atoi(getEnv("REDIS_STREAM_COUNT", "1"))
	streamMaxLen, _ := strconv.ParseInt(getEnv("REDIS_STREAM_MAX_LENGTH", "10000"), 10, 64)
	crawlInterval, _ := strconv.Atoi(getEnv("CRAWL_INTERVAL_SECONDS", "0"))
	runTimeout, _ := strconv.Atoi(getEnv("RUN_TIMEOUT_SECONDS", "0"))
	maxParallel, _ := strconv.Atoi(getEnv("MAX_PARALLEL_TARGETS", "4"))
	requestTimeout, _ := strconv.Atoi(getEnv("REQUEST_TIMEOUT_SECONDS", "15"))
	maxBody, _ := strconv.ParseInt(getEnv("MAX_BODY_BYTES", "5242880"), 10, 64)
	publish, _ := strconv.ParseBool(getEnv("PUBLISH_ENABLED", "false"))

	return &Config{
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:              redisDB,
		RedisStream:          getEnv("REDIS_STREAM", "products"),
		RedisStreamCount:     streamCount,
		RedisStreamMaxLength: streamMaxLen,
		PublishEnabled:       publish,
		MemcacheAddr:         os.Getenv("MEMCACHE_ADDR"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		TargetsFile:          getEnv("TARGETS_FILE", "configs/targets.yaml"),
		OutputDir:            getEnv("OUTPUT_DIR", "output"),
		CrawlInterval:        time.Duration(crawlInterval) * time.Second,
		RunTimeout:           time.Duration(runTimeout) * time.Second,
		MaxParallelTargets:   maxParallel,
		RequestTimeout:       time.Duration(requestTimeout) * time.Second,
		MaxBodyBytes:         maxBody,
		ProxyURL:             os.Getenv("PROXY_URL"),
		MonitorAddr:          os.Getenv("MONITOR_ADDR"),
		Environment:          getEnv("CRAWL_ENVIRONMENT", "development"),
	}
}

// Validate checks the values that cannot be defaulted sensibly.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.TargetsFile) == "" {
		problems = append(problems, "TARGETS_FILE must be set")
	}
	if c.MaxParallelTargets < 1 {
		problems = append(problems, "MAX_PARALLEL_TARGETS must be at least 1")
	}
	if c.RequestTimeout <= 0 {
		problems = append(problems, "REQUEST_TIMEOUT_SECONDS must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		problems = append(problems, "MAX_BODY_BYTES must be positive")
	}
	if c.CrawlInterval < 0 || c.RunTimeout < 0 {
		problems = append(problems, "intervals cannot be negative")
	}
	if c.ProxyURL != "" {
		if u, err := url.Parse(c.ProxyURL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, "PROXY_URL must be an absolute URL")
		}
	}
	if c.PublishEnabled {
		if c.RedisAddr == "" || c.RedisStream == "" {
			problems = append(problems, "REDIS_ADDR and REDIS_STREAM are required when publishing")
		}
		if c.RedisStreamCount < 1 {
			problems = append(problems, "REDIS_STREAM_COUNT must be at least 1")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction reports whether the process runs in the production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
