package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string
	Env  string

	StoreDriver string // "postgres" or "memory"
	DBDSN       string

	JWTSecret string
	JWTIssuer string

	BusDriver     string // "redis" or "local"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisChannel  string
	CacheTTL      time.Duration

	MaxContentLength     int
	DefaultPageSize      int
	MaxPageSize          int
	ConversationPageSize int

	AuthTimeout    time.Duration
	SendTimeout    time.Duration
	SummaryTimeout time.Duration
	SendBuffer     int
	RegistryShards int
	ReorderWindow  time.Duration

	CORSOrigins []string
}

// Load reads the configuration from the environment. Callers load .env first.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:          getenv("APP_ADDR", ":8080"),
		Env:           getenv("APP_ENV", "production"),
		StoreDriver:   getenv("STORE_DRIVER", "postgres"),
		DBDSN:         os.Getenv("DB_DSN"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		JWTIssuer:     getenv("JWT_ISSUER", "go-chat-app"),
		BusDriver:     getenv("BUS_DRIVER", "redis"),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisChannel:  getenv("REDIS_CHANNEL", "chat:messages"),
		CORSOrigins:   splitList(getenv("CORS_ORIGINS", "http://localhost:3000")),
	}

	var err error
	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"REDIS_DB", 0, &cfg.RedisDB},
		{"MAX_CONTENT_LENGTH", 2000, &cfg.MaxContentLength},
		{"DEFAULT_PAGE_SIZE", 50, &cfg.DefaultPageSize},
		{"MAX_PAGE_SIZE", 100, &cfg.MaxPageSize},
		{"CONVERSATION_PAGE_SIZE", 20, &cfg.ConversationPageSize},
		{"WS_SEND_BUFFER", 256, &cfg.SendBuffer},
		{"REGISTRY_SHARDS", 64, &cfg.RegistryShards},
	}
	for _, v := range ints {
		if *v.dest, err = intEnv(v.key, v.def); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"CACHE_TTL", 10 * time.Minute, &cfg.CacheTTL},
		{"AUTH_TIMEOUT", 10 * time.Second, &cfg.AuthTimeout},
		{"SEND_TIMEOUT", 5 * time.Second, &cfg.SendTimeout},
		{"SUMMARY_TIMEOUT", 3 * time.Second, &cfg.SummaryTimeout},
		{"REORDER_WINDOW", 500 * time.Millisecond, &cfg.ReorderWindow},
	}
	for _, v := range durations {
		if *v.dest, err = durationEnv(v.key, v.def); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	switch c.StoreDriver {
	case "postgres":
		if c.DBDSN == "" {
			return errors.New("DB_DSN is not set")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.BusDriver {
	case "redis", "local":
	default:
		return fmt.Errorf("unknown BUS_DRIVER %q", c.BusDriver)
	}
	if c.MaxContentLength <= 0 || c.MaxPageSize <= 0 || c.SendBuffer <= 0 || c.RegistryShards <= 0 {
		return errors.New("sizes must be positive")
	}
	if c.DefaultPageSize > c.MaxPageSize {
		c.DefaultPageSize = c.MaxPageSize
	}
	return nil
}

// Development reports whether the service runs with developer logging.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// UseRedis reports whether any component needs a Redis connection.
func (c *Config) UseRedis() bool {
	return c.BusDriver == "redis"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
