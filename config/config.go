package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Target is one upstream host/port pair as read from the environment.
type Target struct {
	Host string
	Port string
}

type Config struct {
	Port string

	First  Target
	Second Target

	UploadDir string
	StaticDir string

	// UpstreamTimeout bounds each relayed request. Zero means no timeout.
	UpstreamTimeout time.Duration
	// MaxRequests caps numOfRequests. Zero means unbounded.
	MaxRequests int
	BodyLimit   int

	RateLimitMax    int
	RateLimitWindow time.Duration

	LogLevel string
}

// Load reads the optional .env file at envFile (ignored when missing) and
// then builds a Config from the process environment.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config using lookup to resolve variables.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return def
	}

	cfg := Config{
		Port: get("PORT", "8080"),
		First: Target{
			Host: get("FIRST_API_HOST", ""),
			Port: get("FIRST_API_PORT", ""),
		},
		Second: Target{
			Host: get("SECOND_API_HOST", ""),
			Port: get("SECOND_API_PORT", ""),
		},
		UploadDir: get("RELAY_UPLOAD_DIR", "uploads"),
		StaticDir: get("RELAY_STATIC_DIR", "resources"),
		LogLevel:  get("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.UpstreamTimeout, err = parseDuration("RELAY_UPSTREAM_TIMEOUT", get("RELAY_UPSTREAM_TIMEOUT", "0")); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitWindow, err = parseDuration("RELAY_RATE_LIMIT_WINDOW", get("RELAY_RATE_LIMIT_WINDOW", "10s")); err != nil {
		return Config{}, err
	}
	if cfg.MaxRequests, err = parseInt("RELAY_MAX_REQUESTS", get("RELAY_MAX_REQUESTS", "0")); err != nil {
		return Config{}, err
	}
	if cfg.BodyLimit, err = parseInt("RELAY_BODY_LIMIT", get("RELAY_BODY_LIMIT", "4194304")); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitMax, err = parseInt("RELAY_RATE_LIMIT_MAX", get("RELAY_RATE_LIMIT_MAX", "0")); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.Port
}

func parseInt(key, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, v)
	}
	return n, nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, v)
	}
	return d, nil
}
