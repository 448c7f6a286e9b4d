// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every runtime setting of the server.
type Config struct {
	Port            string
	DatabaseURL     string // empty: in-memory store
	RedisURL        string // empty: no quote cache
	JWTSecret       string
	JWTTTL          time.Duration
	StartingBalance decimal.Decimal
	TxTimeout       time.Duration
	QuoteAPIURL     string        // empty: simulator only
	QuoteCacheTTL   time.Duration // defaults to SimTick
	SimSeed         uint64
	SimTick         time.Duration
	ResetTokenTTL   time.Duration
	Development     bool // APP_ENV=development
	LogLevel        slog.Level
}

const devJWTSecret = "dev-secret-change-me"

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, applying defaults for
// unset variables.
func FromEnv(getenv func(string) string) (*Config, error) {
	c := &Config{
		Port:        get(getenv, "PORT", "8080"),
		DatabaseURL: getenv("DATABASE_URL"),
		RedisURL:    getenv("REDIS_URL"),
		JWTSecret:   get(getenv, "JWT_SECRET", devJWTSecret),
		QuoteAPIURL: getenv("QUOTE_API_URL"),
		Development: strings.EqualFold(get(getenv, "APP_ENV", "production"), "development"),
	}

	var errs []error
	c.JWTTTL = duration(getenv, "JWT_TTL", 24*time.Hour, &errs)
	c.TxTimeout = duration(getenv, "TX_TIMEOUT", 5*time.Second, &errs)
	c.SimTick = duration(getenv, "SIM_TICK", 5*time.Second, &errs)
	// A cached quote must not outlive the simulator tick the WebSocket
	// stream is showing.
	c.QuoteCacheTTL = duration(getenv, "QUOTE_CACHE_TTL", c.SimTick, &errs)
	c.ResetTokenTTL = duration(getenv, "RESET_TOKEN_TTL", time.Hour, &errs)

	bal, err := decimal.NewFromString(get(getenv, "STARTING_BALANCE", "10000"))
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("STARTING_BALANCE: %w", err))
	case bal.IsNegative():
		errs = append(errs, errors.New("STARTING_BALANCE: must not be negative"))
	default:
		c.StartingBalance = bal.Round(2)
	}

	if v := getenv("SIM_SEED"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("SIM_SEED: %w", err))
		}
		c.SimSeed = seed
	} else {
		c.SimSeed = uint64(time.Now().UnixNano())
	}

	if err := c.LogLevel.UnmarshalText([]byte(get(getenv, "LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	if c.TxTimeout <= 0 {
		errs = append(errs, errors.New("TX_TIMEOUT: must be positive"))
	}
	if c.SimTick <= 0 {
		errs = append(errs, errors.New("SIM_TICK: must be positive"))
	}
	if c.QuoteCacheTTL <= 0 {
		errs = append(errs, errors.New("QUOTE_CACHE_TTL: must be positive"))
	}
	if c.ResetTokenTTL <= 0 {
		errs = append(errs, errors.New("RESET_TOKEN_TTL: must be positive"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// InsecureJWTSecret reports whether the built-in development secret is in use.
func (c *Config) InsecureJWTSecret() bool {
	return c.JWTSecret == devJWTSecret
}

func get(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func duration(getenv func(string) string, key string, def time.Duration, errs *[]error) time.Duration {
	v := getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
