// Package config loads the server configuration from defaults, an
// optional YAML file, a .env file and the environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "HOOKSERVER_"

var (
	ErrParsingConfig = errors.New("failed to parse configuration")
	ErrReadingFile   = errors.New("failed to read configuration file")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config holds all application configuration.
type Config struct {
	Host string `env:"HOST" yaml:"host"`
	Port int    `env:"PORT" yaml:"port"`
	Env  string `env:"ENV" yaml:"env"`

	LogLevel  string `env:"LOG_LEVEL" yaml:"logLevel"`
	LogFormat string `env:"LOG_FORMAT" yaml:"logFormat"`

	BodyLimit       int64  `env:"BODY_LIMIT" yaml:"bodyLimit"`
	RequestIDHeader string `env:"REQUEST_ID_HEADER" yaml:"requestIdHeader"`
	TrustProxy      bool   `env:"TRUST_PROXY" yaml:"trustProxy"`
	RequestLogging  bool   `env:"REQUEST_LOGGING" yaml:"requestLogging"`

	// HTTP2 serves cleartext HTTP/2 (h2c) next to HTTP/1.1
	HTTP2 bool `env:"HTTP2" yaml:"http2"`

	ReadTimeout     time.Duration `env:"READ_TIMEOUT" yaml:"readTimeout"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" yaml:"writeTimeout"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" yaml:"shutdownTimeout"`

	RateLimit RateLimit `envPrefix:"RATE_LIMIT_" yaml:"rateLimit"`

	// MetricsPath is the route serving Prometheus metrics, disabled if empty
	MetricsPath string `env:"METRICS_PATH" yaml:"metricsPath"`

	ConfigFile string `env:"CONFIG_FILE" yaml:"-"`
}

// RateLimit configures the per-client limiter. RPS 0 disables it.
type RateLimit struct {
	RPS     float64       `env:"RPS" yaml:"rps"`
	Burst   int           `env:"BURST" yaml:"burst"`
	IdleTTL time.Duration `env:"IDLE_TTL" yaml:"idleTTL"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8080,
		Env:             "development",
		LogLevel:        "info",
		LogFormat:       "json",
		BodyLimit:       1 << 20,
		RequestIDHeader: "request-id",
		RequestLogging:  true,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		RateLimit:       RateLimit{IdleTTL: 10 * time.Minute},
		MetricsPath:     "/metrics",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// HOOKSERVER_CONFIG_FILE if any, then the environment. A missing .env file
// is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Join(ErrParsingConfig, err)
	}

	cfg := Default()
	if path := os.Getenv(EnvPrefix + "CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ParseEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv overrides fields with the HOOKSERVER_* variables that are set
func (c *Config) ParseEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log format %q must be json or console", c.LogFormat))
	}
	if c.BodyLimit <= 0 {
		errs = append(errs, fmt.Errorf("body limit must be > 0, got %d", c.BodyLimit))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate limit values must not be negative"))
	}
	if c.MetricsPath != "" && c.MetricsPath[0] != '/' {
		errs = append(errs, fmt.Errorf("metrics path %q must start with '/'", c.MetricsPath))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown timeout must not be negative"))
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
