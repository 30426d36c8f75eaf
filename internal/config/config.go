// Package config loads server settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting of consent-server.
type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	GRPCAddr string `mapstructure:"GRPC_ADDR"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	JWTSigningKey string `mapstructure:"JWT_SIGNING_KEY"`

	DirectoryURL     string        `mapstructure:"DIRECTORY_URL"`
	DirectoryToken   string        `mapstructure:"DIRECTORY_TOKEN"`
	DirectoryTimeout time.Duration `mapstructure:"DIRECTORY_TIMEOUT"`

	GrantTTL       time.Duration `mapstructure:"GRANT_TTL"`
	OTPTTL         time.Duration `mapstructure:"OTP_TTL"`
	OTPDigits      int           `mapstructure:"OTP_DIGITS"`
	OTPMaxAttempts int           `mapstructure:"OTP_MAX_ATTEMPTS"`

	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepBatch    int           `mapstructure:"SWEEP_BATCH"`

	RedisURL      string        `mapstructure:"REDIS_URL"`
	RequestLimit  int           `mapstructure:"REQUEST_LIMIT"`
	RequestWindow time.Duration `mapstructure:"REQUEST_WINDOW"`

	AMQPURL       string `mapstructure:"AMQP_URL"`
	AMQPExchange  string `mapstructure:"AMQP_EXCHANGE"`
	NotifyWorkers int    `mapstructure:"NOTIFY_WORKERS"`
	NotifyQueue   int    `mapstructure:"NOTIFY_QUEUE"`
}

var defaults = map[string]any{
	"ENV":               "development",
	"LOG_LEVEL":         "info",
	"HTTP_ADDR":         ":8080",
	"GRPC_ADDR":         ":9090",
	"DATABASE_URL":      "",
	"DB_MAX_CONNS":      20,
	"DB_MIN_CONNS":      2,
	"JWT_SIGNING_KEY":   "",
	"DIRECTORY_URL":     "",
	"DIRECTORY_TOKEN":   "",
	"DIRECTORY_TIMEOUT": "5s",
	"GRANT_TTL":         "30m",
	"OTP_TTL":           "5m",
	"OTP_DIGITS":        6,
	"OTP_MAX_ATTEMPTS":  5,
	"SWEEP_INTERVAL":    "1m",
	"SWEEP_BATCH":       500,
	"REDIS_URL":         "",
	"REQUEST_LIMIT":     10,
	"REQUEST_WINDOW":    "1h",
	"AMQP_URL":          "",
	"AMQP_EXCHANGE":     "consent.notifications",
	"NOTIFY_WORKERS":    4,
	"NOTIFY_QUEUE":      256,
}

// Load reads the environment over defaults. A .env file in the working
// directory is read when present; env vars win over it.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
		_ = v.BindEnv(k)
	}
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSigningKey == "" {
		errs = append(errs, errors.New("JWT_SIGNING_KEY is required"))
	}
	if c.DirectoryURL == "" && !c.IsDev() {
		errs = append(errs, errors.New("DIRECTORY_URL is required"))
	}
	if c.DatabaseURL == "" && !c.IsDev() {
		errs = append(errs, errors.New("DATABASE_URL is required outside development"))
	}
	for name, d := range map[string]time.Duration{
		"GRANT_TTL":         c.GrantTTL,
		"OTP_TTL":           c.OTPTTL,
		"SWEEP_INTERVAL":    c.SweepInterval,
		"REQUEST_WINDOW":    c.RequestWindow,
		"DIRECTORY_TIMEOUT": c.DirectoryTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.OTPDigits < 4 || c.OTPDigits > 10 {
		errs = append(errs, fmt.Errorf("OTP_DIGITS must be within 4..10, got %d", c.OTPDigits))
	}
	if c.OTPMaxAttempts < 1 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be positive"))
	}
	if c.RequestLimit < 1 {
		errs = append(errs, errors.New("REQUEST_LIMIT must be positive"))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("DB_MIN_CONNS exceeds DB_MAX_CONNS"))
	}
	return errors.Join(errs...)
}

// IsDev reports whether ENV is development.
func (c *Config) IsDev() bool { return c.Env == "development" }
