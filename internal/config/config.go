package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName           = "SwiftBill"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultLockTTL           = 5 * time.Second
	defaultLockWait          = 2 * time.Second
	defaultFundingMin        = 100
	defaultFundingMax        = 1_000_000_00
	defaultSchedulerInterval = time.Minute
	defaultSchedulerRetries  = 3
	defaultReconcileAfter    = 10 * time.Minute
	defaultReconcileInterval = time.Minute
)

// Config captures application runtime configuration loaded from environment
// variables. DatabaseURL, RedisURL and KafkaBrokers are optional: outside of
// production the service falls back to in-memory stores and a log-only
// notifier so it can run with no infrastructure at all.
type Config struct {
	AppName  string
	AppEnv   string
	Port     string
	LogLevel string

	DatabaseURL  string
	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string

	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	LockTTL        time.Duration
	LockWait       time.Duration

	FundingMin int64
	FundingMax int64

	SchedulerInterval   time.Duration
	SchedulerMaxRetries int
	ReconcileAfter      time.Duration
	ReconcileInterval   time.Duration

	AdminKeyHash string
}

// Load reads configuration from the environment, merging in a local .env
// file when one is present.
func Load() (Config, error) {
	// Missing .env is the normal case in deployed environments.
	_ = godotenv.Load()

	cfg := Config{
		AppName:             getEnv("APP_NAME", defaultAppName),
		AppEnv:              getEnv("APP_ENV", defaultAppEnv),
		Port:                getEnv("PORT", defaultPort),
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		KafkaTopic:          getEnv("KAFKA_TOPIC", "swiftbill.notifications"),
		ShutdownPeriod:      defaultShutdownDelay,
		IdempotencyTTL:      defaultIdempotencyTTL,
		LockTTL:             defaultLockTTL,
		LockWait:            defaultLockWait,
		FundingMin:          defaultFundingMin,
		FundingMax:          defaultFundingMax,
		SchedulerInterval:   defaultSchedulerInterval,
		SchedulerMaxRetries: defaultSchedulerRetries,
		ReconcileAfter:      defaultReconcileAfter,
		ReconcileInterval:   defaultReconcileInterval,
		AdminKeyHash:        os.Getenv("ADMIN_KEY_HASH"),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	durations := []struct {
		envVar string
		target *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownPeriod},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL},
		{"LOCK_TTL", &cfg.LockTTL},
		{"LOCK_WAIT", &cfg.LockWait},
		{"SCHEDULER_INTERVAL", &cfg.SchedulerInterval},
		{"RECONCILE_AFTER", &cfg.ReconcileAfter},
		{"RECONCILE_INTERVAL", &cfg.ReconcileInterval},
	}
	for _, d := range durations {
		if v := os.Getenv(d.envVar); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.envVar, err)
			}
			*d.target = parsed
		}
	}

	amounts := []struct {
		envVar string
		target *int64
	}{
		{"FUNDING_MIN", &cfg.FundingMin},
		{"FUNDING_MAX", &cfg.FundingMax},
	}
	for _, a := range amounts {
		if v := os.Getenv(a.envVar); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", a.envVar, err)
			}
			*a.target = parsed
		}
	}

	if v := os.Getenv("SCHEDULER_MAX_RETRIES"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SCHEDULER_MAX_RETRIES: %w", err)
		}
		cfg.SchedulerMaxRetries = parsed
	}

	if cfg.AppEnv == "production" {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set in production")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set in production")
		}
	}

	return cfg, nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
