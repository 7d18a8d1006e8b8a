package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"

	"github.com/metrocal/metrocal/internal/workorders"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	PGDSN       string `envconfig:"PG_DSN"`
	PGMaxConns  int32  `envconfig:"PG_MAX_CONNS" default:"10"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"false"`

	RedisAddr        string        `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	TrackingCacheTTL time.Duration `envconfig:"TRACKING_CACHE_TTL" default:"5m"`
	TrackingLocalTTL time.Duration `envconfig:"TRACKING_LOCAL_TTL" default:"15s"`

	PublicRateLimit int `envconfig:"PUBLIC_RATE_LIMIT" default:"30"`
	APIRateLimit    int `envconfig:"API_RATE_LIMIT" default:"120"`

	AccessKeyMaxAttempts int    `envconfig:"ACCESS_KEY_MAX_ATTEMPTS" default:"16"`
	PhasePolicy          string `envconfig:"PHASE_POLICY" default:"any"`

	DueScanCron     string `envconfig:"DUE_SCAN_CRON" default:"0 6 * * *"`
	DueScanLeadDays int    `envconfig:"DUE_SCAN_LEAD_DAYS" default:"30"`

	IdempotencyRetention   time.Duration `envconfig:"IDEMPOTENCY_RETENTION" default:"720h"`
	IdempotencyCleanupCron string        `envconfig:"IDEMPOTENCY_CLEANUP_CRON" default:"30 3 * * *"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"5"`
	// WorkerMetricsAddr serves the worker's /metrics and /health. Empty disables it.
	WorkerMetricsAddr string `envconfig:"WORKER_METRICS_ADDR" default:":9091"`
}

// LoadConfig reads configuration from an optional .env file and the
// environment. Variables already set in the environment win.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.PGDSN) == "" {
		errs = append(errs, errors.New("PG_DSN must be provided"))
	}
	if c.AccessKeyMaxAttempts <= 0 {
		errs = append(errs, errors.New("ACCESS_KEY_MAX_ATTEMPTS must be positive"))
	}
	if c.PublicRateLimit <= 0 || c.APIRateLimit <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.DueScanLeadDays < 0 {
		errs = append(errs, errors.New("DUE_SCAN_LEAD_DAYS must be >= 0"))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if _, err := cron.ParseStandard(c.DueScanCron); err != nil {
		errs = append(errs, fmt.Errorf("DUE_SCAN_CRON: %w", err))
	}
	if _, err := cron.ParseStandard(c.IdempotencyCleanupCron); err != nil {
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_CLEANUP_CRON: %w", err))
	}
	if _, err := workorders.ParsePhasePolicy(c.PhasePolicy); err != nil {
		errs = append(errs, fmt.Errorf("PHASE_POLICY: %w", err))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
