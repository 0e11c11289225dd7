package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var ErrMissingEnv = errors.New("missing env")

type Config struct {
	HTTPAddr             string
	DBDriver             string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	JWTSecret string

	LogLevel  string
	LogFormat string

	StorageDir        string
	MaxAttachmentSize int64

	WorkerCount        int
	WorkerPollInterval time.Duration
	JobMaxAttempts     int
	JobTimeout         time.Duration
	ScanSchedule       string
	ScanBatch          int
	StaleAfter         time.Duration

	DeliveryTimeout time.Duration
	DeliveryRate    float64
	DeliveryBurst   int

	WakeupDriver    string
	ValkeyAddress   string
	ValkeyPassword  string
	ValkeyDB        int
	ValkeyKeyPrefix string
}

func defaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("CORS_ALLOW_CREDENTIALS", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("STORAGE_DIR", "storages/attachments")
	v.SetDefault("MAX_ATTACHMENT_SIZE", "25MB")
	v.SetDefault("WORKER_COUNT", 2)
	v.SetDefault("WORKER_POLL_INTERVAL", "800ms")
	v.SetDefault("JOB_MAX_ATTEMPTS", 3)
	v.SetDefault("JOB_TIMEOUT", "60s")
	v.SetDefault("SCAN_SCHEDULE", "@every 15s")
	v.SetDefault("SCAN_BATCH", 100)
	v.SetDefault("STALE_AFTER", "5m")
	v.SetDefault("DELIVERY_TIMEOUT", "30s")
	v.SetDefault("DELIVERY_RATE", 5)
	v.SetDefault("DELIVERY_BURST", 5)
	v.SetDefault("WAKEUP_DRIVER", "none")
	v.SetDefault("VALKEY_DB", 0)
	v.SetDefault("VALKEY_KEY_PREFIX", "courier:")
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	defaults(v)

	cfg := Config{
		HTTPAddr:             v.GetString("HTTP_ADDR"),
		DBDriver:             strings.ToLower(strings.TrimSpace(v.GetString("DB_DRIVER"))),
		DatabaseURL:          strings.TrimSpace(v.GetString("DATABASE_URL")),
		CORSAllowCredentials: v.GetBool("CORS_ALLOW_CREDENTIALS"),
		JWTSecret:            strings.TrimSpace(v.GetString("JWT_SECRET")),
		LogLevel:             v.GetString("LOG_LEVEL"),
		LogFormat:            v.GetString("LOG_FORMAT"),
		StorageDir:           v.GetString("STORAGE_DIR"),
		WorkerCount:          v.GetInt("WORKER_COUNT"),
		WorkerPollInterval:   v.GetDuration("WORKER_POLL_INTERVAL"),
		JobMaxAttempts:       v.GetInt("JOB_MAX_ATTEMPTS"),
		JobTimeout:           v.GetDuration("JOB_TIMEOUT"),
		ScanSchedule:         v.GetString("SCAN_SCHEDULE"),
		ScanBatch:            v.GetInt("SCAN_BATCH"),
		StaleAfter:           v.GetDuration("STALE_AFTER"),
		DeliveryTimeout:      v.GetDuration("DELIVERY_TIMEOUT"),
		DeliveryRate:         v.GetFloat64("DELIVERY_RATE"),
		DeliveryBurst:        v.GetInt("DELIVERY_BURST"),
		WakeupDriver:         strings.ToLower(v.GetString("WAKEUP_DRIVER")),
		ValkeyAddress:        v.GetString("VALKEY_ADDRESS"),
		ValkeyPassword:       v.GetString("VALKEY_PASSWORD"),
		ValkeyDB:             v.GetInt("VALKEY_DB"),
		ValkeyKeyPrefix:      v.GetString("VALKEY_KEY_PREFIX"),
	}

	for _, o := range strings.Split(v.GetString("CORS_ALLOWED_ORIGINS"), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%w: DATABASE_URL", ErrMissingEnv)
	}
	switch cfg.DBDriver {
	case "postgres", "sqlite":
	default:
		return Config{}, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", cfg.DBDriver)
	}
	switch cfg.WakeupDriver {
	case "none", "postgres", "valkey":
	default:
		return Config{}, fmt.Errorf("WAKEUP_DRIVER must be none, postgres or valkey, got %q", cfg.WakeupDriver)
	}
	if cfg.WakeupDriver == "postgres" && cfg.DBDriver != "postgres" {
		return Config{}, errors.New("WAKEUP_DRIVER=postgres needs DB_DRIVER=postgres")
	}
	if cfg.WakeupDriver == "valkey" && cfg.ValkeyAddress == "" {
		return Config{}, fmt.Errorf("%w: VALKEY_ADDRESS", ErrMissingEnv)
	}

	size, err := humanize.ParseBytes(v.GetString("MAX_ATTACHMENT_SIZE"))
	if err != nil {
		return Config{}, fmt.Errorf("MAX_ATTACHMENT_SIZE: %w", err)
	}
	cfg.MaxAttachmentSize = int64(size)

	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.JobMaxAttempts < 1 {
		cfg.JobMaxAttempts = 1
	}
	return cfg, nil
}

// RequireJWT reports a missing JWT_SECRET for commands that sign or verify
// tokens.
func (c Config) RequireJWT() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRET", ErrMissingEnv)
	}
	return nil
}
