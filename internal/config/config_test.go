package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/courier")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, int64(25_000_000), cfg.MaxAttachmentSize)
	assert.Equal(t, 800*time.Millisecond, cfg.WorkerPollInterval)
	assert.Equal(t, 60*time.Second, cfg.JobTimeout)
	assert.Equal(t, 3, cfg.JobMaxAttempts)
	assert.Equal(t, "@every 15s", cfg.ScanSchedule)
	assert.Equal(t, "none", cfg.WakeupDriver)
	assert.Error(t, cfg.RequireJWT())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "file:courier.db")
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("MAX_ATTACHMENT_SIZE", "8 MiB")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("JOB_TIMEOUT", "2m")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, int64(8<<20), cfg.MaxAttachmentSize)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 2*time.Minute, cfg.JobTimeout)
	assert.NoError(t, cfg.RequireJWT())
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing database url", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		_, err := Load()
		assert.ErrorIs(t, err, ErrMissingEnv)
	})
	t.Run("bad size", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "x")
		t.Setenv("MAX_ATTACHMENT_SIZE", "lots")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("postgres wakeup on sqlite", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "x")
		t.Setenv("DB_DRIVER", "sqlite")
		t.Setenv("WAKEUP_DRIVER", "postgres")
		_, err := Load()
		assert.Error(t, err)
	})
}
