package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shashank-H/gaiter-gaurd-sub000/pkg/config"
)

const validSecret = "a-secret-that-is-at-least-32-characters-long"

func TestLoadFailsWithoutDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ENCRYPTION_SECRET", validSecret)

	_, err := config.Load()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoadFailsWithShortSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/db")
	t.Setenv("ENCRYPTION_SECRET", "too-short")

	_, err := config.Load()
	assert.ErrorContains(t, err, "ENCRYPTION_SECRET")
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/db")
	t.Setenv("ENCRYPTION_SECRET", validSecret)
	t.Setenv("PORT", "")
	t.Setenv("RISK_THRESHOLD", "")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 0.5, cfg.RiskThreshold)
	assert.Equal(t, 10*1e9, float64(cfg.JudgeTimeout))
}

func TestLoadRejectsOutOfRangeThreshold(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/db")
	t.Setenv("ENCRYPTION_SECRET", validSecret)
	t.Setenv("RISK_THRESHOLD", "1.5")

	_, err := config.Load()
	assert.ErrorContains(t, err, "RISK_THRESHOLD")
}

func TestLoadParsesCORSOrigins(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/db")
	t.Setenv("ENCRYPTION_SECRET", validSecret)
	t.Setenv("CORS_ORIGINS", "https://a.tld, https://b.tld")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.tld", "https://b.tld"}, cfg.CORSOrigins)
}
