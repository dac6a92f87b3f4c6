// Package config loads gateway configuration from the process
// environment. Startup fails fast: a missing or invalid required
// variable is a config error, not a per-request condition to recover
// from later.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived setting the gateway needs.
type Config struct {
	Port string

	DatabaseURL string

	EncryptionSecret string
	EncryptionSalt   string

	RiskThreshold float64
	JudgeBaseURL  string
	JudgeAPIKey   string
	JudgeModel    string
	JudgeTimeout  time.Duration

	ApprovalExecuteTTL time.Duration

	RedisAddr     string
	RedisPassword string

	CORSOrigins []string

	DashboardJWTSecret string

	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads Config from the environment, returning an error on any
// missing required variable or malformed value.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getenvDefault("PORT", "8080"),
		EncryptionSalt:      getenvDefault("ENCRYPTION_SALT", "gaiterguard-default-salt-v1"),
		JudgeModel:          os.Getenv("JUDGE_MODEL"),
		JudgeBaseURL:        os.Getenv("JUDGE_BASE_URL"),
		JudgeAPIKey:         os.Getenv("JUDGE_API_KEY"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RiskThreshold:       0.5,
		JudgeTimeout:        10 * time.Second,
		ApprovalExecuteTTL:  time.Hour,
		DashboardJWTSecret:  os.Getenv("DASHBOARD_JWT_SECRET"),
		RateLimitRPS:        5,
		RateLimitBurst:      10,
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}

	cfg.EncryptionSecret = os.Getenv("ENCRYPTION_SECRET")
	if len(cfg.EncryptionSecret) < 32 {
		return nil, fmt.Errorf("config: ENCRYPTION_SECRET is required and must be at least 32 characters")
	}

	if raw := os.Getenv("RISK_THRESHOLD"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			return nil, fmt.Errorf("config: RISK_THRESHOLD must be a number between 0 and 1, got %q", raw)
		}
		cfg.RiskThreshold = v
	}

	if raw := os.Getenv("JUDGE_TIMEOUT_MS"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("config: JUDGE_TIMEOUT_MS must be a positive integer, got %q", raw)
		}
		cfg.JudgeTimeout = time.Duration(ms) * time.Millisecond
	}

	if raw := os.Getenv("APPROVAL_EXECUTE_TTL_HOURS"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			return nil, fmt.Errorf("config: APPROVAL_EXECUTE_TTL_HOURS must be a positive integer, got %q", raw)
		}
		cfg.ApprovalExecuteTTL = time.Duration(hours) * time.Hour
	}

	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
