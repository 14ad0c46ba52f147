package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "BROWSERBASE_API_KEY", "BROWSERBASE_PROJECT_ID", "BROWSERBASE_SESSION_TIMEOUT",
		"CAPTURE_STALE_AFTER", "CAPTURE_SWEEP_INTERVAL", "CAPTURE_HEADER", "LEAGUE_RATE_LIMIT",
		"ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Empty(t, cfg.Server.AllowedOrigins)
	assert.False(t, cfg.Browser.Configured())
	assert.Equal(t, "us-east-1", cfg.Browser.Region)
	assert.True(t, cfg.Browser.KeepAlive)
	assert.Equal(t, 120*time.Second, cfg.Browser.SessionTimeout)
	assert.Equal(t, 1280, cfg.Browser.ViewportWidth)
	assert.Equal(t, 720, cfg.Browser.ViewportHeight)
	assert.Equal(t, 5*time.Minute, cfg.Capture.StaleAfter)
	assert.Equal(t, time.Minute, cfg.Capture.SweepInterval)
	assert.Equal(t, "x-api-authorization", cfg.Capture.HeaderName)
	assert.Equal(t, "draft.premierleague.com/api/", cfg.Capture.APIMatch)
	assert.Equal(t, 2.0, cfg.League.RateLimit)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("BROWSERBASE_API_KEY", " key ")
	t.Setenv("BROWSERBASE_PROJECT_ID", "proj")
	t.Setenv("BROWSERBASE_BASE_URL", "http://localhost:9999/")
	t.Setenv("BROWSERBASE_SESSION_TIMEOUT", "60")
	t.Setenv("CAPTURE_STALE_AFTER", "90s")
	t.Setenv("CAPTURE_SWEEP_INTERVAL", "0")
	t.Setenv("CAPTURE_HEADER", "X-Api-Authorization")
	t.Setenv("ALLOWED_ORIGINS", "https://draft.example, ,http://localhost:3000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://draft.example", "http://localhost:3000"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.Browser.Configured())
	assert.Equal(t, "key", cfg.Browser.APIKey)
	assert.Equal(t, "http://localhost:9999", cfg.Browser.BaseURL)
	assert.Equal(t, 60*time.Second, cfg.Browser.SessionTimeout)
	assert.Equal(t, 90*time.Second, cfg.Capture.StaleAfter)
	assert.Zero(t, cfg.Capture.SweepInterval)
	assert.Equal(t, "x-api-authorization", cfg.Capture.HeaderName)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":                        "80 80",
		"BROWSERBASE_SESSION_TIMEOUT": "soon",
		"CAPTURE_STALE_AFTER":         "-1m",
		"BROWSERBASE_KEEP_ALIVE":      "maybe",
		"LEAGUE_RATE_LIMIT":           "fast",
	}

	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
