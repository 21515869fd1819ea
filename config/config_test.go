package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV", "production")

	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "postgres", cfg.StoreBackend)
	assert.Equal(t, time.Hour, cfg.JWT.TTL)
	assert.Equal(t, 10*time.Second, cfg.Web.UpstreamTimeout)
	assert.Equal(t, "memory", cfg.Web.SessionBackend)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "none", cfg.MQ.Backend)
	assert.False(t, cfg.IsDev())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("JWT_TTL", "30m")
	t.Setenv("DB_USE_SSL", "true")
	t.Setenv("COOKIE_SECURE", "false")
	t.Setenv("UPSTREAM_TIMEOUT", "not-a-duration")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, ,http://b.test")

	cfg := LoadConfig()

	assert.Equal(t, 9090, cfg.ServerPort)
	assert.Equal(t, 30*time.Minute, cfg.JWT.TTL)
	assert.True(t, cfg.Database.UseSSL)
	assert.False(t, cfg.Web.CookieSecure)
	assert.Equal(t, 10*time.Second, cfg.Web.UpstreamTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSAllowedOrigins)
}
