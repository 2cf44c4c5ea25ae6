package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"ENVIRONMENT", "PORT", "SWEEP_INTERVAL", "ROLE_CACHE_TTL", "ALLOW_HEADER_IDENTITY", "SEED_FLOWS", "ADMIN_ROLE"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "8099", cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.RoleCacheTTL)
	assert.Equal(t, "approval_admin", cfg.AdminRole)
	assert.True(t, cfg.AllowHeaderIdentity)
	assert.False(t, cfg.SeedFlows)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SWEEP_INTERVAL", "1m")
	t.Setenv("ROLE_CACHE_TTL", "not-a-duration")
	t.Setenv("SEED_FLOWS", "true")
	t.Setenv("STAFF_SERVICE_RPS", "5.5")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("ALLOW_HEADER_IDENTITY", "")

	cfg := Load()
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.RoleCacheTTL)
	assert.True(t, cfg.SeedFlows)
	assert.Equal(t, 5.5, cfg.StaffServiceRPS)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
	assert.False(t, cfg.AllowHeaderIdentity)
}

func TestParseStaticRoles(t *testing.T) {
	roles := ParseStaticRoles("alice=manager|finance; bob = finance ;broken;=orphan")
	assert.Equal(t, map[string][]string{
		"alice": {"manager", "finance"},
		"bob":   {"finance"},
	}, roles)
}

func TestDSN(t *testing.T) {
	cfg := &Config{DatabaseURL: "postgres://u:p@db:5432/approvals"}
	assert.Equal(t, "postgres://u:p@db:5432/approvals", cfg.DSN())

	t.Setenv("DB_HOST", "pg")
	t.Setenv("DB_PORT", "")
	t.Setenv("DB_USER", "approver")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_NAME", "")
	t.Setenv("DB_SSLMODE", "")
	cfg = &Config{}
	assert.Equal(t, "host=pg port=5432 user=approver password=secret dbname=approval_db sslmode=disable", cfg.DSN())
}
