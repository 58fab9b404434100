package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 24, cfg.Idempotency.TTLHours)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL())
	assert.Equal(t, BackendMemory, cfg.Idempotency.Backend)
	assert.Equal(t, 60, cfg.RateLimit.MaxRequests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window())
	assert.Equal(t, time.Minute, cfg.SLA.SweepInterval())
	assert.Equal(t, []string{"resolved"}, cfg.SLA.ExcludedStatuses)
	assert.Equal(t, 100, cfg.Tickets.ListMaxLimit)
	assert.Equal(t, 5*time.Second, cfg.Tickets.RepositoryTimeout())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("IDEMPOTENCY_TTL_HOURS", "1")
	t.Setenv("SLA_EXCLUDED_STATUSES", "resolved, closed")
	t.Setenv("RATE_LIMIT_MAX_REQUESTS", "5")
	t.Setenv("APP_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.Idempotency.TTL())
	assert.Equal(t, []string{"resolved", "closed"}, cfg.SLA.ExcludedStatuses)
	assert.Equal(t, 5, cfg.RateLimit.MaxRequests)
	assert.Equal(t, "0.0.0.0:9090", cfg.App.Addr())
}

func TestLoadEmptyExcludedStatuses(t *testing.T) {
	t.Setenv("SLA_EXCLUDED_STATUSES", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.SLA.ExcludedStatuses)
}

func TestValidateRedisBackendNeedsAddr(t *testing.T) {
	t.Setenv("RATE_LIMIT_BACKEND", "redis")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestValidateUnknownBackend(t *testing.T) {
	t.Setenv("IDEMPOTENCY_BACKEND", "etcd")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestLoadInvalidRedisDB(t *testing.T) {
	t.Setenv("REDIS_DB", "x")
	_, err := Load()
	assert.Error(t, err)
}
