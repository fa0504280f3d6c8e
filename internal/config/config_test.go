package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "4g", want: 4 << 30},
		{in: "512M", want: 512 << 20},
		{in: "16k", want: 16 << 10},
		{in: "1048576", want: 1 << 20},
		{in: " 2g ", want: 2 << 30},
		{in: "", wantErr: true},
		{in: "g", wantErr: true},
		{in: "-1m", wantErr: true},
		{in: "lots", wantErr: true},
	}

	for _, tc := range tests {
		got, err := ParseMemoryLimit(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Image, cfg.Image)
	assert.Equal(t, def.PidsLimit, cfg.PidsLimit)
	assert.Equal(t, def.UIDPoolSize, cfg.UIDPoolSize)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SANDBOX_DOCKER_IMAGE", "gradebox/base:latest")
	t.Setenv("SANDBOX_MEM_LIMIT", "2g")
	t.Setenv("SANDBOX_PIDS_LIMIT", "128")
	t.Setenv("SANDBOX_CPU_CORE_LIMIT", "1.5")
	t.Setenv("SANDBOX_ALLOW_NETWORK", "true")
	t.Setenv("SANDBOX_CREATE_TIMEOUT", "30")
	t.Setenv("SANDBOX_REDIS_HOST", "redis.internal")
	t.Setenv("SANDBOX_REDIS_PORT", "6380")
	t.Setenv("SANDBOX_UID_POOL_START", "3000")
	t.Setenv("SANDBOX_UID_POOL_SIZE", "16")
	t.Setenv("SANDBOX_UID_ACQUIRE_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "gradebox/base:latest", cfg.Image)
	assert.Equal(t, int64(2<<30), cfg.MemoryLimitBytes)
	assert.Equal(t, int64(128), cfg.PidsLimit)
	assert.Equal(t, 1.5, cfg.CPUCoreLimit)
	assert.True(t, cfg.AllowNetwork)
	assert.Equal(t, 30*time.Second, cfg.CreateTimeout)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr())
	assert.Equal(t, 3000, cfg.UIDPoolStart)
	assert.Equal(t, 16, cfg.UIDPoolSize)
	assert.Equal(t, 90*time.Second, cfg.AcquireTimeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("SANDBOX_PIDS_LIMIT", "zero")
	_, err := Load()
	assert.Error(t, err)
}
