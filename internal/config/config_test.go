package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 256, cfg.WorkerPoolSize)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.Decoys)
	assert.Empty(t, cfg.TrustedProxies)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("LOBBY_REDIS_ADDR", "redis:6380")
	t.Setenv("LOBBY_DATABASE_URL", "postgres://lobby@db/lobby")
	t.Setenv("LOBBY_WRITE_TIMEOUT", "2s")
	t.Setenv("LOBBY_DECOYS", "Lea,Chloe,Manon")
	t.Setenv("LOBBY_TRUSTED_PROXIES", "10.0.0.1,172.16.0.0/12")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis:6380", cfg.RedisAddr)
	assert.Equal(t, "postgres://lobby@db/lobby", cfg.DatabaseURL)
	assert.Equal(t, 2*time.Second, cfg.WriteTimeout)
	assert.Equal(t, []string{"Lea", "Chloe", "Manon"}, cfg.Decoys)
	assert.Equal(t, []string{"10.0.0.1", "172.16.0.0/12"}, cfg.TrustedProxies)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("LOBBY_WORKER_POOL_SIZE", "0")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Unparseable(t *testing.T) {
	t.Setenv("LOBBY_READ_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidTrustedProxy(t *testing.T) {
	for _, v := range []string{"lb.internal", "10.0.0.0/33"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv("LOBBY_TRUSTED_PROXIES", v)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
