package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServer(t *testing.T) {
	t.Run("should use the deployment defaults", func(t *testing.T) {
		cfg, err := LoadServer()
		require.NoError(t, err)

		assert.Equal(t, int64(1_000_000), cfg.StorageCapacity)
		assert.Equal(t, int64(100), cfg.CPUCapacity)
		assert.Equal(t, int64(10_000), cfg.BasePrice)
		assert.Equal(t, int64(1), cfg.ETA)
		assert.Equal(t, 40*time.Second, cfg.SnapshotInterval)
		assert.Equal(t, 3*time.Minute, cfg.SettleInterval)
		assert.Equal(t, time.Second, cfg.PollInterval)
		assert.Equal(t, ":12000", cfg.HTTPAddr)
	})

	t.Run("should read overrides from the environment", func(t *testing.T) {
		t.Setenv("CPU_CAPACITY", "250")
		t.Setenv("SETTLE_INTERVAL", "30s")
		t.Setenv("STORE", StoreMemory)

		cfg, err := LoadServer()
		require.NoError(t, err)
		assert.Equal(t, int64(250), cfg.CPUCapacity)
		assert.Equal(t, 30*time.Second, cfg.SettleInterval)
		assert.Equal(t, StoreMemory, cfg.Store)
	})

	t.Run("should fail on malformed numbers", func(t *testing.T) {
		t.Setenv("BASE_PRICE", "ten")

		_, err := LoadServer()
		assert.ErrorContains(t, err, "BASE_PRICE")
	})

	t.Run("should validate", func(t *testing.T) {
		cfg, err := LoadServer()
		require.NoError(t, err)
		assert.ErrorContains(t, cfg.Validate(), "JWT_SECRET")

		cfg.JWTSecret = "0123456789abcdef"
		assert.NoError(t, cfg.Validate())

		cfg.Store = "sqlite"
		cfg.PollInterval = 0
		err = cfg.Validate()
		assert.ErrorContains(t, err, "unknown store")
		assert.ErrorContains(t, err, "POLL_INTERVAL")
	})
}

func TestLoadMonitor(t *testing.T) {
	t.Run("should use the deployment defaults", func(t *testing.T) {
		cfg, err := LoadMonitor()
		require.NoError(t, err)
		assert.Equal(t, 2*time.Minute, cfg.ReportInterval)
		assert.Equal(t, 12000, cfg.ServerPort)
	})

	t.Run("should validate", func(t *testing.T) {
		t.Setenv("MONITOR_TOKEN", "token")
		t.Setenv("MONITOR_SUBNET", "192.168.1.0/24")

		cfg, err := LoadMonitor()
		require.NoError(t, err)
		assert.NoError(t, cfg.Validate())

		cfg.ServerURL = "http://example.com"
		cfg.Subnet = "nonsense"
		err = cfg.Validate()
		assert.ErrorContains(t, err, "SERVER_URL")
		assert.ErrorContains(t, err, "MONITOR_SUBNET")
	})
}
