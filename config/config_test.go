package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3215", cfg.Server.TCPAddr)
	assert.Equal(t, 120*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "chatrelay.db", cfg.Store.SQLitePath)
	assert.False(t, cfg.Delivery.PersistOnPushFailure)
	assert.Equal(t, "chatrelay.presence", cfg.NATS.PresenceSubject)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_SERVER_TCP_ADDR", ":4000")
	t.Setenv("RELAY_STORE_SQLITE_PATH", "/tmp/other.db")
	t.Setenv("RELAY_SERVER_READ_TIMEOUT", "5s")
	t.Setenv("RELAY_DELIVERY_PERSIST_ON_PUSH_FAILURE", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Server.TCPAddr)
	assert.Equal(t, "/tmp/other.db", cfg.Store.SQLitePath)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Delivery.PersistOnPushFailure)
}

func TestLoadEncryptionKeyAlias(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "abcd")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "abcd", cfg.Crypto.EncryptionKey)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
server:
  tcp_addr: ":5000"
  write_timeout: 3s
store:
  driver: redis
  redis_addr: "cache:6379"
  redis_db: 4
logging:
  level: debug
  format: text
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":5000", cfg.Server.TCPAddr)
	assert.Equal(t, 3*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "cache:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 4, cfg.Store.RedisDB)
	assert.Equal(t, "text", cfg.Logging.Format)
	// untouched keys keep their defaults
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"no listeners", func(c *Config) { c.Server.TCPAddr, c.Server.HTTPAddr = "", "" }},
		{"zero send buffer", func(c *Config) { c.Server.SendBuffer = 0 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
