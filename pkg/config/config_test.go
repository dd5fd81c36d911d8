package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 9090
plugins:
  packageRoot: /var/lib/tidegate/plugins
`)

	cfg, err := Load(path, logrus.New())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/var/lib/tidegate/plugins", cfg.Plugins.PackageRoot)
	assert.Equal(t, "./plugin-config-data", cfg.Plugins.ConfigRoot)
	assert.Equal(t, 256, cfg.Plugins.MaxMemoryPages)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Monitoring.Path)
	assert.Equal(t, "local", cfg.Redis.Strategy)
	assert.Equal(t, time.Hour, cfg.Auth.AccessTokenTTL)
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), logrus.New())
	assert.Error(t, err)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 70000\n")
	_, err := Load(path, logrus.New())
	assert.Error(t, err)
}

func TestLoadRejectsUnknownRedisStrategy(t *testing.T) {
	path := writeConfigFile(t, "redis:\n  strategy: memcached\n")
	_, err := Load(path, logrus.New())
	assert.Error(t, err)
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	path := writeConfigFile(t, `
mongodb:
  enabled: true
  uri: mongodb://localhost:27017
  retention: 24h
redis:
  strategy: redis
  url: redis://localhost:6379
`)

	cfg, err := Load(path, logrus.New())
	require.NoError(t, err)

	assert.True(t, cfg.MongoDB.Enabled)
	assert.Equal(t, 24*time.Hour, cfg.MongoDB.Retention)
	assert.Equal(t, "redis", cfg.Redis.Strategy)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
}
