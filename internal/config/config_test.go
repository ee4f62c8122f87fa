package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points config and home lookups at empty temp directories.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	return home
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	dataDir := filepath.Join(home, ".todosync")
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dataDir, "todosync.db"), cfg.DBPath)
	assert.Equal(t, RemoteDir, cfg.Remote.Backend)
	assert.Equal(t, filepath.Join(dataDir, "remote"), cfg.Remote.Dir)
	assert.Equal(t, QueueMemory, cfg.Queue.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.PollInterval)
	assert.Zero(t, cfg.Dashboard.Port)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Empty(t, cfg.File)
}

func TestLoad_FileInConfigDir(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".config", "todosync")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "todosync.yaml"), []byte(`
data_dir: /var/lib/todosync
remote:
  backend: redis
  redis_url: redis://cache:6379/2
dashboard:
  port: 8088
watch:
  poll_interval: 2s
`), 0644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "todosync.yaml"), cfg.File)
	assert.Equal(t, "/var/lib/todosync/todosync.db", cfg.DBPath)
	assert.Equal(t, RemoteRedis, cfg.Remote.Backend)
	assert.Equal(t, "redis://cache:6379/2", cfg.Remote.RedisURL)
	assert.Equal(t, 8088, cfg.Dashboard.Port)
	assert.Equal(t, 2*time.Second, cfg.Watch.PollInterval)
}

func TestLoad_ExplicitTOML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[queue]
backend = "rabbitmq"
amqp_url = "amqp://user:pass@mq:5672/"

[log]
level = "debug"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, QueueRabbitMQ, cfg.Queue.Backend)
	assert.Equal(t, "amqp://user:pass@mq:5672/", cfg.Queue.AMQPURL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "todosync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("remote:\n  backend: redis\n"), 0644))
	t.Setenv("TODOSYNC_REMOTE_BACKEND", "memory")
	t.Setenv("TODOSYNC_TELEMETRY_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, RemoteMemory, cfg.Remote.Backend)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Remote: RemoteConfig{Backend: RemoteDir},
			Queue:  QueueConfig{Backend: QueueMemory},
			Watch:  WatchConfig{PollInterval: time.Second},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "valid", mutate: func(*Config) {}, ok: true},
		{name: "unknown remote", mutate: func(c *Config) { c.Remote.Backend = "gdrive" }},
		{name: "unknown queue", mutate: func(c *Config) { c.Queue.Backend = "kafka" }},
		{name: "port out of range", mutate: func(c *Config) { c.Dashboard.Port = 70000 }},
		{name: "zero poll interval", mutate: func(c *Config) { c.Watch.PollInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
