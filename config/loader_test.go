package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, ":9091", cfg.Server.MetricsAddr)
	assert.Equal(t, int64(16<<20), cfg.Server.MaxFrameBytes)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, 32, cfg.Table.Shards)
	assert.Equal(t, 16, cfg.Table.DispatchWorkers)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, []string{"stdout"}, cfg.Log.OutputPaths)

	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "rendezvousd", cfg.Telemetry.ServiceName)

	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 30*time.Second, cfg.Redis.TTL)

	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, "sqlite", cfg.Database.Driver)

	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 32, cfg.Table.Shards)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "rendezvousd.yaml")

	yamlContent := `
server:
  listen_addr: ":7000"
  max_conns: 128
  write_timeout: 3s

table:
  shards: 64
  dispatch_workers: 4

log:
  level: debug
  format: console

redis:
  enabled: true
  addr: "redis-0:6379"
  ttl: 45s
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.ListenAddr)
	assert.Equal(t, 128, cfg.Server.MaxConns)
	assert.Equal(t, 3*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 64, cfg.Table.Shards)
	assert.Equal(t, 4, cfg.Table.DispatchWorkers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis-0:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Redis.TTL)

	// Untouched sections keep their defaults.
	assert.Equal(t, ":9091", cfg.Server.MetricsAddr)
	assert.Equal(t, 256, cfg.Table.DispatchQueue)
}

func TestLoader_EnvOverride(t *testing.T) {
	envVars := map[string]string{
		"RDZV_SERVER_LISTEN_ADDR":       ":7777",
		"RDZV_SERVER_MAX_FRAME_BYTES":   "1048576",
		"RDZV_SERVER_SHUTDOWN_TIMEOUT":  "30s",
		"RDZV_SERVER_FRAMES_PER_SECOND": "2.5",
		"RDZV_TABLE_SHARDS":             "8",
		"RDZV_LOG_LEVEL":                "warn",
		"RDZV_LOG_OUTPUT_PATHS":         "stdout, /var/log/rendezvousd.log",
		"RDZV_REDIS_ENABLED":            "true",
		"RDZV_DATABASE_DRIVER":          "postgres",
	}
	for k, v := range envVars {
		os.Setenv(k, v)
	}
	defer func() {
		for k := range envVars {
			os.Unsetenv(k)
		}
	}()

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.ListenAddr)
	assert.Equal(t, int64(1048576), cfg.Server.MaxFrameBytes)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 2.5, cfg.Server.FramesPerSecond)
	assert.Equal(t, 8, cfg.Table.Shards)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"stdout", "/var/log/rendezvousd.log"}, cfg.Log.OutputPaths)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "rendezvousd.yaml")

	yamlContent := `
server:
  listen_addr: ":7000"
log:
  level: debug
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	os.Setenv("RDZV_SERVER_LISTEN_ADDR", ":9999")
	defer os.Unsetenv("RDZV_SERVER_LISTEN_ADDR")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	// Environment beats the file, the file beats the defaults.
	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	os.Setenv("MYAPP_TABLE_SHARDS", "4")
	defer os.Unsetenv("MYAPP_TABLE_SHARDS")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Table.Shards)
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.Server.AuthSecret == "" {
			return assert.AnError
		}
		return nil
	}

	_, err := NewLoader().WithValidator(validator).Load()
	assert.Error(t, err)

	os.Setenv("RDZV_SERVER_AUTH_SECRET", "hunter2")
	defer os.Unsetenv("RDZV_SERVER_AUTH_SECRET")

	cfg, err := NewLoader().WithValidator(validator).Load()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Server.AuthSecret)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/rendezvousd.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoader_MalformedYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [not a map"), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

func TestLoader_BadEnvValue(t *testing.T) {
	os.Setenv("RDZV_TABLE_SHARDS", "lots")
	defer os.Unsetenv("RDZV_TABLE_SHARDS")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RDZV_TABLE_SHARDS")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults pass",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing listen addr",
			mutate:  func(c *Config) { c.Server.ListenAddr = "" },
			wantErr: "listen_addr",
		},
		{
			name:    "zero shards",
			mutate:  func(c *Config) { c.Table.Shards = 0 },
			wantErr: "shards",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log format",
		},
		{
			name:    "sample rate out of range",
			mutate:  func(c *Config) { c.Telemetry.SampleRate = 1.5 },
			wantErr: "sample_rate",
		},
		{
			name:    "tls cert without key",
			mutate:  func(c *Config) { c.Server.TLSCertFile = "server.crt" },
			wantErr: "tls_cert_file and tls_key_file",
		},
		{
			name: "tls pair passes",
			mutate: func(c *Config) {
				c.Server.TLSCertFile = "server.crt"
				c.Server.TLSKeyFile = "server.key"
			},
		},
		{
			name: "redis enabled without addr",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Addr = ""
			},
			wantErr: "redis addr",
		},
		{
			name: "bad database driver",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Driver = "oracle"
			},
			wantErr: "database driver",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{
		Driver: "postgres", Host: "db-0", Port: 5432,
		User: "rdzv", Password: "secret", Name: "exchanges", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=db-0 port=5432 user=rdzv password=secret dbname=exchanges sslmode=disable",
		pg.DSN(),
	)

	my := DatabaseConfig{
		Driver: "mysql", Host: "db-1", Port: 3306,
		User: "rdzv", Password: "secret", Name: "exchanges",
	}
	assert.Equal(t, "rdzv:secret@tcp(db-1:3306)/exchanges?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "/var/lib/rendezvous.db"}
	assert.Equal(t, "/var/lib/rendezvous.db", lite.DSN())

	unknown := DatabaseConfig{Driver: "oracle"}
	assert.Equal(t, "", unknown.DSN())
}
