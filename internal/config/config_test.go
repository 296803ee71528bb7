package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "", cfg.Source)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Thresholds.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Thresholds.CacheTTL)
	assert.Equal(t, 32, cfg.Engine.MaxHydrationDepth)
	assert.Equal(t, 8, cfg.Engine.ProvisionParallelism)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
environment: PROD
db:
  host: db.internal
  port: 6543
thresholds:
  backend: redis
  cache_ttl: 30s
sweep:
  interval: 1m
auth:
  okta_domain: https://example.okta.com/oauth2/default/
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, configPath, cfg.Source)
	assert.False(t, cfg.IsDev())
	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, 6543, cfg.DB.Port)
	assert.Equal(t, "redis", cfg.Thresholds.Backend)
	assert.Equal(t, 30*time.Second, cfg.Thresholds.CacheTTL)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, "https://example.okta.com/oauth2/default", cfg.Auth.OktaDomain)
	assert.Contains(t, cfg.DatabaseURL(), "host=db.internal port=6543")
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CSWF_THRESHOLDS_BACKEND", "memory")
	t.Setenv("CSWF_DB_PASSWORD", "s3cret")
	t.Setenv("CSWF_SNAPSHOTS_URL", "http://customers.internal")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Thresholds.Backend)
	assert.Equal(t, "s3cret", cfg.DB.Password)
	assert.Equal(t, "http://customers.internal", cfg.Snapshots.URL)
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Thresholds.Backend = "etcd" }, wantErr: true},
		{name: "zero depth", mutate: func(c *Config) { c.Engine.MaxHydrationDepth = 0 }, wantErr: true},
		{name: "zero parallelism", mutate: func(c *Config) { c.Engine.ProvisionParallelism = 0 }, wantErr: true},
		{name: "sweep without interval", mutate: func(c *Config) { c.Sweep.Interval = 0 }, wantErr: true},
		{name: "disabled sweep without interval", mutate: func(c *Config) {
			c.Sweep.Enabled = false
			c.Sweep.Interval = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{}
			c.Thresholds.Backend = "postgres"
			c.Engine.MaxHydrationDepth = 32
			c.Engine.ProvisionParallelism = 4
			c.Sweep.Enabled = true
			c.Sweep.Interval = time.Minute
			tt.mutate(c)

			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
