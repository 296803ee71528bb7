package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cs-workflows/backend/internal/config"
	"cs-workflows/backend/internal/logging"
	"cs-workflows/backend/pkg/models"
)

func liteConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.Server.Lite = true
	cfg.Observability.Enabled = false
	cfg.Snapshots.URL = ""
	cfg.Thresholds.Backend = "postgres"
	cfg.Thresholds.SQLDriver = "sqlite"
	cfg.Thresholds.SQLDSN = "file:" + filepath.Join(t.TempDir(), "thresholds.db")
	return cfg
}

func TestBuildApp_LiteUsesSQLiteThresholds(t *testing.T) {
	ctx := context.Background()
	cfg := liteConfig(t)

	a, err := buildApp(ctx, cfg, logging.NewNop())
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.Nil(t, a.postgres)
	require.NoError(t, a.cache.Update(ctx, models.ThresholdRiskScoreMin, "75"))
	assert.Equal(t, 75.0, a.cache.Get(ctx).RiskScoreMin)

	// a second app on the same file sees the stored value
	b, err := buildApp(ctx, cfg, logging.NewNop())
	require.NoError(t, err)
	defer b.Close(ctx)
	assert.Equal(t, 75.0, b.cache.Get(ctx).RiskScoreMin)
}

func TestBuildApp_MemoryThresholds(t *testing.T) {
	ctx := context.Background()
	cfg := liteConfig(t)
	cfg.Thresholds.Backend = "memory"

	a, err := buildApp(ctx, cfg, logging.NewNop())
	require.NoError(t, err)
	defer a.Close(ctx)

	assert.Equal(t, models.DefaultThresholds().RiskScoreMin, a.cache.Get(ctx).RiskScoreMin)
	report, err := a.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Woken)
}

func TestEnsureCert_RequiresFiles(t *testing.T) {
	cfg := liteConfig(t)
	cfg.TLS.Enable = true
	assert.Error(t, ensureCert(cfg, logging.NewNop()))

	dir := t.TempDir()
	cfg.TLS.CertFile = filepath.Join(dir, "server.crt")
	cfg.TLS.KeyFile = filepath.Join(dir, "server.key")
	cfg.TLS.Hostnames = []string{"localhost"}
	assert.NoError(t, ensureCert(cfg, logging.NewNop()))
	assert.FileExists(t, cfg.TLS.CertFile)
}

func TestRootCommand(t *testing.T) {
	root := newRootCommand()
	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "sweep"})
	assert.NotNil(t, root.PersistentFlags().Lookup("lite"))
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
