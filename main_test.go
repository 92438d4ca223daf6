package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/pairline/internal/auth"
	"github.com/petervdpas/pairline/internal/config"
	"github.com/petervdpas/pairline/internal/storage"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.SQLitePath = filepath.Join(dir, "pairline.db")
	if mutate != nil {
		mutate(&cfg)
	}
	path := filepath.Join(dir, "pairline.json")
	require.NoError(t, config.Save(path, cfg))
	return path
}

func TestInitWritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairline.json")

	out, err := execute(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")
	_, err = os.Stat(path)
	require.NoError(t, err)

	out, err = execute(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestMigrate(t *testing.T) {
	path := writeConfig(t, nil)
	out, err := execute(t, "migrate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "up to date")
}

func TestMigrateResolvesRelativeDatabasePath(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.SQLitePath = "data/pairline.db"
	path := filepath.Join(dir, "pairline.json")
	require.NoError(t, config.Save(path, cfg))

	_, err := execute(t, "migrate", "-c", path)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "data", "pairline.db"))
	require.NoError(t, err)
}

func TestPremiumCommand(t *testing.T) {
	path := writeConfig(t, nil)
	_, err := execute(t, "premium", "alice", "-c", path)
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	db, err := storage.Open(cfg.Storage.SQLitePath)
	require.NoError(t, err)
	defer db.Close()
	ok, err := db.PremiumStatus(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = execute(t, "premium", "alice", "--until", "yesterday", "-c", path)
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, nil)
	_, err := execute(t, "token", "alice", "-c", path)
	assert.Error(t, err, "auth disabled")

	path = writeConfig(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.JWTSecret = "0123456789abcdef-secret"
	})
	out, err := execute(t, "token", "alice", "-c", path)
	require.NoError(t, err)

	v := auth.NewValidator("0123456789abcdef-secret", "pairline")
	assert.NoError(t, v.Verify(strings.TrimSpace(out), "alice"))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "pairline dev")
}
