package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad addr", func(c *Config) { c.Server.HTTPAddr = "nope" }, "server.http_addr"},
		{"queue", func(c *Config) { c.Server.SendQueue = 0 }, "server.send_queue"},
		{"short secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "x" }, "auth.jwt_secret"},
		{"ring timeout", func(c *Config) { c.Calls.RingTimeoutSec = 1 }, "calls.ring_timeout_sec"},
		{"ice scheme", func(c *Config) { c.Calls.ICEServers = []ICEServer{{URLs: []string{"http://x"}}} }, "calls.ice_servers[0]"},
		{"postgres dsn", func(c *Config) { c.Accounts.Provider = ProviderPostgres }, "accounts.postgres_dsn"},
		{"remote url", func(c *Config) { c.Accounts.Provider = ProviderRemote; c.Accounts.RemoteURL = "ftp://x" }, "accounts.remote_url"},
		{"provider", func(c *Config) { c.Accounts.Provider = "redis" }, "accounts.provider"},
		{"origin", func(c *Config) { c.Server.AllowedOrigins = []string{"example.com"} }, "server.allowed_origins"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairline.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"chat":{"max_body_len":120}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Chat.MaxBodyLen)
	assert.Equal(t, Default().Calls.RingTimeoutSec, cfg.Calls.RingTimeoutSec)
}

func TestLoadPartialSkipsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairline.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server":{"send_queue":0}}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)

	cfg, err := LoadPartial(path)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Server.SendQueue)
}

func TestLoadResolvesPathsAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(t.TempDir(), "words.txt")
	path := filepath.Join(dir, "pairline.json")
	body := `{"storage":{"sqlite_path":"data/p.db"},"sanitizer":{"wordlist_path":"` + filepath.ToSlash(abs) + `"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "p.db"), cfg.Storage.SQLitePath)
	assert.Equal(t, filepath.Clean(abs), cfg.Sanitizer.WordlistPath)
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pairline.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default().Server.HTTPAddr, cfg.Server.HTTPAddr)

	_, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
}
