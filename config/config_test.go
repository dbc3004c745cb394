package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tipengine "github.com/tink-protocol/tipengine"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "avalanche-fuji", cfg.Network)
	assert.Equal(t, "exact", cfg.Scheme)
	assert.Equal(t, 300, cfg.MaxTimeoutSeconds)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, ":4021", cfg.Server.Addr)
	assert.False(t, cfg.Facilitator.Remote())

	engineCfg := cfg.EngineConfig()
	assert.Equal(t, tipengine.Network("avalanche-fuji"), engineCfg.Network)
	assert.Equal(t, 1, engineCfg.X402Version)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "tipengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
network: avalanche
session_ttl: 10m
facilitator:
  url: http://localhost:4022
  timeout: 5s
log:
  level: debug
  format: console
`), 0o600))

	t.Setenv("TIPENGINE_WEBHOOK_SECRET", "whsec")
	t.Setenv("TIPENGINE_SERVER_ADDR", ":9000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "avalanche", cfg.Network)
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 5*time.Second, cfg.Facilitator.Timeout)
	assert.True(t, cfg.Facilitator.Remote())
	assert.Equal(t, "whsec", cfg.WebhookSecret)
	assert.Equal(t, ":9000", cfg.Server.Addr)

	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TIPENGINE_CURRENCY=EURC\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TIPENGINE_CURRENCY") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "EURC", cfg.Currency)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"network", func(c *Config) { c.Network = "ethereum" }, "network"},
		{"scheme", func(c *Config) { c.Scheme = "upto" }, "scheme"},
		{"ttl", func(c *Config) { c.SessionTTL = 0 }, "session_ttl"},
		{"key without rpc", func(c *Config) { c.Facilitator.PrivateKey = "0x01" }, "rpc_url"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseSplit(t *testing.T) {
	shares, err := ParseSplit([]byte(`
shares:
  - name: Kitchen
    percentage: "70"
  - name: Floor
    percentage: 30
`))
	require.NoError(t, err)
	require.Len(t, shares, 2)
	assert.Equal(t, "Kitchen", shares[0].Name)
	assert.True(t, shares[1].Percentage.Equal(decimal.NewFromInt(30)))

	_, err = ParseSplit([]byte("shares:\n  - name: Only\n    percentage: \"50\"\n"))
	assert.Error(t, err)

	_, err = ParseSplit([]byte("shares:\n  - name: Bad\n    percentage: abc\n"))
	assert.Error(t, err)
}
