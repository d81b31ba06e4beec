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

	assert.Equal(t, "nft-indexer", cfg.App.Name)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 10*time.Second, cfg.Ingest.PollInterval)
	assert.Equal(t, 6, cfg.Ingest.ConfirmationDepth)
	assert.Equal(t, 64, cfg.Ingest.MaxReorgDepth)
	assert.Equal(t, 200, cfg.Ingest.BatchSize)
	assert.Equal(t, 10, cfg.Resolver.Workers)
	assert.Equal(t, "https://gateway.pinata.cloud/ipfs/", cfg.Resolver.IPFSGateway)
	assert.Equal(t, 2*time.Minute, cfg.Resolver.SweepInterval)
	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Server.DefaultLimit)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
chain:
  node_url: "https://rpc.example.org"
  network_id: 31
ingest:
  confirmation_depth: 12
  batch_size: 50
server:
  port: 8080
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://rpc.example.org", cfg.Chain.NodeURL)
	assert.Equal(t, 31, cfg.Chain.NetworkID)
	assert.Equal(t, 12, cfg.Ingest.ConfirmationDepth)
	assert.Equal(t, 50, cfg.Ingest.BatchSize)
	assert.Equal(t, 8080, cfg.Server.Port)

	// Untouched sections keep their defaults.
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 10, cfg.Resolver.Workers)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHAIN_NODE_URL", "https://env.example.org")
	t.Setenv("DATABASE_URL", "postgres://indexer@localhost/indexer")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.org", cfg.Chain.NodeURL)
	assert.Equal(t, "postgres://indexer@localhost/indexer", cfg.Storage.ConnectionString)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node url", func(c *Config) { c.Chain.NodeURL = "" }},
		{"missing marketplace address", func(c *Config) { c.Chain.MarketplaceAddress = "" }},
		{"missing nft address", func(c *Config) { c.Chain.NFTAddress = "" }},
		{"missing connection string", func(c *Config) { c.Storage.ConnectionString = "" }},
		{"zero poll interval", func(c *Config) { c.Ingest.PollInterval = 0 }},
		{"negative confirmation depth", func(c *Config) { c.Ingest.ConfirmationDepth = -1 }},
		{"zero max reorg depth", func(c *Config) { c.Ingest.MaxReorgDepth = 0 }},
		{"zero resolver workers", func(c *Config) { c.Resolver.Workers = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
