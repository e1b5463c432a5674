package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen_addr": ":9090",
		"public_domain": "https://relay.example.com",
		"storage_root": "/srv/relay",
		"max_file_size": "500MB",
		"max_part_size": "100MB",
		"max_concurrent_packs": 2,
		"max_cpu_percent": 70
	}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "https://relay.example.com", cfg.PublicDomain)
	assert.Equal(t, "/srv/relay", cfg.StorageRoot)
	assert.Equal(t, int64(500*1024*1024), cfg.MaxFileSizeBytes())
	assert.Equal(t, int64(100*1024*1024), cfg.MaxPartSizeBytes())
	assert.Equal(t, 2, cfg.MaxConcurrentPacks)
	assert.Equal(t, 70.0, cfg.MaxCPUPercent)

	// unset fields get defaults
	assert.Equal(t, "./data/metadata.json", cfg.MetadataPath)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 1, cfg.MaxConcurrentPacks)
	assert.Equal(t, 80.0, cfg.MaxCPUPercent)
	assert.Equal(t, int64(2*1024*1024*1024), cfg.MaxFileSizeBytes())
	assert.Equal(t, int64(1900*1024*1024), cfg.MaxPartSizeBytes())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FILERELAY_LISTEN_ADDR", ":7070")
	t.Setenv("FILERELAY_MAX_FILE_SIZE", "1GB")
	t.Setenv("FILERELAY_MAX_CONCURRENT_PACKS", "3")

	cfg := LoadFromEnv()
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, int64(1024*1024*1024), cfg.MaxFileSizeBytes())
	assert.Equal(t, 3, cfg.MaxConcurrentPacks)
	assert.Equal(t, "http://localhost:8080", cfg.PublicDomain)
}
