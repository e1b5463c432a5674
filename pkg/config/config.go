package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"filerelay/pkg/utils"
)

// Config is the whole service configuration. Size fields are
// human-friendly strings ("2GB", "100MB"); use the *Bytes accessors.
type Config struct {
	ListenAddr         string  `json:"listen_addr"`
	PublicDomain       string  `json:"public_domain"`
	StorageRoot        string  `json:"storage_root"`
	MetadataPath       string  `json:"metadata_path"`
	MaxFileSize        string  `json:"max_file_size"`
	MaxPartSize        string  `json:"max_part_size"`
	MaxConcurrentPacks int     `json:"max_concurrent_packs"`
	MaxCPUPercent      float64 `json:"max_cpu_percent"`
}

const (
	defaultMaxFileSize = 2 * 1024 * 1024 * 1024 // 2GB
	defaultMaxPartSize = 1900 * 1024 * 1024     // below common upload caps
)

// MaxFileSizeBytes is the per-file intake cap in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return utils.ParseDataSizeWithDefault(c.MaxFileSize, defaultMaxFileSize)
}

// MaxPartSizeBytes caps the per-part size of split archives.
func (c *Config) MaxPartSizeBytes() int64 {
	return utils.ParseDataSizeWithDefault(c.MaxPartSize, defaultMaxPartSize)
}

// LoadConfig reads a JSON config file and fills in defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv builds a config from FILERELAY_* environment variables,
// with defaults for anything unset.
func LoadFromEnv() *Config {
	cfg := &Config{
		ListenAddr:   getEnv("FILERELAY_LISTEN_ADDR", ""),
		PublicDomain: getEnv("FILERELAY_PUBLIC_DOMAIN", ""),
		StorageRoot:  getEnv("FILERELAY_STORAGE_ROOT", ""),
		MetadataPath: getEnv("FILERELAY_METADATA_PATH", ""),
		MaxFileSize:  getEnv("FILERELAY_MAX_FILE_SIZE", ""),
		MaxPartSize:  getEnv("FILERELAY_MAX_PART_SIZE", ""),
	}
	if v := os.Getenv("FILERELAY_MAX_CONCURRENT_PACKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentPacks = n
		}
	}
	if v := os.Getenv("FILERELAY_MAX_CPU_PERCENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MaxCPUPercent = f
		}
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads path when given, otherwise falls back to the environment.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromEnv(), nil
	}
	return LoadConfig(path)
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.PublicDomain == "" {
		c.PublicDomain = "http://localhost:8080"
	}
	if c.StorageRoot == "" {
		c.StorageRoot = "./data/storage"
	}
	if c.MetadataPath == "" {
		c.MetadataPath = "./data/metadata.json"
	}
	if c.MaxConcurrentPacks <= 0 {
		c.MaxConcurrentPacks = 1
	}
	if c.MaxCPUPercent <= 0 {
		c.MaxCPUPercent = 80
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
