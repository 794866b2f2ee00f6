// Package config holds witnessd's runtime configuration: a Config struct
// with a DefaultConfig constructor, overridden by environment variables at
// startup. There is no external file format and no command-line flags —
// env vars are the configuration boundary, as in the teacher's
// daemon/config package.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/witness-protocol/core/internal/validation"
)

// Config holds witnessd's runtime configuration.
type Config struct {
	// RESTAddress is where the local control API (session start/stop,
	// discovery, playback) listens.
	RESTAddress string

	// ObservabilityAddress is where /metrics, /health, and pprof are served.
	ObservabilityAddress string

	// DataDirectory roots SecureStore, the upload queue's bolt file, and
	// the local object store cache.
	DataDirectory string

	// ChainID and RegistryAddress are the chain a GroupInvite must match
	// to be accepted (spec §6).
	ChainID         uint64
	RegistryAddress string

	// RPCEndpoint is the JSON-RPC endpoint the on-chain Registry client
	// submits transactions and reads state against.
	RPCEndpoint string

	ChunkSizeBytes    int64
	WorkerCount       int
	QueueDepth        int
	UploadRatePerSec  float64
	UploadBurst       int
	MinFreeDiskBytes  int64
	DiscoveryCacheTTL int // seconds
}

// DefaultConfig returns the baseline configuration before environment
// overrides are applied.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "witnessd")

	return &Config{
		RESTAddress:          "127.0.0.1:8787",
		ObservabilityAddress: "127.0.0.1:9091",
		DataDirectory:     dataDir,
		ChainID:           84532, // Base Sepolia, matching spec's example scenario
		RegistryAddress:   "0x00000000000000000000000000000000000000",
		RPCEndpoint:       "https://sepolia.base.org",
		ChunkSizeBytes:    1 << 20, // 1 MiB
		WorkerCount:       4,
		QueueDepth:        64,
		UploadRatePerSec:  8,
		UploadBurst:       16,
		MinFreeDiskBytes:  500 << 20, // 500 MiB, spec §4.1 storage-pressure floor
		DiscoveryCacheTTL: 60,
	}
}

// LoadFromEnv applies WITNESSD_-prefixed environment variable overrides
// on top of DefaultConfig, returning an error on any field that fails to
// parse rather than silently keeping the default.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("WITNESSD_REST_ADDRESS"); ok {
		cfg.RESTAddress = v
	}
	if v, ok := os.LookupEnv("WITNESSD_OBSERVABILITY_ADDRESS"); ok {
		cfg.ObservabilityAddress = v
	}
	if v, ok := os.LookupEnv("WITNESSD_DATA_DIR"); ok {
		cfg.DataDirectory = v
	}
	if v, ok := os.LookupEnv("WITNESSD_REGISTRY_ADDRESS"); ok {
		cfg.RegistryAddress = v
	}
	if v, ok := os.LookupEnv("WITNESSD_RPC_ENDPOINT"); ok {
		cfg.RPCEndpoint = v
	}

	if err := overrideUint64(&cfg.ChainID, "WITNESSD_CHAIN_ID"); err != nil {
		return nil, err
	}
	if err := overrideInt64(&cfg.ChunkSizeBytes, "WITNESSD_CHUNK_SIZE_BYTES"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.WorkerCount, "WITNESSD_WORKER_COUNT"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.QueueDepth, "WITNESSD_QUEUE_DEPTH"); err != nil {
		return nil, err
	}
	if err := overrideFloat64(&cfg.UploadRatePerSec, "WITNESSD_UPLOAD_RATE_PER_SEC"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.UploadBurst, "WITNESSD_UPLOAD_BURST"); err != nil {
		return nil, err
	}
	if err := overrideInt64(&cfg.MinFreeDiskBytes, "WITNESSD_MIN_FREE_DISK_BYTES"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.DiscoveryCacheTTL, "WITNESSD_DISCOVERY_CACHE_TTL"); err != nil {
		return nil, err
	}

	if err := validation.ValidateAddr(cfg.RESTAddress); err != nil {
		return nil, fmt.Errorf("WITNESSD_REST_ADDRESS: %w", err)
	}
	if err := validation.ValidateAddr(cfg.ObservabilityAddress); err != nil {
		return nil, fmt.Errorf("WITNESSD_OBSERVABILITY_ADDRESS: %w", err)
	}
	if err := validation.ValidateFilePath(cfg.DataDirectory, false); err != nil {
		return nil, fmt.Errorf("WITNESSD_DATA_DIR: %w", err)
	}

	return cfg, nil
}

func overrideUint64(dst *uint64, envVar string) error {
	v, ok := os.LookupEnv(envVar)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", envVar, err)
	}
	*dst = parsed
	return nil
}

func overrideInt64(dst *int64, envVar string) error {
	v, ok := os.LookupEnv(envVar)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", envVar, err)
	}
	*dst = parsed
	return nil
}

func overrideInt(dst *int, envVar string) error {
	v, ok := os.LookupEnv(envVar)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", envVar, err)
	}
	*dst = parsed
	return nil
}

func overrideFloat64(dst *float64, envVar string) error {
	v, ok := os.LookupEnv(envVar)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", envVar, err)
	}
	*dst = parsed
	return nil
}
