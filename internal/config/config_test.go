package config

import "testing"

func TestDefaultConfigHasUsableDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RESTAddress == "" {
		t.Error("expected a non-empty default RESTAddress")
	}
	if cfg.ChunkSizeBytes <= 0 {
		t.Error("expected a positive default ChunkSizeBytes")
	}
	if cfg.WorkerCount <= 0 {
		t.Error("expected a positive default WorkerCount")
	}
}

func TestLoadFromEnvAppliesOverrides(t *testing.T) {
	t.Setenv("WITNESSD_REST_ADDRESS", "0.0.0.0:9999")
	t.Setenv("WITNESSD_CHAIN_ID", "1")
	t.Setenv("WITNESSD_WORKER_COUNT", "16")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.RESTAddress != "0.0.0.0:9999" {
		t.Errorf("RESTAddress = %q, want override", cfg.RESTAddress)
	}
	if cfg.ChainID != 1 {
		t.Errorf("ChainID = %d, want 1", cfg.ChainID)
	}
	if cfg.WorkerCount != 16 {
		t.Errorf("WorkerCount = %d, want 16", cfg.WorkerCount)
	}
}

func TestLoadFromEnvRejectsUnparseableOverride(t *testing.T) {
	t.Setenv("WITNESSD_WORKER_COUNT", "not-a-number")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("expected LoadFromEnv() to fail on an unparseable override")
	}
}

func TestLoadFromEnvRejectsMalformedRESTAddress(t *testing.T) {
	t.Setenv("WITNESSD_REST_ADDRESS", "not-an-address")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("expected LoadFromEnv() to fail on a malformed REST address")
	}
}
