package consumer

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kafka.yml")
	body := []byte(`schema_version: v1
brokers: ["localhost:9092"]
group_id: orders-consumer
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.GroupID != "orders-consumer" {
		t.Fatalf("want group_id orders-consumer, got %q", cfg.GroupID)
	}
	if cfg.PerPartitionChunkPrefetch != 16 {
		t.Fatalf("want default prefetch 16, got %d", cfg.PerPartitionChunkPrefetch)
	}
	if cfg.CloseTimeout != 10*time.Second {
		t.Fatalf("want default close timeout 10s, got %s", cfg.CloseTimeout)
	}
	if cfg.StartFrom != StartNewest {
		t.Fatalf("want default StartNewest, got %s", cfg.StartFrom)
	}
}

func TestLoadConfig_RejectsUnsupportedSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kafka.yml")
	body := []byte("schema_version: v999\nbrokers: [\"localhost:9092\"]\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unsupported schema_version")
	}
}

func TestLoadConfig_MissingFileStillAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("LoadConfig with no file should not error, got %v", err)
	}
	if cfg.PollTimeout != 500*time.Millisecond {
		t.Fatalf("want default poll timeout, got %s", cfg.PollTimeout)
	}
}
