package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "node.yaml", `
node_id: 2
raft_addr: 127.0.0.1:60062
storage_type: memory
raft:
  election_tick: 20
snapshot:
  count: 100
  catch_up_entries: 10
events:
  brokers: ["localhost:9092"]
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.NodeID != 2 || cfg.RaftAddr != "127.0.0.1:60062" || cfg.StorageType != "memory" {
		t.Fatalf("Unexpected config: %+v", cfg)
	}
	if cfg.Raft.ElectionTick != 20 || cfg.Raft.HeartbeatTick != 3 {
		t.Fatalf("Expected file value merged over defaults, got %+v", cfg.Raft)
	}
	if cfg.Snapshot.Count != 100 || len(cfg.Events.Brokers) != 1 {
		t.Fatalf("Unexpected nested values: %+v %+v", cfg.Snapshot, cfg.Events)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config must be valid: %v", err)
	}

	cfg.Raft.ElectionTick = cfg.Raft.HeartbeatTick
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected error for election tick not above heartbeat tick")
	}

	cfg = DefaultConfig()
	cfg.StorageType = "rocks"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected error for unknown storage type")
	}

	cfg = DefaultConfig()
	cfg.Snapshot.CatchUpEntries = cfg.Snapshot.Count + 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("Expected error for catch up entries above snapshot count")
	}
}

func TestLoadPeers(t *testing.T) {
	path := writeFile(t, "cluster_config.toml", `
[[peers]]
id = 1
addr = "127.0.0.1:60061"

[[peers]]
id = 3
addr = "127.0.0.1:60063"

[[peers]]
id = 2
addr = "127.0.0.1:60062"
`)

	peers, err := LoadPeers(path)
	if err != nil {
		t.Fatalf("LoadPeers failed: %v", err)
	}
	if id, ok := peers.NodeIDByAddr("127.0.0.1:60063"); !ok || id != 3 {
		t.Fatalf("Expected id 3, got %d, %v", id, ok)
	}
	if p, ok := peers.Get(2); !ok || p.Addr != "127.0.0.1:60062" {
		t.Fatalf("Unexpected peer: %+v, %v", p, ok)
	}
	if ids := peers.IDs(); len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Fatalf("Unexpected ids: %v", ids)
	}

	dup := writeFile(t, "dup.toml", `
[[peers]]
id = 1
addr = "a"
[[peers]]
id = 1
addr = "b"
`)
	if _, err := LoadPeers(dup); err == nil {
		t.Fatal("Expected error for duplicate ids")
	}
}
