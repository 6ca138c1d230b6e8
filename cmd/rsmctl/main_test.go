package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/lumadb/rsm/pkg/cluster"
	"github.com/lumadb/rsm/pkg/config"
	"github.com/lumadb/rsm/pkg/hashstore"
	"go.uber.org/zap"
)

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.NodeID = 1
	cfg.DataDir = dir
	cfg.RaftAddr = "127.0.0.1:0"
	cfg.Raft.TickIntervalMs = 10
	cfg.Raft.HeartbeatTick = 2

	node, err := cluster.NewNode(cfg, hashstore.New(), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	defer node.Shutdown()
	if err := node.Bootstrap(nil); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for !node.IsLeader() {
		if time.Now().After(deadline) {
			t.Fatal("Timeout waiting for leader")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cmd, _ := (&hashstore.Insert{Key: 9, Value: "nine"}).Encode()
	if _, err := node.Mailbox().Propose(context.Background(), cmd); err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	if err := node.TriggerSnapshot(context.Background()); err != nil {
		t.Fatalf("TriggerSnapshot failed: %v", err)
	}

	var out bytes.Buffer
	if err := run([]string{"put", "10", "ten", node.Addr()}, &out); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	var putOut struct {
		Leader string            `json:"leader"`
		Result *hashstore.Insert `json:"result"`
	}
	if err := json.Unmarshal(out.Bytes(), &putOut); err != nil || putOut.Result == nil || putOut.Result.Key != 10 || putOut.Leader != node.Addr() {
		t.Fatalf("Unexpected put output %s, %v", out.String(), err)
	}

	out.Reset()
	if err := run([]string{"node", node.Addr()}, &out); err != nil {
		t.Fatalf("node failed: %v", err)
	}
	var infos map[string]cluster.DebugInfo
	if err := json.Unmarshal(out.Bytes(), &infos); err != nil {
		t.Fatalf("Failed to decode node output: %v", err)
	}
	if infos[node.Addr()].NodeID != 1 {
		t.Fatalf("Unexpected debug info %s", out.String())
	}

	// bolt allows a single writer, so the node must be gone before reading
	if err := node.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	out.Reset()
	if err := run([]string{"entries", dir}, &out); err != nil {
		t.Fatalf("entries failed: %v", err)
	}
	var entries []cluster.EntryInfo
	if err := json.Unmarshal(out.Bytes(), &entries); err != nil {
		t.Fatalf("Failed to decode entries: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.Contains(e.Detail, `value: "nine"`) {
			found = true
		}
	}
	if !found {
		t.Fatalf("Insert missing from %s", out.String())
	}

	out.Reset()
	if err := run([]string{"metadata", dir}, &out); err != nil {
		t.Fatalf("metadata failed: %v", err)
	}
	var md metadata
	if err := json.Unmarshal(out.Bytes(), &md); err != nil {
		t.Fatalf("Failed to decode metadata: %v", err)
	}
	if md.HardState.Commit < 3 || len(md.ConfState.Voters) != 1 {
		t.Fatalf("Unexpected metadata %s", out.String())
	}
	if !strings.Contains(md.Snapshot.State, "nine") {
		t.Fatalf("Snapshot state not decoded: %+v", md.Snapshot)
	}

	out.Reset()
	if err := run([]string{"metadata", "-raw", dir}, &out); err != nil {
		t.Fatalf("metadata -raw failed: %v", err)
	}
	if strings.Contains(out.String(), "nine") {
		t.Fatalf("Raw output decoded plugin state: %s", out.String())
	}
}

func TestUsage(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, &out); err == nil {
		t.Fatal("Expected usage error")
	}
	if err := run([]string{"bogus"}, &out); err == nil {
		t.Fatal("Expected error for unknown command")
	}
	if err := run([]string{"entries"}, &out); err == nil {
		t.Fatal("Expected error for missing directory")
	}
}
