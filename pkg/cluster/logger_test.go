package cluster

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRaftLogger_Caller(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := newRaftLogger(zap.New(core, zap.AddCaller()))

	l.Infof("became leader at term %d", 2)
	l.Warningf("dropped %d messages", 3)
	l.Warning("slow follower")
	l.Debug("tick")

	entries := logs.AllUntimed()
	if len(entries) != 4 {
		t.Fatalf("Expected 4 log entries, got %d", len(entries))
	}
	for _, e := range entries {
		if !e.Caller.Defined || filepath.Base(e.Caller.File) != "logger_test.go" {
			t.Errorf("Entry %q reports caller %s", e.Message, e.Caller.String())
		}
		if e.LoggerName != "raft" {
			t.Errorf("Entry %q logged by %q", e.Message, e.LoggerName)
		}
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Fatalf("Expected warn level, got %s", entries[1].Level)
	}
}
