// Package config provides configuration for a replicated state machine node
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a node
type Config struct {
	// Node identification. Zero means the id comes from the peers file or
	// from a reservation at join time.
	NodeID  uint64 `mapstructure:"node_id" json:"node_id"`
	DataDir string `mapstructure:"data_dir" json:"data_dir"`

	// "bolt" or "memory"
	StorageType string `mapstructure:"storage_type" json:"storage_type"`

	// Network addresses
	RaftAddr string `mapstructure:"raft_addr" json:"raft_addr"`
	HTTPAddr string `mapstructure:"http_addr" json:"http_addr"`

	// Static cluster membership, see LoadPeers
	PeersFile string `mapstructure:"peers_file" json:"peers_file"`

	Raft     RaftConfig     `mapstructure:"raft" json:"raft"`
	Snapshot SnapshotConfig `mapstructure:"snapshot" json:"snapshot"`
	Events   EventsConfig   `mapstructure:"events" json:"events"`
}

// RaftConfig tunes the consensus engine
type RaftConfig struct {
	TickIntervalMs    int    `mapstructure:"tick_interval_ms" json:"tick_interval_ms"`
	ElectionTick      int    `mapstructure:"election_tick" json:"election_tick"`
	HeartbeatTick     int    `mapstructure:"heartbeat_tick" json:"heartbeat_tick"`
	MaxSizePerMsg     uint64 `mapstructure:"max_size_per_msg" json:"max_size_per_msg"`
	MaxInflightMsgs   int    `mapstructure:"max_inflight_msgs" json:"max_inflight_msgs"`
	CheckQuorum       bool   `mapstructure:"check_quorum" json:"check_quorum"`
	PreVote           bool   `mapstructure:"pre_vote" json:"pre_vote"`
	JoinAsLearner     bool   `mapstructure:"join_as_learner" json:"join_as_learner"`
	ProposalTimeoutMs int    `mapstructure:"proposal_timeout_ms" json:"proposal_timeout_ms"`
	RPCTimeoutMs      int    `mapstructure:"rpc_timeout_ms" json:"rpc_timeout_ms"`
}

// SnapshotConfig controls snapshot capture and log compaction
type SnapshotConfig struct {
	// Applied entries between automatic snapshots, 0 disables them
	Count uint64 `mapstructure:"count" json:"count"`
	// Entries kept behind a snapshot for slow followers
	CatchUpEntries uint64 `mapstructure:"catch_up_entries" json:"catch_up_entries"`
	// Optional cron schedule (with seconds) forcing snapshots
	Schedule string `mapstructure:"schedule" json:"schedule"`
}

// EventsConfig configures the applied-entry event sink
type EventsConfig struct {
	Brokers    []string `mapstructure:"brokers" json:"brokers"`
	Topic      string   `mapstructure:"topic" json:"topic"`
	WebhookURL string   `mapstructure:"webhook_url" json:"webhook_url"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "./data",
		StorageType: "bolt",
		RaftAddr:    "127.0.0.1:60061",
		HTTPAddr:    "",
		PeersFile:   "",
		Raft: RaftConfig{
			TickIntervalMs:    100,
			ElectionTick:      10,
			HeartbeatTick:     3,
			MaxSizePerMsg:     1024 * 1024, // 1MB
			MaxInflightMsgs:   256,
			CheckQuorum:       true,
			PreVote:           true,
			ProposalTimeoutMs: 10000,
			RPCTimeoutMs:      5000,
		},
		Snapshot: SnapshotConfig{
			Count:          10000,
			CatchUpEntries: 5000,
		},
		Events: EventsConfig{
			Topic: "rsm_applied",
		},
	}
}

// LoadConfig loads configuration from a file. Environment variables prefixed
// with RSM_ override file values, e.g. RSM_RAFT_ELECTION_TICK.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("RSM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.RaftAddr == "" {
		return errors.New("raft_addr is required")
	}
	switch c.StorageType {
	case "bolt", "":
		if c.DataDir == "" {
			return errors.New("data_dir is required for bolt storage")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage_type %q", c.StorageType)
	}
	if c.Raft.TickIntervalMs <= 0 {
		return errors.New("raft.tick_interval_ms must be positive")
	}
	if c.Raft.HeartbeatTick <= 0 || c.Raft.ElectionTick <= c.Raft.HeartbeatTick {
		return fmt.Errorf("raft.election_tick (%d) must be greater than raft.heartbeat_tick (%d)",
			c.Raft.ElectionTick, c.Raft.HeartbeatTick)
	}
	if c.Snapshot.Count > 0 && c.Snapshot.CatchUpEntries > c.Snapshot.Count {
		return fmt.Errorf("snapshot.catch_up_entries (%d) exceeds snapshot.count (%d)",
			c.Snapshot.CatchUpEntries, c.Snapshot.Count)
	}
	return nil
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Raft.TickIntervalMs) * time.Millisecond
}

func (c *Config) ProposalTimeout() time.Duration {
	return time.Duration(c.Raft.ProposalTimeoutMs) * time.Millisecond
}

func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.Raft.RPCTimeoutMs) * time.Millisecond
}
