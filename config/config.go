// Package config loads a node's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"raftcore/raft"
)

type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Raft    RaftConfig    `yaml:"raft"`
	Storage StorageConfig `yaml:"storage"`
}

type NodeConfig struct {
	ID string `yaml:"id"`
	// peer rpc address, also how other members reach this node
	Address    string `yaml:"address"`
	APIAddress string `yaml:"api_address"`
	DataDir    string `yaml:"data_dir"`
	// a joining node starts outside the cluster and waits for AddServer
	Join bool `yaml:"join"`
}

type ClusterConfig struct {
	Peers []PeerConfig `yaml:"peers"`
}

type PeerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Voting  *bool  `yaml:"voting"`
}

func (p PeerConfig) voting() bool { return p.Voting == nil || *p.Voting }

// RaftConfig overrides raft.DefaultConfig, zero values keep the default.
type RaftConfig struct {
	HeartbeatInterval                time.Duration `yaml:"heartbeat_interval"`
	ElectionTimeoutFactor            int           `yaml:"election_timeout_factor"`
	ElectionTimeoutVariance          time.Duration `yaml:"election_timeout_variance"`
	IsolatedCheckInterval            time.Duration `yaml:"isolated_check_interval"`
	RPCTimeout                       time.Duration `yaml:"rpc_timeout"`
	SnapshotBatchCount               int64         `yaml:"snapshot_batch_count"`
	SnapshotDataThresholdPercentage  int64         `yaml:"snapshot_data_threshold_percentage"`
	TotalMemory                      int64         `yaml:"total_memory"`
	SnapshotChunkSize                int           `yaml:"snapshot_chunk_size"`
	MaxEntriesPerAppend              int           `yaml:"max_entries_per_append"`
	MaxAppendDataSize                int64         `yaml:"max_append_data_size"`
	JournalRecoveryLogBatchSize      int           `yaml:"journal_recovery_log_batch_size"`
	RecoverySnapshotInterval         time.Duration `yaml:"recovery_snapshot_interval"`
	LeadershipTransferTimeout        time.Duration `yaml:"leadership_transfer_timeout"`
	ServerOperationTimeout           time.Duration `yaml:"server_operation_timeout"`
	InstallSnapshotChunkRetryTimeout time.Duration `yaml:"install_snapshot_chunk_retry_timeout"`
	PersistenceEnabled               *bool         `yaml:"persistence_enabled"`
}

type StorageConfig struct {
	// memory, file or leveldb (needs the leveldb build tag)
	Engine string `yaml:"engine"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.Storage.Engine == "" {
		config.Storage.Engine = "file"
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func (c *Config) Validate() error {
	var err error
	if c.Node.ID == "" {
		err = multierr.Append(err, fmt.Errorf("node.id is required"))
	}
	if c.Node.Address == "" {
		err = multierr.Append(err, fmt.Errorf("node.address is required"))
	}
	if c.Node.APIAddress == "" {
		err = multierr.Append(err, fmt.Errorf("node.api_address is required"))
	}
	if c.Node.DataDir == "" && c.Storage.Engine != "memory" {
		err = multierr.Append(err, fmt.Errorf("node.data_dir is required for storage engine %q", c.Storage.Engine))
	}

	seen := make(map[string]bool, len(c.Cluster.Peers))
	found := false
	for _, peer := range c.Cluster.Peers {
		if peer.ID == "" || peer.Address == "" {
			err = multierr.Append(err, fmt.Errorf("cluster.peers entries need id and address"))
			continue
		}
		if seen[peer.ID] {
			err = multierr.Append(err, fmt.Errorf("duplicate peer ID: %s", peer.ID))
		}
		seen[peer.ID] = true
		if peer.ID == c.Node.ID {
			found = true
			if peer.Address != c.Node.Address {
				err = multierr.Append(err, fmt.Errorf("node address mismatch: node.address=%s but peer address=%s",
					c.Node.Address, peer.Address))
			}
		}
	}
	if !c.Node.Join {
		if len(c.Cluster.Peers) == 0 {
			err = multierr.Append(err, fmt.Errorf("cluster.peers must contain at least one peer"))
		} else if !found {
			err = multierr.Append(err, fmt.Errorf("node.id=%s not found in cluster.peers", c.Node.ID))
		}
	}

	if rerr := c.RaftConfig().Validate(); rerr != nil {
		err = multierr.Append(err, rerr)
	}
	return err
}

// RaftConfig merges the raft section over raft.DefaultConfig.
func (c *Config) RaftConfig() raft.Config {
	cfg := raft.DefaultConfig()
	r := c.Raft
	if r.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = r.HeartbeatInterval
	}
	if r.ElectionTimeoutFactor > 0 {
		cfg.ElectionTimeoutFactor = r.ElectionTimeoutFactor
	}
	if r.ElectionTimeoutVariance > 0 {
		cfg.ElectionTimeoutVariance = r.ElectionTimeoutVariance
	}
	if r.IsolatedCheckInterval > 0 {
		cfg.IsolatedCheckInterval = r.IsolatedCheckInterval
	}
	if r.RPCTimeout > 0 {
		cfg.RPCTimeout = r.RPCTimeout
	}
	if r.SnapshotBatchCount > 0 {
		cfg.SnapshotBatchCount = r.SnapshotBatchCount
	}
	if r.SnapshotDataThresholdPercentage > 0 {
		cfg.SnapshotDataThresholdPercentage = r.SnapshotDataThresholdPercentage
	}
	if r.TotalMemory > 0 {
		cfg.TotalMemory = r.TotalMemory
	}
	if r.SnapshotChunkSize > 0 {
		cfg.SnapshotChunkSize = r.SnapshotChunkSize
	}
	if r.MaxEntriesPerAppend > 0 {
		cfg.MaxEntriesPerAppend = r.MaxEntriesPerAppend
	}
	if r.MaxAppendDataSize > 0 {
		cfg.MaxAppendDataSize = r.MaxAppendDataSize
	}
	if r.JournalRecoveryLogBatchSize > 0 {
		cfg.JournalRecoveryLogBatchSize = r.JournalRecoveryLogBatchSize
	}
	if r.RecoverySnapshotInterval > 0 {
		cfg.RecoverySnapshotInterval = r.RecoverySnapshotInterval
	}
	if r.LeadershipTransferTimeout > 0 {
		cfg.LeadershipTransferTimeout = r.LeadershipTransferTimeout
	}
	if r.ServerOperationTimeout > 0 {
		cfg.ServerOperationTimeout = r.ServerOperationTimeout
	}
	if r.InstallSnapshotChunkRetryTimeout > 0 {
		cfg.InstallSnapshotChunkRetryTimeout = r.InstallSnapshotChunkRetryTimeout
	}
	if r.PersistenceEnabled != nil {
		cfg.PersistenceEnabled = *r.PersistenceEnabled
	}
	return cfg
}

// Peers lists the other members, empty for a joining node.
func (c *Config) Peers() []raft.PeerInfo {
	if c.Node.Join {
		return nil
	}
	peers := make([]raft.PeerInfo, 0, len(c.Cluster.Peers))
	for _, p := range c.Cluster.Peers {
		if p.ID == c.Node.ID {
			continue
		}
		state := raft.Voting
		if !p.voting() {
			state = raft.NonVoting
		}
		peers = append(peers, raft.PeerInfo{ID: p.ID, Address: p.Address, VotingState: state})
	}
	return peers
}

func (c *Config) VotingState() raft.VotingState {
	if c.Node.Join {
		return raft.VotingNotInitialized
	}
	for _, p := range c.Cluster.Peers {
		if p.ID == c.Node.ID && !p.voting() {
			return raft.NonVoting
		}
	}
	return raft.Voting
}
