package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"raftcore/raft"
)

const clusterYAML = `
node:
  id: s1
  address: 10.0.0.1:7000
  api_address: :8000
  data_dir: /data
cluster:
  peers:
    - id: s1
      address: 10.0.0.1:7000
    - id: s2
      address: 10.0.0.2:7000
    - id: s3
      address: 10.0.0.3:7000
      voting: false
raft:
  heartbeat_interval: 50ms
  election_timeout_factor: 10
  snapshot_batch_count: 100
  persistence_enabled: false
`

func TestLoadConfig(t *testing.T) {
	rq := require.New(t)
	path := filepath.Join(t.TempDir(), "node.yaml")
	rq.NoError(os.WriteFile(path, []byte(clusterYAML), 0o644))

	cfg, err := LoadConfig(path)
	rq.NoError(err)
	rq.Equal("s1", cfg.Node.ID)
	rq.Equal("file", cfg.Storage.Engine)
	rq.Equal(raft.Voting, cfg.VotingState())

	peers := cfg.Peers()
	rq.Equal([]raft.PeerInfo{
		{ID: "s2", Address: "10.0.0.2:7000", VotingState: raft.Voting},
		{ID: "s3", Address: "10.0.0.3:7000", VotingState: raft.NonVoting},
	}, peers)

	rc := cfg.RaftConfig()
	rq.Equal(50*time.Millisecond, rc.HeartbeatInterval)
	rq.Equal(500*time.Millisecond, rc.ElectionTimeout())
	rq.Equal(int64(100), rc.SnapshotBatchCount)
	rq.False(rc.PersistenceEnabled)
	rq.Equal(raft.DefaultConfig().SnapshotChunkSize, rc.SnapshotChunkSize)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	rq.Error(err)
}

func TestParse(t *testing.T) {
	t.Run("joining node", func(t *testing.T) {
		rq := require.New(t)
		cfg, err := Parse([]byte(`
node:
  id: s4
  address: 10.0.0.4:7000
  api_address: :8000
  join: true
storage:
  engine: memory
`))
		rq.NoError(err)
		rq.Empty(cfg.Peers())
		rq.Equal(raft.VotingNotInitialized, cfg.VotingState())
	})

	t.Run("invalid", func(t *testing.T) {
		rq := require.New(t)
		_, err := Parse([]byte(`
node:
  id: s1
  address: 10.0.0.1:7000
cluster:
  peers:
    - id: s1
      address: 10.0.0.9:7000
    - id: s2
      address: 10.0.0.2:7000
    - id: s2
      address: 10.0.0.3:7000
raft:
  election_timeout_factor: 1
`))
		rq.Error(err)
		for _, msg := range []string{
			"node.api_address is required",
			"node.data_dir is required",
			"node address mismatch",
			"duplicate peer ID: s2",
			"election timeout factor",
		} {
			rq.Contains(err.Error(), msg)
		}

		_, err = Parse([]byte(`
node:
  id: s9
  address: a
  api_address: b
  data_dir: /data
cluster:
  peers:
    - id: s1
      address: a
`))
		rq.ErrorContains(err, "node.id=s9 not found in cluster.peers")

		_, err = Parse([]byte("node: ["))
		rq.ErrorContains(err, "failed to parse config file")
	})
}
