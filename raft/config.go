package raft

import (
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/multierr"
)

// Config holds the tunables of a member. The zero value is not usable, start from DefaultConfig.
type Config struct {
	HeartbeatInterval time.Duration
	// election timeout is HeartbeatInterval * ElectionTimeoutFactor, also the follower liveness window
	ElectionTimeoutFactor int
	// upper bound of the random extra added to each election timeout
	ElectionTimeoutVariance time.Duration
	IsolatedCheckInterval   time.Duration
	RPCTimeout              time.Duration

	SnapshotBatchCount               int64
	SnapshotDataThresholdPercentage  int64
	TotalMemory                      int64
	SnapshotChunkSize                int
	MaxEntriesPerAppend              int
	MaxAppendDataSize                int64
	JournalRecoveryLogBatchSize      int
	RecoverySnapshotInterval         time.Duration
	LeadershipTransferTimeout        time.Duration
	ServerOperationTimeout           time.Duration
	InstallSnapshotChunkRetryTimeout time.Duration

	PersistenceEnabled bool
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:               100 * time.Millisecond,
		ElectionTimeoutFactor:           20,
		ElectionTimeoutVariance:         100 * time.Millisecond,
		IsolatedCheckInterval:           10 * time.Second,
		RPCTimeout:                      time.Second,
		SnapshotBatchCount:              20000,
		SnapshotDataThresholdPercentage: 12,
		TotalMemory:                     1 << 30,
		SnapshotChunkSize:               2 << 20,
		MaxEntriesPerAppend:             1000,
		MaxAppendDataSize:               4 << 20,
		JournalRecoveryLogBatchSize:     1,
		PersistenceEnabled:              true,
	}
}

func (c Config) Validate() error {
	var err error
	if c.HeartbeatInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("heartbeat interval must be positive"))
	}
	if c.ElectionTimeoutFactor < 2 {
		err = multierr.Append(err, fmt.Errorf("election timeout factor must be at least 2, got %d", c.ElectionTimeoutFactor))
	}
	if c.ElectionTimeoutVariance < 0 {
		err = multierr.Append(err, fmt.Errorf("election timeout variance must not be negative"))
	}
	if c.SnapshotBatchCount <= 0 {
		err = multierr.Append(err, fmt.Errorf("snapshot batch count must be positive"))
	}
	if c.SnapshotDataThresholdPercentage < 0 || c.SnapshotDataThresholdPercentage > 100 {
		err = multierr.Append(err, fmt.Errorf("snapshot data threshold percentage out of range: %d", c.SnapshotDataThresholdPercentage))
	}
	if c.SnapshotChunkSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("snapshot chunk size must be positive"))
	}
	if c.MaxEntriesPerAppend <= 0 {
		err = multierr.Append(err, fmt.Errorf("max entries per append must be positive"))
	}
	if c.JournalRecoveryLogBatchSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("journal recovery batch size must be positive"))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c Config) ElectionTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.ElectionTimeoutFactor)
}

// randomElectionTimeout is the delay before a follower or candidate starts a new election.
func (c Config) randomElectionTimeout() time.Duration {
	d := c.ElectionTimeout()
	if c.ElectionTimeoutVariance > 0 {
		d += time.Duration(rand.Int63n(int64(c.ElectionTimeoutVariance)))
	}
	return d
}

func (c Config) snapshotDataThreshold() int64 {
	return c.TotalMemory * c.SnapshotDataThresholdPercentage / 100
}

func (c Config) isolatedCheckInterval() time.Duration {
	if c.IsolatedCheckInterval > 0 {
		return c.IsolatedCheckInterval
	}
	return c.HeartbeatInterval * 100
}

func (c Config) rpcTimeout() time.Duration {
	if c.RPCTimeout > 0 {
		return c.RPCTimeout
	}
	return c.ElectionTimeout()
}

func (c Config) leadershipTransferTimeout() time.Duration {
	if c.LeadershipTransferTimeout > 0 {
		return c.LeadershipTransferTimeout
	}
	return 2 * c.ElectionTimeout()
}

func (c Config) serverOperationTimeout() time.Duration {
	if c.ServerOperationTimeout > 0 {
		return c.ServerOperationTimeout
	}
	return 2 * c.ElectionTimeout()
}

func (c Config) installChunkRetryTimeout() time.Duration {
	if c.InstallSnapshotChunkRetryTimeout > 0 {
		return c.InstallSnapshotChunkRetryTimeout
	}
	return c.rpcTimeout() + c.HeartbeatInterval
}
