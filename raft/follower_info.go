package raft

import (
	"sort"
	"time"
)

type VotingState string

const (
	Voting               VotingState = "voting"
	VotingNotInitialized VotingState = "voting-not-initialized"
	NonVoting            VotingState = "non-voting"
)

func votingStateOf(voting bool) VotingState {
	if voting {
		return Voting
	}
	return NonVoting
}

// PeerInfo is what a member knows about one other member of the cluster.
type PeerInfo struct {
	ID          string      `json:"id"`
	Address     string      `json:"address"`
	VotingState VotingState `json:"votingState"`
}

func (p *PeerInfo) IsVoting() bool { return p.VotingState == Voting }

type ServerInfo struct {
	ID      string `json:"id"`
	Address string `json:"address,omitempty"`
	Voting  bool   `json:"voting"`
}

// VotingConfig is the cluster membership carried by voting config entries and snapshots.
type VotingConfig struct {
	Servers []ServerInfo `json:"servers"`
}

func (c *VotingConfig) Get(id string) (ServerInfo, bool) {
	if c == nil {
		return ServerInfo{}, false
	}
	for _, server := range c.Servers {
		if server.ID == id {
			return server, true
		}
	}
	return ServerInfo{}, false
}

func (c *VotingConfig) VotingCount() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, server := range c.Servers {
		if server.Voting {
			n++
		}
	}
	return n
}

func newVotingConfig(servers []ServerInfo) *VotingConfig {
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })
	return &VotingConfig{Servers: servers}
}

// majority is the number of votes or replicas needed out of numVoters voting members.
func majority(numVoters int) int {
	return numVoters/2 + 1
}

// FollowerLogInformation is the leader's view of one follower's replication progress.
type FollowerLogInformation struct {
	peer *PeerInfo

	nextIndex  int64
	matchIndex int64

	lastActive     time.Time
	activityWindow time.Duration
	heartbeat      time.Duration

	lastReplicatedIndex int64
	lastReplicatedAt    time.Time
	lastSentCommitIndex int64

	installState *leaderInstallState
}

func NewFollowerLogInformation(peer *PeerInfo, commitIndex int64, cfg Config) *FollowerLogInformation {
	return &FollowerLogInformation{
		peer:                peer,
		nextIndex:           commitIndex + 1,
		matchIndex:          EmptyLogIndex,
		activityWindow:      cfg.ElectionTimeout(),
		heartbeat:           cfg.HeartbeatInterval,
		lastReplicatedIndex: EmptyLogIndex,
		lastSentCommitIndex: EmptyLogIndex,
	}
}

func (f *FollowerLogInformation) ID() string                { return f.peer.ID }
func (f *FollowerLogInformation) Peer() *PeerInfo           { return f.peer }
func (f *FollowerLogInformation) NextIndex() int64          { return f.nextIndex }
func (f *FollowerLogInformation) MatchIndex() int64         { return f.matchIndex }
func (f *FollowerLogInformation) IsInstallingSnapshot() bool { return f.installState != nil }

func (f *FollowerLogInformation) SetNextIndex(index int64) bool {
	if f.nextIndex == index {
		return false
	}
	f.nextIndex = index
	return true
}

func (f *FollowerLogInformation) SetMatchIndex(index int64) bool {
	if f.matchIndex == index {
		return false
	}
	f.matchIndex = index
	return true
}

// DecrNextIndex steps nextIndex back by one. It stops at -1.
func (f *FollowerLogInformation) DecrNextIndex() bool {
	if f.nextIndex < 0 {
		return false
	}
	f.nextIndex--
	return true
}

func (f *FollowerLogInformation) MarkFollowerActive()   { f.lastActive = time.Now() }
func (f *FollowerLogInformation) MarkFollowerInActive() { f.lastActive = time.Time{} }

// IsFollowerActive reports whether the follower answered within one election timeout.
// A follower that never answered is inactive.
func (f *FollowerLogInformation) IsFollowerActive() bool {
	return !f.lastActive.IsZero() && time.Since(f.lastActive) <= f.activityWindow
}

func (f *FollowerLogInformation) TimeSinceLastActivity() time.Duration {
	if f.lastActive.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(f.lastActive)
}

func (f *FollowerLogInformation) hasStaleCommitIndex(commitIndex int64) bool {
	return f.lastSentCommitIndex != commitIndex
}

func (f *FollowerLogInformation) setSentCommitIndex(commitIndex int64) {
	f.lastSentCommitIndex = commitIndex
}

// OkToReplicate gates entry sends. While a snapshot install runs nothing is sent, and the
// same nextIndex is not re-sent to a voting follower within one heartbeat interval unless
// its commit index is stale. A true result records the send.
func (f *FollowerLogInformation) OkToReplicate(now time.Time, commitIndex int64) bool {
	if f.installState != nil {
		return false
	}
	if f.peer.VotingState == Voting &&
		f.nextIndex == f.lastReplicatedIndex &&
		now.Sub(f.lastReplicatedAt) < f.heartbeat &&
		!f.hasStaleCommitIndex(commitIndex) {
		return false
	}
	f.lastReplicatedIndex = f.nextIndex
	f.lastReplicatedAt = now
	return true
}
