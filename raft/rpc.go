package raft

type RequestVoteArgs struct {
	Term         int64
	CandidateID  string
	LastLogIndex int64
	LastLogTerm  int64
}

type RequestVoteReply struct {
	Term        int64
	VoteGranted bool
}

type AppendEntriesArgs struct {
	Term          int64
	LeaderID      string
	LeaderAddress string

	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []*LogEntry
	LeaderCommit int64
	// highest index every follower is known to have, followers may trim up to it
	ReplicatedToAllIndex int64
}

type AppendEntriesReply struct {
	Term       int64
	Success    bool
	FollowerID string
	// on success the highest index known to match the leader, otherwise the follower's last entry
	LastIndex int64
	LastTerm  int64
	// the follower cannot be repaired by entries, the leader must install a snapshot
	ForceInstallSnapshot bool
}

type InstallSnapshotArgs struct {
	Term          int64
	LeaderID      string
	LeaderAddress string

	LastIncludedIndex int64
	LastIncludedTerm  int64
	// 1-based
	ChunkIndex  int
	TotalChunks int
	Data        []byte
	// crc32 of the previous chunk, 0 for the first
	LastChunkHash uint32
	// sent with the last chunk only
	Config *VotingConfig
}

// invalidChunkIndex in a reply asks the leader to restart the install from the first chunk.
const invalidChunkIndex = -1

type InstallSnapshotReply struct {
	Term       int64
	FollowerID string
	ChunkIndex int
	Success    bool
}

type TimeoutNowArgs struct {
	Term     int64
	LeaderID string
}

type TimeoutNowReply struct{}

type ServerRemovedArgs struct {
	ServerID string
}

type ServerRemovedReply struct{}

type ServerChangeKind string

const (
	AddServer                 ServerChangeKind = "add"
	RemoveServer              ServerChangeKind = "remove"
	ChangeServersVotingStatus ServerChangeKind = "change-voting-status"
)

type ServerChangeStatus string

const (
	StatusOK                           ServerChangeStatus = "OK"
	StatusTimeout                      ServerChangeStatus = "TIMEOUT"
	StatusNoLeader                     ServerChangeStatus = "NO_LEADER"
	StatusAlreadyExists                ServerChangeStatus = "ALREADY_EXISTS"
	StatusDoesNotExist                 ServerChangeStatus = "DOES_NOT_EXIST"
	StatusNotSupported                 ServerChangeStatus = "NOT_SUPPORTED"
	StatusInvalidRequest               ServerChangeStatus = "INVALID_REQUEST"
	StatusPriorRequestConsensusTimeout ServerChangeStatus = "PRIOR_REQUEST_CONSENSUS_TIMEOUT"
)

type ServerChangeRequest struct {
	Kind     ServerChangeKind
	ServerID string
	Address  string
	Voting   bool
	// member id to new voting flag, for ChangeServersVotingStatus
	VotingStatus map[string]bool
	// members that already tried to serve a forwarded voting change
	ServersVisited []string
}

type ServerChangeReply struct {
	Status   ServerChangeStatus
	LeaderID string
}
