package raft

import "context"

// Transport delivers messages to other members by address. Implementations must be safe for
// concurrent use, every peer has its own sender goroutine.
type Transport interface {
	RequestVote(ctx context.Context, address string, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(ctx context.Context, address string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, address string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
	TimeoutNow(ctx context.Context, address string, args *TimeoutNowArgs) error
	ServerRemoved(ctx context.Context, address string, args *ServerRemovedArgs) error
	ChangeServers(ctx context.Context, address string, req *ServerChangeRequest) (*ServerChangeReply, error)
}

// StateMachine is the replicated application. Every method is called from the member event
// loop, one at a time.
type StateMachine interface {
	ApplyCommand(index int64, id string, data []byte)

	TakeSnapshot() ([]byte, error)
	ApplySnapshot(state []byte) error

	// recovery hooks, commands replayed from the journal arrive in batches
	StartLogRecoveryBatch(maxBatchSize int)
	AppendRecoveredCommand(data []byte)
	ApplyCurrentLogRecoveryBatch() error
	ApplyRecoveredSnapshot(state []byte) error
	OnRecoveryComplete()
}

// RoleObserver is told about role and leader changes. Calls are made from the event loop and
// must not block.
type RoleObserver interface {
	OnRoleChanged(member string, from, to RoleType)
	OnLeaderChanged(member, leaderID string)
}
