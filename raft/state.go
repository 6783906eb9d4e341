package raft

import (
	"context"
	"time"
)

type FollowerState struct {
	ID                    string        `json:"id"`
	VotingState           VotingState   `json:"votingState"`
	NextIndex             int64         `json:"nextIndex"`
	MatchIndex            int64         `json:"matchIndex"`
	Active                bool          `json:"active"`
	TimeSinceLastActivity time.Duration `json:"timeSinceLastActivity"`
	InstallingSnapshot    bool          `json:"installingSnapshot"`
}

// OnDemandState is a point-in-time copy of a member's state for monitoring.
type OnDemandState struct {
	ID                   string          `json:"id"`
	Role                 RoleType        `json:"role"`
	Term                 int64           `json:"term"`
	VotedFor             string          `json:"votedFor,omitempty"`
	LeaderID             string          `json:"leaderId,omitempty"`
	VotingState          VotingState     `json:"votingState"`
	LastIndex            int64           `json:"lastIndex"`
	LastTerm             int64           `json:"lastTerm"`
	CommitIndex          int64           `json:"commitIndex"`
	LastApplied          int64           `json:"lastApplied"`
	SnapshotIndex        int64           `json:"snapshotIndex"`
	SnapshotTerm         int64           `json:"snapshotTerm"`
	ReplicatedToAllIndex int64           `json:"replicatedToAllIndex"`
	InMemoryEntries      int             `json:"inMemoryEntries"`
	InMemoryDataSize     int64           `json:"inMemoryDataSize"`
	SnapshotCaptureBusy  bool            `json:"snapshotCaptureBusy"`
	LeadershipTransfer   bool            `json:"leadershipTransfer"`
	Peers                []PeerInfo      `json:"peers"`
	Followers            []FollowerState `json:"followers,omitempty"`
}

type StateTask struct {
	task
	state *OnDemandState
}

func (rf *Raft) State(ctx context.Context) (*OnDemandState, error) {
	t := &StateTask{task: newTask()}
	if err := dispatch(ctx, rf, rf.getStateCh, t, t.done); err != nil {
		return nil, err
	}
	return t.state, nil
}

func (rf *Raft) handleStateTask(t *StateTask) {
	rf.context.finish(&t.task)

	state := &OnDemandState{
		ID:                   rf.id,
		Role:                 rf.role.Type(),
		Term:                 rf.term.CurrentTerm,
		VotedFor:             rf.term.VotedFor,
		LeaderID:             rf.leaderID,
		VotingState:          rf.votingState,
		LastIndex:            rf.log.LastIndex(),
		LastTerm:             rf.log.LastTerm(),
		CommitIndex:          rf.log.CommitIndex(),
		LastApplied:          rf.log.LastApplied(),
		SnapshotIndex:        rf.log.SnapshotIndex(),
		SnapshotTerm:         rf.log.SnapshotTerm(),
		ReplicatedToAllIndex: rf.replicatedToAllIndex,
		InMemoryEntries:      rf.log.Size(),
		InMemoryDataSize:     rf.log.DataSize(),
		SnapshotCaptureBusy:  rf.snapshots.IsCapturing(),
		LeadershipTransfer:   rf.transfer != nil,
	}
	for _, id := range rf.sortedPeerIDs() {
		state.Peers = append(state.Peers, *rf.peers[id])
	}
	if l, ok := rf.leader(); ok {
		for _, id := range rf.sortedPeerIDs() {
			f, ok := l.followers[id]
			if !ok {
				continue
			}
			state.Followers = append(state.Followers, FollowerState{
				ID:                    f.ID(),
				VotingState:           f.peer.VotingState,
				NextIndex:             f.NextIndex(),
				MatchIndex:            f.MatchIndex(),
				Active:                f.IsFollowerActive(),
				TimeSinceLastActivity: f.TimeSinceLastActivity(),
				InstallingSnapshot:    f.IsInstallingSnapshot(),
			})
		}
	}
	t.state = state
}
