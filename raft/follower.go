package raft

import (
	"time"

	"go.uber.org/zap"
)

type electionTimeout struct {
	epoch uint64
}

type Follower struct {
	rf     *Raft
	logger *zap.Logger

	timer *time.Timer
	epoch uint64

	tracker *snapshotTracker
}

func NewFollower(rf *Raft) *Follower {
	return &Follower{
		rf: rf,
		logger: GetLoggerOrPanic("follower").
			With(zap.String(Member, rf.id)),
	}
}

func (f *Follower) Type() RoleType { return RoleFollower }

func (f *Follower) Start() {
	f.logger.Debug("follower started", zap.Int64(Term, f.rf.term.CurrentTerm))
	f.resetElectionTimer()
}

func (f *Follower) Stop() {
	stopTimer(f.timer)
	f.epoch = 0
}

func (f *Follower) resetElectionTimer() {
	stopTimer(f.timer)
	f.epoch = f.rf.nextEpoch()
	f.timer = f.rf.after(f.rf.cfg.randomElectionTimeout(), &electionTimeout{epoch: f.epoch})
}

func (f *Follower) canStartElection() bool {
	return f.rf.votingState == Voting
}

func (f *Follower) HandleNotify(ev event) {
	e, ok := ev.(*electionTimeout)
	if !ok || e.epoch != f.epoch {
		return
	}
	if !f.canStartElection() {
		f.logger.Debug("election timeout ignored, not a voting member", zap.String("voting state", string(f.rf.votingState)))
		f.resetElectionTimer()
		return
	}
	f.logger.Info("no leader heard within election timeout", zap.Int64(Term, f.rf.term.CurrentTerm))
	f.rf.become(RoleCandidate, followerTimeout)
}

// isOutOfSync reports whether the entries of args cannot be attached to our log.
func (f *Follower) isOutOfSync(args *AppendEntriesArgs) bool {
	rl := f.rf.log
	prev := args.PrevLogIndex
	switch {
	case rl.LastIndex() == EmptyLogIndex && prev != EmptyLogIndex:
		f.logger.Debug("log is empty, leader expects previous entry", zap.Int64("prev log index", prev))
		return true
	case prev > rl.LastIndex():
		f.logger.Debug(
			"missing previous entry",
			zap.Int64("prev log index", prev),
			zap.Int64("last index", rl.LastIndex()),
		)
		return true
	case prev != EmptyLogIndex && (rl.IsPresent(prev) || prev == rl.SnapshotIndex()):
		if term := rl.TermOf(prev); term != args.PrevLogTerm {
			f.logger.Debug(
				"previous entry term mismatch",
				zap.Int64("prev log index", prev),
				zap.Int64("prev log term", args.PrevLogTerm),
				zap.Int64("local term", term),
			)
			return true
		}
	case prev == EmptyLogIndex && args.ReplicatedToAllIndex != EmptyLogIndex &&
		!rl.IsPresent(args.ReplicatedToAllIndex) && !rl.IsInSnapshot(args.ReplicatedToAllIndex):
		f.logger.Debug(
			"leader trimmed beyond our log",
			zap.Int64("replicated to all index", args.ReplicatedToAllIndex),
		)
		return true
	}
	return false
}

func (f *Follower) HandleAppendEntries(t *AppendEntriesTask) {
	rf := f.rf
	args, reply := t.args, t.reply

	f.resetElectionTimer()
	rf.setLeader(args.LeaderID, args.LeaderAddress)

	fail := func() {
		reply.Success = false
		reply.LastIndex = rf.log.LastIndex()
		reply.LastTerm = rf.log.LastTerm()
	}

	if f.isOutOfSync(args) {
		fail()
		return
	}

	for _, entry := range args.Entries {
		if rf.log.IsInSnapshot(entry.Index) {
			continue
		}
		if existing := rf.log.Get(entry.Index); existing != nil {
			if existing.Term == entry.Term {
				continue
			}
			if entry.Index <= rf.log.CommitIndex() {
				// committed entries are never removed, only a snapshot can replace them
				f.logger.Warn(
					"conflicting entry is committed, asking for snapshot",
					zap.Int64(Index, entry.Index),
					zap.Int64("commit index", rf.log.CommitIndex()),
				)
				fail()
				reply.ForceInstallSnapshot = true
				return
			}
			f.logger.Info(
				"conflicting entry, removing log tail",
				zap.Int64(Index, entry.Index),
				zap.Int64("local term", existing.Term),
				zap.Int64("leader term", entry.Term),
			)
			rf.removeEntriesFrom(entry.Index)
		}
		if !rf.appendEntry(entry) {
			f.logger.Warn("fail to append entry", zap.Int64(Index, entry.Index), zap.Int64("last index", rf.log.LastIndex()))
			fail()
			return
		}
	}

	matched := args.PrevLogIndex + int64(len(args.Entries))
	if commit := min64(args.LeaderCommit, matched); commit > rf.log.CommitIndex() {
		rf.log.SetCommitIndex(commit)
		rf.applyCommitted()
	}

	reply.Success = true
	reply.LastIndex = matched
	reply.LastTerm = rf.log.TermOf(matched)

	if !rf.snapshots.IsCapturing() && args.ReplicatedToAllIndex != EmptyLogIndex {
		rf.performSnapshotWithoutCapture(args.ReplicatedToAllIndex)
	}
}

func (f *Follower) HandleInstallSnapshot(t *InstallSnapshotTask) {
	rf := f.rf
	args, reply := t.args, t.reply

	f.resetElectionTimer()
	rf.setLeader(args.LeaderID, args.LeaderAddress)
	reply.Success = true

	if f.tracker == nil || args.ChunkIndex == 1 && f.tracker.lastChunkIndex > 0 {
		f.tracker = newSnapshotTracker(args.TotalChunks)
	}
	complete, err := f.tracker.addChunk(args.ChunkIndex, args.Data, args.LastChunkHash)
	if err != nil {
		f.logger.Warn(
			"invalid snapshot chunk, restarting install",
			zap.Int("chunk", args.ChunkIndex),
			zap.Int("expected", f.tracker.lastChunkIndex+1),
			zap.Error(err),
		)
		f.tracker = nil
		reply.ChunkIndex = invalidChunkIndex
		reply.Success = false
		rf.context.finish(&t.task)
		return
	}
	if !complete {
		rf.context.finish(&t.task)
		return
	}

	snapshot := &Snapshot{
		State:            f.tracker.bytes(),
		LastIndex:        args.LastIncludedIndex,
		LastTerm:         args.LastIncludedTerm,
		LastAppliedIndex: args.LastIncludedIndex,
		LastAppliedTerm:  args.LastIncludedTerm,
		TermInfo:         rf.term,
		Config:           args.Config,
		Timestamp:        time.Now(),
	}
	f.tracker = nil
	f.logger.Info(
		"snapshot received, applying",
		zap.Int64("last included index", args.LastIncludedIndex),
		zap.Int64("last included term", args.LastIncludedTerm),
	)
	rf.snapshots.Apply(snapshot, func(ok bool) {
		if !ok {
			reply.ChunkIndex = invalidChunkIndex
			reply.Success = false
		}
		rf.context.finish(&t.task)
	})
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
