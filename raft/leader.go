package raft

import (
	"time"

	"go.uber.org/zap"
)

type sendHeartbeat struct {
	epoch uint64
}

type isolatedCheck struct {
	epoch uint64
}

// installSnapshotHolder is the serialized snapshot the leader streams to followers.
type installSnapshotHolder struct {
	data      []byte
	lastIndex int64
	lastTerm  int64
}

// Leader serves the PreLeader, Leader and IsolatedLeader roles. A PreLeader waits for its
// first entry of the term to commit, an IsolatedLeader has lost contact with a majority.
type Leader struct {
	rf       *Raft
	roleType RoleType
	term     int64
	logger   *zap.Logger

	followers map[string]*FollowerLogInformation

	heartbeatTimer *time.Timer
	heartbeatEpoch uint64
	isolatedTimer  *time.Timer
	isolatedEpoch  uint64

	install   *installSnapshotHolder
	noopIndex int64
}

func NewLeader(rf *Raft, roleType RoleType) *Leader {
	l := &Leader{
		rf:       rf,
		roleType: roleType,
		term:     rf.term.CurrentTerm,
		logger: GetLoggerOrPanic("leader").
			With(zap.String(Member, rf.id)).
			With(zap.Int64(Term, rf.term.CurrentTerm)),
		followers: make(map[string]*FollowerLogInformation),
		noopIndex: EmptyLogIndex,
	}
	l.syncFollowers()
	return l
}

func (l *Leader) Type() RoleType { return l.roleType }

func (l *Leader) Start() {
	rf := l.rf
	rf.setLeader(rf.id, rf.address)
	l.logger.Info("leader started", zap.String("role", string(l.roleType)), zap.Int("followers", len(l.followers)))

	if l.roleType == RolePreLeader {
		entry := &LogEntry{Index: rf.log.LastIndex() + 1, Term: l.term, Kind: EntryNoop}
		l.noopIndex = entry.Index
		rf.appendEntry(entry)
	}
	l.sendAppendEntries(0)
	l.scheduleHeartbeat()
	l.scheduleIsolatedCheck()
	l.updateCommitIndex()
}

func (l *Leader) Stop() {
	stopTimer(l.heartbeatTimer)
	stopTimer(l.isolatedTimer)
	l.heartbeatEpoch, l.isolatedEpoch = 0, 0
}

func (l *Leader) scheduleHeartbeat() {
	stopTimer(l.heartbeatTimer)
	l.heartbeatEpoch = l.rf.nextEpoch()
	l.heartbeatTimer = l.rf.after(l.rf.cfg.HeartbeatInterval, &sendHeartbeat{epoch: l.heartbeatEpoch})
}

func (l *Leader) scheduleIsolatedCheck() {
	stopTimer(l.isolatedTimer)
	l.isolatedEpoch = l.rf.nextEpoch()
	l.isolatedTimer = l.rf.after(l.rf.cfg.isolatedCheckInterval(), &isolatedCheck{epoch: l.isolatedEpoch})
}

// syncFollowers matches the follower set to the known peers.
func (l *Leader) syncFollowers() {
	rf := l.rf
	for id, peer := range rf.peers {
		if f, ok := l.followers[id]; ok && f.peer == peer {
			continue
		}
		l.followers[id] = NewFollowerLogInformation(peer, rf.log.CommitIndex(), rf.cfg)
	}
	for id := range l.followers {
		if _, ok := rf.peers[id]; !ok {
			delete(l.followers, id)
		}
	}
}

// numVoters counts the voting followers, and the leader itself only while it votes.
func (l *Leader) numVoters() int {
	n := 0
	if l.rf.votingState == Voting {
		n++
	}
	for _, f := range l.followers {
		if f.peer.IsVoting() {
			n++
		}
	}
	return n
}

func (l *Leader) minReplicationCount() int { return majority(l.numVoters()) }

// isLeaderIsolated reports whether fewer voting followers than needed for a majority, on top
// of the leader's own vote, have answered within the election timeout.
func (l *Leader) isLeaderIsolated() bool {
	minPresent := l.minReplicationCount()
	if l.rf.votingState == Voting {
		minPresent--
	}
	if minPresent <= 0 {
		return false
	}
	active := 0
	for _, f := range l.followers {
		if f.peer.IsVoting() && f.IsFollowerActive() {
			active++
		}
	}
	return active < minPresent
}

func (l *Leader) HandleNotify(ev event) {
	switch ev := ev.(type) {
	case *sendHeartbeat:
		if ev.epoch != l.heartbeatEpoch {
			return
		}
		l.sendAppendEntries(l.rf.cfg.HeartbeatInterval)
		l.scheduleHeartbeat()
	case *isolatedCheck:
		if ev.epoch != l.isolatedEpoch {
			return
		}
		l.checkIsolation()
		l.scheduleIsolatedCheck()
	case *appendEntriesReplied:
		l.handleAppendEntriesReply(ev)
	case *installSnapshotReplied:
		l.handleInstallSnapshotReply(ev)
	}
}

func (l *Leader) checkIsolation() {
	isolated := l.isLeaderIsolated()
	switch {
	case l.roleType == RoleLeader && isolated:
		l.logger.Warn("lost contact with a majority of voting followers")
		l.rf.become(RoleIsolatedLeader, "isolated")
	case l.roleType == RoleIsolatedLeader && !isolated:
		l.rf.become(RoleLeader, "majority reachable")
	}
}

func (l *Leader) HandleAppendEntries(t *AppendEntriesTask) {
	l.logger.Error(
		"AppendEntries from another leader in the same term",
		zap.String(Peer, t.args.LeaderID),
		zap.Int64(PeerTerm, t.args.Term),
	)
	t.reply.Success = false
	t.reply.LastIndex = l.rf.log.LastIndex()
	t.reply.LastTerm = l.rf.log.LastTerm()
}

func (l *Leader) HandleInstallSnapshot(t *InstallSnapshotTask) {
	l.logger.Error("InstallSnapshot from another leader in the same term", zap.String(Peer, t.args.LeaderID))
	t.reply.Success = false
	l.rf.context.finish(&t.task)
}

// replicate appends a new entry of this term and pushes it to every follower.
func (l *Leader) replicate(entry *LogEntry) {
	if !l.rf.appendEntry(entry) {
		l.logger.Error("fail to append entry", zap.Stringer("entry", entry))
		return
	}
	l.updateCommitIndex()
	l.sendAppendEntries(0)
}

// sendAppendEntries updates every follower that is inactive or has been quiet for at least
// sinceLastActivity.
func (l *Leader) sendAppendEntries(sinceLastActivity time.Duration) {
	for _, id := range l.rf.sortedPeerIDs() {
		f, ok := l.followers[id]
		if !ok {
			continue
		}
		if !f.IsFollowerActive() || f.TimeSinceLastActivity() >= sinceLastActivity {
			l.sendUpdatesToFollower(f, true)
		}
	}
}

func (l *Leader) canInstallSnapshot(nextIndex int64) bool {
	return nextIndex == EmptyLogIndex || !l.rf.log.IsPresent(nextIndex) && l.rf.log.IsInSnapshot(nextIndex)
}

// sendUpdatesToFollower sends the follower whatever it needs next: a snapshot chunk, entries,
// or a heartbeat when sendHeartbeat is set or its commit index is stale.
func (l *Leader) sendUpdatesToFollower(f *FollowerLogInformation, sendHeartbeat bool) {
	rf := l.rf
	now := time.Now()
	active := f.IsFollowerActive()
	commit := rf.log.CommitIndex()

	if st := f.installState; st != nil {
		switch {
		case active && st.isChunkTimedOut(now, rf.cfg.installChunkRetryTimeout()):
			l.logger.Info("snapshot chunk timed out, resending", zap.String(Peer, f.ID()), zap.Int("chunk", st.chunkIndex))
			st.markSendStatus(false)
			l.sendSnapshotChunk(f)
		case active && st.canSendNextChunk():
			l.sendSnapshotChunk(f)
		case sendHeartbeat || f.hasStaleCommitIndex(commit):
			l.sendAppendEntriesToFollower(f, nil)
		}
		return
	}

	next := f.NextIndex()
	switch {
	case active && rf.log.IsPresent(next):
		if f.OkToReplicate(now, commit) {
			entries := rf.log.GetFrom(next, rf.cfg.MaxEntriesPerAppend, rf.cfg.MaxAppendDataSize)
			l.sendAppendEntriesToFollower(f, entries)
		}
	case active && rf.log.LastIndex() > f.MatchIndex() && l.canInstallSnapshot(next) && !rf.snapshots.IsCapturing():
		l.sendAppendEntriesToFollower(f, nil)
		l.initiateCaptureSnapshot(f.ID())
	case sendHeartbeat || f.hasStaleCommitIndex(commit):
		l.sendAppendEntriesToFollower(f, nil)
	}
}

func (l *Leader) sendAppendEntriesToFollower(f *FollowerLogInformation, entries []*LogEntry) {
	rf := l.rf
	commit := rf.log.CommitIndex()
	if f.installState != nil || !f.IsFollowerActive() {
		commit = EmptyLogIndex
	}
	prev := f.NextIndex() - 1
	prevIndex, prevTerm := int64(EmptyLogIndex), int64(EmptyLogTerm)
	if term := rf.log.TermOf(prev); prev >= 0 && term != EmptyLogTerm {
		prevIndex, prevTerm = prev, term
	}

	args := &AppendEntriesArgs{
		Term:                 l.term,
		LeaderID:             rf.id,
		LeaderAddress:        rf.address,
		PrevLogIndex:         prevIndex,
		PrevLogTerm:          prevTerm,
		Entries:              entries,
		LeaderCommit:         commit,
		ReplicatedToAllIndex: rf.replicatedToAllIndex,
	}
	f.setSentCommitIndex(commit)
	if len(entries) > 0 {
		l.logger.Debug(
			"sending entries",
			zap.String(Peer, f.ID()),
			zap.Int64("from", entries[0].Index),
			zap.Int("count", len(entries)),
		)
	}
	rf.send(f.ID(), &outbound{appendEntries: args})
}

func (l *Leader) handleAppendEntriesReply(ev *appendEntriesReplied) {
	rf := l.rf
	reply := ev.reply
	f, ok := l.followers[ev.peerID]
	if !ok {
		l.logger.Debug("reply from unknown follower", zap.String(Peer, ev.peerID))
		return
	}
	if reply.Term != l.term {
		return
	}
	f.MarkFollowerActive()

	switch {
	case reply.Success:
		f.SetMatchIndex(reply.LastIndex)
		f.SetNextIndex(reply.LastIndex + 1)
	case reply.ForceInstallSnapshot:
		l.logger.Info("follower asks for snapshot", zap.String(Peer, f.ID()))
		f.SetMatchIndex(EmptyLogIndex)
		f.SetNextIndex(EmptyLogIndex)
		l.initiateCaptureSnapshot(f.ID())
	case f.IsInstallingSnapshot():
		// heartbeats during an install carry no entries to repair
	case reply.LastIndex < 0 || rf.log.TermOf(reply.LastIndex) != EmptyLogTerm && rf.log.TermOf(reply.LastIndex) == reply.LastTerm:
		// follower is only behind, continue right after its last entry
		f.SetMatchIndex(reply.LastIndex)
		f.SetNextIndex(reply.LastIndex + 1)
	case reply.LastIndex+1 < f.NextIndex():
		f.SetNextIndex(reply.LastIndex)
	default:
		f.DecrNextIndex()
	}

	l.updateCommitIndex()
	if rf.role != Role(l) {
		return
	}
	if l.roleType == RoleIsolatedLeader && !l.isLeaderIsolated() {
		rf.become(RoleLeader, "majority reachable")
	}
	l.tryToCompleteTransfer(f)
	l.sendUpdatesToFollower(f, false)
}

// updateCommitIndex commits the highest entry of this term stored on a majority of voting
// members, then applies it and trims what every follower already has.
func (l *Leader) updateCommitIndex() {
	rf := l.rf
	required := l.minReplicationCount()
	for n := rf.log.LastIndex(); n > rf.log.CommitIndex(); n-- {
		entry := rf.log.Get(n)
		if entry == nil || entry.Term < l.term {
			// entries of older terms are only committed through a newer one
			break
		}
		count := 0
		if rf.votingState == Voting {
			count++
		}
		for _, f := range l.followers {
			if f.peer.IsVoting() && f.MatchIndex() >= n {
				count++
			}
		}
		if count >= required {
			l.logger.Debug("commit index updated", zap.Int64(Index, n))
			rf.log.SetCommitIndex(n)
			break
		}
	}

	if rf.log.CommitIndex() > rf.log.LastApplied() {
		rf.applyCommitted()
	}
	if rf.role != Role(l) {
		return
	}
	if l.roleType == RolePreLeader && l.noopIndex != EmptyLogIndex && rf.log.LastApplied() >= l.noopIndex {
		rf.become(RoleLeader, noopCommitted)
	}
	if !rf.snapshots.IsCapturing() {
		l.purgeInMemoryLog()
	}
}

// purgeInMemoryLog trims entries every follower has.
func (l *Leader) purgeInMemoryLog() {
	minMatch := l.rf.log.LastApplied()
	for _, f := range l.followers {
		if f.MatchIndex() < minMatch {
			minMatch = f.MatchIndex()
		}
	}
	l.rf.performSnapshotWithoutCapture(minMatch)
}

// initiateCaptureSnapshot starts an install for followerID, reusing the serialized snapshot
// when one is at hand. It returns false when a capture for someone else is in flight.
func (l *Leader) initiateCaptureSnapshot(followerID string) bool {
	f, ok := l.followers[followerID]
	if !ok {
		return false
	}
	if f.installState != nil {
		return true
	}
	if l.installUsable() {
		l.sendSnapshotChunk(f)
		return true
	}
	if !l.rf.snapshots.CaptureToInstall(l.rf.log.Last(), l.rf.replicatedToAllIndex, followerID) {
		return false
	}
	f.installState = newLeaderInstallState(l.rf.cfg.SnapshotChunkSize)
	return true
}

// installUsable reports whether the held snapshot still leaves the follower able to continue
// from the in-memory log.
func (l *Leader) installUsable() bool {
	if l.install == nil {
		return false
	}
	next := l.install.lastIndex + 1
	return l.rf.log.IsPresent(next) || next > l.rf.log.LastIndex()
}

// sendInstallSnapshot is called once the snapshot for an install has been serialized.
func (l *Leader) sendInstallSnapshot(data []byte, lastIndex, lastTerm int64) {
	l.install = &installSnapshotHolder{data: data, lastIndex: lastIndex, lastTerm: lastTerm}
	for _, id := range l.rf.sortedPeerIDs() {
		f, ok := l.followers[id]
		if !ok {
			continue
		}
		if f.installState != nil || f.peer.VotingState == VotingNotInitialized || l.canInstallSnapshot(f.NextIndex()) {
			l.sendSnapshotChunk(f)
		}
	}
}

// installCaptureFailed drops sessions that were waiting for a snapshot that will not come.
func (l *Leader) installCaptureFailed() {
	for _, f := range l.followers {
		if st := f.installState; st != nil && !st.hasData() {
			f.installState = nil
		}
	}
}

func (l *Leader) sendSnapshotChunk(f *FollowerLogInformation) {
	if l.install == nil {
		return
	}
	st := f.installState
	if st == nil {
		st = newLeaderInstallState(l.rf.cfg.SnapshotChunkSize)
		f.installState = st
	}
	st.setSnapshotBytes(l.install.data, l.install.lastIndex, l.install.lastTerm)
	if !st.canSendNextChunk() {
		return
	}

	index, data := st.nextChunk(time.Now())
	args := &InstallSnapshotArgs{
		Term:              l.term,
		LeaderID:          l.rf.id,
		LeaderAddress:     l.rf.address,
		LastIncludedIndex: st.lastIncludedIndex,
		LastIncludedTerm:  st.lastIncludedTerm,
		ChunkIndex:        index,
		TotalChunks:       st.totalChunks,
		Data:              data,
		LastChunkHash:     st.lastChunkHash,
	}
	if st.isLastChunk(index) {
		args.Config = l.rf.currentConfig(true)
	}
	l.logger.Debug(
		"sending snapshot chunk",
		zap.String(Peer, f.ID()),
		zap.Int("chunk", index),
		zap.Int("total", st.totalChunks),
	)
	l.rf.send(f.ID(), &outbound{installSnapshot: args})
}

func (l *Leader) handleInstallSnapshotReply(ev *installSnapshotReplied) {
	rf := l.rf
	reply := ev.reply
	f, ok := l.followers[ev.peerID]
	if !ok || reply.Term != l.term {
		return
	}
	st := f.installState
	if st == nil {
		l.logger.Debug("install reply without session", zap.String(Peer, f.ID()), zap.Error(errorNoInstallSnapshotSession))
		return
	}
	f.MarkFollowerActive()

	if reply.ChunkIndex != st.chunkIndex {
		if reply.ChunkIndex == invalidChunkIndex {
			l.logger.Info("follower rejected snapshot, restarting install", zap.String(Peer, f.ID()))
			st.reset()
			l.sendSnapshotChunk(f)
		}
		return
	}
	if !reply.Success {
		st.markSendStatus(false)
		l.sendSnapshotChunk(f)
		return
	}
	if !st.isLastChunk(reply.ChunkIndex) {
		st.markSendStatus(true)
		l.sendSnapshotChunk(f)
		return
	}

	l.logger.Info(
		"snapshot installed on follower",
		zap.String(Peer, f.ID()),
		zap.Int64("last included index", st.lastIncludedIndex),
	)
	f.SetMatchIndex(st.lastIncludedIndex)
	f.SetNextIndex(st.lastIncludedIndex + 1)
	f.installState = nil
	if !l.anyInstalling() {
		l.install = nil
	}
	if f.peer.VotingState == VotingNotInitialized {
		rf.membership.onUnInitializedFollowerSnapshotReply(f.ID())
	}
	if rf.role != Role(l) {
		return
	}
	l.updateCommitIndex()
	l.sendUpdatesToFollower(f, false)
}

func (l *Leader) anyInstalling() bool {
	for _, f := range l.followers {
		if f.installState != nil {
			return true
		}
	}
	return false
}

// tryToCompleteTransfer sends TimeoutNow once the transfer target has every entry.
func (l *Leader) tryToCompleteTransfer(f *FollowerLogInformation) {
	c := l.rf.transfer
	if c == nil || c.timeoutNowSent {
		return
	}
	if c.target != "" && f.ID() != c.target {
		return
	}
	if !f.peer.IsVoting() || !f.IsFollowerActive() || f.MatchIndex() != l.rf.log.LastIndex() {
		return
	}
	l.logger.Info("transfer target caught up, sending TimeoutNow", zap.String(Peer, f.ID()))
	c.timeoutNowSent = true
	l.rf.send(f.ID(), &outbound{timeoutNow: &TimeoutNowArgs{Term: l.term, LeaderID: l.rf.id}})
}
