package raft

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type operationState int

const (
	opIdle operationState = iota
	opPersisting
	opInstallingSnapshot
	opWaitingForPriorSnapshot
	opWaitingForLeaderElected
)

func (s operationState) String() string {
	switch s {
	case opIdle:
		return "idle"
	case opPersisting:
		return "persisting"
	case opInstallingSnapshot:
		return "installing snapshot"
	case opWaitingForPriorSnapshot:
		return "waiting for prior snapshot"
	case opWaitingForLeaderElected:
		return "waiting for leader elected"
	default:
		return "unknown"
	}
}

type serverOperationTimeout struct {
	contextID string
}

type ServerChangeTask struct {
	task
	req   *ServerChangeRequest
	reply *ServerChangeReply
}

func (rf *Raft) changeServers(ctx context.Context, req *ServerChangeRequest) (*ServerChangeReply, error) {
	t := &ServerChangeTask{task: newTask(), req: req, reply: &ServerChangeReply{}}
	if err := dispatch(ctx, rf, rf.serverChangeCh, t, t.done); err != nil {
		return nil, err
	}
	return t.reply, nil
}

// ChangeServers is the RPC entry point for membership requests forwarded by other members.
func (rf *Raft) ChangeServers(req *ServerChangeRequest, reply *ServerChangeReply) error {
	r, err := rf.changeServers(context.Background(), req)
	if err != nil {
		return err
	}
	*reply = *r
	return nil
}

func (rf *Raft) AddServer(ctx context.Context, id, address string, voting bool) (*ServerChangeReply, error) {
	return rf.changeServers(ctx, &ServerChangeRequest{Kind: AddServer, ServerID: id, Address: address, Voting: voting})
}

func (rf *Raft) RemoveServer(ctx context.Context, id string) (*ServerChangeReply, error) {
	return rf.changeServers(ctx, &ServerChangeRequest{Kind: RemoveServer, ServerID: id})
}

func (rf *Raft) ChangeServersVotingStatus(ctx context.Context, status map[string]bool) (*ServerChangeReply, error) {
	return rf.changeServers(ctx, &ServerChangeRequest{Kind: ChangeServersVotingStatus, VotingStatus: status})
}

type serverOperation struct {
	task      *ServerChangeTask
	contextID string
	// address of the server being removed
	address          string
	tryToElectLeader bool
	replied          bool
}

func (op *serverOperation) req() *ServerChangeRequest { return op.task.req }

// membership serializes membership changes. One operation runs at a time, the rest wait in
// arrival order.
type membership struct {
	rf     *Raft
	logger *zap.Logger

	state    operationState
	current  *serverOperation
	queue    []*serverOperation
	timer    *time.Timer
	timedOut bool

	previousConfig *VotingConfig
}

func newMembership(rf *Raft) *membership {
	return &membership{
		rf: rf,
		logger: GetLoggerOrPanic("membership").
			With(zap.String(Member, rf.id)),
	}
}

func (m *membership) stop() { stopTimer(m.timer) }

func (m *membership) reply(op *serverOperation, status ServerChangeStatus) {
	if op.replied {
		return
	}
	op.replied = true
	op.task.reply.Status = status
	op.task.reply.LeaderID = m.rf.leaderID
	m.rf.context.finish(&op.task.task)
}

func (m *membership) onRequest(t *ServerChangeTask) {
	rf := m.rf
	req := t.req
	op := &serverOperation{task: t, contextID: uuid.NewString()}
	m.logger.Info(
		"server change requested",
		zap.String("kind", string(req.Kind)),
		zap.String("server", req.ServerID),
		zap.String("context", op.contextID),
	)

	switch req.Kind {
	case AddServer:
		m.onNewOperation(op)
	case RemoveServer:
		isSelf := req.ServerID == rf.id
		peer, known := rf.peers[req.ServerID]
		switch {
		case isSelf && !rf.hasFollowers():
			m.reply(op, StatusNotSupported)
		case !isSelf && !known:
			m.reply(op, StatusDoesNotExist)
		case m.votersWithout(req.ServerID) == 0:
			m.reply(op, StatusNotSupported)
		default:
			if isSelf {
				op.address = rf.address
			} else {
				op.address = peer.Address
			}
			m.onNewOperation(op)
		}
	case ChangeServersVotingStatus:
		if status := m.validateVotingChange(req.VotingStatus); status != StatusOK {
			m.reply(op, status)
			return
		}
		toVoting, present := req.VotingStatus[rf.id]
		if present && toVoting && rf.votingState != Voting && rf.leaderID == "" {
			op.tryToElectLeader = true
			m.stateOnNewOperation(op)
			return
		}
		m.onNewOperation(op)
	default:
		m.reply(op, StatusInvalidRequest)
	}
}

func (m *membership) validateVotingChange(status map[string]bool) ServerChangeStatus {
	rf := m.rf
	if len(status) == 0 {
		return StatusInvalidRequest
	}
	voting := 0
	if v, ok := status[rf.id]; ok && v || !ok && rf.votingState == Voting {
		voting++
	}
	for id := range status {
		if _, ok := rf.peers[id]; !ok && id != rf.id {
			return StatusDoesNotExist
		}
	}
	for id, p := range rf.peers {
		if v, ok := status[id]; ok && v || !ok && p.IsVoting() {
			voting++
		}
	}
	if voting == 0 {
		return StatusInvalidRequest
	}
	return StatusOK
}

// votersWithout counts the voting members left once id is removed.
func (m *membership) votersWithout(id string) int {
	rf := m.rf
	voting := 0
	if id != rf.id && rf.votingState == Voting {
		voting++
	}
	for peerID, p := range rf.peers {
		if peerID != id && p.IsVoting() {
			voting++
		}
	}
	return voting
}

// onNewOperation runs op on the leader or forwards it there.
func (m *membership) onNewOperation(op *serverOperation) {
	rf := m.rf
	if rf.isLeader() {
		m.stateOnNewOperation(op)
		return
	}
	if rf.leaderAddress != "" && rf.leaderID != rf.id {
		m.forward(op, rf.leaderAddress)
		return
	}
	m.reply(op, StatusNoLeader)
}

func (m *membership) forward(op *serverOperation, address string) {
	op.replied = true
	t := op.task
	transport := m.rf.transport
	timeout := m.rf.cfg.serverOperationTimeout() + m.rf.cfg.rpcTimeout()
	m.logger.Debug("forwarding server change", zap.String("address", address))
	m.rf.context.afterFlush(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			reply, err := transport.ChangeServers(ctx, address, t.req)
			if err != nil {
				t.reply.Status = StatusNoLeader
			} else {
				*t.reply = *reply
			}
			t.finish()
		}()
	})
}

func (m *membership) stateOnNewOperation(op *serverOperation) {
	switch m.state {
	case opIdle:
		m.initiate(op)
	case opPersisting:
		if m.timedOut {
			m.reply(op, StatusPriorRequestConsensusTimeout)
			return
		}
		m.queue = append(m.queue, op)
	default:
		m.queue = append(m.queue, op)
	}
}

func (m *membership) startTimer(d time.Duration) {
	stopTimer(m.timer)
	m.timer = m.rf.after(d, &serverOperationTimeout{contextID: m.current.contextID})
}

func (m *membership) initiate(op *serverOperation) {
	rf := m.rf
	req := op.req()
	m.current = op

	switch req.Kind {
	case AddServer:
		if _, ok := rf.peers[req.ServerID]; ok || req.ServerID == rf.id {
			m.operationComplete(op, StatusAlreadyExists)
			return
		}
		state := NonVoting
		if req.Voting {
			state = VotingNotInitialized
		}
		rf.addPeer(&PeerInfo{ID: req.ServerID, Address: req.Address, VotingState: state})
		if state == NonVoting {
			m.persistNewServerConfiguration(op)
			return
		}
		m.startTimer(rf.cfg.serverOperationTimeout())
		m.captureForNewServer()
	case RemoveServer:
		rf.removePeer(req.ServerID)
		m.persistNewServerConfiguration(op)
	case ChangeServersVotingStatus:
		if op.tryToElectLeader {
			m.initiateLocalLeaderElection(op)
			return
		}
		m.updateLocalPeerInfo(req.VotingStatus)
		m.persistNewServerConfiguration(op)
	}
}

func (m *membership) captureForNewServer() {
	l, ok := m.rf.leader()
	if ok && l.initiateCaptureSnapshot(m.current.req().ServerID) {
		m.state = opInstallingSnapshot
		return
	}
	m.logger.Info("snapshot in flight, waiting before installing on new server")
	m.state = opWaitingForPriorSnapshot
}

func (m *membership) updateLocalPeerInfo(status map[string]bool) {
	rf := m.rf
	for id, voting := range status {
		if id == rf.id {
			rf.votingState = votingStateOf(voting)
			continue
		}
		if p, ok := rf.peers[id]; ok {
			p.VotingState = votingStateOf(voting)
		}
	}
	rf.onPeersChanged()
}

// persistNewServerConfiguration replicates the current membership as a config entry. The
// request is answered now, the next operation waits until the entry is applied.
func (m *membership) persistNewServerConfiguration(op *serverOperation) {
	rf := m.rf
	l, ok := rf.leader()
	if !ok {
		m.operationComplete(op, StatusNoLeader)
		return
	}
	includeSelf := !(op.req().Kind == RemoveServer && op.req().ServerID == rf.id)
	entry := &LogEntry{
		Index:  rf.log.LastIndex() + 1,
		Term:   rf.term.CurrentTerm,
		Kind:   EntryVotingConfig,
		ID:     op.contextID,
		Config: rf.currentConfig(includeSelf),
	}
	m.logger.Info("persisting new server configuration", zap.Any("config", entry.Config), zap.Int64(Index, entry.Index))

	m.state = opPersisting
	m.timedOut = false
	m.startTimer(rf.cfg.serverOperationTimeout())
	m.reply(op, StatusOK)
	l.replicate(entry)
}

// onApplied is called for every applied config entry.
func (m *membership) onApplied(entry *LogEntry) {
	if m.state != opPersisting || m.current == nil || entry.ID != m.current.contextID {
		return
	}
	stopTimer(m.timer)
	m.operationComplete(m.current, "")
}

// onLogTruncated abandons the pending config entry when it was removed from the log.
func (m *membership) onLogTruncated(from int64) {
	if m.state != opPersisting || m.current == nil {
		return
	}
	for i := m.rf.log.LastIndex(); i > m.rf.log.SnapshotIndex() && i >= from; i-- {
		if e := m.rf.log.Get(i); e != nil && e.ID == m.current.contextID {
			return
		}
	}
	m.logger.Info("pending configuration entry truncated", zap.String("context", m.current.contextID))
	stopTimer(m.timer)
	m.operationComplete(m.current, StatusNoLeader)
}

func (m *membership) operationComplete(op *serverOperation, status ServerChangeStatus) {
	rf := m.rf
	req := op.req()
	if status != "" {
		m.reply(op, status)
	}
	succeeded := status == "" || status == StatusOK
	m.logger.Info(
		"server change complete",
		zap.String("kind", string(req.Kind)),
		zap.String("server", req.ServerID),
		zap.Bool("succeeded", succeeded),
	)

	if succeeded {
		switch req.Kind {
		case RemoveServer:
			if req.ServerID != rf.id && op.address != "" {
				m.notifyServerRemoved(req.ServerID, op.address)
			}
			if req.ServerID == rf.id && rf.isLeader() {
				rf.stepDownAfterTransfer()
			}
		case ChangeServersVotingStatus:
			if v, ok := req.VotingStatus[rf.id]; ok && !v && rf.isLeader() {
				rf.stepDownAfterTransfer()
			}
		}
	}
	m.changeToIdle()
}

func (m *membership) notifyServerRemoved(id, address string) {
	transport := m.rf.transport
	timeout := m.rf.cfg.rpcTimeout()
	logger := m.logger
	m.rf.context.afterFlush(func() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := transport.ServerRemoved(ctx, address, &ServerRemovedArgs{ServerID: id}); err != nil {
				logger.Warn("fail to notify removed server", zap.String(Peer, id), zap.Error(err))
			}
		}()
	})
}

func (m *membership) changeToIdle() {
	stopTimer(m.timer)
	m.state = opIdle
	m.current = nil
	m.timedOut = false
	m.previousConfig = nil
	if len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.onNewOperation(next)
	}
}

func (m *membership) onTimeout(ev *serverOperationTimeout) {
	if m.current == nil || ev.contextID != m.current.contextID {
		return
	}
	rf := m.rf
	op := m.current
	switch m.state {
	case opPersisting:
		m.logger.Warn("configuration entry not committed in time", zap.String("context", op.contextID))
		m.timedOut = true
		for _, queued := range m.queue {
			m.reply(queued, StatusPriorRequestConsensusTimeout)
		}
		m.queue = nil
	case opInstallingSnapshot, opWaitingForPriorSnapshot:
		m.logger.Warn("snapshot install on new server timed out", zap.String(Peer, op.req().ServerID))
		rf.removePeer(op.req().ServerID)
		status := StatusTimeout
		if !rf.isLeader() {
			status = StatusNoLeader
		}
		m.operationComplete(op, status)
	case opWaitingForLeaderElected:
		m.logger.Warn("no leader elected after voting change")
		m.revertLocalElection()
		if address := m.unvisitedNewVoter(op); address != "" {
			op.task.req.ServersVisited = append(op.task.req.ServersVisited, rf.id)
			m.forward(op, address)
			m.changeToIdle()
			return
		}
		m.operationComplete(op, StatusNoLeader)
	}
}

// onUnInitializedFollowerSnapshotReply finishes adding a voting server once it holds a snapshot.
func (m *membership) onUnInitializedFollowerSnapshotReply(followerID string) {
	if m.state != opInstallingSnapshot || m.current == nil || m.current.req().ServerID != followerID || !m.rf.isLeader() {
		m.logger.Debug("install reply for a server not being added", zap.String(Peer, followerID))
		return
	}
	if p, ok := m.rf.peers[followerID]; ok {
		p.VotingState = Voting
	}
	m.rf.onPeersChanged()
	m.persistNewServerConfiguration(m.current)
}

// onSnapshotComplete retries the install for a new server that waited for another snapshot.
func (m *membership) onSnapshotComplete() {
	if m.state != opWaitingForPriorSnapshot || !m.rf.isLeader() {
		return
	}
	m.captureForNewServer()
}

// initiateLocalLeaderElection makes this member voting without a leader, hoping it wins and
// can then persist the change itself.
func (m *membership) initiateLocalLeaderElection(op *serverOperation) {
	rf := m.rf
	m.previousConfig = rf.currentConfig(true)
	m.updateLocalPeerInfo(op.req().VotingStatus)
	m.state = opWaitingForLeaderElected
	m.startTimer(rf.cfg.ElectionTimeout())
	m.logger.Info("no leader, starting election to apply voting change")
	if rf.role.Type() == RoleFollower {
		rf.become(RoleCandidate, followerTimeout)
	}
}

func (m *membership) revertLocalElection() {
	rf := m.rf
	if m.previousConfig != nil {
		rf.applyConfig(m.previousConfig)
	}
	if rf.role.Type() != RoleFollower {
		rf.become(RoleFollower, steppedDown)
	}
}

func (m *membership) unvisitedNewVoter(op *serverOperation) string {
	visited := map[string]bool{m.rf.id: true}
	for _, id := range op.req().ServersVisited {
		visited[id] = true
	}
	for id, voting := range op.req().VotingStatus {
		p, ok := m.rf.peers[id]
		if !voting || visited[id] || !ok || p.IsVoting() || p.Address == "" {
			continue
		}
		return p.Address
	}
	return ""
}

func (m *membership) onNewLeader(leaderID string) {
	if m.state != opWaitingForLeaderElected || m.current == nil {
		return
	}
	stopTimer(m.timer)
	op := m.current
	if m.rf.isLeader() {
		m.persistNewServerConfiguration(op)
		return
	}
	m.logger.Info("another member won the election, forwarding voting change", zap.String("leader", leaderID))
	if m.previousConfig != nil {
		m.rf.applyConfig(m.previousConfig)
	}
	m.previousConfig = nil
	m.current = nil
	m.state = opIdle
	op.tryToElectLeader = false
	m.onNewOperation(op)
}
