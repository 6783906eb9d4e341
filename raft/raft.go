package raft

//
// rf, err = Make(opts)
//   recover from the journal and snapshot store, then start the event loop.
// rf.Submit(ctx, id, data) (index, term, err)
//   replicate a command and wait until it is applied.
// rf.GetState() (term, isLeader)
// rf.AddServer / RemoveServer / ChangeServersVotingStatus
//   membership changes, forwarded to the leader when needed.
// rf.TransferLeadership / RequestLeadership / AbortLeadershipTransfer
// rf.Shutdown(ctx)
//   transfer leadership if leader, then stop.
//
// Every piece of member state is owned by the daemon goroutine. Public methods and RPC
// handlers hand a task to the daemon and wait for its done channel, timers and peer replies
// come back as events on notifyCh.
//

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type RoleType string

const (
	RoleFollower       RoleType = "follower"
	RoleCandidate      RoleType = "candidate"
	RolePreLeader      RoleType = "pre-leader"
	RoleLeader         RoleType = "leader"
	RoleIsolatedLeader RoleType = "isolated-leader"
)

func (t RoleType) isLeader() bool {
	return t == RoleLeader || t == RolePreLeader || t == RoleIsolatedLeader
}

type Role interface {
	Type() RoleType
	Start()
	Stop()
	HandleAppendEntries(task *AppendEntriesTask)
	HandleInstallSnapshot(task *InstallSnapshotTask)
	HandleNotify(ev event)
}

// TaskContext collects what one loop iteration must persist and the effects that may only
// run after it is durable.
type TaskContext struct {
	termChanged bool
	records     []JournalRecord
	effects     []func()
}

func (c *TaskContext) record(records ...JournalRecord) {
	c.records = append(c.records, records...)
}

// afterFlush runs fn once the iteration's records are durable.
func (c *TaskContext) afterFlush(fn func()) {
	c.effects = append(c.effects, fn)
}

func (c *TaskContext) finish(t *task) {
	c.afterFlush(t.finish)
}

func (c *TaskContext) Reset() {
	c.termChanged = false
	c.records = c.records[:0]
	c.effects = c.effects[:0]
}

type Options struct {
	ID      string
	Address string
	// other members, self is skipped if present
	Peers []PeerInfo
	// VotingNotInitialized for a member that waits to be added, Voting when empty
	VotingState VotingState
	Config      Config

	Transport    Transport
	Journal      Journal
	Snapshots    SnapshotStore
	Terms        TermStore
	StateMachine StateMachine
	RoleObserver RoleObserver
}

type Raft struct {
	id      string
	address string
	cfg     Config
	logger  *zap.Logger

	log         *ReplicatedLog
	term        TermInfo
	peers       map[string]*PeerInfo
	votingState VotingState
	// configuration as of the last applied config entry or snapshot
	appliedConfig        *VotingConfig
	leaderID             string
	leaderAddress        string
	replicatedToAllIndex int64
	paused               bool

	role       Role
	snapshots  *SnapshotManager
	membership *membership
	transfer   *transferCohort

	transport     Transport
	journal       Journal
	snapshotStore SnapshotStore
	terms         TermStore
	sm            StateMachine
	observer      RoleObserver

	replicators map[string]*replicator
	waiters     map[int64]*SubmitTask
	epoch       uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	appendEntriesCh   chan *AppendEntriesTask
	requestVoteCh     chan *RequestVoteTask
	installSnapshotCh chan *InstallSnapshotTask
	timeoutNowCh      chan *TimeoutNowTask
	serverRemovedCh   chan *ServerRemovedTask
	serverChangeCh    chan *ServerChangeTask
	transferCh        chan *TransferTask
	submitCh          chan *SubmitTask
	getStateCh        chan *StateTask
	notifyCh          chan event

	context *TaskContext
}

func Make(opts Options) (*Raft, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.ID == "" || opts.Transport == nil || opts.Journal == nil ||
		opts.Snapshots == nil || opts.Terms == nil || opts.StateMachine == nil {
		return nil, fmt.Errorf("%w: id, transport, journal, snapshots, terms and state machine are required", ErrInvalidConfig)
	}

	rf := &Raft{
		id:      opts.ID,
		address: opts.Address,
		cfg:     opts.Config,
		logger: GetLoggerOrPanic("raft").
			With(zap.String(Member, opts.ID)),

		log:                  NewReplicatedLog(EmptyLogIndex, EmptyLogTerm, nil),
		peers:                make(map[string]*PeerInfo),
		votingState:          opts.VotingState,
		replicatedToAllIndex: EmptyLogIndex,

		transport:     opts.Transport,
		journal:       opts.Journal,
		snapshotStore: opts.Snapshots,
		terms:         opts.Terms,
		sm:            opts.StateMachine,
		observer:      opts.RoleObserver,

		replicators: make(map[string]*replicator),
		waiters:     make(map[int64]*SubmitTask),

		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		appendEntriesCh:   make(chan *AppendEntriesTask),
		requestVoteCh:     make(chan *RequestVoteTask),
		installSnapshotCh: make(chan *InstallSnapshotTask),
		timeoutNowCh:      make(chan *TimeoutNowTask),
		serverRemovedCh:   make(chan *ServerRemovedTask),
		serverChangeCh:    make(chan *ServerChangeTask),
		transferCh:        make(chan *TransferTask),
		submitCh:          make(chan *SubmitTask),
		getStateCh:        make(chan *StateTask),
		notifyCh:          make(chan event),

		context: &TaskContext{},
	}
	if rf.votingState == "" {
		rf.votingState = Voting
	}
	for _, p := range opts.Peers {
		if p.ID == rf.id {
			continue
		}
		peer := p
		rf.peers[p.ID] = &peer
	}
	rf.appliedConfig = rf.currentConfig(true)
	rf.snapshots = newSnapshotManager(rf)
	rf.membership = newMembership(rf)
	rf.role = NewFollower(rf)

	if err := rf.recover(); err != nil {
		return nil, fmt.Errorf("fail to recover, %w", err)
	}

	go rf.daemon()
	return rf, nil
}

func (rf *Raft) ID() string      { return rf.id }
func (rf *Raft) Address() string { return rf.address }

// Kill stops the member without handing off leadership.
func (rf *Raft) Kill() {
	rf.stopOnce.Do(func() { close(rf.stopCh) })
	<-rf.doneCh
}

// Shutdown hands leadership to another voting member when this member leads, then stops.
func (rf *Raft) Shutdown(ctx context.Context) error {
	err := rf.TransferLeadership(ctx, "")
	if err != nil && !errors.Is(err, ErrStopped) {
		rf.logger.Warn("leadership transfer on shutdown failed", zap.Error(err))
	}
	rf.Kill()
	return nil
}

// Done is closed once the event loop has exited.
func (rf *Raft) Done() <-chan struct{} { return rf.doneCh }

type task struct {
	done chan struct{}
}

func newTask() task { return task{done: make(chan struct{})} }

func (t *task) finish() { close(t.done) }

// dispatch hands t to the daemon and waits until it is finished.
func dispatch[T any](ctx context.Context, rf *Raft, ch chan T, t T, done <-chan struct{}) error {
	select {
	case <-rf.stopCh:
		return errorWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	case ch <- t:
	}

	select {
	case <-rf.stopCh:
		return errorWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (rf *Raft) post(ev event) {
	select {
	case rf.notifyCh <- ev:
	case <-rf.stopCh:
	}
}

// after posts ev to the daemon once d has elapsed.
func (rf *Raft) after(d time.Duration, ev event) *time.Timer {
	return time.AfterFunc(d, func() { rf.post(ev) })
}

func (rf *Raft) nextEpoch() uint64 {
	rf.epoch++
	return rf.epoch
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (rf *Raft) daemon() {
	defer close(rf.doneCh)
	rf.logger.Info("daemon started", zap.Int64(Term, rf.term.CurrentTerm))
	rf.role.Start()
	if err := rf.flush(); err != nil {
		rf.fail(err)
	}

LOOP:
	for {
		select {
		case <-rf.stopCh:
			break LOOP
		case task := <-rf.appendEntriesCh:
			rf.handleAppendEntriesTask(task)
		case task := <-rf.requestVoteCh:
			rf.handleRequestVoteTask(task)
		case task := <-rf.installSnapshotCh:
			rf.handleInstallSnapshotTask(task)
		case task := <-rf.timeoutNowCh:
			rf.handleTimeoutNowTask(task)
		case task := <-rf.serverRemovedCh:
			rf.handleServerRemovedTask(task)
		case task := <-rf.serverChangeCh:
			rf.membership.onRequest(task)
		case task := <-rf.transferCh:
			rf.handleTransferTask(task)
		case task := <-rf.submitCh:
			rf.handleSubmitTask(task)
		case task := <-rf.getStateCh:
			rf.handleStateTask(task)
		case ev := <-rf.notifyCh:
			rf.handleNotify(ev)
		}

		if err := rf.flush(); err != nil {
			rf.fail(err)
			break LOOP
		}
	}

	rf.role.Stop()
	rf.membership.stop()
	if rf.transfer != nil {
		rf.transfer.stopTimer()
	}
	for id := range rf.replicators {
		rf.stopReplicator(id)
	}
	rf.logger.Info("daemon stopped")
}

// flush persists the iteration's term change and records, then runs its effects. A journal
// failure is fatal to the member.
func (rf *Raft) flush() error {
	ctx := rf.context
	defer ctx.Reset()

	if ctx.termChanged {
		if err := rf.terms.StoreAndSetTerm(rf.term); err != nil {
			return fmt.Errorf("%w: %v", ErrJournalFailure, err)
		}
	}
	if len(ctx.records) > 0 {
		if _, err := rf.journal.Append(ctx.records...); err != nil {
			return fmt.Errorf("%w: %v", ErrJournalFailure, err)
		}
	}
	for _, effect := range ctx.effects {
		effect()
	}
	return nil
}

func (rf *Raft) fail(err error) {
	rf.logger.Error("member failed, stopping", zap.Error(err))
	rf.stopOnce.Do(func() { close(rf.stopCh) })
}

func (rf *Raft) become(to RoleType, reason string) {
	from := rf.role.Type()
	rf.logger.Info(
		"role changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
		zap.Int64(Term, rf.term.CurrentTerm),
	)

	if l, ok := rf.role.(*Leader); ok && from.isLeader() && to.isLeader() {
		l.roleType = to
		rf.notifyRoleChanged(from, to)
		return
	}

	rf.role.Stop()
	switch to {
	case RoleFollower:
		rf.role = NewFollower(rf)
	case RoleCandidate:
		rf.role = NewCandidate(rf)
	case RolePreLeader, RoleLeader, RoleIsolatedLeader:
		rf.role = NewLeader(rf, to)
	default:
		panic(fmt.Errorf("unknown role %s", to))
	}
	rf.replicatedToAllIndex = EmptyLogIndex
	if !to.isLeader() && rf.leaderID == rf.id {
		rf.setLeader("", "")
	}
	rf.notifyRoleChanged(from, to)
	rf.role.Start()
}

func (rf *Raft) notifyRoleChanged(from, to RoleType) {
	if rf.observer != nil && from != to {
		rf.observer.OnRoleChanged(rf.id, from, to)
	}
}

func (rf *Raft) setLeader(id, address string) {
	if rf.leaderID == id {
		if address != "" {
			rf.leaderAddress = address
		}
		return
	}
	rf.leaderID = id
	rf.leaderAddress = address
	rf.logger.Info("leader changed", zap.String("leader", id), zap.Int64(Term, rf.term.CurrentTerm))

	if rf.observer != nil {
		rf.observer.OnLeaderChanged(rf.id, id)
	}
	if id == "" {
		return
	}
	if rf.transfer != nil {
		rf.transfer.onNewLeader(id)
	}
	rf.membership.onNewLeader(id)
}

func (rf *Raft) isLeader() bool { return rf.role.Type().isLeader() }

func (rf *Raft) leader() (*Leader, bool) {
	l, ok := rf.role.(*Leader)
	return l, ok
}

func (rf *Raft) updateTerm(term int64, votedFor string) {
	rf.term = TermInfo{CurrentTerm: term, VotedFor: votedFor}
	rf.context.termChanged = true
	info := rf.term
	rf.context.record(JournalRecord{Kind: RecordUpdateTerm, TermInfo: &info})
}

// stepDownOnHigherTerm adopts term when it is newer and falls back to follower.
func (rf *Raft) stepDownOnHigherTerm(term int64) bool {
	if term <= rf.term.CurrentTerm {
		return false
	}
	rf.logger.Info(
		"higher term discovered",
		zap.Int64(Term, rf.term.CurrentTerm),
		zap.Int64(PeerTerm, term),
	)
	rf.updateTerm(term, "")
	rf.setLeader("", "")
	rf.become(RoleFollower, higherTermDiscovered)
	return true
}

func (rf *Raft) votingPeers() []*PeerInfo {
	var peers []*PeerInfo
	for _, p := range rf.peers {
		if p.IsVoting() {
			peers = append(peers, p)
		}
	}
	return peers
}

func (rf *Raft) hasFollowers() bool { return len(rf.peers) > 0 }

// currentConfig is the membership as this member sees it now.
func (rf *Raft) currentConfig(includeSelf bool) *VotingConfig {
	servers := make([]ServerInfo, 0, len(rf.peers)+1)
	if includeSelf {
		servers = append(servers, ServerInfo{ID: rf.id, Address: rf.address, Voting: rf.votingState == Voting})
	}
	for _, p := range rf.peers {
		servers = append(servers, ServerInfo{ID: p.ID, Address: p.Address, Voting: p.VotingState == Voting})
	}
	return newVotingConfig(servers)
}

// applyConfig makes cfg the local view of the membership. Peers that are still being added
// are kept even though cfg does not know them yet.
func (rf *Raft) applyConfig(cfg *VotingConfig) {
	if cfg == nil {
		return
	}
	seen := make(map[string]bool, len(cfg.Servers))
	selfFound := false
	for _, server := range cfg.Servers {
		if server.ID == rf.id {
			selfFound = true
			rf.votingState = votingStateOf(server.Voting)
			continue
		}
		seen[server.ID] = true
		if p, ok := rf.peers[server.ID]; ok {
			p.VotingState = votingStateOf(server.Voting)
			if server.Address != "" {
				p.Address = server.Address
			}
		} else {
			rf.peers[server.ID] = &PeerInfo{
				ID:          server.ID,
				Address:     server.Address,
				VotingState: votingStateOf(server.Voting),
			}
		}
	}
	if !selfFound {
		rf.votingState = NonVoting
	}
	for id, p := range rf.peers {
		if !seen[id] && p.VotingState != VotingNotInitialized {
			delete(rf.peers, id)
		}
	}
	rf.onPeersChanged()
}

// recomputeConfig restores the membership after log truncation, from the newest config entry
// still in memory or else the last applied one.
func (rf *Raft) recomputeConfig() {
	for i := rf.log.LastIndex(); i > rf.log.SnapshotIndex(); i-- {
		if e := rf.log.Get(i); e != nil && e.Kind == EntryVotingConfig {
			rf.applyConfig(e.Config)
			return
		}
	}
	rf.applyConfig(rf.appliedConfig)
}

func (rf *Raft) addPeer(p *PeerInfo) {
	rf.peers[p.ID] = p
	rf.onPeersChanged()
}

// removePeer forgets id. Removing self only drops the voting right.
func (rf *Raft) removePeer(id string) {
	if id == rf.id {
		rf.votingState = NonVoting
		return
	}
	delete(rf.peers, id)
	rf.onPeersChanged()
}

func (rf *Raft) onPeersChanged() {
	if l, ok := rf.leader(); ok {
		l.syncFollowers()
	}
	rf.syncReplicators()
}

// appendEntry appends to the log and journals the entry. A config entry takes effect as soon
// as it is appended.
func (rf *Raft) appendEntry(entry *LogEntry) bool {
	if !rf.log.Append(entry) {
		return false
	}
	if rf.cfg.PersistenceEnabled || entry.Kind == EntryVotingConfig {
		rf.context.record(JournalRecord{Kind: RecordEntry, Entry: entry})
	}
	if entry.Kind == EntryVotingConfig {
		rf.applyConfig(entry.Config)
	}
	rf.snapshots.onEntryAppended(entry)
	return true
}

// removeEntriesFrom truncates the log tail at index and journals it.
func (rf *Raft) removeEntriesFrom(index int64) int64 {
	pos := rf.log.RemoveFrom(index)
	if pos == -1 {
		return pos
	}
	rf.context.record(JournalRecord{Kind: RecordDeleteEntries, Index: index})
	rf.dropWaitersFrom(index, ErrEntryDropped)
	rf.membership.onLogTruncated(index)
	rf.recomputeConfig()
	return pos
}

// applyCommitted hands every committed but unapplied entry to the state machine.
func (rf *Raft) applyCommitted() {
	before := rf.log.LastApplied()
	for rf.log.LastApplied() < rf.log.CommitIndex() {
		index := rf.log.LastApplied() + 1
		entry := rf.log.Get(index)
		if entry == nil {
			rf.logger.Error(
				"committed entry missing from log",
				zap.Int64(Index, index),
				zap.Int64("snapshot index", rf.log.SnapshotIndex()),
			)
			break
		}
		switch entry.Kind {
		case EntryCommand:
			rf.sm.ApplyCommand(index, entry.ID, entry.Data)
		case EntryVotingConfig:
			rf.appliedConfig = entry.Config
			rf.membership.onApplied(entry)
		}
		rf.log.SetLastApplied(index)
		rf.completeWaiter(entry)
	}

	if applied := rf.log.LastApplied(); applied != before {
		rf.logger.Debug("entries applied", zap.Int64("from", before+1), zap.Int64("to", applied))
		if rf.cfg.PersistenceEnabled {
			rf.context.record(JournalRecord{Kind: RecordApplyJournalEntries, Index: applied})
		}
	}
}

// performSnapshotWithoutCapture trims the in-memory log up to index when nothing depends on it.
func (rf *Raft) performSnapshotWithoutCapture(index int64) {
	if trimmed := rf.snapshots.TrimLog(index); trimmed != EmptyLogIndex {
		rf.replicatedToAllIndex = trimmed
	}
}

// resetLogFromSnapshot replaces the whole log with the one described by snapshot.
func (rf *Raft) resetLogFromSnapshot(snapshot *Snapshot) {
	rf.dropWaitersFrom(0, ErrEntryDropped)
	rf.log = newReplicatedLogFromSnapshot(snapshot)
	rf.replicatedToAllIndex = EmptyLogIndex
	if snapshot.Config != nil {
		rf.appliedConfig = snapshot.Config
		rf.applyConfig(snapshot.Config)
	}
}

func (rf *Raft) send(peerID string, msg *outbound) {
	rf.context.afterFlush(func() {
		if rp := rf.replicatorFor(peerID); rp != nil {
			rp.enqueue(msg)
		}
	})
}

// sortedPeerIDs keeps iteration order stable for logging and tests.
func (rf *Raft) sortedPeerIDs() []string {
	ids := make([]string, 0, len(rf.peers))
	for id := range rf.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type AppendEntriesTask struct {
	task
	args  *AppendEntriesArgs
	reply *AppendEntriesReply
}

func (rf *Raft) AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error {
	t := &AppendEntriesTask{task: newTask(), args: args, reply: reply}
	return dispatch(context.Background(), rf, rf.appendEntriesCh, t, t.done)
}

func (rf *Raft) handleAppendEntriesTask(t *AppendEntriesTask) {
	rf.context.finish(&t.task)
	t.reply.FollowerID = rf.id
	defer func() { t.reply.Term = rf.term.CurrentTerm }()

	if t.args.Term < rf.term.CurrentTerm {
		rf.logger.Debug(
			"AppendEntries reject, term ahead",
			zap.String(Peer, t.args.LeaderID),
			zap.Int64(PeerTerm, t.args.Term),
		)
		t.reply.Success = false
		t.reply.LastIndex = rf.log.LastIndex()
		t.reply.LastTerm = rf.log.LastTerm()
		return
	}
	rf.stepDownOnHigherTerm(t.args.Term)
	if rf.role.Type() == RoleCandidate {
		rf.become(RoleFollower, leaderDiscovered)
	}
	rf.role.HandleAppendEntries(t)
}

type RequestVoteTask struct {
	task
	args  *RequestVoteArgs
	reply *RequestVoteReply
}

func (rf *Raft) RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error {
	t := &RequestVoteTask{task: newTask(), args: args, reply: reply}
	return dispatch(context.Background(), rf, rf.requestVoteCh, t, t.done)
}

// handleRequestVoteTask grants at most one vote per term, and only to a candidate whose log
// is not behind ours.
func (rf *Raft) handleRequestVoteTask(t *RequestVoteTask) {
	rf.context.finish(&t.task)
	defer func() { t.reply.Term = rf.term.CurrentTerm }()

	logger := rf.logger.With(
		zap.String(Peer, t.args.CandidateID),
		zap.Int64(PeerTerm, t.args.Term),
		zap.Int64(Term, rf.term.CurrentTerm),
	)
	if t.args.Term < rf.term.CurrentTerm {
		logger.Debug("RequestVote reject, term ahead")
		return
	}
	rf.stepDownOnHigherTerm(t.args.Term)

	switch {
	case rf.term.VotedFor != "" && rf.term.VotedFor != t.args.CandidateID:
		logger.Debug("RequestVote reject, voted in this term", zap.String("voted for", rf.term.VotedFor))
	case rf.log.IsLogAheadPeer(t.args.LastLogIndex, t.args.LastLogTerm):
		logger.Debug(
			"RequestVote reject, log ahead peer",
			zap.Int64("last log index", rf.log.LastIndex()),
			zap.Int64("last log term", rf.log.LastTerm()),
			zap.Int64("peer last log index", t.args.LastLogIndex),
			zap.Int64("peer last log term", t.args.LastLogTerm),
		)
	default:
		logger.Debug("vote granted")
		if rf.term.VotedFor != t.args.CandidateID {
			rf.updateTerm(rf.term.CurrentTerm, t.args.CandidateID)
		}
		t.reply.VoteGranted = true
		if f, ok := rf.role.(*Follower); ok {
			f.resetElectionTimer()
		}
	}
}

type InstallSnapshotTask struct {
	task
	args  *InstallSnapshotArgs
	reply *InstallSnapshotReply
}

func (rf *Raft) InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) error {
	t := &InstallSnapshotTask{task: newTask(), args: args, reply: reply}
	return dispatch(context.Background(), rf, rf.installSnapshotCh, t, t.done)
}

func (rf *Raft) handleInstallSnapshotTask(t *InstallSnapshotTask) {
	t.reply.FollowerID = rf.id
	t.reply.ChunkIndex = t.args.ChunkIndex
	if t.args.Term < rf.term.CurrentTerm {
		t.reply.Term = rf.term.CurrentTerm
		t.reply.Success = false
		rf.context.finish(&t.task)
		return
	}
	rf.stepDownOnHigherTerm(t.args.Term)
	if rf.role.Type() == RoleCandidate {
		rf.become(RoleFollower, leaderDiscovered)
	}
	t.reply.Term = rf.term.CurrentTerm
	// the role finishes the task, possibly in a later iteration
	rf.role.HandleInstallSnapshot(t)
}

type TimeoutNowTask struct {
	task
	args *TimeoutNowArgs
}

func (rf *Raft) TimeoutNow(args *TimeoutNowArgs, _ *TimeoutNowReply) error {
	t := &TimeoutNowTask{task: newTask(), args: args}
	return dispatch(context.Background(), rf, rf.timeoutNowCh, t, t.done)
}

func (rf *Raft) handleTimeoutNowTask(t *TimeoutNowTask) {
	rf.context.finish(&t.task)
	if t.args.Term < rf.term.CurrentTerm {
		return
	}
	rf.stepDownOnHigherTerm(t.args.Term)
	if rf.role.Type() == RoleFollower && rf.votingState == Voting {
		rf.logger.Info("timeout now received, starting election", zap.String("leader", t.args.LeaderID))
		rf.become(RoleCandidate, timeoutNowReceived)
	}
}

type ServerRemovedTask struct {
	task
	args *ServerRemovedArgs
}

func (rf *Raft) ServerRemoved(args *ServerRemovedArgs, _ *ServerRemovedReply) error {
	t := &ServerRemovedTask{task: newTask(), args: args}
	return dispatch(context.Background(), rf, rf.serverRemovedCh, t, t.done)
}

func (rf *Raft) handleServerRemovedTask(t *ServerRemovedTask) {
	rf.context.finish(&t.task)
	rf.logger.Info("removed from the cluster")
	rf.votingState = NonVoting
	if rf.role.Type() != RoleFollower {
		rf.become(RoleFollower, steppedDown)
	}
}

type SubmitTask struct {
	task
	id    string
	data  []byte
	index int64
	term  int64
	err   error
}

// Submit replicates data and returns once it is applied locally. It fails fast with a
// *NotLeaderError on followers.
func (rf *Raft) Submit(ctx context.Context, id string, data []byte) (int64, int64, error) {
	t := &SubmitTask{task: newTask(), id: id, data: data}
	if err := dispatch(ctx, rf, rf.submitCh, t, t.done); err != nil {
		return EmptyLogIndex, EmptyLogTerm, err
	}
	return t.index, t.term, t.err
}

func (rf *Raft) handleSubmitTask(t *SubmitTask) {
	l, ok := rf.leader()
	switch {
	case !ok:
		t.err = &NotLeaderError{LeaderID: rf.leaderID, LeaderAddress: rf.leaderAddress}
	case rf.paused:
		t.err = ErrLeadershipTransferring
	case l.roleType == RolePreLeader:
		t.err = ErrLeaderNotReady
	}
	if t.err != nil {
		rf.context.finish(&t.task)
		return
	}

	entry := &LogEntry{
		Index: rf.log.LastIndex() + 1,
		Term:  rf.term.CurrentTerm,
		Kind:  EntryCommand,
		ID:    t.id,
		Data:  t.data,
	}
	t.index, t.term = entry.Index, entry.Term
	rf.waiters[entry.Index] = t
	l.replicate(entry)
}

func (rf *Raft) completeWaiter(entry *LogEntry) {
	w, ok := rf.waiters[entry.Index]
	if !ok {
		return
	}
	delete(rf.waiters, entry.Index)
	if w.id != entry.ID || w.term != entry.Term {
		w.err = ErrEntryDropped
	}
	rf.context.finish(&w.task)
}

func (rf *Raft) dropWaitersFrom(index int64, err error) {
	for i, w := range rf.waiters {
		if i >= index {
			delete(rf.waiters, i)
			w.err = err
			rf.context.finish(&w.task)
		}
	}
}

// GetState returns the current term and whether this member leads.
func (rf *Raft) GetState() (int64, bool) {
	state, err := rf.State(context.Background())
	if err != nil {
		return EmptyLogTerm, false
	}
	return state.Term, state.Role.isLeader()
}

func (rf *Raft) handleNotify(ev event) {
	switch ev := ev.(type) {
	case *appendEntriesReplied:
		if rf.stepDownOnHigherTerm(ev.reply.Term) {
			return
		}
	case *requestVoteReplied:
		if rf.stepDownOnHigherTerm(ev.reply.Term) {
			return
		}
	case *installSnapshotReplied:
		if rf.stepDownOnHigherTerm(ev.reply.Term) {
			return
		}
	case *snapshotSaved:
		rf.snapshots.onSaved(ev)
		return
	case *serverOperationTimeout:
		rf.membership.onTimeout(ev)
		return
	case *transferTimeout:
		if rf.transfer != nil {
			rf.transfer.onTimeout(ev)
		}
		return
	}
	rf.role.HandleNotify(ev)
}
