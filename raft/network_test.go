package raft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errorUnreachable = errors.New("errorUnreachable")

// testNetwork routes calls between in-process members. Address and id are the same.
type testNetwork struct {
	mu           sync.Mutex
	members      map[string]*Raft
	disconnected map[string]bool
	// runs after a member handled an install chunk, before the sender sees the reply
	onInstalled func(to string, args *InstallSnapshotArgs)
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		members:      make(map[string]*Raft),
		disconnected: make(map[string]bool),
	}
}

func (n *testNetwork) register(rf *Raft) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.members[rf.ID()] = rf
}

func (n *testNetwork) remove(id string) *Raft {
	n.mu.Lock()
	defer n.mu.Unlock()
	rf := n.members[id]
	delete(n.members, id)
	return rf
}

func (n *testNetwork) disconnect(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected[id] = true
}

func (n *testNetwork) connect(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.disconnected, id)
}

func (n *testNetwork) setInstallHook(fn func(to string, args *InstallSnapshotArgs)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onInstalled = fn
}

func (n *testNetwork) target(from, to string) (*Raft, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disconnected[from] || n.disconnected[to] {
		return nil, errorUnreachable
	}
	rf, ok := n.members[to]
	if !ok {
		return nil, errorUnreachable
	}
	return rf, nil
}

// connected lists running members that can reach each other.
func (n *testNetwork) connected() []*Raft {
	n.mu.Lock()
	defer n.mu.Unlock()
	var ret []*Raft
	for id, rf := range n.members {
		if !n.disconnected[id] {
			ret = append(ret, rf)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID() < ret[j].ID() })
	return ret
}

func (n *testNetwork) all() []*Raft {
	n.mu.Lock()
	defer n.mu.Unlock()
	var ret []*Raft
	for _, rf := range n.members {
		ret = append(ret, rf)
	}
	return ret
}

type testTransport struct {
	from string
	net  *testNetwork
}

func (tt *testTransport) RequestVote(_ context.Context, address string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	rf, err := tt.net.target(tt.from, address)
	if err != nil {
		return nil, err
	}
	reply := &RequestVoteReply{}
	return reply, rf.RequestVote(args, reply)
}

func (tt *testTransport) AppendEntries(_ context.Context, address string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	rf, err := tt.net.target(tt.from, address)
	if err != nil {
		return nil, err
	}
	reply := &AppendEntriesReply{}
	return reply, rf.AppendEntries(args, reply)
}

func (tt *testTransport) InstallSnapshot(_ context.Context, address string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error) {
	rf, err := tt.net.target(tt.from, address)
	if err != nil {
		return nil, err
	}
	reply := &InstallSnapshotReply{}
	if err := rf.InstallSnapshot(args, reply); err != nil {
		return nil, err
	}
	tt.net.mu.Lock()
	hook := tt.net.onInstalled
	tt.net.mu.Unlock()
	if hook != nil {
		hook(address, args)
	}
	return reply, nil
}

func (tt *testTransport) TimeoutNow(_ context.Context, address string, args *TimeoutNowArgs) error {
	rf, err := tt.net.target(tt.from, address)
	if err != nil {
		return err
	}
	return rf.TimeoutNow(args, &TimeoutNowReply{})
}

func (tt *testTransport) ServerRemoved(_ context.Context, address string, args *ServerRemovedArgs) error {
	rf, err := tt.net.target(tt.from, address)
	if err != nil {
		return err
	}
	return rf.ServerRemoved(args, &ServerRemovedReply{})
}

func (tt *testTransport) ChangeServers(ctx context.Context, address string, req *ServerChangeRequest) (*ServerChangeReply, error) {
	rf, err := tt.net.target(tt.from, address)
	if err != nil {
		return nil, err
	}
	return rf.changeServers(ctx, req)
}

// testStateMachine records applied commands in order.
type testStateMachine struct {
	mu        sync.Mutex
	applied   []string
	batch     []string
	recovered bool
	snapshots int
	installs  int
}

func (sm *testStateMachine) ApplyCommand(_ int64, _ string, data []byte) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.applied = append(sm.applied, string(data))
}

func (sm *testStateMachine) TakeSnapshot() ([]byte, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.snapshots++
	return json.Marshal(sm.applied)
}

func (sm *testStateMachine) ApplySnapshot(state []byte) error {
	sm.mu.Lock()
	sm.installs++
	sm.mu.Unlock()
	return sm.restore(state)
}

func (sm *testStateMachine) restore(state []byte) error {
	var applied []string
	if err := json.Unmarshal(state, &applied); err != nil {
		return err
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.applied = applied
	return nil
}

func (sm *testStateMachine) StartLogRecoveryBatch(maxBatchSize int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.batch = make([]string, 0, maxBatchSize)
}

func (sm *testStateMachine) AppendRecoveredCommand(data []byte) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.batch = append(sm.batch, string(data))
}

func (sm *testStateMachine) ApplyCurrentLogRecoveryBatch() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.applied = append(sm.applied, sm.batch...)
	sm.batch = nil
	return nil
}

func (sm *testStateMachine) ApplyRecoveredSnapshot(state []byte) error {
	return sm.restore(state)
}

func (sm *testStateMachine) OnRecoveryComplete() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.recovered = true
}

func (sm *testStateMachine) snapshotCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.snapshots
}

// installCount counts snapshots received from a leader.
func (sm *testStateMachine) installCount() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.installs
}

func (sm *testStateMachine) isRecovered() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.recovered
}

func (sm *testStateMachine) commands() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]string(nil), sm.applied...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ElectionTimeoutFactor = 5
	cfg.ElectionTimeoutVariance = 100 * time.Millisecond
	cfg.IsolatedCheckInterval = 100 * time.Millisecond
	cfg.RPCTimeout = 100 * time.Millisecond
	cfg.LeadershipTransferTimeout = time.Second
	cfg.ServerOperationTimeout = 2 * time.Second
	return cfg
}

type testCluster struct {
	t   *testing.T
	cfg Config
	net *testNetwork

	mu       sync.Mutex
	storages map[string]*MemoryStorage
	machines map[string]*testStateMachine
	// journals replacing the storage journal of a member on its next start
	journals map[string]Journal
	peers    []PeerInfo
}

// newTestCluster starts n voting members named s1..sn.
func newTestCluster(t *testing.T, n int, configure ...func(*Config)) *testCluster {
	cfg := testConfig()
	for _, fn := range configure {
		fn(&cfg)
	}
	c := &testCluster{
		t:        t,
		cfg:      cfg,
		net:      newTestNetwork(),
		storages: make(map[string]*MemoryStorage),
		machines: make(map[string]*testStateMachine),
		journals: make(map[string]Journal),
	}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("s%d", i)
		c.peers = append(c.peers, PeerInfo{ID: id, Address: id, VotingState: Voting})
	}
	for _, p := range c.peers {
		c.start(p.ID, c.peers, Voting)
	}
	t.Cleanup(c.shutdown)
	return c
}

// start runs id on its existing storage, or a fresh one, with an empty state machine.
func (c *testCluster) start(id string, peers []PeerInfo, votingState VotingState) *Raft {
	c.mu.Lock()
	storage, ok := c.storages[id]
	if !ok {
		storage = NewMemoryStorage()
		c.storages[id] = storage
	}
	var journal Journal = storage.Journal
	if j, ok := c.journals[id]; ok {
		journal = j
	}
	sm := &testStateMachine{}
	c.machines[id] = sm
	c.mu.Unlock()

	rf, err := Make(Options{
		ID:           id,
		Address:      id,
		Peers:        peers,
		VotingState:  votingState,
		Config:       c.cfg,
		Transport:    &testTransport{from: id, net: c.net},
		Journal:      journal,
		Snapshots:    storage.Snapshots,
		Terms:        storage.Terms,
		StateMachine: sm,
	})
	require.NoError(c.t, err)
	c.net.register(rf)
	return rf
}

func (c *testCluster) storage(id string) *MemoryStorage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storages[id]
}

func (c *testCluster) machine(id string) *testStateMachine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machines[id]
}

func (c *testCluster) member(id string) *Raft {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.net.members[id]
}

func (c *testCluster) kill(id string) {
	if rf := c.net.remove(id); rf != nil {
		rf.Kill()
	}
}

func (c *testCluster) shutdown() {
	for _, rf := range c.net.all() {
		c.net.remove(rf.ID())
		rf.Kill()
	}
}

func (c *testCluster) state(rf *Raft) *OnDemandState {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	state, err := rf.State(ctx)
	if err != nil {
		return nil
	}
	return state
}

// leader returns the only ready leader among connected members, or nil.
func (c *testCluster) leader() *Raft {
	var found *Raft
	for _, rf := range c.net.connected() {
		st := c.state(rf)
		if st == nil || st.Role != RoleLeader {
			continue
		}
		if found != nil {
			return nil
		}
		found = rf
	}
	return found
}

func (c *testCluster) checkOneLeader() *Raft {
	var leader *Raft
	require.Eventually(c.t, func() bool {
		leader = c.leader()
		return leader != nil
	}, 5*time.Second, 20*time.Millisecond, "no single leader elected")
	return leader
}

// submit retries on whichever member leads until the command is applied there.
func (c *testCluster) submit(cmd string) int64 {
	var index int64
	require.Eventually(c.t, func() bool {
		l := c.leader()
		if l == nil {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		i, _, err := l.Submit(ctx, cmd, []byte(cmd))
		if err != nil {
			return false
		}
		index = i
		return true
	}, 10*time.Second, 50*time.Millisecond, "command %s not applied", cmd)
	return index
}

// requireApplied waits until every listed member applied exactly want.
func (c *testCluster) requireApplied(want []string, ids ...string) {
	for _, id := range ids {
		id := id
		require.Eventually(c.t, func() bool {
			return equalCommands(c.machine(id).commands(), want)
		}, 5*time.Second, 20*time.Millisecond, "member %s applied %v, want %v", id, c.machine(id).commands(), want)
	}
}

func equalCommands(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func commandsN(prefix string, n int) []string {
	ret := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ret = append(ret, fmt.Sprintf("%s-%d", prefix, i))
	}
	return ret
}
