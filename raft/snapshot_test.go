package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshot_Capture(t *testing.T) {
	rq := require.New(t)
	c := newTestCluster(t, 3, func(cfg *Config) {
		cfg.SnapshotBatchCount = 5
	})
	leader := c.checkOneLeader()

	want := commandsN("cmd", 23)
	for _, cmd := range want {
		c.submit(cmd)
	}
	c.requireApplied(want, "s1", "s2", "s3")

	for _, rf := range c.net.connected() {
		rf := rf
		rq.Eventually(func() bool {
			st := c.state(rf)
			return st.SnapshotIndex > EmptyLogIndex && !st.SnapshotCaptureBusy
		}, 2*time.Second, 20*time.Millisecond, "member %s never snapshotted", rf.ID())
		rq.GreaterOrEqual(c.storage(rf.ID()).Snapshots.Len(), 1)
		rq.Greater(c.machine(rf.ID()).snapshotCount(), 0)
	}

	st := c.state(leader)
	rq.Less(st.InMemoryEntries, len(want))
	// journal records covered by a snapshot are gone
	rq.Less(c.storage(leader.ID()).Journal.Len(), len(want))
}

func TestSnapshot_InstallOnLaggingFollower(t *testing.T) {
	rq := require.New(t)
	c := newTestCluster(t, 3, func(cfg *Config) {
		cfg.SnapshotBatchCount = 5
		cfg.SnapshotChunkSize = 64
	})
	leader := c.checkOneLeader()

	var lagging string
	for _, p := range c.peers {
		if p.ID != leader.ID() {
			lagging = p.ID
			break
		}
	}

	c.submit("first")
	c.requireApplied([]string{"first"}, "s1", "s2", "s3")
	c.net.disconnect(lagging)

	want := append([]string{"first"}, commandsN("cmd", 30)...)
	for _, cmd := range want[1:] {
		c.submit(cmd)
	}
	leader = c.checkOneLeader()
	rq.Eventually(func() bool {
		st := c.state(leader)
		return st.SnapshotIndex > 10
	}, 2*time.Second, 20*time.Millisecond)

	c.net.connect(lagging)
	c.requireApplied(want, "s1", "s2", "s3")

	st := c.state(c.member(lagging))
	rq.Greater(st.SnapshotIndex, int64(10))
	rq.GreaterOrEqual(c.storage(lagging).Snapshots.Len(), 1)
}

func TestSnapshot_TrimLog(t *testing.T) {
	rq := require.New(t)
	c := newTestCluster(t, 3)
	leader := c.checkOneLeader()

	want := commandsN("cmd", 10)
	for _, cmd := range want {
		c.submit(cmd)
	}
	c.requireApplied(want, "s1", "s2", "s3")

	// entries every follower holds are dropped from memory without a capture
	rq.Eventually(func() bool {
		st := c.state(leader)
		return st.SnapshotIndex >= 8 && st.ReplicatedToAllIndex >= 8
	}, 2*time.Second, 20*time.Millisecond)
	rq.Zero(c.storage(leader.ID()).Snapshots.Len())
}

func TestSnapshotManager_TrimLog(t *testing.T) {
	rq := require.New(t)
	c := newTestCluster(t, 1)
	rf := c.checkOneLeader()
	c.submit("a")
	c.submit("b")
	c.submit("c")
	rf.Kill()

	// the daemon is gone, the log can be driven directly
	rq.Equal(int64(3), rf.log.LastApplied())
	// a lone member keeps only its last applied entry in memory
	rq.Equal(int64(2), rf.log.SnapshotIndex())
	rq.Equal(int64(EmptyLogIndex), rf.snapshots.TrimLog(5))

	for _, entry := range newEntries(rf.term.CurrentTerm, 4, 6) {
		rq.True(rf.log.Append(entry))
	}
	rf.log.SetCommitIndex(6)
	rf.log.SetLastApplied(6)
	rq.Equal(int64(5), rf.snapshots.TrimLog(10))
	rq.Equal(int64(5), rf.log.SnapshotIndex())
	rq.Equal(1, rf.log.Size())

	for _, entry := range newEntries(rf.term.CurrentTerm, 7, 8) {
		rq.True(rf.log.Append(entry))
	}
	rf.log.SetLastApplied(8)
	// nothing is trimmed while a capture is in flight, the trim point is remembered instead
	rf.snapshots.state = snapshotPersisting
	rq.Equal(int64(EmptyLogIndex), rf.snapshots.TrimLog(7))
	rq.Equal(int64(5), rf.log.SnapshotIndex())
	rq.Equal(int64(7), rf.replicatedToAllIndex)
}

// gatedJournal holds every DeleteTo until release is closed.
type gatedJournal struct {
	*MemoryJournal
	deleting chan struct{}
	release  chan struct{}
}

func (j *gatedJournal) DeleteTo(sequence int64) error {
	select {
	case j.deleting <- struct{}{}:
	default:
	}
	<-j.release
	return j.MemoryJournal.DeleteTo(sequence)
}

func TestSnapshot_JournalDeleteOffLoop(t *testing.T) {
	rq := require.New(t)
	c := newTestCluster(t, 1, func(cfg *Config) {
		cfg.SnapshotBatchCount = 3
	})
	c.checkOneLeader()
	c.kill("s1")

	journal := &gatedJournal{
		MemoryJournal: c.storage("s1").Journal,
		deleting:      make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
	c.journals["s1"] = journal
	c.start("s1", c.peers, Voting)
	c.checkOneLeader()

	want := commandsN("cmd", 3)
	for _, cmd := range want {
		c.submit(cmd)
	}
	select {
	case <-journal.deleting:
	case <-time.After(5 * time.Second):
		close(journal.release)
		rq.FailNow("no journal delete after a capture")
	}

	// the member keeps serving while the journal is rewritten
	rq.NotNil(c.state(c.member("s1")))
	want = append(want, "during delete")
	c.submit("during delete")
	c.requireApplied(want, "s1")
	rq.True(c.state(c.member("s1")).SnapshotCaptureBusy)

	close(journal.release)
	rq.Eventually(func() bool {
		st := c.state(c.member("s1"))
		return st != nil && !st.SnapshotCaptureBusy && st.SnapshotIndex > EmptyLogIndex
	}, 2*time.Second, 20*time.Millisecond)
}
