package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"raftcore/kv"
	"raftcore/raft"
)

func entryRecord(index int64) raft.JournalRecord {
	return raft.JournalRecord{
		Kind:  raft.RecordEntry,
		Entry: &raft.LogEntry{Index: index, Term: 1, Kind: raft.EntryCommand, Data: []byte(fmt.Sprint(index))},
	}
}

func replayAll(t *testing.T, j raft.Journal, from int64) []int64 {
	var seen []int64
	require.NoError(t, j.Replay(from, func(seq int64, record raft.JournalRecord) error {
		seen = append(seen, seq)
		return nil
	}))
	return seen
}

func TestFileJournal(t *testing.T) {
	t.Run("append and replay", func(t *testing.T) {
		rq := require.New(t)
		dir := t.TempDir()
		j, err := OpenFileJournal(dir)
		rq.NoError(err)
		defer func() { _ = j.Close() }()

		last, err := j.Append(entryRecord(0), entryRecord(1))
		rq.NoError(err)
		rq.Equal(int64(2), last)
		last, err = j.Append(raft.JournalRecord{Kind: raft.RecordApplyJournalEntries, Index: 1})
		rq.NoError(err)
		rq.Equal(int64(3), last)

		var records []raft.JournalRecord
		rq.NoError(j.Replay(2, func(_ int64, record raft.JournalRecord) error {
			records = append(records, record)
			return nil
		}))
		rq.Len(records, 2)
		rq.Equal(int64(1), records[0].Entry.Index)
		rq.Equal([]byte("1"), records[0].Entry.Data)
		rq.Equal(raft.RecordApplyJournalEntries, records[1].Kind)

		stop := errors.New("stop")
		rq.ErrorIs(j.Replay(1, func(int64, raft.JournalRecord) error { return stop }), stop)
	})

	t.Run("reopen", func(t *testing.T) {
		rq := require.New(t)
		dir := t.TempDir()
		j, err := OpenFileJournal(dir)
		rq.NoError(err)
		_, err = j.Append(entryRecord(0), entryRecord(1), entryRecord(2))
		rq.NoError(err)
		rq.NoError(j.Close())

		_, err = j.Append(entryRecord(3))
		rq.ErrorIs(err, errorJournalClosed)

		j, err = OpenFileJournal(dir)
		rq.NoError(err)
		defer func() { _ = j.Close() }()
		rq.Equal(int64(3), j.LastSequence())
		rq.Equal(3, j.Len())
		last, err := j.Append(entryRecord(3))
		rq.NoError(err)
		rq.Equal(int64(4), last)
	})

	t.Run("delete keeps sequence", func(t *testing.T) {
		rq := require.New(t)
		dir := t.TempDir()
		j, err := OpenFileJournal(dir)
		rq.NoError(err)
		_, err = j.Append(entryRecord(0), entryRecord(1), entryRecord(2), entryRecord(3))
		rq.NoError(err)

		rq.NoError(j.DeleteTo(2))
		rq.Equal([]int64{3, 4}, replayAll(t, j, 0))
		rq.Equal(2, j.Len())

		last, err := j.Append(entryRecord(4))
		rq.NoError(err)
		rq.Equal(int64(5), last)

		rq.NoError(j.DeleteTo(100))
		rq.Empty(replayAll(t, j, 0))
		rq.NoError(j.Close())

		j, err = OpenFileJournal(dir)
		rq.NoError(err)
		defer func() { _ = j.Close() }()
		rq.Equal(int64(5), j.LastSequence())
		last, err = j.Append(entryRecord(5))
		rq.NoError(err)
		rq.Equal(int64(6), last)
		rq.Equal([]int64{6}, replayAll(t, j, 0))
	})

	t.Run("torn tail", func(t *testing.T) {
		rq := require.New(t)
		dir := t.TempDir()
		j, err := OpenFileJournal(dir)
		rq.NoError(err)
		_, err = j.Append(entryRecord(0), entryRecord(1))
		rq.NoError(err)
		rq.NoError(j.Close())

		f, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_WRONLY|os.O_APPEND, 0o644)
		rq.NoError(err)
		_, err = f.WriteString(`{"seq":3,"rec`)
		rq.NoError(err)
		rq.NoError(f.Close())

		j, err = OpenFileJournal(dir)
		rq.NoError(err)
		defer func() { _ = j.Close() }()
		rq.Equal(int64(2), j.LastSequence())
		last, err := j.Append(entryRecord(2))
		rq.NoError(err)
		rq.Equal(int64(3), last)
		rq.Equal([]int64{1, 2, 3}, replayAll(t, j, 0))
	})
}

func TestFileSnapshotStore(t *testing.T) {
	rq := require.New(t)
	s, err := NewFileSnapshotStore(t.TempDir())
	rq.NoError(err)

	latest, err := s.Latest()
	rq.NoError(err)
	rq.Nil(latest)

	old := time.Now()
	rq.NoError(s.Save(&raft.Snapshot{State: []byte("old"), LastAppliedIndex: 1, Timestamp: old}))
	rq.NoError(s.Save(&raft.Snapshot{
		State:            []byte("new"),
		LastIndex:        6,
		LastAppliedIndex: 5,
		TermInfo:         raft.TermInfo{CurrentTerm: 2, VotedFor: "s1"},
		JournalSequence:  9,
		Timestamp:        old.Add(time.Second),
	}))
	rq.Equal(2, s.Len())

	latest, err = s.Latest()
	rq.NoError(err)
	rq.Equal(int64(5), latest.LastAppliedIndex)
	rq.Equal(int64(9), latest.JournalSequence)
	rq.Equal("s1", latest.TermInfo.VotedFor)

	rq.NoError(s.DeleteOlderThan(old.Add(time.Second)))
	rq.Equal(1, s.Len())

	var buf bytes.Buffer
	rq.NoError(s.StreamToInstall(latest, &buf))
	rq.Equal("new", buf.String())
}

func TestFileTermStore(t *testing.T) {
	rq := require.New(t)
	dir := t.TempDir()
	s, err := NewFileTermStore(dir)
	rq.NoError(err)

	info, err := s.Load()
	rq.NoError(err)
	rq.Equal(raft.TermInfo{}, info)

	rq.NoError(s.StoreAndSetTerm(raft.TermInfo{CurrentTerm: 4, VotedFor: "s3"}))
	rq.NoError(s.StoreAndSetTerm(raft.TermInfo{CurrentTerm: 5}))

	s, err = NewFileTermStore(dir)
	rq.NoError(err)
	info, err = s.Load()
	rq.NoError(err)
	rq.Equal(raft.TermInfo{CurrentTerm: 5}, info)
}

func TestOpen(t *testing.T) {
	rq := require.New(t)

	_, err := Open("unknown", t.TempDir())
	rq.Error(err)
	rq.Contains(Engines(), "file")
	rq.Contains(Engines(), "memory")

	s, err := Open("memory", "")
	rq.NoError(err)
	rq.NoError(s.Close())
}

// loopback never leaves the process, a single member sends nothing.
type loopback struct{}

var errorNoPeers = errors.New("no peers")

func (loopback) RequestVote(context.Context, string, *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	return nil, errorNoPeers
}

func (loopback) AppendEntries(context.Context, string, *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	return nil, errorNoPeers
}

func (loopback) InstallSnapshot(context.Context, string, *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	return nil, errorNoPeers
}

func (loopback) TimeoutNow(context.Context, string, *raft.TimeoutNowArgs) error {
	return errorNoPeers
}

func (loopback) ServerRemoved(context.Context, string, *raft.ServerRemovedArgs) error {
	return errorNoPeers
}

func (loopback) ChangeServers(context.Context, string, *raft.ServerChangeRequest) (*raft.ServerChangeReply, error) {
	return nil, errorNoPeers
}

func startMember(t *testing.T, dir string, cfg raft.Config) (*raft.Raft, *kv.Store, *Storage) {
	storage, err := OpenFile(dir)
	require.NoError(t, err)
	store := kv.NewStore()
	rf, err := raft.Make(raft.Options{
		ID:           "s1",
		Address:      "s1",
		Config:       cfg,
		Transport:    loopback{},
		Journal:      storage.Journal,
		Snapshots:    storage.Snapshots,
		Terms:        storage.Terms,
		StateMachine: store,
	})
	require.NoError(t, err)
	return rf, store, storage
}

func submit(t *testing.T, rf *raft.Raft, key, value string) {
	data, err := kv.Command{Op: kv.OpPut, Key: key, Value: value}.Encode()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _, err := rf.Submit(ctx, key, data)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMemberRestartOnFileStorage(t *testing.T) {
	rq := require.New(t)
	dir := t.TempDir()
	cfg := raft.DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ElectionTimeoutFactor = 5
	cfg.SnapshotBatchCount = 4

	rf, _, storage := startMember(t, dir, cfg)
	for i := 0; i < 10; i++ {
		submit(t, rf, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}
	rq.Eventually(func() bool {
		st, err := rf.State(context.Background())
		return err == nil && !st.SnapshotCaptureBusy
	}, 2*time.Second, 10*time.Millisecond)
	term, _ := rf.GetState()
	rf.Kill()
	<-rf.Done()
	rq.NoError(storage.Close())
	rq.GreaterOrEqual(storage.Snapshots.(*FileSnapshotStore).Len(), 1)

	rf, store, storage := startMember(t, dir, cfg)
	defer func() {
		rf.Kill()
		<-rf.Done()
		_ = storage.Close()
	}()
	rq.True(store.Recovered())
	for i := 0; i < 10; i++ {
		v, ok := store.Get(fmt.Sprintf("k%d", i))
		rq.True(ok)
		rq.Equal(fmt.Sprintf("v%d", i), v)
	}
	st, err := rf.State(context.Background())
	rq.NoError(err)
	rq.GreaterOrEqual(st.Term, term)

	submit(t, rf, "after", "restart")
	v, _ := store.Get("after")
	rq.Equal("restart", v)
}
