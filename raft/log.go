package raft

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	EmptyLogIndex = -1
	EmptyLogTerm  = -1
	NoMaxSize     = -1
)

type EntryKind uint8

const (
	EntryCommand EntryKind = iota
	EntryNoop
	EntryVotingConfig
)

func (k EntryKind) String() string {
	switch k {
	case EntryCommand:
		return "command"
	case EntryNoop:
		return "noop"
	case EntryVotingConfig:
		return "voting config"
	default:
		return "unknown"
	}
}

type LogEntry struct {
	Index  int64         `json:"index"`
	Term   int64         `json:"term"`
	Kind   EntryKind     `json:"kind"`
	ID     string        `json:"id,omitempty"`
	Data   []byte        `json:"data,omitempty"`
	Config *VotingConfig `json:"config,omitempty"`
}

// Size is the serialized payload estimate used for batching and thresholds.
func (e *LogEntry) Size() int64 {
	size := int64(len(e.Data))
	if e.Config != nil {
		for _, server := range e.Config.Servers {
			size += int64(len(server.ID) + len(server.Address) + 1)
		}
	}
	return size
}

func (e *LogEntry) String() string {
	return fmt.Sprintf("LogEntry{index=%d, term=%d, kind=%s, id=%s, size=%d}",
		e.Index, e.Term, e.Kind, e.ID, e.Size())
}

// ReplicatedLog is the in-memory window of the journal above the snapshot boundary.
// It is owned by the member event loop and never shared.
type ReplicatedLog struct {
	entries []*LogEntry

	snapshotIndex int64
	snapshotTerm  int64

	// set aside by SnapshotPreCommit until commit or rollback
	snapshotted           []*LogEntry
	preCommitted          bool
	previousSnapshotIndex int64
	previousSnapshotTerm  int64

	commitIndex int64
	lastApplied int64
	dataSize    int64

	logger *zap.Logger
}

func NewReplicatedLog(snapshotIndex, snapshotTerm int64, entries []*LogEntry) *ReplicatedLog {
	rl := &ReplicatedLog{
		snapshotIndex:         snapshotIndex,
		snapshotTerm:          snapshotTerm,
		previousSnapshotIndex: EmptyLogIndex,
		previousSnapshotTerm:  EmptyLogTerm,
		commitIndex:           EmptyLogIndex,
		lastApplied:           EmptyLogIndex,
		entries:               make([]*LogEntry, 0, len(entries)),
		logger:                GetLoggerOrPanic("replicated log"),
	}
	for _, entry := range entries {
		rl.Append(entry)
	}
	return rl
}

// newReplicatedLogFromSnapshot rebuilds the log the way recovery and snapshot install need it:
// boundary at the last applied entry, unapplied entries layered on top.
func newReplicatedLogFromSnapshot(snapshot *Snapshot) *ReplicatedLog {
	rl := NewReplicatedLog(snapshot.LastAppliedIndex, snapshot.LastAppliedTerm, snapshot.UnappliedEntries)
	rl.commitIndex = snapshot.LastAppliedIndex
	rl.lastApplied = snapshot.LastAppliedIndex
	return rl
}

func (rl *ReplicatedLog) adjustedIndex(index int64) int64 {
	return index - (rl.snapshotIndex + 1)
}

func (rl *ReplicatedLog) Get(index int64) *LogEntry {
	adjusted := rl.adjustedIndex(index)
	if index < 0 || adjusted < 0 || adjusted >= int64(len(rl.entries)) {
		return nil
	}
	return rl.entries[adjusted]
}

func (rl *ReplicatedLog) Last() *LogEntry {
	if len(rl.entries) == 0 {
		return nil
	}
	return rl.entries[len(rl.entries)-1]
}

func (rl *ReplicatedLog) LastIndex() int64 {
	if last := rl.Last(); last != nil {
		return last.Index
	}
	return rl.snapshotIndex
}

func (rl *ReplicatedLog) LastTerm() int64 {
	if last := rl.Last(); last != nil {
		return last.Term
	}
	return rl.snapshotTerm
}

// TermOf returns the term of index if it is in memory or is the snapshot boundary, else -1.
func (rl *ReplicatedLog) TermOf(index int64) int64 {
	if entry := rl.Get(index); entry != nil {
		return entry.Term
	}
	if index == rl.snapshotIndex {
		return rl.snapshotTerm
	}
	return EmptyLogTerm
}

// Append accepts only the next contiguous index.
func (rl *ReplicatedLog) Append(entry *LogEntry) bool {
	if entry == nil {
		return false
	}
	if entry.Index != rl.LastIndex()+1 {
		rl.logger.Debug(
			"cannot append entry, index is not next",
			zap.Int64(Index, entry.Index),
			zap.Int64("last index", rl.LastIndex()),
		)
		return false
	}
	rl.entries = append(rl.entries, entry)
	rl.dataSize += entry.Size()
	return true
}

// GetFrom returns at most maxEntries entries starting at from whose cumulative size stays
// within maxDataSize. The first entry is always returned when present.
func (rl *ReplicatedLog) GetFrom(from int64, maxEntries int, maxDataSize int64) []*LogEntry {
	adjusted := rl.adjustedIndex(from)
	size := int64(len(rl.entries))
	if from < 0 || adjusted < 0 || adjusted >= size || maxEntries == 0 {
		return nil
	}

	end := size
	if maxEntries > 0 && adjusted+int64(maxEntries) < end {
		end = adjusted + int64(maxEntries)
	}

	ret := make([]*LogEntry, 0, end-adjusted)
	var total int64
	for i := adjusted; i < end; i++ {
		entry := rl.entries[i]
		total += entry.Size()
		if maxDataSize != NoMaxSize && total > maxDataSize && len(ret) > 0 {
			break
		}
		ret = append(ret, entry)
	}
	return ret
}

// RemoveFrom truncates the tail starting at index. It returns the in-memory position the
// removal started from, or -1 when index is not in memory.
func (rl *ReplicatedLog) RemoveFrom(index int64) int64 {
	adjusted := rl.adjustedIndex(index)
	if index < 0 || adjusted < 0 || adjusted >= int64(len(rl.entries)) {
		return -1
	}
	for _, entry := range rl.entries[adjusted:] {
		rl.dataSize -= entry.Size()
	}
	rl.entries = rl.entries[:adjusted]
	if rl.commitIndex > rl.LastIndex() {
		rl.logger.Warn("commit index truncated", zap.Int64("commit index", rl.commitIndex))
		rl.commitIndex = rl.LastIndex()
	}
	return adjusted
}

func (rl *ReplicatedLog) IsPresent(index int64) bool {
	return rl.Get(index) != nil
}

func (rl *ReplicatedLog) IsInSnapshot(index int64) bool {
	return index >= 0 && rl.snapshotIndex != EmptyLogIndex && index <= rl.snapshotIndex
}

func (rl *ReplicatedLog) Size() int            { return len(rl.entries) }
func (rl *ReplicatedLog) DataSize() int64      { return rl.dataSize }
func (rl *ReplicatedLog) SnapshotIndex() int64 { return rl.snapshotIndex }
func (rl *ReplicatedLog) SnapshotTerm() int64  { return rl.snapshotTerm }
func (rl *ReplicatedLog) CommitIndex() int64   { return rl.commitIndex }
func (rl *ReplicatedLog) LastApplied() int64   { return rl.lastApplied }

func (rl *ReplicatedLog) SetCommitIndex(index int64) {
	if index > rl.LastIndex() {
		index = rl.LastIndex()
	}
	rl.commitIndex = index
}

func (rl *ReplicatedLog) SetLastApplied(index int64) {
	rl.lastApplied = index
}

// SnapshotPreCommit moves the boundary to index and sets aside every entry at or below it.
// The entries come back on SnapshotRollback.
func (rl *ReplicatedLog) SnapshotPreCommit(index, term int64) {
	if index < rl.snapshotIndex {
		rl.logger.Warn(
			"snapshot pre-commit below current boundary ignored",
			zap.Int64(Index, index),
			zap.Int64("snapshot index", rl.snapshotIndex),
		)
		return
	}

	cut := rl.adjustedIndex(index) + 1
	if cut > int64(len(rl.entries)) {
		cut = int64(len(rl.entries))
	}
	rl.snapshotted = append(rl.snapshotted[:0:0], rl.entries[:cut]...)
	rl.entries = append(rl.entries[:0:0], rl.entries[cut:]...)
	for _, entry := range rl.snapshotted {
		rl.dataSize -= entry.Size()
	}

	rl.preCommitted = true
	rl.previousSnapshotIndex = rl.snapshotIndex
	rl.previousSnapshotTerm = rl.snapshotTerm
	rl.snapshotIndex = index
	rl.snapshotTerm = term
}

// SnapshotCommit drops the entries set aside by the pre-commit. updateDataSize recomputes the
// size estimate from scratch instead of trusting the running total.
func (rl *ReplicatedLog) SnapshotCommit(updateDataSize bool) {
	rl.snapshotted = nil
	rl.preCommitted = false
	rl.previousSnapshotIndex = EmptyLogIndex
	rl.previousSnapshotTerm = EmptyLogTerm

	if updateDataSize {
		rl.dataSize = 0
		for _, entry := range rl.entries {
			rl.dataSize += entry.Size()
		}
	}
}

func (rl *ReplicatedLog) SnapshotRollback() {
	if !rl.preCommitted {
		return
	}
	for _, entry := range rl.snapshotted {
		rl.dataSize += entry.Size()
	}
	rl.entries = append(rl.snapshotted, rl.entries...)
	rl.snapshotted = nil
	rl.preCommitted = false
	rl.snapshotIndex = rl.previousSnapshotIndex
	rl.snapshotTerm = rl.previousSnapshotTerm
	rl.previousSnapshotIndex = EmptyLogIndex
	rl.previousSnapshotTerm = EmptyLogTerm
}

// IsLogAheadPeer reports whether this log is strictly more up to date than (lastIndex, lastTerm).
func (rl *ReplicatedLog) IsLogAheadPeer(peerLastLogIndex, peerLastLogTerm int64) bool {
	if rl.LastTerm() != peerLastLogTerm {
		return rl.LastTerm() > peerLastLogTerm
	}
	return rl.LastIndex() > peerLastLogIndex
}
