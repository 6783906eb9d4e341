package raft

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type snapshotState int

const (
	snapshotIdle snapshotState = iota
	// capture taken, waiting for the store
	snapshotPersisting
	// snapshot received from the leader, waiting for the store
	snapshotApplying
)

func (s snapshotState) String() string {
	switch s {
	case snapshotIdle:
		return "idle"
	case snapshotPersisting:
		return "persisting"
	case snapshotApplying:
		return "applying"
	default:
		return "unknown"
	}
}

type snapshotSaved struct {
	captureID    uint64
	err          error
	installBytes []byte
	installErr   error
}

type pendingSnapshot struct {
	snapshot *Snapshot
	// leader term and follower of a capture taken for an install
	installTerm   int64
	installTarget string
	applyCallback func(ok bool)
}

// SnapshotManager runs at most one snapshot operation at a time, either a capture of the
// local state machine or the application of a snapshot sent by the leader. The store write
// happens off the loop, the outcome comes back as a snapshotSaved event.
type SnapshotManager struct {
	rf     *Raft
	logger *zap.Logger

	state     snapshotState
	captureID uint64
	pending   *pendingSnapshot
}

func newSnapshotManager(rf *Raft) *SnapshotManager {
	return &SnapshotManager{
		rf: rf,
		logger: GetLoggerOrPanic("snapshot manager").
			With(zap.String(Member, rf.id)),
	}
}

func (m *SnapshotManager) IsCapturing() bool { return m.state != snapshotIdle }

// onEntryAppended captures when the log has grown by a batch or holds too much data.
func (m *SnapshotManager) onEntryAppended(entry *LogEntry) {
	cfg := m.rf.cfg
	if (entry.Index+1)%cfg.SnapshotBatchCount == 0 || m.rf.log.DataSize() > cfg.snapshotDataThreshold() {
		m.Capture(entry, m.rf.replicatedToAllIndex)
	}
}

func (m *SnapshotManager) Capture(lastLogEntry *LogEntry, replicatedToAllIndex int64) bool {
	return m.capture(lastLogEntry, replicatedToAllIndex, "")
}

// CaptureToInstall captures a snapshot that is also serialized for followerID.
func (m *SnapshotManager) CaptureToInstall(lastLogEntry *LogEntry, replicatedToAllIndex int64, followerID string) bool {
	return m.capture(lastLogEntry, replicatedToAllIndex, followerID)
}

func (m *SnapshotManager) capture(lastLogEntry *LogEntry, replicatedToAllIndex int64, installTarget string) bool {
	if m.state != snapshotIdle {
		m.logger.Debug("capture refused", zap.Stringer("state", m.state), zap.Error(errorSnapshotCaptureInFlight))
		return false
	}
	rf := m.rf
	rl := rf.log

	replicatedToAllTerm := int64(EmptyLogTerm)
	if entry := rl.Get(replicatedToAllIndex); entry != nil {
		replicatedToAllTerm = entry.Term
	} else {
		replicatedToAllIndex = EmptyLogIndex
	}

	snapshot, err := m.newSnapshot(lastLogEntry, rf.journal.LastSequence())
	if err != nil {
		m.logger.Warn("state machine failed to take snapshot", zap.Error(err))
		return false
	}
	lastAppliedIndex, lastAppliedTerm := snapshot.LastAppliedIndex, snapshot.LastAppliedTerm
	m.logger.Info(
		"capturing snapshot",
		zap.Int64("last applied index", lastAppliedIndex),
		zap.Int64("last index", snapshot.LastIndex),
		zap.Int64("replicated to all index", replicatedToAllIndex),
		zap.String("install target", installTarget),
	)

	// choose how far the log may be trimmed
	dataThresholdExceeded := rl.DataSize() > rf.cfg.snapshotDataThreshold()
	if dataThresholdExceeded || int64(rl.Size()) >= rf.cfg.SnapshotBatchCount {
		rl.SnapshotPreCommit(lastAppliedIndex, lastAppliedTerm)
		if replicatedToAllIndex != EmptyLogIndex {
			rf.replicatedToAllIndex = replicatedToAllIndex
		}
	} else if replicatedToAllIndex != EmptyLogIndex {
		rl.SnapshotPreCommit(replicatedToAllIndex, replicatedToAllTerm)
		rf.replicatedToAllIndex = replicatedToAllIndex
	} else {
		rl.SnapshotPreCommit(rl.SnapshotIndex(), rl.SnapshotTerm())
	}

	m.state = snapshotPersisting
	m.pending = &pendingSnapshot{snapshot: snapshot, installTarget: installTarget, installTerm: rf.term.CurrentTerm}
	m.save(snapshot, installTarget != "")
	return true
}

// newSnapshot builds a snapshot of the applied state that covers the journal up to
// journalSequence. Entries past the last applied one travel as unapplied entries.
func (m *SnapshotManager) newSnapshot(lastLogEntry *LogEntry, journalSequence int64) (*Snapshot, error) {
	rf := m.rf
	rl := rf.log

	lastAppliedIndex := rl.LastApplied()
	lastAppliedTerm := rl.TermOf(lastAppliedIndex)
	if lastAppliedTerm == EmptyLogTerm {
		lastAppliedIndex, lastAppliedTerm = rl.SnapshotIndex(), rl.SnapshotTerm()
	}
	lastIndex, lastTerm := int64(EmptyLogIndex), int64(EmptyLogTerm)
	if lastLogEntry != nil {
		lastIndex, lastTerm = lastLogEntry.Index, lastLogEntry.Term
	}

	state, err := rf.sm.TakeSnapshot()
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		State:            state,
		UnappliedEntries: rl.GetFrom(lastAppliedIndex+1, -1, NoMaxSize),
		LastIndex:        lastIndex,
		LastTerm:         lastTerm,
		LastAppliedIndex: lastAppliedIndex,
		LastAppliedTerm:  lastAppliedTerm,
		TermInfo:         rf.term,
		Config:           rf.currentConfig(true),
		JournalSequence:  journalSequence,
		Timestamp:        time.Now(),
	}, nil
}

// saveRecoverySnapshot writes a snapshot of what has been replayed so far and trims the log
// to the last applied entry. It runs before the event loop starts, so the store write is
// synchronous. journalSequence is the last record replayed, not the end of the journal.
func (m *SnapshotManager) saveRecoverySnapshot(journalSequence int64) (*Snapshot, error) {
	rl := m.rf.log
	snapshot, err := m.newSnapshot(rl.Last(), journalSequence)
	if err != nil {
		return nil, fmt.Errorf("fail to take recovery snapshot, %w", err)
	}
	if err := m.rf.snapshotStore.Save(snapshot); err != nil {
		return nil, fmt.Errorf("fail to save recovery snapshot, %w", err)
	}
	rl.SnapshotPreCommit(snapshot.LastAppliedIndex, snapshot.LastAppliedTerm)
	rl.SnapshotCommit(true)
	m.logger.Info(
		"recovery snapshot saved",
		zap.Int64("last applied index", snapshot.LastAppliedIndex),
		zap.Int64("journal sequence", journalSequence),
	)
	return snapshot, nil
}

// Apply persists a snapshot received from the leader, then replaces the log and state
// machine with it. callback learns the outcome.
func (m *SnapshotManager) Apply(snapshot *Snapshot, callback func(ok bool)) {
	if m.state != snapshotIdle {
		m.logger.Warn("cannot apply snapshot, operation in flight", zap.Stringer("state", m.state))
		callback(false)
		return
	}
	snapshot.JournalSequence = m.rf.journal.LastSequence()
	m.state = snapshotApplying
	m.pending = &pendingSnapshot{snapshot: snapshot, applyCallback: callback}
	m.save(snapshot, false)
}

func (m *SnapshotManager) save(snapshot *Snapshot, forInstall bool) {
	m.captureID++
	id := m.captureID
	store := m.rf.snapshotStore
	journal := m.rf.journal
	toSave := snapshot
	if !m.rf.cfg.PersistenceEnabled {
		toSave = snapshot.configOnly()
	}

	go func() {
		ev := &snapshotSaved{captureID: id}
		if err := store.Save(toSave); err != nil {
			ev.err = err
			m.rf.post(ev)
			return
		}
		if forInstall {
			var buf bytes.Buffer
			if err := store.StreamToInstall(snapshot, &buf); err != nil {
				ev.installErr = err
			} else {
				ev.installBytes = buf.Bytes()
			}
		}
		// drop what the saved snapshot covers
		if err := journal.DeleteTo(snapshot.JournalSequence); err != nil {
			m.logger.Warn("fail to delete journal records", zap.Error(err))
		}
		if err := store.DeleteOlderThan(snapshot.Timestamp); err != nil {
			m.logger.Warn("fail to delete old snapshots", zap.Error(err))
		}
		m.rf.post(ev)
	}()
}

func (m *SnapshotManager) onSaved(ev *snapshotSaved) {
	if m.state == snapshotIdle || ev.captureID != m.captureID {
		m.logger.Debug("stale snapshot save result ignored")
		return
	}
	if ev.err != nil {
		m.logger.Error("fail to save snapshot", zap.Error(ev.err))
		m.Rollback()
		return
	}

	pending := m.pending
	if pending.installTarget != "" {
		if l, ok := m.rf.leader(); ok && l.term == pending.installTerm {
			if ev.installErr != nil {
				m.logger.Error("fail to serialize snapshot for install", zap.Error(ev.installErr))
				l.installCaptureFailed()
			} else {
				l.sendInstallSnapshot(ev.installBytes, pending.snapshot.LastAppliedIndex, pending.snapshot.LastAppliedTerm)
			}
		}
	}
	m.Commit()
}

// Commit finalizes the in-flight operation after the snapshot is durable.
func (m *SnapshotManager) Commit() {
	rf := m.rf
	pending := m.pending
	snapshot := pending.snapshot

	switch m.state {
	case snapshotApplying:
		rf.resetLogFromSnapshot(snapshot)
		if snapshot.State != nil {
			if err := rf.sm.ApplySnapshot(snapshot.State); err != nil {
				m.logger.Error("state machine failed to apply snapshot", zap.Error(err))
			}
		}
		m.logger.Info("snapshot applied", zap.Int64("last applied index", snapshot.LastAppliedIndex))
	case snapshotPersisting:
		rf.log.SnapshotCommit(true)
		m.logger.Info("snapshot committed", zap.Int64("snapshot index", rf.log.SnapshotIndex()))
	}

	m.state = snapshotIdle
	m.pending = nil
	if pending.applyCallback != nil {
		pending.applyCallback(true)
	}
	rf.membership.onSnapshotComplete()
}

// Rollback abandons the in-flight operation and restores the log.
func (m *SnapshotManager) Rollback() {
	pending := m.pending
	if m.state == snapshotPersisting {
		m.rf.log.SnapshotRollback()
		if l, ok := m.rf.leader(); ok && pending.installTarget != "" {
			l.installCaptureFailed()
		}
	}
	m.logger.Info("snapshot rolled back", zap.Stringer("state", m.state))

	m.state = snapshotIdle
	m.pending = nil
	if pending != nil && pending.applyCallback != nil {
		pending.applyCallback(false)
	}
	m.rf.membership.onSnapshotComplete()
}

// TrimLog drops in-memory entries up to desiredTrimIndex without capturing, keeping the last
// applied entry. It returns the index trimmed to, or -1 when nothing was trimmed.
func (m *SnapshotManager) TrimLog(desiredTrimIndex int64) int64 {
	rf := m.rf
	rl := rf.log

	tempMin := desiredTrimIndex
	if lastApplied := rl.LastApplied(); lastApplied > EmptyLogIndex {
		tempMin = min64(tempMin, lastApplied-1)
	} else {
		tempMin = min64(tempMin, EmptyLogIndex)
	}

	if m.state == snapshotIdle && tempMin > EmptyLogIndex && rl.IsPresent(tempMin) {
		m.logger.Debug("trimming log", zap.Int64(Index, tempMin))
		rl.SnapshotPreCommit(tempMin, rl.Get(tempMin).Term)
		rl.SnapshotCommit(false)
		return tempMin
	}
	if tempMin > rf.replicatedToAllIndex {
		rf.replicatedToAllIndex = tempMin
	}
	return EmptyLogIndex
}
