package raft

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// recovery rebuilds member state at startup: latest snapshot first, then the journal
// records after it, then the term store.
type recovery struct {
	rf     *Raft
	logger *zap.Logger

	batchCount     int
	replayed       int
	dataRecovered  bool
	lastSnapshotAt time.Time
	// journal sequence of the record being replayed
	sequence int64
	// last snapshot saved during replay, its covered records are dropped once replay ends
	recoverySnapshot *Snapshot
}

func (rf *Raft) recover() error {
	r := &recovery{
		rf: rf,
		logger: GetLoggerOrPanic("recovery").
			With(zap.String(Member, rf.id)),
		lastSnapshotAt: time.Now(),
	}
	started := time.Now()

	snapshot, err := rf.snapshotStore.Latest()
	if err != nil {
		return fmt.Errorf("fail to load snapshot, %w", err)
	}
	from := int64(1)
	if snapshot != nil {
		if err := r.onSnapshotOffer(snapshot); err != nil {
			return err
		}
		from = snapshot.JournalSequence + 1
	}

	if err := rf.journal.Replay(from, func(seq int64, record JournalRecord) error {
		r.sequence = seq
		return r.onRecord(record)
	}); err != nil {
		return fmt.Errorf("fail to replay journal, %w", err)
	}
	if err := r.dropReplayedRecords(); err != nil {
		return err
	}

	info, err := rf.terms.Load()
	if err != nil {
		return fmt.Errorf("fail to load term, %w", err)
	}
	if info.CurrentTerm >= rf.term.CurrentTerm {
		rf.term = info
	}

	if err := r.onRecoveryComplete(); err != nil {
		return err
	}
	r.logger.Info(
		"recovery completed",
		zap.Duration("took", time.Since(started)),
		zap.Int("records", r.replayed),
		zap.Int64(Term, rf.term.CurrentTerm),
		zap.Int64("last index", rf.log.LastIndex()),
		zap.Int64("last applied", rf.log.LastApplied()),
		zap.Int64("snapshot index", rf.log.SnapshotIndex()),
	)
	return nil
}

func (r *recovery) onSnapshotOffer(snapshot *Snapshot) error {
	rf := r.rf
	r.dataRecovered = true
	r.logger.Info(
		"snapshot offered",
		zap.Int64("last applied index", snapshot.LastAppliedIndex),
		zap.Int64("journal sequence", snapshot.JournalSequence),
	)

	if snapshot.TermInfo.CurrentTerm >= rf.term.CurrentTerm {
		rf.term = snapshot.TermInfo
	}
	if snapshot.Config != nil {
		rf.appliedConfig = snapshot.Config
		rf.applyConfig(snapshot.Config)
	}
	if !rf.cfg.PersistenceEnabled {
		return nil
	}

	rf.log = newReplicatedLogFromSnapshot(snapshot)
	if snapshot.State != nil {
		if err := rf.sm.ApplyRecoveredSnapshot(snapshot.State); err != nil {
			return fmt.Errorf("fail to apply recovered snapshot, %w", err)
		}
	}
	return nil
}

func (r *recovery) onRecord(record JournalRecord) error {
	rf := r.rf
	r.replayed++
	r.dataRecovered = true

	switch record.Kind {
	case RecordEntry:
		entry := record.Entry
		if entry == nil {
			return nil
		}
		if entry.Kind == EntryVotingConfig {
			rf.applyConfig(entry.Config)
		}
		if rf.cfg.PersistenceEnabled && !rf.log.Append(entry) {
			r.logger.Debug("duplicate entry ignored", zap.Int64(Index, entry.Index))
		}
	case RecordDeleteEntries:
		if rf.cfg.PersistenceEnabled {
			rf.log.RemoveFrom(record.Index)
			rf.recomputeConfig()
		}
	case RecordApplyJournalEntries:
		if rf.cfg.PersistenceEnabled {
			return r.applyJournalEntries(record.Index)
		}
	case RecordUpdateTerm:
		if record.TermInfo != nil {
			rf.term = *record.TermInfo
		}
	default:
		r.logger.Warn("unknown journal record", zap.Stringer("kind", record.Kind))
	}
	return nil
}

func (r *recovery) applyJournalEntries(to int64) error {
	rf := r.rf
	for i := rf.log.LastApplied() + 1; i <= to; i++ {
		entry := rf.log.Get(i)
		if entry == nil {
			r.logger.Error("applied entry missing from journal", zap.Int64(Index, i))
			break
		}
		switch entry.Kind {
		case EntryCommand:
			if err := r.batchRecoveredCommand(entry); err != nil {
				return err
			}
		case EntryVotingConfig:
			rf.appliedConfig = entry.Config
		}
		rf.log.SetCommitIndex(i)
		rf.log.SetLastApplied(i)
	}

	interval := rf.cfg.RecoverySnapshotInterval
	if interval > 0 && time.Since(r.lastSnapshotAt) >= interval {
		if err := r.endCurrentLogRecoveryBatch(); err != nil {
			return err
		}
		snapshot, err := rf.snapshots.saveRecoverySnapshot(r.sequence)
		if err != nil {
			return err
		}
		r.recoverySnapshot = snapshot
		r.lastSnapshotAt = time.Now()
	}
	return nil
}

// dropReplayedRecords removes the journal records and older snapshots covered by the last
// recovery snapshot. The journal is not touched while it is being replayed.
func (r *recovery) dropReplayedRecords() error {
	snapshot := r.recoverySnapshot
	if snapshot == nil {
		return nil
	}
	if err := r.rf.journal.DeleteTo(snapshot.JournalSequence); err != nil {
		return fmt.Errorf("fail to delete replayed journal records, %w", err)
	}
	if err := r.rf.snapshotStore.DeleteOlderThan(snapshot.Timestamp); err != nil {
		return fmt.Errorf("fail to delete old snapshots, %w", err)
	}
	return nil
}

func (r *recovery) batchRecoveredCommand(entry *LogEntry) error {
	if r.batchCount == 0 {
		r.rf.sm.StartLogRecoveryBatch(r.rf.cfg.JournalRecoveryLogBatchSize)
	}
	r.rf.sm.AppendRecoveredCommand(entry.Data)
	r.batchCount++
	if r.batchCount >= r.rf.cfg.JournalRecoveryLogBatchSize {
		return r.endCurrentLogRecoveryBatch()
	}
	return nil
}

func (r *recovery) endCurrentLogRecoveryBatch() error {
	if r.batchCount == 0 {
		return nil
	}
	r.batchCount = 0
	if err := r.rf.sm.ApplyCurrentLogRecoveryBatch(); err != nil {
		return fmt.Errorf("fail to apply recovered batch, %w", err)
	}
	return nil
}

func (r *recovery) onRecoveryComplete() error {
	rf := r.rf
	if err := r.endCurrentLogRecoveryBatch(); err != nil {
		return err
	}

	if !rf.cfg.PersistenceEnabled && r.dataRecovered {
		// only the term and membership survive, drop everything else
		r.logger.Info("persistence disabled, clearing recovered data")
		if err := rf.journal.DeleteTo(rf.journal.LastSequence()); err != nil {
			return fmt.Errorf("fail to clear journal, %w", err)
		}
		now := time.Now()
		snapshot := &Snapshot{
			LastIndex:        EmptyLogIndex,
			LastTerm:         EmptyLogTerm,
			LastAppliedIndex: EmptyLogIndex,
			LastAppliedTerm:  EmptyLogTerm,
			TermInfo:         rf.term,
			Config:           rf.currentConfig(true),
			JournalSequence:  rf.journal.LastSequence(),
			Timestamp:        now,
		}
		if err := rf.snapshotStore.Save(snapshot); err != nil {
			return fmt.Errorf("fail to save config snapshot, %w", err)
		}
		if err := rf.snapshotStore.DeleteOlderThan(now); err != nil {
			return fmt.Errorf("fail to clear snapshots, %w", err)
		}
	}

	rf.sm.OnRecoveryComplete()
	return nil
}
