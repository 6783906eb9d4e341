package raft

import (
	"io"
	"sync"
	"time"
)

// MemoryStorage keeps journal, snapshots and term in process memory. A member restarted on
// the same MemoryStorage recovers as if it had restarted on disk.
type MemoryStorage struct {
	Journal   *MemoryJournal
	Snapshots *MemorySnapshotStore
	Terms     *MemoryTermStore
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Journal:   &MemoryJournal{},
		Snapshots: &MemorySnapshotStore{},
		Terms:     &MemoryTermStore{},
	}
}

type sequencedRecord struct {
	sequence int64
	record   JournalRecord
}

type MemoryJournal struct {
	mu         sync.Mutex
	records    []sequencedRecord
	last       int64
	failAppend error
}

// FailAppends makes every later Append fail with err. nil restores normal behavior.
func (j *MemoryJournal) FailAppends(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failAppend = err
}

func (j *MemoryJournal) Append(records ...JournalRecord) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.failAppend != nil {
		return j.last, j.failAppend
	}
	for _, record := range records {
		j.last++
		j.records = append(j.records, sequencedRecord{sequence: j.last, record: record})
	}
	return j.last, nil
}

func (j *MemoryJournal) Replay(fromSequence int64, fn func(int64, JournalRecord) error) error {
	j.mu.Lock()
	records := append([]sequencedRecord(nil), j.records...)
	j.mu.Unlock()

	for _, r := range records {
		if r.sequence < fromSequence {
			continue
		}
		if err := fn(r.sequence, r.record); err != nil {
			return err
		}
	}
	return nil
}

func (j *MemoryJournal) DeleteTo(sequence int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	kept := j.records[:0]
	for _, r := range j.records {
		if r.sequence > sequence {
			kept = append(kept, r)
		}
	}
	j.records = kept
	return nil
}

func (j *MemoryJournal) LastSequence() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

func (j *MemoryJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

type MemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots []*Snapshot
}

func (s *MemorySnapshotStore) Save(snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snapshot
	s.snapshots = append(s.snapshots, &cp)
	return nil
}

func (s *MemorySnapshotStore) Latest() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.snapshots) == 0 {
		return nil, nil
	}
	cp := *s.snapshots[len(s.snapshots)-1]
	return &cp, nil
}

func (s *MemorySnapshotStore) DeleteOlderThan(timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.snapshots[:0]
	for _, snapshot := range s.snapshots {
		if !snapshot.Timestamp.Before(timestamp) {
			kept = append(kept, snapshot)
		}
	}
	s.snapshots = kept
	return nil
}

func (s *MemorySnapshotStore) StreamToInstall(snapshot *Snapshot, w io.Writer) error {
	_, err := w.Write(snapshot.State)
	return err
}

func (s *MemorySnapshotStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

type MemoryTermStore struct {
	mu   sync.Mutex
	info TermInfo
}

func (s *MemoryTermStore) Load() (TermInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, nil
}

func (s *MemoryTermStore) StoreAndSetTerm(info TermInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	return nil
}
