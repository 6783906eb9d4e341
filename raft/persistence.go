package raft

import (
	"io"
	"time"
)

// TermInfo is the durable election state of a member.
type TermInfo struct {
	CurrentTerm int64  `json:"currentTerm"`
	VotedFor    string `json:"votedFor,omitempty"`
}

// Snapshot is a point-in-time image of the state machine plus the log bookkeeping needed to
// resume from it. UnappliedEntries holds entries above LastAppliedIndex at capture time.
type Snapshot struct {
	State            []byte        `json:"state,omitempty"`
	UnappliedEntries []*LogEntry   `json:"unappliedEntries,omitempty"`
	LastIndex        int64         `json:"lastIndex"`
	LastTerm         int64         `json:"lastTerm"`
	LastAppliedIndex int64         `json:"lastAppliedIndex"`
	LastAppliedTerm  int64         `json:"lastAppliedTerm"`
	TermInfo         TermInfo      `json:"termInfo"`
	Config           *VotingConfig `json:"config,omitempty"`
	// journal records up to this sequence are covered by the snapshot
	JournalSequence int64     `json:"journalSequence"`
	Timestamp       time.Time `json:"timestamp"`
}

// configOnly keeps what must survive a restart when entry persistence is disabled.
func (s *Snapshot) configOnly() *Snapshot {
	return &Snapshot{
		LastIndex:        EmptyLogIndex,
		LastTerm:         EmptyLogTerm,
		LastAppliedIndex: EmptyLogIndex,
		LastAppliedTerm:  EmptyLogTerm,
		TermInfo:         s.TermInfo,
		Config:           s.Config,
		JournalSequence:  s.JournalSequence,
		Timestamp:        s.Timestamp,
	}
}

type RecordKind uint8

const (
	RecordEntry RecordKind = iota + 1
	RecordDeleteEntries
	RecordApplyJournalEntries
	RecordUpdateTerm
)

func (k RecordKind) String() string {
	switch k {
	case RecordEntry:
		return "entry"
	case RecordDeleteEntries:
		return "delete entries"
	case RecordApplyJournalEntries:
		return "apply journal entries"
	case RecordUpdateTerm:
		return "update term"
	default:
		return "unknown"
	}
}

// JournalRecord is one durable change. Index is the truncation point for
// RecordDeleteEntries and the highest applied index for RecordApplyJournalEntries.
type JournalRecord struct {
	Kind     RecordKind `json:"kind"`
	Entry    *LogEntry  `json:"entry,omitempty"`
	Index    int64      `json:"index,omitempty"`
	TermInfo *TermInfo  `json:"termInfo,omitempty"`
}

// Journal is an append-only sequence of records. Sequences start at 1 and grow by one per record.
type Journal interface {
	// Append durably writes records and returns the sequence of the last one.
	Append(records ...JournalRecord) (int64, error)
	Replay(fromSequence int64, fn func(sequence int64, record JournalRecord) error) error
	// DeleteTo drops every record with a sequence at or below sequence.
	DeleteTo(sequence int64) error
	LastSequence() int64
}

type SnapshotStore interface {
	Save(snapshot *Snapshot) error
	// Latest returns nil, nil when nothing was saved.
	Latest() (*Snapshot, error)
	DeleteOlderThan(timestamp time.Time) error
	// StreamToInstall writes the state machine image that is sent to followers in chunks.
	StreamToInstall(snapshot *Snapshot, w io.Writer) error
}

type TermStore interface {
	// Load returns the zero TermInfo when nothing was stored.
	Load() (TermInfo, error)
	StoreAndSetTerm(info TermInfo) error
}
