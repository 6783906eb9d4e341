// Package kv is a string key/value state machine replicated through raft.
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"raftcore/raft"
)

type Op string

const (
	OpPut    Op = "put"
	OpAppend Op = "append"
	OpDelete Op = "delete"
)

var ErrUnknownOp = errors.New("kv: unknown operation")

type Command struct {
	Op    Op     `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

func (c Command) Validate() error {
	switch c.Op {
	case OpPut, OpAppend, OpDelete:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, c.Op)
	}
	if c.Key == "" {
		return errors.New("kv: key is required")
	}
	return nil
}

func (c Command) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("fail to decode command, %w", err)
	}
	return c, c.Validate()
}

type snapshot struct {
	Data        map[string]string `json:"data"`
	LastApplied int64             `json:"lastApplied"`
}

// Store implements raft.StateMachine. Reads are served from local state and may lag the
// leader.
type Store struct {
	mu          sync.RWMutex
	data        map[string]string
	lastApplied int64
	batch       []Command
	recovered   bool
	logger      *zap.Logger
}

var _ raft.StateMachine = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		data:        make(map[string]string),
		lastApplied: raft.EmptyLogIndex,
		logger:      raft.GetLoggerOrPanic("kv"),
	}
}

func (s *Store) apply(c Command) {
	switch c.Op {
	case OpPut:
		s.data[c.Key] = c.Value
	case OpAppend:
		s.data[c.Key] += c.Value
	case OpDelete:
		delete(s.data, c.Key)
	}
}

func (s *Store) ApplyCommand(index int64, id string, data []byte) {
	c, err := DecodeCommand(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastApplied = index
	if err != nil {
		// committed entries cannot be rejected, skip what we cannot understand
		s.logger.Warn("skip invalid command",
			zap.Int64(raft.Index, index),
			zap.String("id", id),
			zap.Error(err))
		return
	}
	s.apply(c)
}

func (s *Store) TakeSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(snapshot{Data: s.data, LastApplied: s.lastApplied})
}

func (s *Store) ApplySnapshot(state []byte) error {
	snap := snapshot{LastApplied: raft.EmptyLogIndex}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &snap); err != nil {
			return fmt.Errorf("fail to decode snapshot, %w", err)
		}
	}
	if snap.Data == nil {
		snap.Data = make(map[string]string)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = snap.Data
	s.lastApplied = snap.LastApplied
	return nil
}

func (s *Store) StartLogRecoveryBatch(maxBatchSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = make([]Command, 0, maxBatchSize)
}

func (s *Store) AppendRecoveredCommand(data []byte) {
	c, err := DecodeCommand(data)
	if err != nil {
		s.logger.Warn("skip invalid recovered command", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = append(s.batch, c)
}

func (s *Store) ApplyCurrentLogRecoveryBatch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.batch {
		s.apply(c)
	}
	s.batch = nil
	return nil
}

func (s *Store) ApplyRecoveredSnapshot(state []byte) error {
	return s.ApplySnapshot(state)
}

func (s *Store) OnRecoveryComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovered = true
	s.logger.Info("recovery complete", zap.Int("keys", len(s.data)))
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LastApplied is the index of the last command applied outside recovery.
func (s *Store) LastApplied() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

func (s *Store) Recovered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recovered
}
