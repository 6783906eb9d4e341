package persist

import (
	"errors"
	"os"
	"sync"

	"raftcore/raft"
)

const termFile = "term.json"

// FileTermStore keeps the election state in a single JSON document.
type FileTermStore struct {
	mu    sync.Mutex
	store jsonStore
}

func NewFileTermStore(folder string) (*FileTermStore, error) {
	store, err := newJSONStore(folder)
	if err != nil {
		return nil, err
	}
	return &FileTermStore{store: store}, nil
}

func (s *FileTermStore) Load() (raft.TermInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var info raft.TermInfo
	if err := s.store.readJSON(termFile, &info); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return raft.TermInfo{}, nil
		}
		return raft.TermInfo{}, err
	}
	return info, nil
}

func (s *FileTermStore) StoreAndSetTerm(info raft.TermInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.writeJSON(termFile, &info)
}
