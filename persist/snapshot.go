package persist

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"raftcore/raft"
)

const snapshotPrefix = "snapshot-"
const snapshotSuffix = ".json"

// FileSnapshotStore writes one JSON file per snapshot, named after the snapshot timestamp.
type FileSnapshotStore struct {
	mu     sync.Mutex
	store  jsonStore
	logger *zap.Logger
}

func NewFileSnapshotStore(folder string) (*FileSnapshotStore, error) {
	store, err := newJSONStore(folder)
	if err != nil {
		return nil, err
	}
	return &FileSnapshotStore{
		store:  store,
		logger: raft.GetLoggerOrPanic("snapshot store").With(zap.String("folder", folder)),
	}, nil
}

func snapshotFilename(ts time.Time) string {
	// zero padded so that names sort by time
	return fmt.Sprintf("%s%020d%s", snapshotPrefix, ts.UnixNano(), snapshotSuffix)
}

func parseSnapshotFilename(name string) (int64, bool) {
	if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
		return 0, false
	}
	nanos, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return nanos, true
}

// list returns snapshot file names, oldest first.
func (s *FileSnapshotStore) list() ([]string, error) {
	entries, err := os.ReadDir(s.store.folder)
	if err != nil {
		return nil, fmt.Errorf("fail to list snapshots, %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := parseSnapshotFilename(e.Name()); ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileSnapshotStore) Save(snapshot *raft.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := snapshotFilename(snapshot.Timestamp)
	if err := s.store.writeJSON(name, snapshot); err != nil {
		return err
	}
	s.logger.Debug("snapshot saved",
		zap.String("file", name),
		zap.Int64(raft.Index, snapshot.LastAppliedIndex))
	return nil
}

func (s *FileSnapshotStore) Latest() (*raft.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.list()
	if err != nil {
		return nil, err
	}
	// a file that fails to decode is skipped in favor of an older one
	for i := len(names) - 1; i >= 0; i-- {
		var snapshot raft.Snapshot
		if err := s.store.readJSON(names[i], &snapshot); err != nil {
			s.logger.Warn("skip unreadable snapshot", zap.String("file", names[i]), zap.Error(err))
			continue
		}
		return &snapshot, nil
	}
	return nil, nil
}

func (s *FileSnapshotStore) DeleteOlderThan(timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.list()
	if err != nil {
		return err
	}
	limit := timestamp.UnixNano()
	for _, name := range names {
		nanos, _ := parseSnapshotFilename(name)
		if nanos >= limit {
			continue
		}
		if err := os.Remove(s.store.path(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("fail to delete snapshot %s, %w", name, err)
		}
	}
	return nil
}

func (s *FileSnapshotStore) StreamToInstall(snapshot *raft.Snapshot, w io.Writer) error {
	_, err := w.Write(snapshot.State)
	return err
}

func (s *FileSnapshotStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.list()
	if err != nil {
		return 0
	}
	return len(names)
}
