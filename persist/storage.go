package persist

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"raftcore/raft"
)

// Storage bundles the three durable stores a member needs.
type Storage struct {
	Journal   raft.Journal
	Snapshots raft.SnapshotStore
	Terms     raft.TermStore

	closers []io.Closer
}

func (s *Storage) Close() error {
	var err error
	for _, c := range s.closers {
		err = multierr.Append(err, c.Close())
	}
	s.closers = nil
	return err
}

// Engine opens a Storage rooted at dir.
type Engine func(dir string) (*Storage, error)

var (
	enginesMu sync.RWMutex
	engines   = map[string]Engine{
		"memory": openMemory,
		"file":   OpenFile,
	}
)

func Register(name string, engine Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[name] = engine
}

func Engines() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()

	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func Open(engine, dir string) (*Storage, error) {
	enginesMu.RLock()
	open, ok := engines[engine]
	enginesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage engine %q, available %v", engine, Engines())
	}
	return open(dir)
}

func openMemory(string) (*Storage, error) {
	m := raft.NewMemoryStorage()
	return &Storage{Journal: m.Journal, Snapshots: m.Snapshots, Terms: m.Terms}, nil
}

// OpenFile lays out dir as journal/, snapshots/ and term/.
func OpenFile(dir string) (*Storage, error) {
	journal, err := OpenFileJournal(filepath.Join(dir, "journal"))
	if err != nil {
		return nil, err
	}
	snapshots, err := NewFileSnapshotStore(filepath.Join(dir, "snapshots"))
	if err != nil {
		return nil, multierr.Append(err, journal.Close())
	}
	terms, err := NewFileTermStore(filepath.Join(dir, "term"))
	if err != nil {
		return nil, multierr.Append(err, journal.Close())
	}
	return &Storage{
		Journal:   journal,
		Snapshots: snapshots,
		Terms:     terms,
		closers:   []io.Closer{journal},
	}, nil
}
