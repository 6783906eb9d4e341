//go:build leveldb

package persist

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/jmhodges/levigo"
	"go.uber.org/multierr"

	"raftcore/raft"
)

const leveldbCacheSize = 8 << 20

var (
	recordPrefix = []byte("r/")
	lastSeqKey   = []byte("m/last")
)

func init() {
	Register("leveldb", OpenLevelDB)
}

// OpenLevelDB keeps the journal in LevelDB and snapshots and term info as JSON files.
func OpenLevelDB(dir string) (*Storage, error) {
	journal, err := OpenLevelDBJournal(filepath.Join(dir, "journal.ldb"))
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

// LevelDBJournal stores each record under its big endian sequence so iteration follows
// sequence order.
type LevelDBJournal struct {
	mu        sync.Mutex
	db        *levigo.DB
	opts      *levigo.Options
	cache     *levigo.Cache
	readOpts  *levigo.ReadOptions
	writeOpts *levigo.WriteOptions
	last      int64
}

func OpenLevelDBJournal(location string) (*LevelDBJournal, error) {
	cache := levigo.NewLRUCache(leveldbCacheSize)
	opts := levigo.NewOptions()
	opts.SetCache(cache)
	opts.SetCreateIfMissing(true)

	db, err := levigo.Open(location, opts)
	if err != nil {
		opts.Close()
		cache.Close()
		return nil, fmt.Errorf("fail to open leveldb at %s, %w", location, err)
	}
	j := &LevelDBJournal{
		db:        db,
		opts:      opts,
		cache:     cache,
		readOpts:  levigo.NewReadOptions(),
		writeOpts: levigo.NewWriteOptions(),
	}
	j.writeOpts.SetSync(true)

	raw, err := db.Get(j.readOpts, lastSeqKey)
	if err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("fail to read last sequence, %w", err)
	}
	if len(raw) == 8 {
		j.last = int64(binary.BigEndian.Uint64(raw))
	}
	return j, nil
}

func recordKey(sequence int64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], uint64(sequence))
	return key
}

func sequenceOf(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(recordPrefix):]))
}

func encodeSequence(sequence int64) []byte {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(sequence))
	return raw
}

func (j *LevelDBJournal) Append(records ...raft.JournalRecord) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	wb := levigo.NewWriteBatch()
	defer wb.Close()

	seq := j.last
	for _, record := range records {
		seq++
		value, err := json.Marshal(record)
		if err != nil {
			return j.last, fmt.Errorf("fail to encode journal record, %w", err)
		}
		wb.Put(recordKey(seq), value)
	}
	wb.Put(lastSeqKey, encodeSequence(seq))
	if err := j.db.Write(j.writeOpts, wb); err != nil {
		return j.last, fmt.Errorf("fail to write journal, %w", err)
	}
	j.last = seq
	return j.last, nil
}

func (j *LevelDBJournal) Replay(fromSequence int64, fn func(int64, raft.JournalRecord) error) error {
	if fromSequence < 1 {
		fromSequence = 1
	}
	it := j.db.NewIterator(j.readOpts)
	defer it.Close()

	for it.Seek(recordKey(fromSequence)); it.Valid(); it.Next() {
		key := it.Key()
		if !bytes.HasPrefix(key, recordPrefix) {
			break
		}
		var record raft.JournalRecord
		if err := json.Unmarshal(it.Value(), &record); err != nil {
			return fmt.Errorf("fail to decode journal record, %w", err)
		}
		if err := fn(sequenceOf(key), record); err != nil {
			return err
		}
	}
	return it.GetError()
}

func (j *LevelDBJournal) DeleteTo(sequence int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	it := j.db.NewIterator(j.readOpts)
	defer it.Close()

	wb := levigo.NewWriteBatch()
	defer wb.Close()

	for it.Seek(recordPrefix); it.Valid(); it.Next() {
		key := it.Key()
		if !bytes.HasPrefix(key, recordPrefix) || sequenceOf(key) > sequence {
			break
		}
		wb.Delete(key)
	}
	if err := it.GetError(); err != nil {
		return err
	}
	return j.db.Write(j.writeOpts, wb)
}

func (j *LevelDBJournal) LastSequence() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

func (j *LevelDBJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.db == nil {
		return nil
	}
	j.db.Close()
	j.readOpts.Close()
	j.writeOpts.Close()
	j.opts.Close()
	j.cache.Close()
	j.db = nil
	return nil
}
