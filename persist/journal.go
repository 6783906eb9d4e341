package persist

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"raftcore/raft"
)

const (
	journalFile     = "journal.log"
	journalMetaFile = "journal.meta"
)

var errorJournalClosed = errors.New("errorJournalClosed")

type journalLine struct {
	Sequence int64              `json:"seq"`
	Record   raft.JournalRecord `json:"record"`
}

// journalMeta survives DeleteTo so that sequences keep growing after every record is gone.
type journalMeta struct {
	DeletedTo int64 `json:"deletedTo"`
}

// FileJournal is a JSON-lines journal. Every Append is fsynced before it returns.
type FileJournal struct {
	mu     sync.Mutex
	store  jsonStore
	file   *os.File
	last   int64
	count  int
	logger *zap.Logger
}

func OpenFileJournal(folder string) (*FileJournal, error) {
	store, err := newJSONStore(folder)
	if err != nil {
		return nil, err
	}
	j := &FileJournal{
		store:  store,
		logger: raft.GetLoggerOrPanic("journal").With(zap.String("folder", folder)),
	}

	var meta journalMeta
	if err := store.readJSON(journalMetaFile, &meta); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	j.last = meta.DeletedTo

	if err := j.scan(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(store.path(journalFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fail to open journal, %w", err)
	}
	j.file = f
	return j, nil
}

// scan finds the last sequence and cuts a partially written tail left by a crash.
func (j *FileJournal) scan() error {
	f, err := os.OpenFile(j.store.path(journalFile), os.O_RDWR, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail to open journal, %w", err)
	}
	defer func() { _ = f.Close() }()

	var valid int64
	err = readLines(f, func(raw []byte, line journalLine) error {
		valid += int64(len(raw))
		j.last = line.Sequence
		j.count++
		return nil
	})
	if errors.Is(err, errorCorruptLine) {
		j.logger.Warn("truncate corrupt journal tail", zap.Int64("offset", valid))
		if err := f.Truncate(valid); err != nil {
			return fmt.Errorf("fail to truncate journal, %w", err)
		}
		return f.Sync()
	}
	return err
}

var errorCorruptLine = errors.New("errorCorruptLine")

func readLines(r io.Reader, fn func(raw []byte, line journalLine) error) error {
	reader := bufio.NewReader(r)
	for {
		raw, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(raw) > 0 {
				return errorCorruptLine
			}
			return nil
		}
		if err != nil {
			return err
		}
		var line journalLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return errorCorruptLine
		}
		if err := fn(raw, line); err != nil {
			return err
		}
	}
}

func (j *FileJournal) Append(records ...raft.JournalRecord) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return j.last, errorJournalClosed
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	seq := j.last
	for _, record := range records {
		seq++
		if err := enc.Encode(journalLine{Sequence: seq, Record: record}); err != nil {
			return j.last, fmt.Errorf("fail to encode journal record, %w", err)
		}
	}
	if _, err := j.file.Write(buf.Bytes()); err != nil {
		return j.last, fmt.Errorf("fail to write journal, %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return j.last, fmt.Errorf("fail to sync journal, %w", err)
	}
	j.count += len(records)
	j.last = seq
	return j.last, nil
}

func (j *FileJournal) Replay(fromSequence int64, fn func(int64, raft.JournalRecord) error) error {
	f, err := os.Open(j.store.path(journalFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail to open journal, %w", err)
	}
	defer func() { _ = f.Close() }()

	err = readLines(f, func(_ []byte, line journalLine) error {
		if line.Sequence < fromSequence {
			return nil
		}
		return fn(line.Sequence, line.Record)
	})
	if errors.Is(err, errorCorruptLine) {
		// only a concurrent Append can leave a partial line here
		return nil
	}
	return err
}

// DeleteTo rewrites the journal without the deleted prefix.
func (j *FileJournal) DeleteTo(sequence int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errorJournalClosed
	}
	if sequence > j.last {
		sequence = j.last
	}
	if err := j.store.writeJSON(journalMetaFile, &journalMeta{DeletedTo: sequence}); err != nil {
		return err
	}

	src, err := os.Open(j.store.path(journalFile))
	if err != nil {
		return fmt.Errorf("fail to open journal, %w", err)
	}
	dst, err := os.CreateTemp(j.store.folder, journalFile+".tmp-*")
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("fail to create file, %w", err)
	}
	tmp := dst.Name()
	defer func() { _ = os.Remove(tmp) }()

	kept := 0
	w := bufio.NewWriter(dst)
	err = readLines(src, func(raw []byte, line journalLine) error {
		if line.Sequence <= sequence {
			return nil
		}
		kept++
		_, err := w.Write(raw)
		return err
	})
	_ = src.Close()
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = dst.Sync()
	}
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("fail to rewrite journal, %w", err)
	}

	if err := j.file.Close(); err != nil {
		return err
	}
	j.file = nil
	if err := os.Rename(tmp, j.store.path(journalFile)); err != nil {
		return fmt.Errorf("fail to rename journal, %w", err)
	}
	f, err := os.OpenFile(j.store.path(journalFile), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("fail to reopen journal, %w", err)
	}
	j.file = f
	j.logger.Debug("journal compacted",
		zap.Int64("deletedTo", sequence),
		zap.Int("dropped", j.count-kept),
		zap.Int("kept", kept))
	j.count = kept
	return syncDir(j.store.folder)
}

func (j *FileJournal) LastSequence() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}

// Len is the number of records currently kept.
func (j *FileJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
