package raft

import (
	"bytes"
	"hash/crc32"
	"time"
)

// leaderInstallState is one follower's snapshot install session on the leader.
type leaderInstallState struct {
	data              []byte
	lastIncludedIndex int64
	lastIncludedTerm  int64

	chunkSize   int
	totalChunks int
	// last chunk handed out, 1-based, 0 before the first
	chunkIndex    int
	awaitingReply bool
	sentAt        time.Time
	// crc32 of the last acknowledged chunk
	lastChunkHash uint32
}

func newLeaderInstallState(chunkSize int) *leaderInstallState {
	return &leaderInstallState{chunkSize: chunkSize}
}

func (s *leaderInstallState) hasData() bool { return s.totalChunks > 0 }

func (s *leaderInstallState) setSnapshotBytes(data []byte, lastIndex, lastTerm int64) {
	if s.hasData() {
		return
	}
	s.data = data
	s.lastIncludedIndex = lastIndex
	s.lastIncludedTerm = lastTerm
	s.totalChunks = (len(data) + s.chunkSize - 1) / s.chunkSize
	if s.totalChunks == 0 {
		s.totalChunks = 1
	}
}

func (s *leaderInstallState) canSendNextChunk() bool {
	return s.hasData() && !s.awaitingReply && s.chunkIndex < s.totalChunks
}

func (s *leaderInstallState) isLastChunk(index int) bool { return index == s.totalChunks }

func (s *leaderInstallState) chunk(index int) []byte {
	start := (index - 1) * s.chunkSize
	end := start + s.chunkSize
	if end > len(s.data) {
		end = len(s.data)
	}
	return s.data[start:end]
}

// nextChunk hands out the next chunk and waits for its reply.
func (s *leaderInstallState) nextChunk(now time.Time) (int, []byte) {
	s.chunkIndex++
	s.awaitingReply = true
	s.sentAt = now
	return s.chunkIndex, s.chunk(s.chunkIndex)
}

// markSendStatus records the reply for the outstanding chunk. A failed chunk is handed out
// again by the next nextChunk.
func (s *leaderInstallState) markSendStatus(success bool) {
	s.awaitingReply = false
	if success {
		s.lastChunkHash = crc32.ChecksumIEEE(s.chunk(s.chunkIndex))
		return
	}
	s.chunkIndex--
}

func (s *leaderInstallState) isChunkTimedOut(now time.Time, timeout time.Duration) bool {
	return s.awaitingReply && now.Sub(s.sentAt) >= timeout
}

// reset starts the session over from the first chunk.
func (s *leaderInstallState) reset() {
	s.chunkIndex = 0
	s.awaitingReply = false
	s.lastChunkHash = 0
}

// snapshotTracker reassembles chunks on the follower.
type snapshotTracker struct {
	totalChunks    int
	lastChunkIndex int
	lastChunkHash  uint32
	sealed         bool
	buf            bytes.Buffer
}

func newSnapshotTracker(totalChunks int) *snapshotTracker {
	return &snapshotTracker{totalChunks: totalChunks}
}

// addChunk accepts chunks strictly in order. lastChunkHash must be the hash of the chunk
// accepted before. A repeated last chunk is acknowledged again without being appended.
// It returns true once the final chunk is in.
func (t *snapshotTracker) addChunk(index int, data []byte, lastChunkHash uint32) (bool, error) {
	if t.sealed {
		return false, errorInvalidChunk
	}
	hash := crc32.ChecksumIEEE(data)
	if index == t.lastChunkIndex && index > 0 && hash == t.lastChunkHash {
		return false, nil
	}
	if index != t.lastChunkIndex+1 || index > t.totalChunks || lastChunkHash != t.lastChunkHash {
		return false, errorInvalidChunk
	}

	t.buf.Write(data)
	t.lastChunkIndex = index
	t.lastChunkHash = hash
	if index == t.totalChunks {
		t.sealed = true
		return true, nil
	}
	return false, nil
}

func (t *snapshotTracker) bytes() []byte {
	return append([]byte(nil), t.buf.Bytes()...)
}
