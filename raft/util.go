package raft

import (
	"errors"
	"fmt"
)

var (
	ErrStopped                    = errors.New("raft: member stopped")
	ErrLeaderNotReady             = errors.New("raft: leader not ready")
	ErrLeadershipTransferring     = errors.New("raft: leadership transfer in progress")
	ErrLeadershipTransferFailed   = errors.New("raft: leadership transfer failed")
	ErrLeadershipTransferAborted  = errors.New("raft: leadership transfer aborted")
	ErrEntryDropped               = errors.New("raft: entry dropped before commit")
	ErrJournalFailure             = errors.New("raft: journal write failed")
	ErrInvalidConfig              = errors.New("raft: invalid config")
	errorWorkerStopped            = ErrStopped
	errorSnapshotCaptureInFlight  = errors.New("errorSnapshotCaptureInFlight")
	errorNoInstallSnapshotSession = errors.New("errorNoInstallSnapshotSession")
	errorInvalidChunk             = errors.New("errorInvalidChunk")
)

// NotLeaderError is returned for requests that only the leader can serve.
type NotLeaderError struct {
	LeaderID      string
	LeaderAddress string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "raft: not leader, no known leader"
	}
	return fmt.Sprintf("raft: not leader, leader is %s (%s)", e.LeaderID, e.LeaderAddress)
}

// IsNotLeader reports whether err is a *NotLeaderError.
func IsNotLeader(err error) bool {
	var target *NotLeaderError
	return errors.As(err, &target)
}
