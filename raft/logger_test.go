package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	rq := require.New(t)

	prev, err := GetBaseLogger()
	rq.NoError(err)
	t.Cleanup(func() { SetBaseLogger(prev) })

	again, err := GetBaseLogger()
	rq.NoError(err)
	rq.Same(prev, again)

	core, logs := observer.New(zap.InfoLevel)
	SetBaseLogger(zap.New(core))

	logger := GetLoggerOrPanic("replicator")
	logger.Debug("dropped")
	logger.Info("sent", zap.String(Peer, "s2"))

	entries := logs.All()
	rq.Len(entries, 1)
	rq.Equal("sent", entries[0].Message)
	fields := entries[0].ContextMap()
	rq.Equal("replicator", fields[LoggerComponent])
	rq.Equal("s2", fields[Peer])
}
