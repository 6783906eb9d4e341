package raft

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	baseMu     sync.Mutex
	baseLogger *zap.Logger
)

// SetBaseLogger replaces the logger every component is derived from. Loggers handed out
// before the call are not affected.
func SetBaseLogger(logger *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	baseLogger = logger
}

// GetBaseLogger builds the process logger on first use. RAFT_PROD=true selects JSON output at
// error level, RAFT_LOG_LEVEL overrides the level in either mode.
func GetBaseLogger() (*zap.Logger, error) {
	baseMu.Lock()
	defer baseMu.Unlock()

	if baseLogger != nil {
		return baseLogger, nil
	}
	cfg := zap.NewDevelopmentConfig()
	if os.Getenv("RAFT_PROD") == "true" {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
		cfg.DisableStacktrace = true
		cfg.DisableCaller = true
	}
	if lvl := os.Getenv("RAFT_LOG_LEVEL"); lvl != "" {
		level, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("invalid RAFT_LOG_LEVEL, %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	baseLogger = logger
	return baseLogger, nil
}

func GetLogger(component string) (*zap.Logger, error) {
	base, err := GetBaseLogger()
	if err != nil {
		return nil, fmt.Errorf("fail to get base logger, %w", err)
	}
	return base.With(zap.String(LoggerComponent, component)), nil
}

func GetLoggerOrPanic(component string) *zap.Logger {
	logger, err := GetLogger(component)
	if err != nil {
		panic(err)
	}
	return logger
}

// field names shared by every component
const (
	LoggerComponent = "component"
	Member          = "member"
	Term            = "term"
	Peer            = "peer"
	Index           = "index"
	PeerTerm        = "peer term"
)

// reasons passed to become
const (
	followerTimeout       = "follower timeout"
	candidateTimeout      = "candidate timeout"
	candidateBecomeLeader = "candidate become leader"
	higherTermDiscovered  = "higher term discovered"
	leaderDiscovered      = "leader discovered"
	noopCommitted         = "noop committed"
	timeoutNowReceived    = "timeout now received"
	steppedDown           = "stepped down"
)
