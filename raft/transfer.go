package raft

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type transferTimeout struct {
	epoch uint64
}

type transferKind int

const (
	transferLeadership transferKind = iota
	requestLeadership
	abortTransfer
)

type TransferTask struct {
	task
	kind   transferKind
	target string
	err    error
}

// TransferLeadership hands leadership to target, or to any caught-up voting follower when
// target is empty. It returns nil right away when this member does not lead.
func (rf *Raft) TransferLeadership(ctx context.Context, target string) error {
	return rf.transferTask(ctx, transferLeadership, target)
}

// RequestLeadership asks the leader to hand leadership to target.
func (rf *Raft) RequestLeadership(ctx context.Context, target string) error {
	return rf.transferTask(ctx, requestLeadership, target)
}

func (rf *Raft) AbortLeadershipTransfer(ctx context.Context) error {
	return rf.transferTask(ctx, abortTransfer, "")
}

func (rf *Raft) transferTask(ctx context.Context, kind transferKind, target string) error {
	t := &TransferTask{task: newTask(), kind: kind, target: target}
	if err := dispatch(ctx, rf, rf.transferCh, t, t.done); err != nil {
		return err
	}
	return t.err
}

func (rf *Raft) handleTransferTask(t *TransferTask) {
	if t.kind == abortTransfer {
		if rf.transfer != nil {
			rf.transfer.finish(ErrLeadershipTransferAborted)
		}
		rf.context.finish(&t.task)
		return
	}

	if !rf.isLeader() {
		if t.kind == requestLeadership {
			t.err = &NotLeaderError{LeaderID: rf.leaderID, LeaderAddress: rf.leaderAddress}
		}
		rf.context.finish(&t.task)
		return
	}
	if t.target == rf.id {
		rf.context.finish(&t.task)
		return
	}
	if t.target != "" {
		if p, ok := rf.peers[t.target]; !ok || !p.IsVoting() {
			t.err = ErrLeadershipTransferFailed
			rf.context.finish(&t.task)
			return
		}
	}
	rf.startTransfer(t.target, func(err error) {
		t.err = err
		rf.context.finish(&t.task)
	})
}

// stepDownAfterTransfer hands off leadership, then makes sure this member follows.
func (rf *Raft) stepDownAfterTransfer() {
	rf.startTransfer("", func(err error) {
		if err != nil {
			rf.logger.Warn("leadership transfer before stepping down failed", zap.Error(err))
		}
		if rf.role.Type() != RoleFollower {
			rf.become(RoleFollower, steppedDown)
		}
	})
}

func (rf *Raft) startTransfer(target string, callback func(error)) {
	if rf.transfer != nil {
		rf.transfer.callbacks = append(rf.transfer.callbacks, callback)
		return
	}
	c := &transferCohort{
		rf:        rf,
		target:    target,
		callbacks: []func(error){callback},
		started:   time.Now(),
		logger: GetLoggerOrPanic("leadership transfer").
			With(zap.String(Member, rf.id)),
	}
	rf.transfer = c
	c.start()
}

// transferCohort drives one leadership transfer. Submissions are refused while it runs.
type transferCohort struct {
	rf     *Raft
	logger *zap.Logger

	target         string
	callbacks      []func(error)
	started        time.Time
	timeoutNowSent bool

	timer *time.Timer
	epoch uint64
}

func (c *transferCohort) start() {
	rf := c.rf
	l, ok := rf.leader()
	if !ok || len(rf.votingPeers()) == 0 {
		c.logger.Info("no voting follower to transfer leadership to")
		c.finish(nil)
		return
	}
	c.logger.Info("leadership transfer started", zap.String("target", c.target))
	rf.paused = true
	c.epoch = rf.nextEpoch()
	c.timer = rf.after(rf.cfg.leadershipTransferTimeout(), &transferTimeout{epoch: c.epoch})

	l.sendAppendEntries(0)
	for _, id := range rf.sortedPeerIDs() {
		if f, ok := l.followers[id]; ok {
			l.tryToCompleteTransfer(f)
		}
	}
}

func (c *transferCohort) stopTimer() { stopTimer(c.timer) }

func (c *transferCohort) onNewLeader(leaderID string) {
	if leaderID == c.rf.id {
		return
	}
	if c.target != "" && leaderID != c.target {
		c.logger.Warn("another member became leader", zap.String("leader", leaderID), zap.String("target", c.target))
		c.finish(ErrLeadershipTransferFailed)
		return
	}
	c.logger.Info("leadership transferred", zap.String("leader", leaderID), zap.Duration("took", time.Since(c.started)))
	c.finish(nil)
}

func (c *transferCohort) onTimeout(ev *transferTimeout) {
	if ev.epoch != c.epoch {
		return
	}
	c.logger.Warn("leadership transfer timed out", zap.String("target", c.target))
	c.finish(ErrLeadershipTransferFailed)
}

func (c *transferCohort) finish(err error) {
	c.stopTimer()
	c.rf.transfer = nil
	c.rf.paused = false
	for _, callback := range c.callbacks {
		callback(err)
	}
}
