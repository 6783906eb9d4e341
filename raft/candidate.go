package raft

import (
	"time"

	"go.uber.org/zap"
)

type Candidate struct {
	rf     *Raft
	logger *zap.Logger

	timer *time.Timer
	epoch uint64

	votes         map[string]bool
	votesRequired int
}

func NewCandidate(rf *Raft) *Candidate {
	return &Candidate{
		rf: rf,
		logger: GetLoggerOrPanic("candidate").
			With(zap.String(Member, rf.id)),
	}
}

func (c *Candidate) Type() RoleType { return RoleCandidate }

func (c *Candidate) Start() { c.startNewElection() }

func (c *Candidate) Stop() {
	stopTimer(c.timer)
	c.epoch = 0
}

// startNewElection moves to the next term, votes for itself and asks every voting peer.
func (c *Candidate) startNewElection() {
	rf := c.rf
	rf.updateTerm(rf.term.CurrentTerm+1, rf.id)

	votingPeers := rf.votingPeers()
	c.votes = map[string]bool{rf.id: true}
	c.votesRequired = majority(len(votingPeers) + 1)

	stopTimer(c.timer)
	c.epoch = rf.nextEpoch()
	c.timer = rf.after(rf.cfg.randomElectionTimeout(), &electionTimeout{epoch: c.epoch})

	c.logger.Info(
		"election started",
		zap.Int64(Term, rf.term.CurrentTerm),
		zap.Int("voting peers", len(votingPeers)),
		zap.Int("votes required", c.votesRequired),
	)

	if c.won() {
		return
	}
	args := &RequestVoteArgs{
		Term:         rf.term.CurrentTerm,
		CandidateID:  rf.id,
		LastLogIndex: rf.log.LastIndex(),
		LastLogTerm:  rf.log.LastTerm(),
	}
	for _, peer := range votingPeers {
		rf.send(peer.ID, &outbound{requestVote: args})
	}
}

func (c *Candidate) won() bool {
	if len(c.votes) < c.votesRequired {
		return false
	}
	c.logger.Info(
		"voted more than half, success",
		zap.Int("voted", len(c.votes)),
		zap.Int64(Term, c.rf.term.CurrentTerm),
	)
	c.rf.become(RolePreLeader, candidateBecomeLeader)
	return true
}

func (c *Candidate) HandleNotify(ev event) {
	switch ev := ev.(type) {
	case *electionTimeout:
		if ev.epoch != c.epoch {
			return
		}
		c.logger.Info("no winner, starting new term", zap.String("reason", candidateTimeout), zap.Int64(Term, c.rf.term.CurrentTerm))
		c.startNewElection()
	case *requestVoteReplied:
		if ev.reply.Term != c.rf.term.CurrentTerm || !ev.reply.VoteGranted {
			return
		}
		peer, ok := c.rf.peers[ev.peerID]
		if !ok || !peer.IsVoting() {
			return
		}
		c.votes[ev.peerID] = true
		c.won()
	}
}

// same-term AppendEntries and InstallSnapshot turn a candidate into a follower before they
// reach here
func (c *Candidate) HandleAppendEntries(t *AppendEntriesTask) {
	t.reply.Success = false
	t.reply.LastIndex = c.rf.log.LastIndex()
	t.reply.LastTerm = c.rf.log.LastTerm()
}

func (c *Candidate) HandleInstallSnapshot(t *InstallSnapshotTask) {
	t.reply.Success = false
	c.rf.context.finish(&t.task)
}
