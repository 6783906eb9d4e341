package raft

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// event is anything posted to the daemon from outside the loop: timer fires and peer replies.
type event interface{}

type appendEntriesReplied struct {
	peerID string
	args   *AppendEntriesArgs
	reply  *AppendEntriesReply
}

type requestVoteReplied struct {
	peerID string
	reply  *RequestVoteReply
}

type installSnapshotReplied struct {
	peerID string
	reply  *InstallSnapshotReply
}

// outbound holds exactly one message for a peer.
type outbound struct {
	appendEntries   *AppendEntriesArgs
	requestVote     *RequestVoteArgs
	installSnapshot *InstallSnapshotArgs
	timeoutNow      *TimeoutNowArgs
}

const replicatorQueueSize = 64

// replicator sends messages to one peer in order and posts the replies back to the daemon.
// It lives as long as the peer is known, across role changes.
type replicator struct {
	peerID  string
	address string

	transport Transport
	post      func(event)
	timeout   time.Duration
	logger    *zap.Logger

	queue  chan *outbound
	stopCh chan struct{}
}

func newReplicator(rf *Raft, peer *PeerInfo) *replicator {
	return &replicator{
		peerID:    peer.ID,
		address:   peer.Address,
		transport: rf.transport,
		post:      rf.post,
		timeout:   rf.cfg.rpcTimeout(),
		logger: GetLoggerOrPanic("replicator").
			With(zap.String(Member, rf.id)).
			With(zap.String(Peer, peer.ID)),
		queue:  make(chan *outbound, replicatorQueueSize),
		stopCh: make(chan struct{}),
	}
}

func (rp *replicator) daemon() {
	for {
		select {
		case <-rp.stopCh:
			rp.logger.Debug("replicator stopped")
			return
		case msg := <-rp.queue:
			rp.call(msg)
		}
	}
}

// enqueue never blocks the daemon. A dropped message is recovered by the next heartbeat or
// chunk retry.
func (rp *replicator) enqueue(msg *outbound) bool {
	select {
	case rp.queue <- msg:
		return true
	default:
		rp.logger.Warn("send queue full, message dropped")
		return false
	}
}

func (rp *replicator) stop() { close(rp.stopCh) }

func (rp *replicator) call(msg *outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), rp.timeout)
	defer cancel()

	var (
		ev  event
		err error
	)
	switch {
	case msg.appendEntries != nil:
		var reply *AppendEntriesReply
		if reply, err = rp.transport.AppendEntries(ctx, rp.address, msg.appendEntries); err == nil {
			ev = &appendEntriesReplied{peerID: rp.peerID, args: msg.appendEntries, reply: reply}
		}
	case msg.requestVote != nil:
		var reply *RequestVoteReply
		if reply, err = rp.transport.RequestVote(ctx, rp.address, msg.requestVote); err == nil {
			ev = &requestVoteReplied{peerID: rp.peerID, reply: reply}
		}
	case msg.installSnapshot != nil:
		var reply *InstallSnapshotReply
		if reply, err = rp.transport.InstallSnapshot(ctx, rp.address, msg.installSnapshot); err == nil {
			ev = &installSnapshotReplied{peerID: rp.peerID, reply: reply}
		}
	case msg.timeoutNow != nil:
		err = rp.transport.TimeoutNow(ctx, rp.address, msg.timeoutNow)
	}

	if err != nil {
		rp.logger.Debug("fail to send RPC to peer", zap.Error(err))
		return
	}
	if ev != nil {
		rp.post(ev)
	}
}

func (rf *Raft) replicatorFor(peerID string) *replicator {
	if rp, ok := rf.replicators[peerID]; ok {
		return rp
	}
	peer, ok := rf.peers[peerID]
	if !ok || peer.Address == "" {
		return nil
	}
	rp := newReplicator(rf, peer)
	rf.replicators[peerID] = rp
	go rp.daemon()
	return rp
}

// syncReplicators stops senders of forgotten peers and of peers whose address changed.
func (rf *Raft) syncReplicators() {
	for id, rp := range rf.replicators {
		if peer, ok := rf.peers[id]; !ok || peer.Address != rp.address {
			rf.stopReplicator(id)
		}
	}
}

func (rf *Raft) stopReplicator(peerID string) {
	if rp, ok := rf.replicators[peerID]; ok {
		rp.stop()
		delete(rf.replicators, peerID)
	}
}
