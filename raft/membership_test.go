package raft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func changeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func TestMembership_AddServer(t *testing.T) {
	rq := require.New(t)
	c := newTestCluster(t, 3)
	leader := c.checkOneLeader()

	want := commandsN("before", 5)
	for _, cmd := range want {
		c.submit(cmd)
	}

	t.Run("voting server", func(t *testing.T) {
		c.start("s4", nil, VotingNotInitialized)

		// what the leader holds for s4 when the last install chunk has been handled
		seen := make(chan VotingState, 1)
		c.net.setInstallHook(func(to string, args *InstallSnapshotArgs) {
			if to != "s4" || args.ChunkIndex != args.TotalChunks {
				return
			}
			state := VotingState("")
			if st := c.state(leader); st != nil {
				for _, p := range st.Peers {
					if p.ID == "s4" {
						state = p.VotingState
					}
				}
			}
			select {
			case seen <- state:
			default:
			}
		})
		defer c.net.setInstallHook(nil)

		ctx, cancel := changeCtx()
		defer cancel()
		reply, err := leader.AddServer(ctx, "s4", "s4", true)
		rq.NoError(err)
		rq.Equal(StatusOK, reply.Status)

		select {
		case state := <-seen:
			// the new configuration is not applied before the install reply
			rq.Equal(VotingNotInitialized, state)
		default:
			rq.FailNow("s4 never received a snapshot")
		}
		rq.GreaterOrEqual(c.machine("s4").installCount(), 1)
		rq.Greater(c.state(c.member("s4")).SnapshotIndex, int64(EmptyLogIndex))

		c.requireApplied(want, "s1", "s2", "s3", "s4")
		rq.Eventually(func() bool {
			st := c.state(c.member("s4"))
			return st.VotingState == Voting && len(st.Peers) == 3
		}, 3*time.Second, 20*time.Millisecond)

		want = append(want, "after-s4")
		c.submit("after-s4")
		c.requireApplied(want, "s1", "s2", "s3", "s4")
	})

	t.Run("non-voting server", func(t *testing.T) {
		c.start("s5", nil, VotingNotInitialized)

		ctx, cancel := changeCtx()
		defer cancel()
		reply, err := leader.AddServer(ctx, "s5", "s5", false)
		rq.NoError(err)
		rq.Equal(StatusOK, reply.Status)

		c.requireApplied(want, "s5")
		rq.Eventually(func() bool {
			st := c.state(leader)
			for _, p := range st.Peers {
				if p.ID == "s5" {
					return p.VotingState == NonVoting
				}
			}
			return false
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("existing server", func(t *testing.T) {
		ctx, cancel := changeCtx()
		defer cancel()
		reply, err := leader.AddServer(ctx, "s2", "s2", true)
		rq.NoError(err)
		rq.Equal(StatusAlreadyExists, reply.Status)
	})
}

func TestMembership_RemoveFollower(t *testing.T) {
	rq := require.New(t)
	c := newTestCluster(t, 3)
	leader := c.checkOneLeader()
	c.submit("a")

	var removed string
	for _, p := range c.peers {
		if p.ID != leader.ID() {
			removed = p.ID
			break
		}
	}

	ctx, cancel := changeCtx()
	defer cancel()
	reply, err := leader.RemoveServer(ctx, removed)
	rq.NoError(err)
	rq.Equal(StatusOK, reply.Status)

	rq.Eventually(func() bool {
		st := c.state(c.member(removed))
		return st.VotingState == NonVoting && st.Role == RoleFollower
	}, 3*time.Second, 20*time.Millisecond)
	rq.Eventually(func() bool {
		return len(c.state(leader).Peers) == 1
	}, 3*time.Second, 20*time.Millisecond)

	// the remaining pair still reaches consensus
	c.net.disconnect(removed)
	c.submit("b")
	var kept []string
	for _, p := range c.peers {
		if p.ID != removed {
			kept = append(kept, p.ID)
		}
	}
	c.requireApplied([]string{"a", "b"}, kept...)

	reply, err = leader.RemoveServer(ctx, "unknown")
	rq.NoError(err)
	rq.Equal(StatusDoesNotExist, reply.Status)
}

func TestMembership_RemoveLeader(t *testing.T) {
	rq := require.New(t)
	c := newTestCluster(t, 3)
	old := c.checkOneLeader()
	c.submit("a")

	ctx, cancel := changeCtx()
	defer cancel()
	reply, err := old.RemoveServer(ctx, old.ID())
	rq.NoError(err)
	rq.Equal(StatusOK, reply.Status)

	rq.Eventually(func() bool {
		st := c.state(old)
		return st.Role == RoleFollower && st.VotingState == NonVoting
	}, 5*time.Second, 20*time.Millisecond)

	next := c.checkOneLeader()
	rq.NotEqual(old.ID(), next.ID())
	c.submit("b")
	rq.Eventually(func() bool {
		for _, p := range c.state(next).Peers {
			if p.ID == old.ID() {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMembership_RemoveLastVoter(t *testing.T) {
	rq := require.New(t)
	c := newTestCluster(t, 2)
	leader := c.checkOneLeader()
	c.submit("a")

	var other string
	for _, p := range c.peers {
		if p.ID != leader.ID() {
			other = p.ID
		}
	}

	ctx, cancel := changeCtx()
	defer cancel()
	reply, err := leader.ChangeServersVotingStatus(ctx, map[string]bool{other: false})
	rq.NoError(err)
	rq.Equal(StatusOK, reply.Status)

	// removing the only voter left would leave nobody to elect a leader
	reply, err = leader.RemoveServer(ctx, leader.ID())
	rq.NoError(err)
	rq.Equal(StatusNotSupported, reply.Status)

	st := c.state(leader)
	rq.Equal(RoleLeader, st.Role)
	rq.Equal(Voting, st.VotingState)
	rq.Len(st.Peers, 1)

	// the non-voting member can still go
	reply, err = leader.RemoveServer(ctx, other)
	rq.NoError(err)
	rq.Equal(StatusOK, reply.Status)
	c.submit("b")
	c.requireApplied([]string{"a", "b"}, leader.ID())
}

func TestMembership_Forwarding(t *testing.T) {
	rq := require.New(t)
	c := newTestCluster(t, 3)
	leader := c.checkOneLeader()
	c.submit("a")

	var follower *Raft
	for _, rf := range c.net.connected() {
		if rf.ID() != leader.ID() {
			follower = rf
			break
		}
	}
	rq.Eventually(func() bool {
		return c.state(follower).LeaderID == leader.ID()
	}, 2*time.Second, 20*time.Millisecond)

	c.start("s4", nil, VotingNotInitialized)
	ctx, cancel := changeCtx()
	defer cancel()
	reply, err := follower.AddServer(ctx, "s4", "s4", false)
	rq.NoError(err)
	rq.Equal(StatusOK, reply.Status)
	c.requireApplied([]string{"a"}, "s4")
}

func TestMembership_ChangeVotingStatus(t *testing.T) {
	rq := require.New(t)
	c := newTestCluster(t, 3)
	leader := c.checkOneLeader()
	c.submit("a")

	var demoted string
	for _, p := range c.peers {
		if p.ID != leader.ID() {
			demoted = p.ID
			break
		}
	}

	t.Run("invalid requests", func(t *testing.T) {
		ctx, cancel := changeCtx()
		defer cancel()

		reply, err := leader.ChangeServersVotingStatus(ctx, nil)
		rq.NoError(err)
		rq.Equal(StatusInvalidRequest, reply.Status)

		reply, err = leader.ChangeServersVotingStatus(ctx, map[string]bool{"unknown": false})
		rq.NoError(err)
		rq.Equal(StatusDoesNotExist, reply.Status)

		reply, err = leader.ChangeServersVotingStatus(ctx, map[string]bool{"s1": false, "s2": false, "s3": false})
		rq.NoError(err)
		rq.Equal(StatusInvalidRequest, reply.Status)
	})

	t.Run("demote and promote", func(t *testing.T) {
		ctx, cancel := changeCtx()
		defer cancel()

		reply, err := leader.ChangeServersVotingStatus(ctx, map[string]bool{demoted: false})
		rq.NoError(err)
		rq.Equal(StatusOK, reply.Status)
		rq.Eventually(func() bool {
			return c.state(c.member(demoted)).VotingState == NonVoting
		}, 3*time.Second, 20*time.Millisecond)

		c.submit("b")

		reply, err = leader.ChangeServersVotingStatus(ctx, map[string]bool{demoted: true})
		rq.NoError(err)
		rq.Equal(StatusOK, reply.Status)
		rq.Eventually(func() bool {
			return c.state(c.member(demoted)).VotingState == Voting
		}, 3*time.Second, 20*time.Millisecond)
		c.requireApplied([]string{"a", "b"}, "s1", "s2", "s3")
	})
}

func TestMembership_Queue(t *testing.T) {
	rq := require.New(t)
	c := newTestCluster(t, 3)
	leader := c.checkOneLeader()
	c.submit("a")

	c.start("s4", nil, VotingNotInitialized)
	c.start("s5", nil, VotingNotInitialized)

	type result struct {
		reply *ServerChangeReply
		err   error
	}
	results := make(chan result, 2)
	for _, id := range []string{"s4", "s5"} {
		id := id
		go func() {
			ctx, cancel := changeCtx()
			defer cancel()
			reply, err := leader.AddServer(ctx, id, id, false)
			results <- result{reply: reply, err: err}
		}()
	}
	for i := 0; i < 2; i++ {
		r := <-results
		rq.NoError(r.err)
		rq.Equal(StatusOK, r.reply.Status)
	}
	rq.Eventually(func() bool {
		return len(c.state(leader).Peers) == 4
	}, 3*time.Second, 20*time.Millisecond)
	c.requireApplied([]string{"a"}, "s4", "s5")
}
