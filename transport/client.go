package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/rpc"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"raftcore/raft"
)

const connectedStatus = "200 Connected to Go RPC"

var errorClientClosed = errors.New("errorClientClosed")

// Client implements raft.Transport with one cached rpc connection per address.
type Client struct {
	mu          sync.Mutex
	conns       map[string]*rpc.Client
	closed      bool
	dialTimeout time.Duration
	logger      *zap.Logger
}

var _ raft.Transport = (*Client)(nil)

func NewClient(dialTimeout time.Duration) *Client {
	return &Client{
		conns:       make(map[string]*rpc.Client),
		dialTimeout: dialTimeout,
		logger:      raft.GetLoggerOrPanic("transport client"),
	}
}

// dial is rpc.DialHTTPPath with a context.
func (c *Client) dial(ctx context.Context, address string) (*rpc.Client, error) {
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := io.WriteString(conn, "CONNECT "+rpc.DefaultRPCPath+" HTTP/1.0\n\n"); err != nil {
		_ = conn.Close()
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if resp.Status != connectedStatus {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected HTTP response %q from %s", resp.Status, address)
	}
	_ = conn.SetDeadline(time.Time{})
	return rpc.NewClient(conn), nil
}

func (c *Client) get(ctx context.Context, address string) (*rpc.Client, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errorClientClosed
	}
	if conn, ok := c.conns[address]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("fail to dial %s, %w", address, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return nil, errorClientClosed
	}
	if existing, ok := c.conns[address]; ok {
		_ = conn.Close()
		return existing, nil
	}
	c.conns[address] = conn
	return conn, nil
}

func (c *Client) drop(address string, conn *rpc.Client) {
	c.mu.Lock()
	if c.conns[address] == conn {
		delete(c.conns, address)
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) call(ctx context.Context, address, method string, args, reply any) error {
	conn, err := c.get(ctx, address)
	if err != nil {
		return err
	}
	call := conn.Go(serviceName+"."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
	}

	var serverErr rpc.ServerError
	if call.Error != nil && !errors.As(call.Error, &serverErr) {
		// the connection is broken, the next call dials again
		c.logger.Debug("drop connection",
			zap.String("address", address),
			zap.String("method", method),
			zap.Error(call.Error))
		c.drop(address, conn)
	}
	return call.Error
}

func (c *Client) RequestVote(ctx context.Context, address string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	reply := &raft.RequestVoteReply{}
	if err := c.call(ctx, address, "RequestVote", args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) AppendEntries(ctx context.Context, address string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	reply := &raft.AppendEntriesReply{}
	if err := c.call(ctx, address, "AppendEntries", args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) InstallSnapshot(ctx context.Context, address string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	reply := &raft.InstallSnapshotReply{}
	if err := c.call(ctx, address, "InstallSnapshot", args, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) TimeoutNow(ctx context.Context, address string, args *raft.TimeoutNowArgs) error {
	return c.call(ctx, address, "TimeoutNow", args, &Ack{})
}

func (c *Client) ServerRemoved(ctx context.Context, address string, args *raft.ServerRemovedArgs) error {
	return c.call(ctx, address, "ServerRemoved", args, &Ack{})
}

func (c *Client) ChangeServers(ctx context.Context, address string, req *raft.ServerChangeRequest) (*raft.ServerChangeReply, error) {
	reply := &raft.ServerChangeReply{}
	if err := c.call(ctx, address, "ChangeServers", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	var err error
	for address, conn := range c.conns {
		if cerr := conn.Close(); !errors.Is(cerr, rpc.ErrShutdown) {
			err = multierr.Append(err, cerr)
		}
		delete(c.conns, address)
	}
	return err
}
