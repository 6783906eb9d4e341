// Package transport carries the raft peer protocol over net/rpc on HTTP.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"raftcore/raft"
)

const serviceName = "Raft"

// Handler is the receiving side of the peer protocol, *raft.Raft implements it.
type Handler interface {
	AppendEntries(args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error
	RequestVote(args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error
	InstallSnapshot(args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error
	TimeoutNow(args *raft.TimeoutNowArgs, reply *raft.TimeoutNowReply) error
	ServerRemoved(args *raft.ServerRemovedArgs, reply *raft.ServerRemovedReply) error
	ChangeServers(req *raft.ServerChangeRequest, reply *raft.ServerChangeReply) error
}

var _ Handler = (*raft.Raft)(nil)

// Ack replaces empty replies, gob refuses structs without exported fields.
type Ack struct {
	OK bool
}

// Service is the net/rpc receiver registered under "Raft".
type Service struct {
	h Handler
}

func (s *Service) AppendEntries(args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error {
	return s.h.AppendEntries(args, reply)
}

func (s *Service) RequestVote(args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error {
	return s.h.RequestVote(args, reply)
}

func (s *Service) InstallSnapshot(args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error {
	return s.h.InstallSnapshot(args, reply)
}

func (s *Service) TimeoutNow(args *raft.TimeoutNowArgs, reply *Ack) error {
	if err := s.h.TimeoutNow(args, &raft.TimeoutNowReply{}); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

func (s *Service) ServerRemoved(args *raft.ServerRemovedArgs, reply *Ack) error {
	if err := s.h.ServerRemoved(args, &raft.ServerRemovedReply{}); err != nil {
		return err
	}
	reply.OK = true
	return nil
}

func (s *Service) ChangeServers(req *raft.ServerChangeRequest, reply *raft.ServerChangeReply) error {
	return s.h.ChangeServers(req, reply)
}

// Server accepts peer connections. Listen first so the bound address is known before the
// member is built, then Serve.
type Server struct {
	listener *trackedListener
	http     *http.Server
	logger   *zap.Logger

	once sync.Once
	done chan struct{}
	err  error
}

func Listen(address string) (*Server, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("fail to listen on %s, %w", address, err)
	}
	return &Server{
		listener: &trackedListener{Listener: l, conns: make(map[net.Conn]struct{})},
		logger:   raft.GetLoggerOrPanic("transport").With(zap.String("address", l.Addr().String())),
		done:     make(chan struct{}),
	}, nil
}

func (s *Server) Addr() string { return s.listener.Addr().String() }

func (s *Server) Serve(h Handler) error {
	srv := rpc.NewServer()
	if err := srv.RegisterName(serviceName, &Service{h: h}); err != nil {
		return fmt.Errorf("fail to register rpc service, %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(rpc.DefaultRPCPath, srv)
	s.http = &http.Server{Handler: mux}

	go func() {
		defer close(s.done)
		err := s.http.Serve(s.listener)
		if !errors.Is(err, http.ErrServerClosed) {
			s.err = err
			s.logger.Error("rpc server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("rpc server started")
	return nil
}

// Close stops accepting peers and drops every open peer connection.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		if s.http == nil {
			err = s.listener.Close()
			close(s.done)
			return
		}
		err = multierr.Combine(s.http.Close(), s.listener.closeConns())
		<-s.done
		err = multierr.Append(err, s.err)
	})
	return err
}

// trackedListener remembers accepted connections, net/rpc hijacks them out of http.Server.
type trackedListener struct {
	net.Listener
	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func (l *trackedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tc := &trackedConn{Conn: conn, l: l}
	l.mu.Lock()
	l.conns[tc] = struct{}{}
	l.mu.Unlock()
	return tc, nil
}

func (l *trackedListener) closeConns() error {
	l.mu.Lock()
	conns := make([]net.Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	var err error
	for _, c := range conns {
		if cerr := c.Close(); !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	return err
}

type trackedConn struct {
	net.Conn
	l    *trackedListener
	once sync.Once
}

func (c *trackedConn) Close() error {
	err := net.ErrClosed
	c.once.Do(func() {
		c.l.mu.Lock()
		delete(c.l.conns, c)
		c.l.mu.Unlock()
		err = c.Conn.Close()
	})
	return err
}
