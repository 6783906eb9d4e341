package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"raftcore/config"
	"raftcore/kv"
	"raftcore/persist"
	"raftcore/raft"
	"raftcore/transport"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	config  string
	id      string
	address string
	bind    string
	api     string
	peers   string
	dataDir string
	engine  string
	join    bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.config, "config", "", "YAML config file, replaces every flag except -bind")
	flag.StringVar(&f.id, "id", "", "member id")
	flag.StringVar(&f.address, "address", "", "peer rpc address other members use to reach this node")
	flag.StringVar(&f.bind, "bind", "", "address the rpc server listens on, defaults to -address")
	flag.StringVar(&f.api, "api", ":8000", "client HTTP API address")
	flag.StringVar(&f.peers, "peers", "", "comma separated id=address list including this node")
	flag.StringVar(&f.dataDir, "data", "./data", "data directory")
	flag.StringVar(&f.engine, "engine", "file", fmt.Sprintf("storage engine, one of %v", persist.Engines()))
	flag.BoolVar(&f.join, "join", false, "start outside the cluster and wait to be added")
	flag.Parse()
	return f
}

func (f flags) load() (*config.Config, error) {
	if f.config != "" {
		return config.LoadConfig(f.config)
	}
	cfg := &config.Config{
		Node: config.NodeConfig{
			ID:         f.id,
			Address:    f.address,
			APIAddress: f.api,
			DataDir:    f.dataDir,
			Join:       f.join,
		},
		Storage: config.StorageConfig{Engine: f.engine},
	}
	for _, p := range strings.Split(f.peers, ",") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		id, address, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid peer %q, want id=address", p)
		}
		cfg.Cluster.Peers = append(cfg.Cluster.Peers, config.PeerConfig{ID: id, Address: address})
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type roleLogger struct {
	logger *zap.Logger
}

func (o roleLogger) OnRoleChanged(member string, from, to raft.RoleType) {
	o.logger.Info("role changed",
		zap.String(raft.Member, member),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

func (o roleLogger) OnLeaderChanged(member, leaderID string) {
	o.logger.Info("leader changed", zap.String(raft.Member, member), zap.String("leader", leaderID))
}

type node struct {
	rf      *raft.Raft
	storage *persist.Storage
	server  *transport.Server
	client  *transport.Client
	http    *http.Server
	logger  *zap.Logger
}

func start(cfg *config.Config, bind string) (*node, error) {
	logger := raft.GetLoggerOrPanic("node").With(zap.String(raft.Member, cfg.Node.ID))
	raftCfg := cfg.RaftConfig()

	storage, err := persist.Open(cfg.Storage.Engine, cfg.Node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("fail to open storage, %w", err)
	}
	if bind == "" {
		bind = cfg.Node.Address
	}
	server, err := transport.Listen(bind)
	if err != nil {
		return nil, multierr.Append(err, storage.Close())
	}
	client := transport.NewClient(raftCfg.RPCTimeout)
	store := kv.NewStore()

	rf, err := raft.Make(raft.Options{
		ID:           cfg.Node.ID,
		Address:      cfg.Node.Address,
		Peers:        cfg.Peers(),
		VotingState:  cfg.VotingState(),
		Config:       raftCfg,
		Transport:    client,
		Journal:      storage.Journal,
		Snapshots:    storage.Snapshots,
		Terms:        storage.Terms,
		StateMachine: store,
		RoleObserver: roleLogger{logger: logger},
	})
	if err != nil {
		return nil, multierr.Combine(err, server.Close(), client.Close(), storage.Close())
	}
	if err := server.Serve(rf); err != nil {
		rf.Kill()
		return nil, multierr.Combine(err, server.Close(), client.Close(), storage.Close())
	}

	n := &node{
		rf:      rf,
		storage: storage,
		server:  server,
		client:  client,
		http:    &http.Server{Addr: cfg.Node.APIAddress, Handler: newAPI(rf, store).routes()},
		logger:  logger,
	}
	go func() {
		logger.Info("api listening", zap.String("address", cfg.Node.APIAddress))
		if err := n.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()
	return n, nil
}

// stop hands over leadership, then releases every resource.
func (n *node) stop(ctx context.Context) error {
	err := n.rf.Shutdown(ctx)
	return multierr.Combine(
		err,
		n.http.Shutdown(ctx),
		n.server.Close(),
		n.client.Close(),
		n.storage.Close(),
	)
}

func main() {
	f := parseFlags()
	logger := raft.GetLoggerOrPanic("main")

	cfg, err := f.load()
	if err != nil {
		logger.Fatal("fail to load configuration", zap.Error(err))
	}
	n, err := start(cfg, f.bind)
	if err != nil {
		logger.Fatal("fail to start node", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-n.rf.Done():
		logger.Error("raft member stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := n.stop(ctx); err != nil {
		logger.Error("unclean shutdown", zap.Error(err))
		os.Exit(1)
	}
}
