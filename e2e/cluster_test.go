//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	docker_network "github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	image   = "raftcore-node"
	tag     = "e2e"
	rpcPort = "7000"
	apiPort = "8000/tcp"
)

type testNode struct {
	id        string
	container testcontainers.Container
	hostPort  string
}

type health struct {
	Term     int64  `json:"term"`
	IsLeader bool   `json:"isLeader"`
	LeaderID string `json:"leaderId"`
}

func (n *testNode) health() (*health, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s/health", n.hostPort))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	var h health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (n *testNode) put(key, value string) error {
	body, err := json.Marshal(map[string]string{"op": "put", "key": key, "value": value})
	if err != nil {
		return err
	}
	resp, err := http.Post(fmt.Sprintf("http://%s/command", n.hostPort), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("command failed with status %d", resp.StatusCode)
	}
	return nil
}

func (n *testNode) get(key string) (string, bool) {
	resp, err := http.Get(fmt.Sprintf("http://%s/kv/%s", n.hostPort, key))
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	var kv struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&kv); err != nil {
		return "", false
	}
	return kv.Value, true
}

type testCluster struct {
	t       *testing.T
	ctx     context.Context
	nodes   []*testNode
	stopped map[string]bool
	network *testcontainers.DockerNetwork
}

func hostname(id string) string { return "raft-" + id }

func newTestCluster(t *testing.T, ctx context.Context, size int) *testCluster {
	nw, err := docker_network.New(ctx)
	require.NoError(t, err)

	c := &testCluster{t: t, ctx: ctx, network: nw, stopped: make(map[string]bool)}
	t.Cleanup(c.shutdown)

	var peers []string
	for i := 1; i <= size; i++ {
		id := fmt.Sprintf("s%d", i)
		peers = append(peers, fmt.Sprintf("%s=%s:%s", id, hostname(id), rpcPort))
	}
	for i := 1; i <= size; i++ {
		// the first node builds the image, the others reuse it
		c.nodes = append(c.nodes, c.startNode(fmt.Sprintf("s%d", i), strings.Join(peers, ","), i == 1))
	}
	for _, n := range c.nodes {
		t.Logf("node %s http://%s", n.id, n.hostPort)
	}
	return c
}

func (c *testCluster) startNode(id, peers string, build bool) *testNode {
	req := testcontainers.ContainerRequest{
		Name:           hostname(id),
		ExposedPorts:   []string{apiPort},
		Networks:       []string{c.network.Name},
		NetworkAliases: map[string][]string{c.network.Name: {hostname(id)}},
		Cmd: []string{
			"-id", id,
			"-address", hostname(id) + ":" + rpcPort,
			"-bind", ":" + rpcPort,
			"-api", ":8000",
			"-peers", peers,
			"-data", "/tmp/raft",
		},
		WaitingFor: wait.ForHTTP("/health").
			WithPort(apiPort).
			WithStartupTimeout(60 * time.Second),
	}
	if build {
		req.FromDockerfile = testcontainers.FromDockerfile{
			Context:    "..",
			Dockerfile: "Dockerfile",
			Repo:       image,
			Tag:        tag,
			KeepImage:  true,
		}
	} else {
		req.Image = image + ":" + tag
	}

	container, err := testcontainers.GenericContainer(c.ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(c.t, err)

	host, err := container.Host(c.ctx)
	require.NoError(c.t, err)
	port, err := container.MappedPort(c.ctx, apiPort)
	require.NoError(c.t, err)

	return &testNode{id: id, container: container, hostPort: fmt.Sprintf("%s:%s", host, port.Port())}
}

func (c *testCluster) running() []*testNode {
	var nodes []*testNode
	for _, n := range c.nodes {
		if !c.stopped[n.id] {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func (c *testCluster) leader() *testNode {
	var leader *testNode
	require.Eventually(c.t, func() bool {
		for _, n := range c.running() {
			h, err := n.health()
			if err == nil && h.IsLeader {
				leader = n
				return true
			}
		}
		return false
	}, 30*time.Second, 200*time.Millisecond)
	return leader
}

func (c *testCluster) put(key, value string) {
	require.Eventually(c.t, func() bool {
		return c.leader().put(key, value) == nil
	}, 30*time.Second, 200*time.Millisecond)
}

func (c *testCluster) requireValue(key, value string) {
	for _, n := range c.running() {
		n := n
		require.Eventually(c.t, func() bool {
			v, ok := n.get(key)
			return ok && v == value
		}, 30*time.Second, 200*time.Millisecond, "node %s", n.id)
	}
}

func (c *testCluster) stop(n *testNode) {
	timeout := 10 * time.Second
	require.NoError(c.t, n.container.Stop(c.ctx, &timeout))
	c.stopped[n.id] = true
}

func (c *testCluster) shutdown() {
	for _, n := range c.nodes {
		if err := n.container.Terminate(c.ctx); err != nil {
			c.t.Logf("fail to terminate %s: %v", n.id, err)
		}
	}
	if err := c.network.Remove(c.ctx); err != nil {
		c.t.Logf("fail to remove network: %v", err)
	}
}

func TestCluster_Replication(t *testing.T) {
	ctx := context.Background()
	c := newTestCluster(t, ctx, 3)

	c.put("k1", "v1")
	c.requireValue("k1", "v1")
}

func TestCluster_LeaderFailover(t *testing.T) {
	rq := require.New(t)
	ctx := context.Background()
	c := newTestCluster(t, ctx, 3)

	c.put("before", "1")
	c.requireValue("before", "1")

	old := c.leader()
	c.stop(old)

	next := c.leader()
	rq.NotEqual(old.id, next.id)
	c.put("after", "2")
	c.requireValue("before", "1")
	c.requireValue("after", "2")
}
