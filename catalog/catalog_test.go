package catalog_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/molecule/catalog"
	"github.com/arc-self/molecule/registry"
)

func TestEnsureLocalNodeIdempotent(t *testing.T) {
	r := registry.New("node-1")
	c := catalog.New("node-1", r)

	n1 := c.LocalNode()
	require.NotNil(t, n1)
	assert.True(t, n1.Local)
	assert.True(t, n1.Available)

	n2 := c.EnsureLocalNode(nil, nil)
	assert.Equal(t, n1.ID, n2.ID)
	assert.Greater(t, n2.Seq, n1.Seq-1)
}

func TestProcessInfoSeqGuardRejectsStale(t *testing.T) {
	r := registry.New("node-1")
	c := catalog.New("node-1", r)

	applied := c.ProcessInfo("node-2", map[string]any{"seq": float64(5), "hostname": "h-new"})
	assert.True(t, applied)

	applied = c.ProcessInfo("node-2", map[string]any{"seq": float64(3), "hostname": "h-stale"})
	assert.False(t, applied)

	n, ok := c.GetNode("node-2")
	require.True(t, ok)
	assert.Equal(t, "h-new", n.Hostname)
}

func TestProcessInfoReindexesRemoteActions(t *testing.T) {
	r := registry.New("node-1")
	c := catalog.New("node-1", r)

	payload := map[string]any{
		"seq": float64(1),
		"services": []any{
			map[string]any{
				"name": "greeter",
				"actions": map[string]any{
					"greeter.hello": map[string]any{"rawName": "hello", "name": "greeter.hello"},
				},
				"events": map[string]any{
					"users.created": map[string]any{"group": "greeter"},
				},
			},
		},
	}
	c.ProcessInfo("node-2", payload)

	ep, ok := r.GetAction("greeter.hello")
	require.True(t, ok)
	assert.Equal(t, "node-2", ep.NodeID)

	events := r.GetEventsForBroadcast("users.created")
	require.Len(t, events, 1)
	assert.Equal(t, "greeter", events[0].Group)
}

func TestDisconnectNodeMarksUnavailable(t *testing.T) {
	r := registry.New("node-1")
	c := catalog.New("node-1", r)
	c.ProcessInfo("node-2", map[string]any{"seq": float64(1)})

	c.DisconnectNode("node-2")

	n, ok := c.GetNode("node-2")
	require.True(t, ok)
	assert.False(t, n.Available)
}

func TestExpireMarksStaleNodesUnavailable(t *testing.T) {
	r := registry.New("node-1")
	c := catalog.New("node-1", r)
	c.AddNode("node-2", &catalog.Node{ID: "node-2", Available: true, LastHeartbeatAt: time.Now().Add(-1 * time.Hour)})

	expired := c.Expire(time.Now(), 5*time.Second)
	assert.Contains(t, expired, "node-2")

	n, _ := c.GetNode("node-2")
	assert.False(t, n.Available)
}

func TestExpireSkipsLocalAndFreshNodes(t *testing.T) {
	r := registry.New("node-1")
	c := catalog.New("node-1", r)
	c.AddNode("node-2", &catalog.Node{ID: "node-2", Available: true, LastHeartbeatAt: time.Now()})

	expired := c.Expire(time.Now(), 5*time.Second)
	assert.Empty(t, expired)
}

func TestSubscribeFiresOnChange(t *testing.T) {
	r := registry.New("node-1")
	c := catalog.New("node-1", r)

	ch := c.Subscribe()
	c.ProcessInfo("node-2", map[string]any{"seq": float64(1)})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be notified")
	}
}
