package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/molecule/molctx"
	"github.com/arc-self/molecule/registry"
)

func mathService() *registry.ServiceDecl {
	return &registry.ServiceDecl{
		Name: "math",
		Actions: []registry.ActionDecl{
			{Name: "add", Handler: func(c *molctx.Context) (any, error) {
				a, _ := c.Params["a"].(float64)
				b, _ := c.Params["b"].(float64)
				return a + b, nil
			}},
		},
	}
}

func TestGetActionPrefersLocal(t *testing.T) {
	r := registry.New("node-1")
	r.Register(mathService())
	r.AddRemote("node-2", "math.add")

	ep, ok := r.GetAction("math.add")
	require.True(t, ok)
	assert.True(t, ep.IsLocal)
	assert.Equal(t, "node-1", ep.NodeID)
}

func TestGetActionRoundRobinsAcrossAvailableRemotes(t *testing.T) {
	r := registry.New("node-1")
	r.AddRemote("node-2", "math.add")
	r.AddRemote("node-3", "math.add")

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		ep, ok := r.GetAction("math.add")
		require.True(t, ok)
		seen[ep.NodeID]++
	}
	assert.Equal(t, 2, seen["node-2"])
	assert.Equal(t, 2, seen["node-3"])
}

func TestGetActionSkipsUnavailableRemotes(t *testing.T) {
	r := registry.New("node-1")
	r.AddRemote("node-2", "math.add")
	r.AddRemote("node-3", "math.add")
	r.SetNodeAvailable("node-2", false)

	for i := 0; i < 3; i++ {
		ep, ok := r.GetAction("math.add")
		require.True(t, ok)
		assert.Equal(t, "node-3", ep.NodeID)
	}
}

func TestGetActionNoEndpoint(t *testing.T) {
	r := registry.New("node-1")
	_, ok := r.GetAction("ghost.action")
	assert.False(t, ok)
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := registry.New("node-1")
	r.Register(mathService())
	r.Register(mathService())

	ep, ok := r.GetAction("math.add")
	require.True(t, ok)
	assert.True(t, ep.IsLocal)

	svcs := r.LocalServices()
	require.Len(t, svcs, 1)
	actions := svcs[0]["actions"].(map[string]any)
	assert.Len(t, actions, 1)
}

func TestRemoveNodeStripsAllItsEndpoints(t *testing.T) {
	r := registry.New("node-1")
	r.AddRemote("node-2", "math.add")
	r.AddRemoteEvent("node-2", "users.created", "notifier")

	r.RemoveNode("node-2")

	_, ok := r.GetAction("math.add")
	assert.False(t, ok)
	assert.Empty(t, r.GetEventsForBroadcast("users.created"))
}

func TestGetEventsForEmitOnePerGroup(t *testing.T) {
	r := registry.New("node-1")
	r.AddRemoteEvent("node-2", "users.created", "notifier")
	r.AddRemoteEvent("node-3", "users.created", "notifier")
	r.AddRemoteEvent("node-4", "users.created", "audit")

	eps := r.GetEventsForEmit("users.created")
	groups := map[string]int{}
	for _, ep := range eps {
		groups[ep.Group]++
	}
	assert.Equal(t, 1, groups["notifier"])
	assert.Equal(t, 1, groups["audit"])
}

func TestGetEventsForBroadcastReturnsAllMatches(t *testing.T) {
	r := registry.New("node-1")
	r.AddRemoteEvent("node-2", "users.created", "notifier")
	r.AddRemoteEvent("node-3", "users.created", "notifier")

	eps := r.GetEventsForBroadcast("users.created")
	assert.Len(t, eps, 2)
}

func TestHasEndpoint(t *testing.T) {
	r := registry.New("node-1")
	assert.False(t, r.HasEndpoint("greeter"))
	r.AddRemote("node-2", "greeter.hello")
	assert.True(t, r.HasEndpoint("greeter"))
}
