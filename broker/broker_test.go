package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/molecule/broker"
	"github.com/arc-self/molecule/internal/faketransport"
	"github.com/arc-self/molecule/molctx"
	"github.com/arc-self/molecule/molerr"
	"github.com/arc-self/molecule/registry"
)

func newBroker(bus *faketransport.Bus, nodeID string) *broker.Broker {
	cfg := broker.Config{
		NodeID:             nodeID,
		HeartbeatInterval:  50 * time.Millisecond,
		WaitForServicesDur: 2 * time.Second,
	}
	return broker.New(cfg, faketransport.New(bus), zap.NewNop(), nil)
}

func TestLocalCallNeverTouchesTransport(t *testing.T) {
	bus := faketransport.NewBus()
	b := newBroker(bus, "node-1")

	b.Register(&registry.ServiceDecl{
		Name: "math",
		Actions: []registry.ActionDecl{{
			Name: "add",
			Handler: func(c *molctx.Context) (any, error) {
				a, _ := c.Params["a"].(float64)
				bb, _ := c.Params["b"].(float64)
				return a + bb, nil
			},
		}},
	})

	result, err := b.Call(context.Background(), "math.add", map[string]any{"a": float64(2), "b": float64(3)}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(5), result)
}

func TestCallUnknownActionFailsServiceNotAvailable(t *testing.T) {
	bus := faketransport.NewBus()
	b := newBroker(bus, "node-1")

	_, err := b.Call(context.Background(), "ghost.action", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, molerr.IsKind(err, molerr.KindServiceNotAvailable))
}

func TestRemoteCallAfterDiscovery(t *testing.T) {
	bus := faketransport.NewBus()
	a := newBroker(bus, "node-a")
	b := newBroker(bus, "node-b")

	a.Register(&registry.ServiceDecl{
		Name: "greeter",
		Actions: []registry.ActionDecl{{
			Name: "hello",
			Handler: func(c *molctx.Context) (any, error) {
				name, _ := c.Params["name"].(string)
				return "hello " + name, nil
			},
		}},
	})

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, b.WaitForServices(waitCtx, []string{"greeter"}, 0))

	result, err := b.Call(ctx, "greeter.hello", map[string]any{"name": "x"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello x", result)
}

func TestEmitInvokesOneLocalHandlerPerGroup(t *testing.T) {
	bus := faketransport.NewBus()
	b := newBroker(bus, "node-1")

	calls := make(chan string, 2)
	b.Register(&registry.ServiceDecl{
		Name: "notifier",
		Events: []registry.EventDecl{{
			Name:    "created",
			Pattern: "users.created",
			Handler: func(c *molctx.Context) { calls <- "notifier" },
		}},
	})
	b.Register(&registry.ServiceDecl{
		Name: "audit",
		Events: []registry.EventDecl{{
			Name:    "created",
			Pattern: "users.created",
			Handler: func(c *molctx.Context) { calls <- "audit" },
		}},
	})

	require.NoError(t, b.Emit(context.Background(), "users.created", map[string]any{"id": "u1"}, nil))

	received := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case name := <-calls:
			received[name] = true
		case <-time.After(time.Second):
			t.Fatal("expected both groups to receive the event")
		}
	}
	assert.True(t, received["notifier"])
	assert.True(t, received["audit"])
}

func TestWaitForServicesTimesOutWhenNeverSatisfied(t *testing.T) {
	bus := faketransport.NewBus()
	b := newBroker(bus, "node-1")
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := b.WaitForServices(ctx, []string{"never-registered"}, 0)
	assert.Error(t, err)
}
