package transit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arc-self/molecule/catalog"
	"github.com/arc-self/molecule/internal/faketransport"
	"github.com/arc-self/molecule/molctx"
	"github.com/arc-self/molecule/molerr"
	"github.com/arc-self/molecule/packet"
	"github.com/arc-self/molecule/registry"
	"github.com/arc-self/molecule/transit"
)

type stubActions struct {
	fn func(c *molctx.Context) (any, error)
}

func (s stubActions) InvokeLocalAction(c *molctx.Context) (any, error) { return s.fn(c) }

type stubEvents struct {
	fn func(c *molctx.Context, event string)
}

func (s stubEvents) InvokeLocalEvent(c *molctx.Context, event string) { s.fn(c, event) }

type node struct {
	reg *registry.Registry
	cat *catalog.Catalog
	tr  *transit.Transit
}

func newNode(t *testing.T, bus *faketransport.Bus, id string) *node {
	t.Helper()
	reg := registry.New(id)
	cat := catalog.New(id, reg)
	tr := transit.New(id, "", faketransport.New(bus), reg, cat, zap.NewNop(), nil)
	return &node{reg: reg, cat: cat, tr: tr}
}

func connectAll(t *testing.T, nodes ...*node) {
	t.Helper()
	for _, n := range nodes {
		require.NoError(t, n.tr.Connect(context.Background()))
	}
	time.Sleep(50 * time.Millisecond) // let async DISCOVER/INFO settle
}

func TestRemoteCallSuccess(t *testing.T) {
	bus := faketransport.NewBus()
	a := newNode(t, bus, "node-a")
	b := newNode(t, bus, "node-b")

	a.reg.Register(&registry.ServiceDecl{
		Name: "math",
		Actions: []registry.ActionDecl{{Name: "add"}},
	})
	a.tr.Bind(stubActions{fn: func(c *molctx.Context) (any, error) {
		x, _ := c.Params["a"].(float64)
		y, _ := c.Params["b"].(float64)
		return x + y, nil
	}}, stubEvents{fn: func(*molctx.Context, string) {}})

	connectAll(t, a, b)

	b.reg.AddRemote("node-a", "math.add")

	c := molctx.New("math.add", map[string]any{"a": float64(7), "b": float64(8)}, nil)
	result, err := b.tr.Request(context.Background(), "node-a", c)
	require.NoError(t, err)
	assert.Equal(t, float64(15), result)
}

func TestRemoteCallError(t *testing.T) {
	bus := faketransport.NewBus()
	a := newNode(t, bus, "node-a")
	b := newNode(t, bus, "node-b")

	a.tr.Bind(stubActions{fn: func(c *molctx.Context) (any, error) {
		return nil, assertError{"bad input"}
	}}, stubEvents{fn: func(*molctx.Context, string) {}})

	connectAll(t, a, b)
	b.reg.AddRemote("node-a", "math.add")

	c := molctx.New("math.add", nil, nil)
	_, err := b.tr.Request(context.Background(), "node-a", c)
	require.Error(t, err)
	merr, ok := err.(*molerr.Error)
	require.True(t, ok)
	assert.Equal(t, molerr.KindRemoteCall, merr.Kind)
	assert.Contains(t, merr.Message, "bad input")
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestRequestTimeout(t *testing.T) {
	bus := faketransport.NewBus()
	b := newNode(t, bus, "node-b")
	require.NoError(t, b.tr.Connect(context.Background()))

	c := molctx.New("math.add", nil, nil)
	c.Timeout = 0.05

	_, err := b.tr.Request(context.Background(), "node-ghost", c)
	require.Error(t, err)
	assert.True(t, molerr.IsKind(err, molerr.KindRequestTimeout))
}

func TestMetaPropagatesUnchangedInResponse(t *testing.T) {
	bus := faketransport.NewBus()
	a := newNode(t, bus, "node-a")
	b := newNode(t, bus, "node-b")

	var observedMeta map[string]any
	a.tr.Bind(stubActions{fn: func(c *molctx.Context) (any, error) {
		observedMeta = c.Meta
		return "ok", nil
	}}, stubEvents{fn: func(*molctx.Context, string) {}})

	connectAll(t, a, b)
	b.reg.AddRemote("node-a", "greeter.hello")

	respMeta := make(chan map[string]any, 1)
	spy := faketransport.New(bus)
	require.NoError(t, spy.Subscribe(context.Background(), "", packet.TypeResponse, "RES", "node-b", func(_ context.Context, p *packet.Packet) {
		m, _ := p.Payload["meta"].(map[string]any)
		respMeta <- m
	}))

	c := molctx.New("greeter.hello", nil, map[string]any{"traceID": "t1"})
	_, err := b.tr.Request(context.Background(), "node-a", c)
	require.NoError(t, err)
	assert.Equal(t, "t1", observedMeta["traceID"])

	select {
	case m := <-respMeta:
		assert.Equal(t, "t1", m["traceID"])
	case <-time.After(time.Second):
		t.Fatal("expected a RESPONSE on node-b's subject")
	}
}

func TestDisconnectCancelsPendingRequestsWithShutdownError(t *testing.T) {
	bus := faketransport.NewBus()
	b := newNode(t, bus, "node-b")
	require.NoError(t, b.tr.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		c := molctx.New("math.add", nil, nil)
		c.Timeout = 5
		_, err := b.tr.Request(context.Background(), "node-ghost", c)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.tr.Disconnect(context.Background()))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shutting down")
	case <-time.After(time.Second):
		t.Fatal("expected pending request to be cancelled by Disconnect")
	}
}
