// Package faketransport provides an in-process transport.Transport used
// by tests to exercise multiple broker nodes without a running NATS
// server, mirroring the hand-rolled fake-dependency style the pack's
// service tests use in place of generated mocks for small interfaces.
package faketransport

import (
	"context"
	"sync"

	"github.com/arc-self/molecule/packet"
	"github.com/arc-self/molecule/transport"
)

// Bus is a shared in-memory pub/sub fabric. Every Transport created with
// the same Bus can see every other's publishes, the way every client
// connected to one NATS server can.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]transport.Handler
}

// NewBus creates an empty shared fabric.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]transport.Handler)}
}

// Transport implements transport.Transport against a shared Bus.
type Transport struct {
	bus       *Bus
	connected bool
}

// New creates a Transport attached to bus.
func New(bus *Bus) *Transport {
	return &Transport{bus: bus}
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Connect(ctx context.Context) error {
	t.connected = true
	return nil
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.connected = false
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, namespace string, pt packet.Type, cmd string, nodeID string, h transport.Handler) error {
	subject := packet.Subject(namespace, cmd, nodeID)
	t.bus.mu.Lock()
	t.bus.subs[subject] = append(t.bus.subs[subject], h)
	t.bus.mu.Unlock()
	return nil
}

func (t *Transport) Publish(ctx context.Context, namespace, localNodeID string, p *packet.Packet) error {
	subject := packet.Subject(namespace, p.Cmd(), p.Target)
	raw, err := packet.Encode(p, localNodeID)
	if err != nil {
		return err
	}

	t.bus.mu.Lock()
	handlers := append([]transport.Handler(nil), t.bus.subs[subject]...)
	t.bus.mu.Unlock()

	for _, h := range handlers {
		h := h
		raw := raw
		go h(ctx, mustDecode(p.Type, raw))
	}
	return nil
}

func mustDecode(t packet.Type, raw []byte) *packet.Packet {
	p, err := packet.Decode(t, raw)
	if err != nil {
		panic(err)
	}
	return p
}
