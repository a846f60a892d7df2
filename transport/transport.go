// Package transport defines the abstract pub/sub contract Transit speaks
// against (spec.md §6). Only its interface lives here; concrete adapters
// (e.g. natstransport) live in sub-packages so the core never imports a
// specific transport client directly.
package transport

import (
	"context"

	"github.com/arc-self/molecule/packet"
)

// Handler receives one decoded packet per inbound message. Implementations
// MUST NOT block for long inside Handler — every call runs on the
// transport's own delivery goroutine, a suspension point per spec.md §5.
type Handler func(ctx context.Context, p *packet.Packet)

// Transport is the minimal publish/subscribe/wildcard contract an
// underlying pub/sub system must provide. The only required semantic is
// that a broadcast subject ("MOL.INFO") receives untargeted publishes and
// a targeted subject ("MOL.REQ.<id>") receives only publishes addressed to
// that id — i.e. NATS-style subject wildcarding. NATS is the reference
// adapter; any pub/sub system with equivalent semantics is acceptable.
type Transport interface {
	// Connect opens the underlying connection. Idempotent.
	Connect(ctx context.Context) error
	// Disconnect closes the underlying connection. Idempotent.
	Disconnect(ctx context.Context) error
	// Subscribe registers h to be invoked for every packet of type
	// delivered on the given subject. namespace prefixes the subject the
	// same way it does for Publish; cmd is the wire command token (e.g.
	// "REQ"); nodeID, when non-empty, scopes the subscription to a
	// targeted subject instead of the broadcast one.
	Subscribe(ctx context.Context, namespace string, t packet.Type, cmd string, nodeID string, h Handler) error
	// Publish encodes and sends p. Safe for concurrent use.
	Publish(ctx context.Context, namespace, localNodeID string, p *packet.Packet) error
}
