// Package natstransport adapts github.com/nats-io/nats.go's core pub/sub
// client to the transport.Transport contract. It is adapted from
// packages/go-core/natsclient.Client: the connection-lifecycle shape
// (RetryOnFailedConnect, infinite reconnects, Drain-based graceful close,
// structured "connected" log line) is kept verbatim; the JetStream stream
// provisioning and pull-consumer machinery is dropped because persistent
// queues are an explicit Non-goal of the broker core (see DESIGN.md).
package natstransport

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/arc-self/molecule/packet"
	"github.com/arc-self/molecule/transport"
)

// Transport wraps a core NATS connection.
type Transport struct {
	url    string
	conn   *nats.Conn
	log    *zap.Logger
	subs   []*nats.Subscription
}

// New builds a Transport pointed at url. Connect must be called before use.
func New(url string, logger *zap.Logger) *Transport {
	return &Transport{url: url, log: logger}
}

// Connect opens the NATS connection, retrying indefinitely on failure.
// Idempotent: an open (not closed or draining) connection is kept.
func (t *Transport) Connect(ctx context.Context) error {
	if t.conn != nil && !t.conn.IsClosed() && !t.conn.IsDraining() {
		return nil
	}
	nc, err := nats.Connect(t.url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t.conn = nc
	t.log.Info("NATS connected", zap.String("url", t.url))
	return nil
}

// Disconnect drains pending publishes and deliveries before closing,
// falling back to a hard Close if Drain itself errors (e.g. already
// disconnected). Idempotent.
func (t *Transport) Disconnect(ctx context.Context) error {
	if t.conn == nil {
		return nil
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
	}
	return nil
}

// Subscribe registers a NATS subscription on the subject derived from cmd
// and nodeID, decoding every arrival into a packet.Packet before invoking h.
func (t *Transport) Subscribe(ctx context.Context, namespace string, pt packet.Type, cmd string, nodeID string, h transport.Handler) error {
	subject := packet.Subject(namespace, cmd, nodeID)
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		p, err := packet.Decode(pt, msg.Data)
		if err != nil {
			t.log.Warn("malformed packet, dropping", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		h(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	t.subs = append(t.subs, sub)
	return nil
}

// Publish encodes p's payload (stamping ver/sender) and publishes it on the
// subject derived from p's command and target.
func (t *Transport) Publish(ctx context.Context, namespace, localNodeID string, p *packet.Packet) error {
	subject := packet.Subject(namespace, p.Cmd(), p.Target)
	data, err := packet.Encode(p, localNodeID)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

var _ transport.Transport = (*Transport)(nil)
