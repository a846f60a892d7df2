// Package transit implements the Transit layer: packet dispatch, topic
// subscriptions, the pending-request table, and the per-type handlers
// spec.md §4.2 specifies. It is the only package that talks to a
// transport.Transport.
package transit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/molecule/catalog"
	"github.com/arc-self/molecule/molctx"
	"github.com/arc-self/molecule/molerr"
	"github.com/arc-self/molecule/packet"
	"github.com/arc-self/molecule/registry"
	"github.com/arc-self/molecule/transport"
)

// DefaultRequestTimeout is used when a call's Context carries no timeout.
const DefaultRequestTimeout = 60 * time.Second

// Metrics is the narrow set of counters the Broker's telemetry package
// wires in; a nil Metrics is a valid no-op.
type Metrics interface {
	IncCallTotal()
	IncCallError()
	SetPendingRequests(n int)
}

type noopMetrics struct{}

func (noopMetrics) IncCallTotal()          {}
func (noopMetrics) IncCallError()          {}
func (noopMetrics) SetPendingRequests(int) {}

// pendingEntry is one row of the pending-request table: pending until a
// terminal event (RESPONSE, node DISCONNECT, timeout, or shutdown)
// resolves it exactly once.
type pendingEntry struct {
	ch     chan map[string]any
	nodeID string
	once   sync.Once
}

func (e *pendingEntry) resolve(payload map[string]any) {
	e.once.Do(func() { e.ch <- payload })
}

// Transit implements §4.2 of the specification.
type Transit struct {
	localNodeID string
	namespace   string

	transport transport.Transport
	registry  *registry.Registry
	catalog   *catalog.Catalog
	logger    *zap.Logger
	metrics   Metrics

	mu      sync.Mutex
	pending map[string]*pendingEntry

	dispatch *dispatcher

	connected bool
}

// New builds a Transit bound to tr, reg, and cat. metrics may be nil.
func New(localNodeID, namespace string, tr transport.Transport, reg *registry.Registry, cat *catalog.Catalog, logger *zap.Logger, metrics Metrics) *Transit {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Transit{
		localNodeID: localNodeID,
		namespace:   namespace,
		transport:   tr,
		registry:    reg,
		catalog:     cat,
		logger:      logger,
		metrics:     metrics,
		pending:     make(map[string]*pendingEntry),
	}
}

// Connect opens the transport, publishes DISCOVER then self-INFO, and only
// then subscribes to the core subjects — subscribing after these publishes
// means the replies solicited by DISCOVER, and any immediate INFO reaction
// from peers, are still caught because INFO/DISCOVER are idempotent and a
// peer's own periodic re-broadcast (or a later local DISCOVER) will
// eventually land once subscriptions are live. Order mirrors spec.md
// §4.2's note on the role DISCOVER plays as the resync primitive.
func (t *Transit) Connect(ctx context.Context) error {
	if err := t.transport.Connect(ctx); err != nil {
		return molerr.Transport("connect", err)
	}

	if err := t.Publish(ctx, packet.New(packet.TypeDiscover, "", map[string]any{})); err != nil {
		return err
	}
	if err := t.sendSelfInfo(ctx, ""); err != nil {
		return err
	}

	if err := t.subscribeAll(ctx); err != nil {
		return err
	}

	t.connected = true
	return nil
}

// subscribeAll registers the broadcast and targeted variants of the core
// INFO/DISCOVER/HEARTBEAT/REQ/RES/EVENT/DISCONNECT subjects spec.md §4.2
// names — nine subscriptions in total, since INFO and DISCOVER each need
// both a broadcast and a targeted form.
func (t *Transit) subscribeAll(ctx context.Context) error {
	subs := []struct {
		pt     packet.Type
		cmd    string
		nodeID string
		fn     transport.Handler
	}{
		{packet.TypeInfo, "INFO", "", t.handleInfo},
		{packet.TypeInfo, "INFO", t.localNodeID, t.handleInfo},
		{packet.TypeDiscover, "DISCOVER", "", t.handleDiscover},
		{packet.TypeDiscover, "DISCOVER", t.localNodeID, t.handleDiscover},
		{packet.TypeHeartbeat, "HEARTBEAT", "", t.handleHeartbeat},
		{packet.TypeRequest, "REQ", t.localNodeID, t.handleRequest},
		{packet.TypeResponse, "RES", t.localNodeID, t.handleResponse},
		{packet.TypeEvent, "EVENT", t.localNodeID, t.handleEvent},
		{packet.TypeDisconnect, "DISCONNECT", "", t.handleDisconnect},
	}
	for _, s := range subs {
		if err := t.transport.Subscribe(ctx, t.namespace, s.pt, s.cmd, s.nodeID, s.fn); err != nil {
			return molerr.Transport("subscribe", err)
		}
	}
	return nil
}

// Disconnect publishes DISCONNECT, cancels every pending request with a
// shutdown error, and closes the transport — atomically with respect to
// new publishes, so no RESPONSE can arrive into a torn-down table
// (spec.md §9 "Pending-request leak on shutdown").
func (t *Transit) Disconnect(ctx context.Context) error {
	if !t.connected {
		return nil
	}
	_ = t.Publish(ctx, packet.New(packet.TypeDisconnect, "", map[string]any{}))

	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingEntry)
	t.mu.Unlock()
	t.metrics.SetPendingRequests(0)

	shutdownErr := map[string]any{
		"success": false,
		"error": map[string]any{
			"name":    "ShutdownError",
			"message": "transit is shutting down",
		},
	}
	for _, p := range pending {
		p.resolve(shutdownErr)
	}

	t.connected = false
	return t.transport.Disconnect(ctx)
}

// Publish is a synchronous codec + transport publish; transport errors
// propagate to the caller as molerr.Transport.
func (t *Transit) Publish(ctx context.Context, p *packet.Packet) error {
	if err := t.transport.Publish(ctx, t.namespace, t.localNodeID, p); err != nil {
		return molerr.Transport("publish "+string(p.Type), err)
	}
	return nil
}

// PublishInfo broadcasts a fresh self-INFO, used by Broker.Register to
// advertise newly added endpoints to peers already connected.
func (t *Transit) PublishInfo(ctx context.Context) error {
	return t.sendSelfInfo(ctx, "")
}

func (t *Transit) sendSelfInfo(ctx context.Context, target string) error {
	n := t.catalog.LocalNode()
	payload := map[string]any{
		"id":         n.ID,
		"services":   n.Services,
		"ipList":     n.IPList,
		"hostname":   n.Hostname,
		"client":     n.Client,
		"config":     n.Config,
		"seq":        n.Seq,
		"metadata":   n.Metadata,
		"instanceID": n.InstanceID,
	}
	return t.Publish(ctx, packet.New(packet.TypeInfo, target, payload))
}

// Beat publishes a HEARTBEAT carrying the local node's cpu reading.
func (t *Transit) Beat(ctx context.Context, cpu float64) error {
	return t.Publish(ctx, packet.New(packet.TypeHeartbeat, "", map[string]any{"cpu": cpu}))
}

// Request creates a future, indexes it under ctx.ID, publishes a REQUEST
// targeted at endpoint.NodeID, and awaits the future with a timeout
// (ctx.Timeout if set, else DefaultRequestTimeout). On success returns
// payload["data"]; on success=false raises molerr.RemoteCall; on timeout
// the entry is removed and molerr.RequestTimeout is raised.
func (t *Transit) Request(ctx context.Context, nodeID string, c *molctx.Context) (any, error) {
	entry := &pendingEntry{ch: make(chan map[string]any, 1), nodeID: nodeID}

	t.mu.Lock()
	t.pending[c.ID] = entry
	n := len(t.pending)
	t.mu.Unlock()
	t.metrics.SetPendingRequests(n)
	t.metrics.IncCallTotal()

	payload := map[string]any{
		"id":        c.ID,
		"action":    c.Action,
		"params":    c.Params,
		"meta":      c.Meta,
		"timeout":   c.Timeout,
		"level":     c.Level,
		"parentID":  c.ParentID,
		"requestID": c.RequestID,
		"stream":    c.Stream,
	}
	if err := t.Publish(ctx, packet.New(packet.TypeRequest, nodeID, payload)); err != nil {
		t.removePending(c.ID)
		t.metrics.IncCallError()
		return nil, err
	}

	timeout := DefaultRequestTimeout
	if c.Timeout > 0 {
		timeout = time.Duration(c.Timeout * float64(time.Second))
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-entry.ch:
		return parseResponse(resp)
	case <-timer.C:
		t.removePending(c.ID)
		t.metrics.IncCallError()
		return nil, molerr.RequestTimeout(c.ID, c.Action)
	case <-ctx.Done():
		t.removePending(c.ID)
		t.metrics.IncCallError()
		return nil, ctx.Err()
	}
}

func parseResponse(resp map[string]any) (any, error) {
	success := packet.BoolField(resp, true, "success")
	if success {
		return resp["data"], nil
	}
	errObj, _ := resp["error"].(map[string]any)
	name := packet.StringField(errObj, "name")
	message := packet.StringField(errObj, "message")
	stack := packet.StringField(errObj, "stack")
	var data map[string]any
	if d, ok := errObj["data"].(map[string]any); ok {
		data = d
	}
	if name == "NodeDisconnected" {
		return nil, molerr.NodeDisconnected(packet.StringField(resp, "sender"))
	}
	return nil, molerr.RemoteCall(name, message, stack, data)
}

func (t *Transit) removePending(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	n := len(t.pending)
	t.mu.Unlock()
	t.metrics.SetPendingRequests(n)
}

// SendEvent publishes an EVENT packet targeted at endpoint.NodeID;
// fire-and-forget.
func (t *Transit) SendEvent(ctx context.Context, nodeID string, c *molctx.Context, event string, broadcast bool, groups []string) error {
	payload := map[string]any{
		"id":        c.ID,
		"event":     event,
		"data":      c.Params,
		"meta":      c.Meta,
		"level":     c.Level,
		"parentID":  c.ParentID,
		"requestID": c.RequestID,
		"broadcast": broadcast,
	}
	if groups != nil {
		payload["groups"] = groups
	}
	return t.Publish(ctx, packet.New(packet.TypeEvent, nodeID, payload))
}

// ActionDispatcher is implemented by the Broker to invoke a local action
// handler for an inbound REQUEST.
type ActionDispatcher interface {
	InvokeLocalAction(ctx *molctx.Context) (any, error)
}

// EventDispatcher is implemented by the Broker to invoke a local event
// handler for an inbound EVENT.
type EventDispatcher interface {
	InvokeLocalEvent(ctx *molctx.Context, event string)
}

// dispatcher is set once via Bind; kept separate from New so Broker and
// Transit can be constructed in either order during wiring.
type dispatcher struct {
	actions ActionDispatcher
	events  EventDispatcher
}

// Bind wires the Broker's dispatch callbacks into Transit. Must be called
// before Connect.
func (t *Transit) Bind(actions ActionDispatcher, events EventDispatcher) {
	t.dispatch = &dispatcher{actions: actions, events: events}
}
