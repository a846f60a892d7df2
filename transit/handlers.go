package transit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/arc-self/molecule/molctx"
	"github.com/arc-self/molecule/packet"
)

// handleInfo constructs a Node from the payload (field-robust) and merges
// it into the Node Catalog, which re-indexes remote actions/events and
// applies the seq-guard internally.
func (t *Transit) handleInfo(ctx context.Context, p *packet.Packet) {
	if p.Sender == "" || p.Sender == t.localNodeID {
		return
	}
	t.catalog.ProcessInfo(p.Sender, p.Payload)
}

// handleDiscover replies by publishing self-INFO: to the broadcast INFO
// subject if the DISCOVER was untargeted, or to the sender's INFO subject
// if it was targeted at us.
func (t *Transit) handleDiscover(ctx context.Context, p *packet.Packet) {
	if p.Sender == t.localNodeID {
		return
	}
	target := ""
	if p.Target == t.localNodeID {
		target = p.Sender
	}
	if err := t.sendSelfInfo(ctx, target); err != nil {
		t.logger.Warn("failed to reply to DISCOVER", zap.String("sender", p.Sender), zap.Error(err))
	}
}

// handleHeartbeat updates the sender's cpu/last-heartbeat. Packets from
// unknown nodes are ignored; a DISCOVER is published to re-sync.
func (t *Transit) handleHeartbeat(ctx context.Context, p *packet.Packet) {
	if p.Sender == "" || p.Sender == t.localNodeID {
		return
	}
	cpu := packet.Float64Field(p.Payload, "cpu")
	if !t.catalog.ApplyHeartbeat(p.Sender, cpu) {
		_ = t.Publish(ctx, packet.New(packet.TypeDiscover, "", map[string]any{}))
	}
}

// handleRequest looks up the action endpoint locally, rebuilds a Context,
// invokes the handler, and emits a RESPONSE echoing meta unchanged in both
// the success and error cases.
func (t *Transit) handleRequest(ctx context.Context, p *packet.Packet) {
	action := packet.StringField(p.Payload, "action")
	c := molctx.FromPayload(action, p.Payload)

	if t.dispatch == nil || t.dispatch.actions == nil {
		t.respondError(ctx, p.Sender, c, "ServiceNotAvailable", fmt.Sprintf("action %q not found", action), "")
		return
	}

	result, err := t.dispatch.actions.InvokeLocalAction(c)
	if err != nil {
		name, message, stack := classifyHandlerError(err)
		t.respondError(ctx, p.Sender, c, name, message, stack)
		return
	}

	response := map[string]any{
		"id":      c.ID,
		"success": true,
		"data":    result,
		"meta":    c.Meta,
	}
	if err := t.Publish(ctx, packet.New(packet.TypeResponse, p.Sender, response)); err != nil {
		t.logger.Warn("failed to publish RESPONSE", zap.String("action", action), zap.Error(err))
	}
}

func (t *Transit) respondError(ctx context.Context, target string, c *molctx.Context, name, message, stack string) {
	response := map[string]any{
		"id":      c.ID,
		"success": false,
		"meta":    c.Meta,
		"error": map[string]any{
			"name":    name,
			"message": message,
			"stack":   stack,
		},
	}
	if err := t.Publish(ctx, packet.New(packet.TypeResponse, target, response)); err != nil {
		t.logger.Warn("failed to publish error RESPONSE", zap.String("action", c.Action), zap.Error(err))
	}
}

func classifyHandlerError(err error) (name, message, stack string) {
	return "HandlerError", err.Error(), ""
}

// handleResponse looks up the future under payload["id"]; if present,
// resolves it and removes the entry (exactly once — a response that
// arrives after a timeout or shutdown already removed the entry is
// dropped, satisfying "at most one RESPONSE is ever delivered").
func (t *Transit) handleResponse(ctx context.Context, p *packet.Packet) {
	id := packet.StringField(p.Payload, "id")
	t.mu.Lock()
	entry, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	n := len(t.pending)
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("dropping RESPONSE for unknown or already-terminal request", zap.String("id", id))
		return
	}
	t.metrics.SetPendingRequests(n)
	entry.resolve(p.Payload)
}

// handleEvent looks up the local event endpoint matching payload["event"]
// and invokes it with a rebuilt Context. Unknown events are dropped.
func (t *Transit) handleEvent(ctx context.Context, p *packet.Packet) {
	event := packet.StringField(p.Payload, "event")
	if t.dispatch == nil || t.dispatch.events == nil {
		return
	}
	payload := map[string]any{
		"id":        packet.StringField(p.Payload, "id"),
		"params":    p.Payload["data"],
		"meta":      packet.MapField(p.Payload, "meta"),
		"requestID": packet.StringField(p.Payload, "requestID"),
		"parentID":  packet.StringField(p.Payload, "parentID"),
		"level":     p.Payload["level"],
	}
	if dataMap, ok := p.Payload["data"].(map[string]any); ok {
		payload["params"] = dataMap
	}
	c := molctx.FromPayload(event, payload)
	t.dispatch.events.InvokeLocalEvent(c, event)
}

// handleDisconnect marks the sender unavailable, cancels any pending
// requests targeting that node with molerr.NodeDisconnected, and prunes
// its endpoints from the Registry.
func (t *Transit) handleDisconnect(ctx context.Context, p *packet.Packet) {
	if p.Sender == "" || p.Sender == t.localNodeID {
		return
	}
	t.catalog.DisconnectNode(p.Sender)

	t.mu.Lock()
	var toCancel []*pendingEntry
	for id, entry := range t.pending {
		if entry.nodeID == p.Sender {
			toCancel = append(toCancel, entry)
			delete(t.pending, id)
		}
	}
	n := len(t.pending)
	t.mu.Unlock()
	t.metrics.SetPendingRequests(n)

	disconnectErr := map[string]any{
		"success": false,
		"sender":  p.Sender,
		"error":   map[string]any{"name": "NodeDisconnected", "message": fmt.Sprintf("node %q disconnected", p.Sender)},
	}
	for _, entry := range toCancel {
		entry.resolve(disconnectErr)
	}

	t.registry.RemoveNode(p.Sender)
	t.catalog.RemoveNode(p.Sender)
}
