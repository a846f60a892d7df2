// Package catalog implements the Node Catalog: the authoritative list of
// known peers, their advertised services, liveness, and INFO sequence
// versioning (spec.md §4.4).
package catalog

import (
	"sync"
	"time"

	"github.com/arc-self/molecule/packet"
	"github.com/arc-self/molecule/registry"
)

// Node mirrors spec.md §3's Node: at most one per id, with exactly one
// local=true (the self-node).
type Node struct {
	ID              string
	Available       bool
	Local           bool
	Services        []map[string]any
	CPU             float64
	IPList          []string
	Hostname        string
	Client          map[string]any
	Config          map[string]any
	InstanceID      string
	Metadata        map[string]any
	Seq             int64
	Ver             string
	LastHeartbeatAt time.Time
}

// Catalog tracks remote peers and the local self-node.
type Catalog struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	localID  string
	registry *registry.Registry

	waiters []chan struct{} // signaled (closed) on every successful upsert
}

// New creates a Catalog for the given local node id, backed by reg for
// service-list rebuilds and endpoint pruning.
func New(localID string, reg *registry.Registry) *Catalog {
	c := &Catalog{
		nodes:    make(map[string]*Node),
		localID:  localID,
		registry: reg,
	}
	c.EnsureLocalNode(nil, nil)
	return c
}

// EnsureLocalNode idempotently creates/refreshes the self-node, rebuilding
// its Services descriptor from the Registry so the next INFO broadcast
// advertises it (spec.md §4.4 last paragraph).
func (c *Catalog) EnsureLocalNode(client map[string]any, ipList []string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[c.localID]
	if !ok {
		n = &Node{ID: c.localID, Available: true, Local: true, Ver: packet.ProtocolVersion}
		c.nodes[c.localID] = n
	}
	n.Local = true
	n.Available = true
	if client != nil {
		n.Client = client
	}
	if ipList != nil {
		n.IPList = ipList
	}
	if c.registry != nil {
		n.Services = c.registry.LocalServices()
	}
	n.Seq++
	return n
}

// LocalNode returns the self-node.
func (c *Catalog) LocalNode() *Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodes[c.localID]
}

// AddNode inserts or replaces a node wholesale (used by tests;
// ProcessInfo inserts first-seen nodes itself).
func (c *Catalog) AddNode(id string, n *Node) {
	c.mu.Lock()
	c.nodes[id] = n
	c.mu.Unlock()
	c.notifyWaiters()
}

// GetNode looks up a node by id.
func (c *Catalog) GetNode(id string) (*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// DisconnectNode marks a node unavailable and propagates the change to the
// Registry (endpoints stay indexed but are skipped by selection) — the
// DISCONNECT handler additionally prunes endpoints outright via
// RemoveNode; expiry only marks unavailable.
func (c *Catalog) DisconnectNode(id string) {
	c.mu.Lock()
	n, ok := c.nodes[id]
	if ok {
		n.Available = false
	}
	c.mu.Unlock()
	if c.registry != nil {
		c.registry.SetNodeAvailable(id, false)
	}
}

// RemoveNode deletes a node outright (used alongside Registry.RemoveNode
// on DISCONNECT).
func (c *Catalog) RemoveNode(id string) {
	c.mu.Lock()
	delete(c.nodes, id)
	c.mu.Unlock()
}

// ProcessInfo merges an INFO payload into the catalog with the seq-guard:
// an incoming nonzero seq <= the stored seq for that node is ignored, so a
// late-arriving older INFO never overwrites a newer one (spec.md
// invariant in §8). An INFO without a seq (or with seq 0) is always
// applied and leaves the stored seq unchanged.
func (c *Catalog) ProcessInfo(nodeID string, payload map[string]any) (applied bool) {
	seq := int64(packet.Float64Field(payload, "seq"))

	c.mu.Lock()
	n, existed := c.nodes[nodeID]
	if existed && seq != 0 && seq <= n.Seq {
		c.mu.Unlock()
		return false
	}
	if !existed {
		n = &Node{ID: nodeID}
		c.nodes[nodeID] = n
	}

	n.Available = packet.BoolField(payload, true, "available")
	n.CPU = packet.Float64Field(payload, "cpu")
	n.IPList = packet.StringSliceField(payload, "ipList", "ip_list")
	n.Hostname = packet.StringField(payload, "hostname")
	n.Client = packet.MapField(payload, "client")
	n.Config = packet.MapField(payload, "config")
	n.InstanceID = packet.StringField(payload, "instanceID", "instance_id")
	n.Metadata = packet.MapField(payload, "metadata")
	n.Ver = packet.StringField(payload, "ver")
	if seq != 0 {
		n.Seq = seq
	}
	n.LastHeartbeatAt = time.Now()

	services, _ := payload["services"].([]any)
	svcList := make([]map[string]any, 0, len(services))
	for _, s := range services {
		if m, ok := s.(map[string]any); ok {
			svcList = append(svcList, m)
		}
	}
	n.Services = svcList
	c.mu.Unlock()

	if c.registry != nil {
		c.registry.SetNodeAvailable(nodeID, n.Available)
		reindexRemote(c.registry, nodeID, svcList)
	}
	c.notifyWaiters()
	return true
}

// reindexRemote walks an INFO payload's service descriptors and indexes
// every action/event as a remote endpoint (spec.md §4.1 INFO handler).
func reindexRemote(reg *registry.Registry, nodeID string, services []map[string]any) {
	for _, svc := range services {
		actions, _ := svc["actions"].(map[string]any)
		for name := range actions {
			reg.AddRemote(nodeID, name)
		}
		events, _ := svc["events"].(map[string]any)
		for name, raw := range events {
			group := ""
			if m, ok := raw.(map[string]any); ok {
				group = packet.StringField(m, "group")
			}
			if group == "" {
				group, _ = svc["name"].(string)
			}
			reg.AddRemoteEvent(nodeID, name, group)
		}
	}
}

// ApplyHeartbeat updates cpu and last-heartbeat for a known peer.
// Heartbeats from unknown nodes are ignored by the caller (Transit emits a
// DISCOVER to resync instead).
func (c *Catalog) ApplyHeartbeat(nodeID string, cpu float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[nodeID]
	if !ok {
		return false
	}
	n.CPU = cpu
	n.LastHeartbeatAt = time.Now()
	return true
}

// Expire marks unavailable every node whose last heartbeat is older than
// 3x the heartbeat interval, per spec.md §4.4.
func (c *Catalog) Expire(now time.Time, heartbeatInterval time.Duration) []string {
	threshold := 3 * heartbeatInterval
	var expired []string

	c.mu.Lock()
	for id, n := range c.nodes {
		if n.Local || !n.Available {
			continue
		}
		if n.LastHeartbeatAt.IsZero() {
			continue
		}
		if now.Sub(n.LastHeartbeatAt) > threshold {
			n.Available = false
			expired = append(expired, id)
		}
	}
	c.mu.Unlock()

	if c.registry != nil {
		for _, id := range expired {
			c.registry.SetNodeAvailable(id, false)
		}
	}
	return expired
}

// All returns a snapshot of every known node, for introspection.
func (c *Catalog) All() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}

// notifyWaiters closes and clears every registered waiter channel,
// signaling anyone blocked on a channel returned by Subscribe.
func (c *Catalog) notifyWaiters() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Subscribe registers a channel that is closed the next time a node is
// upserted (an applied INFO via ProcessInfo, or AddNode). Heartbeats,
// expiry and disconnects do not close it. Used by
// Broker.WaitForServices to avoid polling.
func (c *Catalog) Subscribe() <-chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	return ch
}
