// Package registry implements the endpoint index: the multimaps of action
// and event endpoints and the round-robin selection policy spec.md §4.3
// describes. It holds no transport or catalog dependency — it is told
// about node availability by whoever owns the Node Catalog.
package registry

import (
	"strings"
	"sync"

	"github.com/arc-self/molecule/molctx"
)

// ActionHandler is a locally registered action's implementation.
type ActionHandler func(ctx *molctx.Context) (any, error)

// EventHandler is a locally registered event's implementation.
type EventHandler func(ctx *molctx.Context)

// ParamsSchema validates a params map, returning an error describing the
// first violation.
type ParamsSchema func(params map[string]any) error

// ActionEndpoint pairs an action name with a specific node.
type ActionEndpoint struct {
	Name         string
	NodeID       string
	IsLocal      bool
	Handler      ActionHandler
	ParamsSchema ParamsSchema
}

// EventEndpoint pairs an event pattern with a specific node and group.
type EventEndpoint struct {
	Name    string // fully-qualified pattern, e.g. "users.created" or "users.*"
	NodeID  string
	IsLocal bool
	Group   string
	Handler EventHandler
}

// ActionDecl is the structured shape a service supplies at Register time
// (spec.md §9 "Dynamic declaration of actions/events" re-architected as an
// explicit registration surface).
type ActionDecl struct {
	Name         string
	Handler      ActionHandler
	ParamsSchema ParamsSchema
}

// EventDecl is the event counterpart of ActionDecl.
type EventDecl struct {
	Name    string
	Pattern string // defaults to "<service>.<Name>" when empty
	Group   string // defaults to the owning service's name when empty
	Handler EventHandler
}

// ServiceDecl is the structured registration surface a host service
// presents to Registry.Register.
type ServiceDecl struct {
	Name     string
	Settings map[string]any
	Metadata map[string]any
	Actions  []ActionDecl
	Events   []EventDecl
}

// Registry indexes local and remote action/event endpoints and selects one
// on each invocation.
type Registry struct {
	mu sync.RWMutex

	localNodeID string

	services map[string]*ServiceDecl // local services, by name

	actions    map[string][]*ActionEndpoint // name -> endpoints (local first)
	actionRR   map[string]int               // name -> next remote index

	events  map[string][]*EventEndpoint // pattern -> endpoints
	eventRR map[string]map[string]int   // emitted event name -> name+"\x00"+group -> next index

	// availability, keyed by node id, consulted during selection; owned by
	// the Node Catalog and pushed in via SetNodeAvailable. A node with no
	// entry counts as available.
	available map[string]bool
}

// nodeAvailableLocked reports whether nodeID may be selected: only a node
// explicitly marked unavailable is skipped.
func (r *Registry) nodeAvailableLocked(nodeID string) bool {
	avail, known := r.available[nodeID]
	return !known || avail
}

// New creates an empty Registry for the given local node id.
func New(localNodeID string) *Registry {
	return &Registry{
		localNodeID: localNodeID,
		services:    make(map[string]*ServiceDecl),
		actions:     make(map[string][]*ActionEndpoint),
		actionRR:    make(map[string]int),
		events:      make(map[string][]*EventEndpoint),
		eventRR:     make(map[string]map[string]int),
		available:   map[string]bool{localNodeID: true},
	}
}

// Register ingests a local service declaration. Re-registration replaces
// prior endpoints for the same service name, keeping registry state
// idempotent across repeated register(s) calls.
func (r *Registry) Register(svc *ServiceDecl) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.services[svc.Name] = svc
	r.removeLocalEndpointsLocked(svc.Name)

	for _, a := range svc.Actions {
		fq := svc.Name + "." + a.Name
		ep := &ActionEndpoint{Name: fq, NodeID: r.localNodeID, IsLocal: true, Handler: a.Handler, ParamsSchema: a.ParamsSchema}
		r.actions[fq] = prependLocal(r.actions[fq], ep)
	}
	for _, e := range svc.Events {
		pattern := e.Pattern
		if pattern == "" {
			pattern = svc.Name + "." + e.Name
		}
		group := e.Group
		if group == "" {
			group = svc.Name
		}
		ep := &EventEndpoint{Name: pattern, NodeID: r.localNodeID, IsLocal: true, Group: group, Handler: e.Handler}
		r.events[pattern] = append(removeEndpointsForNode(r.events[pattern], r.localNodeID, svc.Name), ep)
	}
}

// removeLocalEndpointsLocked strips this service's previously registered
// local action endpoints (event endpoints are handled inline above since
// pattern keys may differ from the service's own name).
func (r *Registry) removeLocalEndpointsLocked(serviceName string) {
	prefix := serviceName + "."
	for name, eps := range r.actions {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		kept := eps[:0:0]
		for _, ep := range eps {
			if !(ep.IsLocal && ep.NodeID == r.localNodeID) {
				kept = append(kept, ep)
			}
		}
		if len(kept) == 0 {
			delete(r.actions, name)
		} else {
			r.actions[name] = kept
		}
	}
}

func removeEndpointsForNode(eps []*EventEndpoint, nodeID, serviceGroup string) []*EventEndpoint {
	kept := eps[:0:0]
	for _, ep := range eps {
		if !(ep.NodeID == nodeID && ep.Group == serviceGroup) {
			kept = append(kept, ep)
		}
	}
	return kept
}

func prependLocal(eps []*ActionEndpoint, local *ActionEndpoint) []*ActionEndpoint {
	out := make([]*ActionEndpoint, 0, len(eps)+1)
	out = append(out, local)
	for _, ep := range eps {
		if !ep.IsLocal {
			out = append(out, ep)
		}
	}
	return out
}

// AddRemote ingests one action from a remote node's INFO service
// descriptor (events go through AddRemoteEvent). Idempotent per
// (name, node_id): re-adding an already indexed pair leaves the existing
// endpoint in place instead of duplicating it.
func (r *Registry) AddRemote(nodeID string, actionName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addRemoteActionLocked(nodeID, actionName)
}

func (r *Registry) addRemoteActionLocked(nodeID, actionName string) {
	eps := r.actions[actionName]
	for _, ep := range eps {
		if ep.NodeID == nodeID && !ep.IsLocal {
			return // already indexed
		}
	}
	r.actions[actionName] = append(eps, &ActionEndpoint{Name: actionName, NodeID: nodeID, IsLocal: false})
}

// AddRemoteEvent ingests one remote event endpoint.
func (r *Registry) AddRemoteEvent(nodeID, pattern, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := r.events[pattern]
	for _, ep := range eps {
		if ep.NodeID == nodeID && ep.Group == group && !ep.IsLocal {
			return
		}
	}
	r.events[pattern] = append(eps, &EventEndpoint{Name: pattern, NodeID: nodeID, Group: group})
}

// RemoveNode strips all endpoints (local or remote) whose NodeID equals id.
// Used on DISCONNECT; expiry only marks the node unavailable via
// SetNodeAvailable.
func (r *Registry) RemoveNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, eps := range r.actions {
		kept := filterActions(eps, func(ep *ActionEndpoint) bool { return ep.NodeID != id })
		if len(kept) == 0 {
			delete(r.actions, name)
		} else {
			r.actions[name] = kept
		}
	}
	for pattern, eps := range r.events {
		kept := filterEvents(eps, func(ep *EventEndpoint) bool { return ep.NodeID != id })
		if len(kept) == 0 {
			delete(r.events, pattern)
		} else {
			r.events[pattern] = kept
		}
	}
}

func filterActions(eps []*ActionEndpoint, keep func(*ActionEndpoint) bool) []*ActionEndpoint {
	out := eps[:0:0]
	for _, ep := range eps {
		if keep(ep) {
			out = append(out, ep)
		}
	}
	return out
}

func filterEvents(eps []*EventEndpoint, keep func(*EventEndpoint) bool) []*EventEndpoint {
	out := eps[:0:0]
	for _, ep := range eps {
		if keep(ep) {
			out = append(out, ep)
		}
	}
	return out
}

// SetNodeAvailable records a node's liveness for selection purposes: an
// unavailable remote node is skipped by GetAction's round-robin.
func (r *Registry) SetNodeAvailable(nodeID string, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available[nodeID] = available
}

// GetAction selects an endpoint for name: a local endpoint if one exists,
// else a round-robin choice over available remote endpoints. Returns
// (nil, false) if none qualify.
func (r *Registry) GetAction(name string) (*ActionEndpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eps := r.actions[name]
	if len(eps) == 0 {
		return nil, false
	}
	if eps[0].IsLocal {
		return eps[0], true
	}

	var candidates []*ActionEndpoint
	for _, ep := range eps {
		if r.nodeAvailableLocked(ep.NodeID) {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	idx := r.actionRR[name] % len(candidates)
	r.actionRR[name] = (r.actionRR[name] + 1) % len(candidates)
	return candidates[idx], true
}

// GetEventsForEmit returns one endpoint per group among those whose
// pattern matches name (round-robin within each group).
func (r *Registry) GetEventsForEmit(name string) []*EventEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	byGroup := map[string][]*EventEndpoint{}
	for pattern, eps := range r.events {
		if !MatchPattern(pattern, name) {
			continue
		}
		for _, ep := range eps {
			if ep.IsLocal || r.nodeAvailableLocked(ep.NodeID) {
				byGroup[ep.Group] = append(byGroup[ep.Group], ep)
			}
		}
	}

	var out []*EventEndpoint
	for group, eps := range byGroup {
		if len(eps) == 0 {
			continue
		}
		key := name + "\x00" + group
		if r.eventRR[name] == nil {
			r.eventRR[name] = map[string]int{}
		}
		idx := r.eventRR[name][key] % len(eps)
		r.eventRR[name][key] = (r.eventRR[name][key] + 1) % len(eps)
		out = append(out, eps[idx])
	}
	return out
}

// GetEventsForBroadcast returns every endpoint whose pattern matches name.
func (r *Registry) GetEventsForBroadcast(name string) []*EventEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*EventEndpoint
	for pattern, eps := range r.events {
		if !MatchPattern(pattern, name) {
			continue
		}
		for _, ep := range eps {
			if ep.IsLocal || r.nodeAvailableLocked(ep.NodeID) {
				out = append(out, ep)
			}
		}
	}
	return out
}

// HasEndpoint reports whether at least one action or event endpoint is
// indexed whose name/pattern starts with servicePrefix + "." — used by
// wait_for_services to test "names[i] has at least one endpoint".
func (r *Registry) HasEndpoint(servicePrefix string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefix := servicePrefix + "."
	for name := range r.actions {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	for pattern := range r.events {
		if strings.HasPrefix(pattern, prefix) {
			return true
		}
	}
	return false
}

// LocalServices returns the structured descriptors of every locally
// registered service, in the INFO-payload shape, for the Node Catalog to
// rebuild the self-node on every register().
func (r *Registry) LocalServices() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]any, 0, len(r.services))
	for _, svc := range r.services {
		actions := map[string]any{}
		for name, eps := range r.actions {
			for _, ep := range eps {
				if ep.IsLocal && ep.NodeID == r.localNodeID && strings.HasPrefix(name, svc.Name+".") {
					actions[name] = map[string]any{
						"rawName": strings.TrimPrefix(name, svc.Name+"."),
						"name":    name,
					}
				}
			}
		}
		events := map[string]any{}
		for pattern, eps := range r.events {
			for _, ep := range eps {
				if ep.IsLocal && ep.NodeID == r.localNodeID && ep.Group == svc.Name {
					events[pattern] = map[string]any{
						"rawName": strings.TrimPrefix(pattern, svc.Name+"."),
						"name":    pattern,
						"group":   ep.Group,
					}
				}
			}
		}
		out = append(out, map[string]any{
			"name":     svc.Name,
			"fullName": svc.Name,
			"settings": svc.Settings,
			"metadata": svc.Metadata,
			"actions":  actions,
			"events":   events,
		})
	}
	return out
}
