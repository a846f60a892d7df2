// Package broker implements the Broker façade: the per-node entry point
// binding Registry, Node Catalog, and Transit (spec.md §4.5). Host code
// talks only to Broker; it never touches Registry/Catalog/Transit
// directly.
package broker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/molecule/catalog"
	"github.com/arc-self/molecule/molctx"
	"github.com/arc-self/molecule/molerr"
	"github.com/arc-self/molecule/registry"
	"github.com/arc-self/molecule/transit"
	"github.com/arc-self/molecule/transport"
)

// DefaultHeartbeatInterval is used when Config.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = 5 * time.Second

// Config carries the environment inputs spec.md §6 names.
type Config struct {
	NodeID             string
	Namespace          string
	HeartbeatInterval  time.Duration
	RequestTimeout     time.Duration
	WaitForServicesDur time.Duration
}

// StopHook is a service-supplied cleanup callback run during Stop.
type StopHook func(ctx context.Context) error

// Broker is the per-node façade. It is safe for concurrent use.
type Broker struct {
	cfg Config

	registry *registry.Registry
	catalog  *catalog.Catalog
	transit  *transit.Transit
	logger   *zap.Logger

	mu        sync.Mutex
	started   bool
	stopHooks []StopHook
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New wires a Broker around the given transport. metrics may be nil; it
// satisfies transit.Metrics.
func New(cfg Config, tr transport.Transport, logger *zap.Logger, metrics transit.Metrics) *Broker {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := registry.New(cfg.NodeID)
	cat := catalog.New(cfg.NodeID, reg)
	t := transit.New(cfg.NodeID, cfg.Namespace, tr, reg, cat, logger, metrics)

	b := &Broker{
		cfg:      cfg,
		registry: reg,
		catalog:  cat,
		transit:  t,
		logger:   logger,
	}
	t.Bind(b, b)
	return b
}

// Register forwards svc to the Registry, refreshes the local Node's
// service list, and — if the Broker has already started — publishes a
// fresh INFO so peers learn the new endpoints.
func (b *Broker) Register(svc *registry.ServiceDecl) {
	b.registry.Register(svc)
	b.catalog.EnsureLocalNode(nil, nil)

	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if started {
		if err := b.transit.PublishInfo(context.Background()); err != nil {
			b.logger.Warn("failed to publish INFO after register", zap.String("service", svc.Name), zap.Error(err))
		}
	}
}

// OnStop registers a cleanup hook run (in registration order) during Stop.
func (b *Broker) OnStop(hook StopHook) {
	b.mu.Lock()
	b.stopHooks = append(b.stopHooks, hook)
	b.mu.Unlock()
}

// Start ensures the local node, connects Transit (which itself publishes
// DISCOVER + self-INFO), and launches the heartbeat and expiry background
// tasks.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.catalog.EnsureLocalNode(nil, nil)

	if err := b.transit.Connect(ctx); err != nil {
		return err
	}

	stopCh := make(chan struct{})
	b.mu.Lock()
	b.started = true
	b.stopCh = stopCh
	b.mu.Unlock()

	b.wg.Add(2)
	go b.heartbeatLoop(stopCh)
	go b.expiryLoop(stopCh)

	b.logger.Info("broker started", zap.String("nodeID", b.cfg.NodeID))
	return nil
}

// Stop disconnects Transit, stops background tasks, and runs registered
// stop hooks in registration order. Idempotent.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	hooks := b.stopHooks
	b.mu.Unlock()

	close(b.stopCh)
	b.wg.Wait()

	err := b.transit.Disconnect(ctx)

	for _, hook := range hooks {
		if hookErr := hook(ctx); hookErr != nil {
			b.logger.Warn("stop hook failed", zap.Error(hookErr))
		}
	}

	b.logger.Info("broker stopped", zap.String("nodeID", b.cfg.NodeID))
	return err
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then calls Stop.
func (b *Broker) WaitForShutdown(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return b.Stop(stopCtx)
}

// Call builds a Context (inheriting request_id/parent_id/level+1 when
// parentCtx is supplied), selects an endpoint, and either invokes the
// local handler in-process or delegates to Transit.Request.
func (b *Broker) Call(ctx context.Context, action string, params, meta map[string]any, parentCtx *molctx.Context) (any, error) {
	var c *molctx.Context
	if parentCtx != nil {
		c = parentCtx.Child(action, params)
	} else {
		c = molctx.New(action, params, meta)
	}
	if b.cfg.RequestTimeout > 0 && c.Timeout == 0 {
		c.Timeout = b.cfg.RequestTimeout.Seconds()
	}

	ep, ok := b.registry.GetAction(action)
	if !ok {
		return nil, molerr.ServiceNotAvailable(action)
	}
	if ep.IsLocal {
		return b.invokeAction(ep, c)
	}
	return b.transit.Request(ctx, ep.NodeID, c)
}

// invokeAction runs a local endpoint's handler, validating params against
// its schema first when one is declared.
func (b *Broker) invokeAction(ep *registry.ActionEndpoint, c *molctx.Context) (any, error) {
	if ep.ParamsSchema != nil {
		if err := ep.ParamsSchema(c.Params); err != nil {
			return nil, molerr.Validation(ep.Name, err)
		}
	}
	return ep.Handler(c)
}

// InvokeLocalAction implements transit.ActionDispatcher for an inbound
// REQUEST: look up the endpoint named ctx.Action (which must be local —
// the peer only ever addresses us because we advertised it) and run it.
func (b *Broker) InvokeLocalAction(c *molctx.Context) (any, error) {
	ep, ok := b.registry.GetAction(c.Action)
	if !ok || !ep.IsLocal {
		return nil, molerr.ServiceNotAvailable(c.Action)
	}
	return b.invokeAction(ep, c)
}

// Emit selects one endpoint per group; local endpoints are invoked
// in-process, remote endpoints receive a targeted EVENT.
func (b *Broker) Emit(ctx context.Context, event string, params, meta map[string]any) error {
	c := molctx.New(event, params, meta)
	endpoints := b.registry.GetEventsForEmit(event)
	return b.fanOutEvent(ctx, c, event, endpoints, false)
}

// Broadcast is Emit but fans out to every matching endpoint instead of one
// per group.
func (b *Broker) Broadcast(ctx context.Context, event string, params, meta map[string]any) error {
	c := molctx.New(event, params, meta)
	endpoints := b.registry.GetEventsForBroadcast(event)
	return b.fanOutEvent(ctx, c, event, endpoints, true)
}

func (b *Broker) fanOutEvent(ctx context.Context, c *molctx.Context, event string, endpoints []*registry.EventEndpoint, broadcast bool) error {
	var firstErr error
	for _, ep := range endpoints {
		if ep.IsLocal {
			b.invokeLocalEventEndpoint(ep, c)
			continue
		}
		if err := b.transit.SendEvent(ctx, ep.NodeID, c, event, broadcast, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Broker) invokeLocalEventEndpoint(ep *registry.EventEndpoint, c *molctx.Context) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", zap.String("event", ep.Name), zap.Any("recover", r))
		}
	}()
	ep.Handler(c)
}

// InvokeLocalEvent implements transit.EventDispatcher for an inbound
// EVENT: every local endpoint whose pattern matches the wire event name
// runs, since the sender already selected us for its group (or is
// broadcasting).
func (b *Broker) InvokeLocalEvent(c *molctx.Context, event string) {
	for _, ep := range b.registry.GetEventsForBroadcast(event) {
		if ep.IsLocal {
			b.invokeLocalEventEndpoint(ep, c)
		}
	}
}

// WaitForServices suspends until every name in names has at least one
// Registry endpoint, driven by Node Catalog change notifications rather
// than polling, bounded by timeout.
func (b *Broker) WaitForServices(ctx context.Context, names []string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = b.cfg.WaitForServicesDur
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		if b.allRegistered(names) {
			return nil
		}
		changed := b.catalog.Subscribe()
		if b.allRegistered(names) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("wait_for_services: %w", ctx.Err())
		}
	}
}

func (b *Broker) allRegistered(names []string) bool {
	for _, name := range names {
		if !b.registry.HasEndpoint(name) {
			return false
		}
	}
	return true
}

func (b *Broker) heartbeatLoop(stopCh <-chan struct{}) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := b.transit.Beat(context.Background(), 0); err != nil {
				b.logger.Warn("heartbeat publish failed", zap.Error(err))
			}
		case <-stopCh:
			return
		}
	}
}

func (b *Broker) expiryLoop(stopCh <-chan struct{}) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			expired := b.catalog.Expire(time.Now(), b.cfg.HeartbeatInterval)
			for _, id := range expired {
				b.logger.Info("node expired", zap.String("nodeID", id))
			}
		case <-stopCh:
			return
		}
	}
}

// Services returns every node in the Node Catalog, the local node
// included, for introspection surfaces such as adminhttp.
func (b *Broker) Services() []*catalog.Node {
	return b.catalog.All()
}

// NodeID returns the broker's local node id.
func (b *Broker) NodeID() string { return b.cfg.NodeID }
