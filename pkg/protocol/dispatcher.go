package protocol

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config is the key-value configuration contract consumed by nodes. Paths are
// dot-separated. The concrete implementation lives in pkg/config; the
// dispatcher only carries the interface so the tree stays decoupled from the
// storage format.
type Config interface {
	Get(path string) (any, error)
	Set(path string, value any) error
}

// Dispatcher is the tree root: it owns the registry caches, the lifecycle of
// the whole tree, and the routing of commands to handlers and adapters.
// One dispatcher is constructed per top-level server and one per session.
type Dispatcher struct {
	Node

	sessionID string
	cfg       Config
	orphans   *OrphanTracker
	metrics   *Metrics

	stopCh  chan struct{}
	stopped bool

	cache registryCache
}

// DispatcherOption configures a Dispatcher at construction.
type DispatcherOption func(*Dispatcher)

// WithSessionID tags the dispatcher with the session token it serves.
func WithSessionID(id string) DispatcherOption {
	return func(d *Dispatcher) { d.sessionID = id }
}

// WithConfig threads the process configuration down through the tree.
func WithConfig(cfg Config) DispatcherOption {
	return func(d *Dispatcher) { d.cfg = cfg }
}

// WithOrphanTracker attaches the process-owned leak detector. Stopped nodes
// register themselves with it.
func WithOrphanTracker(t *OrphanTracker) DispatcherOption {
	return func(d *Dispatcher) { d.orphans = t }
}

// WithMetrics attaches dispatch-path counters.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher constructs a tree root. The root itself is a pure container
// (empty protocol id).
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{stopCh: make(chan struct{})}
	initNode(&d.Node, "")
	d.Node.root = d
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SessionID returns the session token this dispatcher serves, if any.
func (d *Dispatcher) SessionID() string { return d.sessionID }

// Config returns the process configuration, which may be nil.
func (d *Dispatcher) Config() Config { return d.cfg }

// Run starts the tree and blocks until Stop is called or ctx is cancelled,
// then stops the tree. Close/Stop is idempotent.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		stopErr := d.Stop(context.WithoutCancel(ctx))
		if stopErr != nil {
			log.Warn().Err(stopErr).Msg("stop after failed start")
		}
		return err
	}
	select {
	case <-ctx.Done():
	case <-d.stopCh:
	}
	return d.Stop(context.WithoutCancel(ctx))
}

// Stop tears the whole tree down and releases Run.
func (d *Dispatcher) Stop(ctx context.Context) error {
	err := d.Node.Stop(ctx)
	d.cache.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.stopCh)
	}
	d.cache.mu.Unlock()
	return err
}

// Resolve looks up the node owning protocolID anywhere in the tree.
func (d *Dispatcher) Resolve(protocolID string) (Protocol, error) {
	_, protos := d.snapshot()
	p, ok := protos[protocolID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%q", protocolID)
	}
	return p, nil
}

// Send resolves the adapter owning protocolID and hands it the command for
// transport-specific delivery.
func (d *Dispatcher) Send(ctx context.Context, protocolID, cmd string, payload Payload) (any, error) {
	p, err := d.Resolve(protocolID)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("component", "dispatcher").Str("protocol_id", protocolID).Str("call", FormatCall(cmd, payload)).Msg("sending")
	return p.Deliver(ctx, cmd, payload)
}

// Dispatch resolves the handler list for (protocolID, cmd) and invokes the
// handlers sequentially in ascending priority order.
//
// Update-mode handlers return a payload that is merged into the dispatch
// payload and becomes the input of the next handler. Any handler may
// short-circuit the rest by returning Break (or, in update mode, a payload
// carrying the break marker). Handler errors are logged and do not abort the
// remaining handlers unless the owning node escalated that error class.
// An unmatched command is not an error: it logs a warning and returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, protocolID, cmd string, payload Payload) (any, error) {
	handlers, _ := d.snapshot()
	list := handlers[protocolID][cmd]
	d.metrics.incDispatch(protocolID, cmd)
	if len(list) == 0 {
		log.Warn().Str("component", "dispatcher").Str("protocol_id", protocolID).Str("cmd", cmd).Msg("no handler")
		d.metrics.incUnhandled(protocolID, cmd)
		return nil, nil
	}
	if payload == nil {
		payload = Payload{}
	}
	log.Debug().Str("component", "dispatcher").Str("protocol_id", protocolID).Str("call", FormatCall(cmd, payload)).Msg("received")

	var result any
	for _, reg := range list {
		r, err := reg.fn(ctx, payload)
		if err != nil {
			d.metrics.incHandlerError(protocolID, cmd)
			if reg.owner.isFatal(err) {
				return nil, errors.Wrapf(err, "%s:%s handler", protocolID, cmd)
			}
			log.Error().Err(err).Str("component", "dispatcher").Str("protocol_id", protocolID).Str("cmd", cmd).Msg("handler failed")
			continue
		}
		if reg.update {
			m, ok := asPayload(r)
			if !ok {
				log.Error().Str("component", "dispatcher").Str("protocol_id", protocolID).Str("cmd", cmd).Msg("update-mode handler must return a payload")
				continue
			}
			payload.Merge(m)
			brk := payload.popBreak()
			result = payload
			if brk {
				break
			}
			continue
		}
		if r == Break {
			break
		}
		if r != nil {
			result = r
		}
	}
	return result, nil
}

// registryCache holds the per-tree-generation handler and protocol tables.
// It is invalidated whenever the tree shape changes and rebuilt lazily on
// first access.
type registryCache struct {
	mu        sync.Mutex
	handlers  map[string]map[string][]registration
	protocols map[string]Protocol
}

func (d *Dispatcher) invalidate() {
	d.cache.mu.Lock()
	d.cache.handlers = nil
	d.cache.protocols = nil
	d.cache.mu.Unlock()
}

func (d *Dispatcher) snapshot() (map[string]map[string][]registration, map[string]Protocol) {
	d.cache.mu.Lock()
	defer d.cache.mu.Unlock()
	if d.cache.handlers == nil {
		d.cache.handlers = map[string]map[string][]registration{}
		d.cache.protocols = map[string]Protocol{}
		d.collect(&d.Node)
		for _, cmds := range d.cache.handlers {
			for _, list := range cmds {
				sort.SliceStable(list, func(i, j int) bool { return list[i].priority < list[j].priority })
			}
		}
		d.metrics.incRebuild()
	}
	return d.cache.handlers, d.cache.protocols
}

func (d *Dispatcher) collect(n *Node) {
	n.mu.Lock()
	regs := append([]registration(nil), n.regs...)
	children := append([]Protocol(nil), n.children...)
	n.mu.Unlock()

	for _, r := range regs {
		cmds := d.cache.handlers[r.protocolID]
		if cmds == nil {
			cmds = map[string][]registration{}
			d.cache.handlers[r.protocolID] = cmds
		}
		cmds[r.cmd] = append(cmds[r.cmd], r)
	}
	for _, c := range children {
		if id := c.ID(); id != "" {
			if _, dup := d.cache.protocols[id]; dup {
				log.Warn().Str("component", "dispatcher").Str("protocol_id", id).Msg("duplicate protocol id in tree")
			} else {
				d.cache.protocols[id] = c
			}
		}
		d.collect(c.Base())
	}
}
