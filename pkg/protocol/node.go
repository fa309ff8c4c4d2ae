package protocol

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler processes one command dispatch. The payload is shared between the
// handlers of a single dispatch; update-mode handlers mutate it by returning
// a payload that gets merged in.
type Handler func(ctx context.Context, payload Payload) (any, error)

// Protocol is a participant in the routing tree: a transport adapter, a
// session root, or a plain grouping node. Implementations embed *Node and
// override the methods they need; overrides of Start and Stop must call
// through to the base so the cascade stays composable.
type Protocol interface {
	ID() string
	Base() *Node
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Deliver performs transport-specific outbound delivery of a command.
	// The base implementation loops the command back into Dispatch, so a
	// protocol with no real transport still participates in routing.
	Deliver(ctx context.Context, cmd string, payload Payload) (any, error)
}

// Node is the base implementation of Protocol. A node owns its children
// exclusively: stopping a node cancels its tasks, stops its subtree, and
// detaches it from its parent.
type Node struct {
	id  string
	log zerolog.Logger

	mu       sync.Mutex
	parent   *Node
	children []Protocol
	regs     []registration
	root     *Dispatcher
	closed   bool
	fatal    []error

	taskCtx    context.Context
	taskCancel context.CancelFunc
	tasks      sync.WaitGroup
}

// NewNode creates a detached node. An empty id makes a pure container that
// cannot be addressed by Send.
func NewNode(id string) *Node {
	n := &Node{}
	initNode(n, id)
	return n
}

func initNode(n *Node, id string) {
	n.id = id
	n.taskCtx, n.taskCancel = context.WithCancel(context.Background())
	n.log = log.With().Str("component", "protocol").Str("protocol_id", id).Logger()
}

func (n *Node) ID() string  { return n.id }
func (n *Node) Base() *Node { return n }

// AddChild attaches p as an owned child, wires its back-reference and root,
// and invalidates the registry caches.
func (n *Node) AddChild(p Protocol) {
	c := p.Base()
	n.mu.Lock()
	c.parent = n
	n.children = append(n.children, p)
	root := n.root
	n.mu.Unlock()
	c.setRoot(root)
	if root != nil {
		root.invalidate()
	}
}

// AddChildren attaches several children in order.
func (n *Node) AddChildren(ps ...Protocol) {
	for _, p := range ps {
		n.AddChild(p)
	}
}

func (n *Node) setRoot(root *Dispatcher) {
	n.mu.Lock()
	n.root = root
	children := slices.Clone(n.children)
	n.mu.Unlock()
	for _, c := range children {
		c.Base().setRoot(root)
	}
}

// Children returns a snapshot of the owned children.
func (n *Node) Children() []Protocol {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.children)
}

// Root returns the dispatcher this node is attached to, or nil.
func (n *Node) Root() *Dispatcher {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.root
}

// Register binds a handler to a (protocolID, cmd) pair. Registration happens
// once at node construction; the dispatcher discovers registrations by
// walking the tree and caches them per tree generation.
func (n *Node) Register(protocolID, cmd string, h Handler, opts ...HandlerOption) {
	reg := registration{
		protocolID: protocolID,
		cmd:        cmd,
		priority:   DefaultPriority,
		owner:      n,
		fn:         h,
	}
	for _, opt := range opts {
		opt(&reg)
	}
	n.mu.Lock()
	n.regs = append(n.regs, reg)
	root := n.root
	n.mu.Unlock()
	if root != nil {
		root.invalidate()
	}
}

// Escalate marks an error class as fatal to dispatch: a handler error
// matching target (via errors.Is) aborts the remaining handlers and
// propagates to the Dispatch caller.
func (n *Node) Escalate(target error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fatal = append(n.fatal, target)
}

func (n *Node) isFatal(err error) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, f := range n.fatal {
		if errors.Is(err, f) {
			return true
		}
	}
	return false
}

// Go spawns a tracked background task. The task context is cancelled when the
// node stops; Stop waits for all tasks to finish before stopping children.
func (n *Node) Go(name string, fn func(ctx context.Context) error) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return errors.Wrapf(ErrNodeClosed, "spawn %q on %q", name, n.id)
	}
	ctx := n.taskCtx
	n.tasks.Add(1)
	n.mu.Unlock()
	go func() {
		defer n.tasks.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.log.Error().Err(err).Str("task", name).Msg("task failed")
		}
	}()
	return nil
}

// TaskContext returns the context shared by this node's tracked tasks. It is
// cancelled when the node stops, so transport subscriptions opened with it
// are torn down by Stop.
func (n *Node) TaskContext() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.taskCtx
}

// Closed reports whether Stop has begun on this node.
func (n *Node) Closed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Start cascades to children. Adapters override this to begin background work
// and call through to keep the cascade composable.
func (n *Node) Start(ctx context.Context) error {
	for _, c := range n.Children() {
		if err := c.Start(ctx); err != nil {
			return errors.Wrapf(err, "start %q", c.ID())
		}
	}
	return nil
}

// Stop is idempotent. It cancels every task this node owns, waits for them,
// recursively stops children, detaches from the parent, and registers the
// node with the orphan tracker. After Stop returns there is no further
// activity from this subtree.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	children := slices.Clone(n.children)
	root := n.root
	n.mu.Unlock()

	n.log.Info().Msg("stopping node")
	n.taskCancel()
	n.tasks.Wait()

	for _, c := range children {
		if err := c.Stop(ctx); err != nil {
			n.log.Warn().Err(err).Str("child", c.ID()).Msg("child stop failed")
		}
	}

	n.detach()

	if root != nil && root.orphans != nil {
		root.orphans.Track(n)
	}
	return nil
}

func (n *Node) detach() {
	n.mu.Lock()
	p := n.parent
	n.parent = nil
	n.mu.Unlock()
	if p != nil {
		p.removeChild(n)
	}
}

func (n *Node) removeChild(c *Node) {
	n.mu.Lock()
	for i, ch := range n.children {
		if ch.Base() == c {
			n.children = slices.Delete(n.children, i, i+1)
			break
		}
	}
	root := n.root
	n.mu.Unlock()
	if root != nil {
		root.invalidate()
	}
}

// Deliver loops the command back into the dispatcher by default.
func (n *Node) Deliver(ctx context.Context, cmd string, payload Payload) (any, error) {
	return n.Dispatch(ctx, n.id, cmd, payload)
}

// Dispatch routes a command through the tree root.
func (n *Node) Dispatch(ctx context.Context, protocolID, cmd string, payload Payload) (any, error) {
	root := n.Root()
	if root == nil {
		return nil, errors.Errorf("node %q is not attached to a dispatcher", n.id)
	}
	return root.Dispatch(ctx, protocolID, cmd, payload)
}

// Send routes an outbound command to the adapter owning protocolID.
func (n *Node) Send(ctx context.Context, protocolID, cmd string, payload Payload) (any, error) {
	root := n.Root()
	if root == nil {
		return nil, errors.Errorf("node %q is not attached to a dispatcher", n.id)
	}
	return root.Send(ctx, protocolID, cmd, payload)
}

// Logger returns the node's contextual logger.
func (n *Node) Logger() *zerolog.Logger { return &n.log }
