package protocol

// DefaultPriority is assigned to registrations that do not specify one.
// Lower priorities run first.
const DefaultPriority = 2

// registration binds a node's handler to a (protocolID, cmd) pair.
type registration struct {
	protocolID string
	cmd        string
	priority   int
	update     bool
	owner      *Node
	fn         Handler
}

// HandlerOption customizes a registration.
type HandlerOption func(*registration)

// WithPriority sets the handler priority; lower runs first. Ties run in
// registration discovery order.
func WithPriority(p int) HandlerOption {
	return func(r *registration) { r.priority = p }
}

// WithUpdate marks the handler as update-mode: its return value must be a
// payload, which is merged into the dispatch payload and becomes the input
// of the next handler.
func WithUpdate() HandlerOption {
	return func(r *registration) { r.update = true }
}
