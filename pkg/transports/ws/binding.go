package ws

import "time"

// State describes a logical connection identity inside the adapter.
// The lifecycle is UNBOUND -> BOUND -> DISCONNECTED -> reclaimed; a reclaimed
// identity is simply absent from the binding table.
type State int

const (
	StateUnknown State = iota
	StateBound
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Binding maps a logical connection identity to a live transport handle.
// The identity is stable across reconnects; the handle is nil while the peer
// is disconnected. State persists for the grace window after disconnect so a
// reconnecting peer does not lose queued outbound messages.
type Binding struct {
	ConnID    string
	conn      Conn
	CreatedAt time.Time
	lastPing  time.Time
}

// State reports whether the binding currently has a live handle.
func (b *Binding) State() State {
	if b == nil {
		return StateUnknown
	}
	if b.conn != nil {
		return StateBound
	}
	return StateDisconnected
}
