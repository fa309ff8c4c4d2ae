package protocol

// Payload is the body of a command envelope: a required command name on the
// wire plus arbitrary named fields. All transports exchange payloads as
// UTF-8 JSON.
type Payload map[string]any

// BreakKey is the wire-visible form of the break sentinel: an update-mode
// handler returns a payload carrying this key to short-circuit the remaining
// handlers of the current dispatch. The key is stripped before the payload is
// observed by anyone else.
const BreakKey = "__break__"

// Break short-circuits the remaining handlers of a dispatch when returned
// from a (non update-mode) handler.
var Break = breakSentinel{}

type breakSentinel struct{}

// Merge copies all entries of other into p, overwriting existing keys.
func (p Payload) Merge(other Payload) {
	for k, v := range other {
		p[k] = v
	}
}

// Clone returns a shallow copy of p. Nil payloads clone to an empty payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the string value stored under key, or "" if absent or not a
// string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// popBreak removes the break marker from p and reports whether it was set.
func (p Payload) popBreak() bool {
	v, ok := p[BreakKey]
	if !ok {
		return false
	}
	delete(p, BreakKey)
	b, _ := v.(bool)
	return b
}

// asPayload converts a handler return value to a Payload if possible.
func asPayload(v any) (Payload, bool) {
	switch m := v.(type) {
	case Payload:
		return m, true
	case map[string]any:
		return Payload(m), true
	default:
		return nil, false
	}
}
