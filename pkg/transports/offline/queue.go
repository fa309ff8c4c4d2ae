// Package offline provides the FIFO buffer transports use for outbound
// messages while their underlying connection is down. Buffering is
// best-effort and in-memory only; nothing survives a process restart.
package offline

import (
	"sync"

	"github.com/go-go-golems/switchboard/pkg/protocol"
)

// Envelope is one buffered outbound message.
type Envelope struct {
	Cmd     string
	Payload protocol.Payload
}

// Queue is a mutex-guarded FIFO of envelopes. Drain hands the buffered
// envelopes out exactly once, in enqueue order.
type Queue struct {
	mu   sync.Mutex
	pend []Envelope
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends an envelope.
func (q *Queue) Push(cmd string, payload protocol.Payload) {
	q.mu.Lock()
	q.pend = append(q.pend, Envelope{Cmd: cmd, Payload: payload})
	q.mu.Unlock()
}

// Drain removes and returns all buffered envelopes in enqueue order. A second
// Drain returns nothing until new envelopes are pushed, so a flush never
// replays.
func (q *Queue) Drain() []Envelope {
	q.mu.Lock()
	out := q.pend
	q.pend = nil
	q.mu.Unlock()
	return out
}

// Len returns the number of buffered envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pend)
}
