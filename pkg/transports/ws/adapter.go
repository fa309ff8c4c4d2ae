// Package ws is the websocket transport adapter: it owns the binding table
// mapping logical connection identities to live gorilla handles, the
// reconnection grace window, keepalive pings, and the offline queue for
// messages sent while no browser is attached.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/protocol"
	"github.com/go-go-golems/switchboard/pkg/transports/offline"
)

const (
	// ProtocolID is the routing id this adapter answers to.
	ProtocolID = "ws"

	// HeaderConnectionID carries the connection identity a client echoes
	// back when it reconnects within the grace window.
	HeaderConnectionID = "X-Connection-ID"

	// Payload keys used on the connect/disconnect dispatch path.
	KeySocket       = "socket"
	KeyConnectionID = "connection_id"
	KeySocketID     = "socket_id"

	defaultPingInterval = 20 * time.Second
	defaultGraceWindow  = 30 * time.Second
)

// Conn is the duplex channel surface the adapter needs. *websocket.Conn
// satisfies it; tests substitute fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// Adapter is the websocket protocol node for one session.
type Adapter struct {
	*protocol.Node

	grace time.Duration
	ping  time.Duration
	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	writeMu  sync.Mutex
	bindings map[string]*Binding
	queue    *offline.Queue
}

// Option configures the adapter.
type Option func(*Adapter)

// WithGraceWindow overrides the reconnection grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(a *Adapter) { a.grace = d }
}

// WithPingInterval overrides the keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(a *Adapter) { a.ping = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithIDGenerator overrides connection id minting, for tests.
func WithIDGenerator(gen func() string) Option {
	return func(a *Adapter) { a.newID = gen }
}

// New builds the adapter and registers its handlers. The connect interceptor
// runs at priority 0 in update mode so a reconnection is swallowed before any
// other connect handler observes it as a fresh connection.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		Node:     protocol.NewNode(ProtocolID),
		grace:    defaultGraceWindow,
		ping:     defaultPingInterval,
		now:      time.Now,
		newID:    uuid.NewString,
		bindings: map[string]*Binding{},
		queue:    offline.NewQueue(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.Register(ProtocolID, "connect", a.onConnect, protocol.WithPriority(0), protocol.WithUpdate())
	a.Register(ProtocolID, "disconnect", a.onDisconnect, protocol.WithPriority(0))
	return a
}

// onConnect binds or rebinds a duplex channel. A previously seen connection
// identity within the grace window rebinds silently and breaks the dispatch
// so normal new-connection side effects stay suppressed.
func (a *Adapter) onConnect(ctx context.Context, p protocol.Payload) (any, error) {
	conn, _ := p[KeySocket].(Conn)
	if conn == nil {
		return nil, errors.New("connect payload carries no socket")
	}
	connID := p.String(KeyConnectionID)
	now := a.now()

	a.mu.Lock()
	if connID != "" {
		if b, ok := a.bindings[connID]; ok {
			b.conn = conn
			b.lastPing = now
			a.mu.Unlock()
			a.startKeepalive(connID, conn)
			log.Info().Str("component", "ws").Str("conn_id", connID).Msg("rebinding reconnected socket")
			a.flushQueue(ctx)
			return protocol.Payload{protocol.BreakKey: true}, nil
		}
	}

	id := a.newID()
	a.bindings[id] = &Binding{ConnID: id, conn: conn, CreatedAt: now, lastPing: now}
	a.mu.Unlock()
	log.Info().Str("component", "ws").Str("conn_id", id).Msg("new socket connection")

	a.startKeepalive(id, conn)

	// The peer needs the identity for future reconnect attempts.
	if err := a.writeEnvelope(conn, "connection_id", protocol.Payload{KeyConnectionID: id}); err != nil {
		log.Warn().Err(err).Str("component", "ws").Str("conn_id", id).Msg("failed to announce connection id")
	}

	a.flushQueue(ctx)

	return protocol.Payload{KeySocket: conn, KeyConnectionID: id}, nil
}

func (a *Adapter) onDisconnect(ctx context.Context, p protocol.Payload) (any, error) {
	connID := p.String(KeyConnectionID)
	a.mu.Lock()
	b := a.bindings[connID]
	if b != nil {
		b.conn = nil
	}
	a.mu.Unlock()
	if b == nil {
		return nil, nil
	}
	log.Info().Str("component", "ws").Str("conn_id", connID).Msg("socket disconnected, starting grace window")

	err := a.Go("reclaim:"+connID, func(ctx context.Context) error {
		timer := time.NewTimer(a.grace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		a.reclaim(connID)
		return nil
	})
	if err != nil {
		// Node already stopping; the whole binding table dies with it.
		return nil, nil
	}
	return nil, nil
}

// reclaim purges a binding if no reconnect happened. The check is last
// activity against the grace window at fire time, not wall clock since close,
// to tolerate late pings.
func (a *Adapter) reclaim(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bindings[connID]
	if !ok || b.conn != nil {
		return
	}
	if a.now().Sub(b.lastPing) < a.grace {
		return
	}
	delete(a.bindings, connID)
	log.Info().Str("component", "ws").Str("conn_id", connID).Msg("connection state reclaimed")
}

func (a *Adapter) startKeepalive(connID string, conn Conn) {
	err := a.Go("ping:"+connID, func(ctx context.Context) error {
		ticker := time.NewTicker(a.ping)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			a.mu.Lock()
			b, ok := a.bindings[connID]
			current := ok && b.conn == conn
			a.mu.Unlock()
			if !current {
				return nil
			}
			if err := a.write(conn, websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("component", "ws").Str("conn_id", connID).Msg("keepalive ping failed, dropping handle")
				a.dropConn(connID, conn)
				return nil
			}
			a.mu.Lock()
			if b, ok := a.bindings[connID]; ok {
				b.lastPing = a.now()
			}
			a.mu.Unlock()
		}
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "ws").Str("conn_id", connID).Msg("keepalive not started")
	}
}

// dropConn unbinds a dead handle, leaving the binding in the disconnected
// state so the grace-window machinery applies.
func (a *Adapter) dropConn(connID string, conn Conn) {
	a.mu.Lock()
	if b, ok := a.bindings[connID]; ok && b.conn == conn {
		b.conn = nil
	}
	a.mu.Unlock()
	_ = conn.Close()
}

// Deliver sends an envelope to the bound socket(s). With no live handle the
// envelope is queued; a transport-level send failure drops the dead handle
// and requeues the message rather than losing it. An optional socket_id
// payload field targets one binding instead of broadcasting.
func (a *Adapter) Deliver(ctx context.Context, cmd string, p protocol.Payload) (any, error) {
	if p == nil {
		p = protocol.Payload{}
	}
	target := p.String(KeySocketID)
	env := p.Clone()
	delete(env, KeySocketID)
	delete(env, KeySocket)
	env["cmd"] = cmd
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrapf(err, "encode ws envelope for %q", cmd)
	}

	type liveConn struct {
		id   string
		conn Conn
	}
	a.mu.Lock()
	var live []liveConn
	for id, b := range a.bindings {
		if b.conn == nil {
			continue
		}
		if target != "" && id != target {
			continue
		}
		live = append(live, liveConn{id: id, conn: b.conn})
	}
	a.mu.Unlock()

	if len(live) == 0 {
		if target == "" {
			log.Debug().Str("component", "ws").Str("cmd", cmd).Msg("no live socket, queueing")
			a.queue.Push(cmd, p)
		}
		return nil, nil
	}

	delivered := false
	for _, lc := range live {
		if err := a.write(lc.conn, websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "ws").Str("conn_id", lc.id).Msg("ws send failed, dropping handle")
			a.dropConn(lc.id, lc.conn)
			continue
		}
		delivered = true
	}
	if !delivered && target == "" {
		a.queue.Push(cmd, p)
	}
	return nil, nil
}

func (a *Adapter) flushQueue(ctx context.Context) {
	for _, env := range a.queue.Drain() {
		if _, err := a.Deliver(ctx, env.Cmd, env.Payload); err != nil {
			log.Warn().Err(err).Str("component", "ws").Str("cmd", env.Cmd).Msg("flush failed")
		}
	}
}

func (a *Adapter) write(conn Conn, messageType int, data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

func (a *Adapter) writeEnvelope(conn Conn, cmd string, p protocol.Payload) error {
	env := p.Clone()
	env["cmd"] = cmd
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	return a.write(conn, websocket.TextMessage, data)
}

// HandleConn dispatches the connect event for a freshly upgraded channel and
// then pumps inbound JSON frames into the dispatcher until the channel
// closes. It blocks for the lifetime of the connection; the HTTP handler that
// performed the upgrade owns the read side.
func (a *Adapter) HandleConn(ctx context.Context, conn Conn, reconnectID string) error {
	payload := protocol.Payload{KeySocket: conn, KeyConnectionID: reconnectID}
	if _, err := a.Dispatch(ctx, ProtocolID, "connect", payload); err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "connect dispatch")
	}
	connID := a.connIDFor(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("component", "ws").Str("conn_id", connID).Msg("read loop ended")
			break
		}
		var env map[string]any
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("component", "ws").Str("conn_id", connID).Msg("malformed frame")
			continue
		}
		cmd, _ := env["cmd"].(string)
		if cmd == "" {
			log.Warn().Str("component", "ws").Str("conn_id", connID).Msg("frame without cmd")
			continue
		}
		delete(env, "cmd")
		p := protocol.Payload(env)
		p[KeyConnectionID] = connID
		if _, err := a.Dispatch(ctx, ProtocolID, cmd, p); err != nil {
			log.Error().Err(err).Str("component", "ws").Str("cmd", cmd).Msg("inbound dispatch failed")
		}
	}

	_, err := a.Dispatch(ctx, ProtocolID, "disconnect", protocol.Payload{KeyConnectionID: connID, KeySocket: conn})
	return err
}

func (a *Adapter) connIDFor(conn Conn) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, b := range a.bindings {
		if b.conn == conn {
			return id
		}
	}
	return ""
}

// BindingState reports the state of a connection identity.
func (a *Adapter) BindingState(connID string) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bindings[connID].State()
}

// QueuedLen returns the number of buffered outbound envelopes.
func (a *Adapter) QueuedLen() int { return a.queue.Len() }
