package httpd

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/switchboard/pkg/protocol"
	"github.com/go-go-golems/switchboard/pkg/transports/ws"
)

// SessionCookie carries the browser's session identity. One session spans any
// number of websocket connections and page loads.
const SessionCookie = "SESSION_ID"

// Session is one live session: a running dispatcher tree plus its websocket
// adapter, which the HTTP layer hands upgraded connections to.
type Session struct {
	ID         string
	Dispatcher *protocol.Dispatcher
	WS         *ws.Adapter
}

// SessionFactory builds the dispatcher tree for a new session. close
// schedules the session's teardown; handlers may call it when the last
// connection is gone.
type SessionFactory func(ctx context.Context, sessionID string, close func()) (*Session, error)

// SessionManager maps session ids to running dispatcher trees and mints the
// session cookie. Each session's dispatcher is run on its own goroutine and
// stopped when the session closes or the manager shuts down.
type SessionManager struct {
	factory SessionFactory

	mu       sync.Mutex
	baseCtx  context.Context
	sessions map[string]*Session
	wg       sync.WaitGroup
}

func NewSessionManager(factory SessionFactory) *SessionManager {
	return &SessionManager{
		factory:  factory,
		sessions: map[string]*Session{},
	}
}

// Start pins the context session dispatchers run under. Must be called before
// the first GetOrCreate.
func (m *SessionManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseCtx = ctx
}

// GetOrCreate resolves the request's session, spawning a new dispatcher tree
// when the cookie is absent or names a session that no longer exists. The
// cookie is (re)issued on the response, so it must be called before any
// upgrade hijacks the response writer.
func (m *SessionManager) GetOrCreate(w http.ResponseWriter, r *http.Request) (*Session, error) {
	id := ""
	if c, err := r.Cookie(SessionCookie); err == nil {
		id = c.Value
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseCtx == nil {
		return nil, errors.New("session manager is not started")
	}

	if id != "" {
		if sess, ok := m.sessions[id]; ok {
			setSessionCookie(w, id)
			return sess, nil
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	sess, err := m.spawn(id)
	if err != nil {
		return nil, err
	}
	setSessionCookie(w, id)
	return sess, nil
}

// Get returns an existing session without creating one.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Len reports the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops one session and forgets it. Safe to call for ids that are
// already gone.
func (m *SessionManager) Close(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	baseCtx := m.baseCtx
	m.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("session_id", id).Msg("closing session")
	sess.Dispatcher.Stop(context.WithoutCancel(baseCtx))
}

// Shutdown stops every session and waits for their run loops to drain.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Dispatcher.Stop(ctx)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("session shutdown timed out")
	}
}

// spawn builds and launches a session. Callers must hold m.mu.
func (m *SessionManager) spawn(id string) (*Session, error) {
	closeFn := func() {
		// Deferred so a handler inside the dispatch path can request its
		// own session's teardown without deadlocking on m.mu.
		go m.Close(id)
	}
	sess, err := m.factory(m.baseCtx, id, closeFn)
	if err != nil {
		return nil, errors.Wrapf(err, "build session %s", id)
	}
	if sess.ID == "" {
		sess.ID = id
	}
	m.sessions[id] = sess

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := sess.Dispatcher.Run(m.baseCtx); err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("session dispatcher exited with error")
		}
	}()
	log.Info().Str("session_id", id).Msg("session started")
	return sess, nil
}

func setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((30 * 24 * time.Hour).Seconds()),
	})
}
