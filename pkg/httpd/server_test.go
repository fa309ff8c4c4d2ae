package httpd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/switchboard/pkg/content"
	"github.com/go-go-golems/switchboard/pkg/protocol"
	"github.com/go-go-golems/switchboard/pkg/transports/ws"
)

func newTestServer(t *testing.T) (*Server, *SessionManager) {
	t.Helper()

	root := t.TempDir()
	write := func(name, body string) {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	write("index.html", "<html>shell</html>")
	write("chat.css", "body {}")
	write("notes.md", "# Notes\n")
	write("docs/guide.md", "# Guide\n")

	manager := NewSessionManager(func(_ context.Context, sessionID string, _ func()) (*Session, error) {
		d := protocol.NewDispatcher(protocol.WithSessionID(sessionID))
		sock := ws.New()
		d.AddChild(sock)
		return &Session{ID: sessionID, Dispatcher: d, WS: sock}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)
	t.Cleanup(func() {
		manager.Shutdown(context.Background())
		cancel()
	})

	srv := NewServer(Options{Addr: ":0"}, manager, content.NewResolver(root))
	return srv, manager
}

func sessionCookie(t *testing.T, resp *http.Response) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			return c
		}
	}
	return nil
}

func TestStaticRequestMintsSessionlessResponse(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat.css", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "body {}", rec.Body.String())
	// Plain static files do not touch the session table.
	require.Nil(t, sessionCookie(t, rec.Result()))
}

func TestRootServesShell(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "shell")
}

func TestMarkdownServesShellAndQueuesOpen(t *testing.T) {
	srv, manager := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notes.md", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "shell")

	cookie := sessionCookie(t, rec.Result())
	require.NotNil(t, cookie, "markdown request must mint a session")

	sess, ok := manager.Get(cookie.Value)
	require.True(t, ok)
	require.Equal(t, 1, sess.WS.QueuedLen(), "open_md should be queued for the socket")
}

func TestMarkdownRawBypassesShell(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notes.md?view=raw", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "# Notes\n", rec.Body.String())
}

func TestSessionReusedAcrossRequests(t *testing.T) {
	srv, manager := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notes.md", nil))
	cookie := sessionCookie(t, rec.Result())
	require.NotNil(t, cookie)
	require.Equal(t, 1, manager.Len())

	req := httptest.NewRequest(http.MethodGet, "/notes.md", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, 1, manager.Len(), "cookie-bearing request must not spawn a second session")
	sess, ok := manager.Get(cookie.Value)
	require.True(t, ok)
	require.Equal(t, 2, sess.WS.QueuedLen())
}

func TestStaleCookieSpawnsFreshSession(t *testing.T) {
	srv, manager := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/notes.md", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "long-gone"})
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	cookie := sessionCookie(t, rec.Result())
	require.NotNil(t, cookie)
	require.Equal(t, "long-gone", cookie.Value, "an unknown id is adopted, not replaced")
	require.Equal(t, 1, manager.Len())
}

func TestDocsIndex(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/docs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "[Guide](/docs/guide.md)")
}

func TestUnknownFileIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing.txt", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionCloseStopsDispatcher(t *testing.T) {
	_, manager := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ignored", nil)
	sess, err := manager.GetOrCreate(rec, req)
	require.NoError(t, err)
	require.Equal(t, 1, manager.Len())

	manager.Close(sess.ID)
	require.Equal(t, 0, manager.Len())
	manager.Close(sess.ID) // idempotent
}
