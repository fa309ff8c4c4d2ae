package httpd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/switchboard/pkg/content"
	"github.com/go-go-golems/switchboard/pkg/protocol"
	"github.com/go-go-golems/switchboard/pkg/transports/ws"
)

// Options configures the HTTP front door.
type Options struct {
	Addr string

	// CertFile/KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// RedirectAddr, when set alongside TLS, runs a plain-HTTP listener that
	// redirects everything to the TLS address.
	RedirectAddr string
}

// Server serves the chat shell, static content, markdown documents, and the
// websocket endpoint, multiplexing requests onto per-browser sessions.
type Server struct {
	opts     Options
	sessions *SessionManager
	resolver *content.Resolver
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(opts Options, sessions *SessionManager, resolver *content.Resolver) *Server {
	s := &Server{
		opts:     opts,
		sessions: sessions,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed so tests can drive the handler stack
// through httptest without binding a listener.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)
	r.Get("/docs", s.handleDocsIndex)
	r.Get("/*", s.handleContent)
	return r
}

// handleWS resolves the session, upgrades, and hands the connection to the
// session's websocket adapter. Blocks for the lifetime of the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetOrCreate(w, r)
	if err != nil {
		log.Error().Err(err).Msg("session resolution failed")
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}

	reconnectID := r.Header.Get(ws.HeaderConnectionID)
	if reconnectID == "" {
		reconnectID = r.URL.Query().Get("connection_id")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	if err := sess.WS.HandleConn(r.Context(), conn, reconnectID); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("websocket connection ended with error")
	}
}

// handleContent serves static files, treating markdown specially: a bare
// request renders the chat shell and queues an open_md command so the
// document opens in the client, while ?view=raw returns the file itself.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if name == "" || name == "." {
		name = "index.html"
	}

	if strings.HasSuffix(name, ".md") && r.URL.Query().Get("view") != "raw" {
		s.serveMarkdown(w, r, name)
		return
	}

	p, ok := s.resolver.FindFile(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, p)
}

// serveMarkdown responds with the chat shell and tells the session's client
// to open the document. The open_md command rides the websocket offline
// queue, so it survives the page load racing the socket.
func (s *Server) serveMarkdown(w http.ResponseWriter, r *http.Request, name string) {
	if _, ok := s.resolver.FindFile(name); !ok {
		http.NotFound(w, r)
		return
	}
	sess, err := s.sessions.GetOrCreate(w, r)
	if err != nil {
		http.Error(w, "session unavailable", http.StatusInternalServerError)
		return
	}
	if _, err := sess.Dispatcher.Send(r.Context(), ws.ProtocolID, "open_md", protocol.Payload{
		"name": name,
	}); err != nil {
		log.Warn().Err(err).Str("name", name).Msg("could not queue open_md")
	}

	shell, ok := s.resolver.FindFile("index.html")
	if !ok {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, shell)
}

// handleDocsIndex renders the generated markdown index of /docs.
func (s *Server) handleDocsIndex(w http.ResponseWriter, r *http.Request) {
	index, err := s.resolver.DocsIndex()
	if err != nil {
		http.Error(w, "docs index unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(index))
}

func (s *Server) tlsEnabled() bool {
	return s.opts.CertFile != "" && s.opts.KeyFile != ""
}

// Run serves until ctx is cancelled or an interrupt arrives, then shuts the
// listeners and all sessions down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	s.sessions.Start(srvCtx)

	var redirectSrv *http.Server
	if s.tlsEnabled() && s.opts.RedirectAddr != "" {
		redirectSrv = &http.Server{
			Addr:              s.opts.RedirectAddr,
			Handler:           redirectHandler(s.opts.Addr),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	eg := errgroup.Group{}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		if redirectSrv != nil {
			_ = redirectSrv.Shutdown(shutdownCtx)
		}
		s.sessions.Shutdown(shutdownCtx)
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Bool("tls", s.tlsEnabled()).Msg("starting switchboard server")
		var err error
		if s.tlsEnabled() {
			err = s.httpSrv.ListenAndServeTLS(s.opts.CertFile, s.opts.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	if redirectSrv != nil {
		eg.Go(func() error {
			log.Info().Str("addr", redirectSrv.Addr).Msg("starting http redirect listener")
			if err := redirectSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("redirect listen error")
				return err
			}
			return nil
		})
	}

	return eg.Wait()
}

// redirectHandler sends every request to the https equivalent on tlsAddr.
func redirectHandler(tlsAddr string) http.Handler {
	_, port, found := strings.Cut(tlsAddr, ":")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, ok := strings.Cut(host, ":"); ok {
			host = h
		}
		target := "https://" + host
		if found && port != "443" {
			target += ":" + port
		}
		target += r.URL.RequestURI()
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
