// Package devserver serves the component bundle and the template directory
// to the browser under test, rebuilding with esbuild and pushing reload
// events over a websocket.
package devserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"ctbundle/internal/bundle"
	"ctbundle/internal/config"
	"ctbundle/internal/middleware"
	"ctbundle/internal/safeio"
)

var ErrNotStarted = errors.New("dev server not started")

type Server struct {
	mu sync.Mutex

	cfg    *bundle.Config
	tls    config.TLSConfig
	logger *slog.Logger
	// hub is read from esbuild callbacks, which run while mu is held.
	hub atomic.Pointer[Hub]

	build      api.BuildContext
	files      safeio.Layers
	static     *safeio.SafeFS
	httpServer *http.Server
	listener   net.Listener
	serveDone  chan struct{}
}

type Option func(*Server)

// WithTLS sets the certificate used when the endpoint is https.
func WithTLS(files config.TLSConfig) Option {
	return func(s *Server) { s.tls = files }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(cfg *bundle.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("devserver: bundle config is required")
	}
	s := &Server{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.hub.Store(NewHub(s.logger))
	return s, nil
}

// Start runs the initial build, starts watching when hot reload is on and
// begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	if s.hub.Load() == nil {
		s.hub.Store(NewHub(s.logger))
	}

	if err := s.startBuildLocked(); err != nil {
		return err
	}
	if err := s.openFilesLocked(); err != nil {
		s.disposeBuildLocked()
		return err
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.cfg.Endpoint.Addr())
	if err != nil {
		s.disposeBuildLocked()
		return fmt.Errorf("dev server listen on %s: %w", s.cfg.Endpoint.Addr(), err)
	}

	handler := middleware.CORS(middleware.AccessLog(s.logger, s.routes()))
	srv := &http.Server{ReadHeaderTimeout: 10 * time.Second}
	if s.cfg.Endpoint.HTTPS {
		tlsCfg, err := tlsConfig(s.tls, s.cfg.Endpoint.Host)
		if err != nil {
			ln.Close()
			s.disposeBuildLocked()
			return fmt.Errorf("dev server tls: %w", err)
		}
		srv.Handler = handler
		srv.TLSConfig = tlsCfg
		if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
			ln.Close()
			s.disposeBuildLocked()
			return err
		}
		ln = tls.NewListener(ln, srv.TLSConfig)
	} else {
		srv.Handler = h2c.NewHandler(handler, &http2.Server{})
	}

	s.httpServer = srv
	s.listener = ln
	s.serveDone = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dev server stopped", "error", err)
		}
	}(s.serveDone)

	s.logger.Info("dev server listening", "url", s.urlLocked())
	return nil
}

// URL is the base URL of the running server, with the bound port.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urlLocked()
}

func (s *Server) urlLocked() string {
	ep := s.cfg.Endpoint
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			ep.Port = addr.Port
		}
	}
	return ep.URL()
}

// Rebuild runs the bundler once more with the current configuration.
func (s *Server) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.build == nil {
		return ErrNotStarted
	}
	return s.rebuildLocked(ctx)
}

// Reload swaps in a new bundle configuration, e.g. after the component set
// changed. The listener is kept.
func (s *Server) Reload(ctx context.Context, cfg *bundle.Config) error {
	if cfg == nil {
		return errors.New("devserver: bundle config is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ErrNotStarted
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	cfg.Endpoint = s.cfg.Endpoint
	s.disposeBuildLocked()
	s.cfg = cfg
	if err := s.startBuildLocked(); err != nil {
		return err
	}
	return s.openFilesLocked()
}

// NotifyChanged tells connected browsers to reload.
func (s *Server) NotifyChanged() {
	if hub := s.hub.Load(); hub != nil {
		hub.Broadcast(Event{Type: EventContentChanged})
	}
}

// Clients is the number of connected live-reload clients.
func (s *Server) Clients() int {
	if hub := s.hub.Load(); hub != nil {
		return hub.Len()
	}
	return 0
}

// Stop shuts the server down. It is safe to call more than once and on a
// server that never started.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.disposeBuildLocked()
	srv, done := s.httpServer, s.serveDone
	s.httpServer, s.listener, s.serveDone = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if hub := s.hub.Swap(nil); hub != nil {
		hub.Close()
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	<-done
	if err != nil {
		return fmt.Errorf("dev server shutdown: %w", err)
	}
	s.logger.Info("dev server stopped")
	return nil
}

func (s *Server) startBuildLocked() error {
	opts, err := s.cfg.BuildOptions()
	if err != nil {
		return err
	}
	opts.Plugins = append(opts.Plugins, s.notifyPlugin())

	build, ctxErr := api.Context(opts)
	if ctxErr != nil {
		return fmt.Errorf("esbuild context: %s", joinMessages(ctxErr.Errors))
	}
	s.build = build
	if err := s.rebuildLocked(context.Background()); err != nil {
		s.disposeBuildLocked()
		return err
	}
	if s.cfg.Hot {
		if err := build.Watch(api.WatchOptions{}); err != nil {
			s.disposeBuildLocked()
			return fmt.Errorf("esbuild watch: %w", err)
		}
	}
	return nil
}

func (s *Server) rebuildLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res := s.build.Rebuild()
	if len(res.Errors) > 0 {
		return fmt.Errorf("bundle failed: %s", joinMessages(res.Errors))
	}
	return nil
}

// notifyPlugin broadcasts a reload after every successful build but the
// first one of a context.
func (s *Server) notifyPlugin() api.Plugin {
	var builds atomic.Int32
	return api.Plugin{
		Name: "ct-livereload",
		Setup: func(build api.PluginBuild) {
			build.OnEnd(func(res *api.BuildResult) (api.OnEndResult, error) {
				n := builds.Add(1)
				if len(res.Errors) > 0 {
					s.logger.Warn("bundle failed", "errors", joinMessages(res.Errors))
					return api.OnEndResult{}, nil
				}
				if n > 1 {
					s.NotifyChanged()
				}
				return api.OnEndResult{}, nil
			})
		},
	}
}

func (s *Server) disposeBuildLocked() {
	if s.build != nil {
		s.build.Dispose()
		s.build = nil
	}
}

func (s *Server) openFilesLocked() error {
	files, err := safeio.NewLayers(s.cfg.OutDir, s.cfg.StaticDir)
	if err != nil {
		return fmt.Errorf("dev server files: %w", err)
	}
	s.files = files
	s.static = nil
	if s.cfg.StaticDir != "" {
		if static, err := safeio.NewSafeFS(s.cfg.StaticDir); err == nil {
			s.static = static
		}
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(LiveReloadPath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub := s.hub.Load()
		if hub == nil {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		hub.ServeHTTP(w, r)
	}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" || r.URL.Path == "/index.html" {
			s.serveIndex(w, r)
			return
		}
		s.mu.Lock()
		files := s.files
		s.mu.Unlock()
		http.FileServer(http.FS(files)).ServeHTTP(w, r)
	})
	return mux
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	static, cfg := s.static, s.cfg
	s.mu.Unlock()

	var page []byte
	if static != nil {
		if raw, err := static.SafeReadFile("index.html"); err == nil {
			page = raw
		}
	}
	assets := pageAssets{
		Script:     "/" + path.Clean(cfg.OutFile),
		LiveReload: cfg.Hot,
	}
	css := strings.TrimSuffix(cfg.OutFile, filepath.Ext(cfg.OutFile)) + ".css"
	if _, err := os.Stat(filepath.Join(cfg.OutDir, css)); err == nil {
		assets.Stylesheet = "/" + css
	}

	out, err := injectAssets(page, assets)
	if err != nil {
		s.logger.Error("render index.html", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(out)
}

func joinMessages(msgs []api.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
			continue
		}
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "; ")
}
