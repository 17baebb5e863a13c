// Package webui is the loopback control plane: token-authenticated HTTP with
// a lifecycle SSE stream, agent start/stop, and read-mostly JSON endpoints
// over the store, registry, and cron manager.
package webui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/teleton/internal/cron"
	"github.com/haasonsaas/teleton/internal/lifecycle"
	"github.com/haasonsaas/teleton/internal/memory"
	"github.com/haasonsaas/teleton/internal/store"
	"github.com/haasonsaas/teleton/internal/tools"
	"github.com/haasonsaas/teleton/internal/workspace"
)

const (
	// MaxBodyBytes caps every request body.
	MaxBodyBytes = 2 << 20
	// DefaultPingInterval is the SSE heartbeat period.
	DefaultPingInterval = 30 * time.Second

	sessionCookie = "teleton_session"
	sessionExpiry = 24 * time.Hour
)

// Supervisor is the slice of the lifecycle the control plane drives.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() lifecycle.State
	LastError() error
	Uptime() (time.Duration, bool)
	Subscribe(fn lifecycle.Listener) func()
}

// CronLister exposes the cron schedule for display.
type CronLister interface {
	List() []*cron.Snapshot
}

// Config wires the server's collaborators and listen address.
type Config struct {
	Host       string
	Port       int
	AuthToken  string
	DistDir    string
	Store      *store.Store
	Registry   *tools.Registry
	Supervisor Supervisor
	Cron       CronLister
	Memory     *memory.System
	Workspace  *workspace.Guard
	ConfigView any // redacted config snapshot served by /api/config
}

// Server is the control-plane HTTP server.
type Server struct {
	config  Config
	logger  *slog.Logger
	now     func() time.Time
	ping    time.Duration
	metrics *metrics

	// closing is closed by Stop so long-lived handlers (the SSE stream)
	// finish before Shutdown waits on them.
	closing   chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	httpSrv  *http.Server
	listener net.Listener
	started  bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger configures the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPingInterval overrides the SSE heartbeat period for tests.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.ping = d
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds the server; it does not listen until Start.
func New(config Config, opts ...Option) (*Server, error) {
	if config.AuthToken == "" {
		return nil, errors.New("webui: auth token is required")
	}
	s := &Server{
		config:  config,
		logger:  slog.Default().With("component", "webui"),
		now:     time.Now,
		ping:    DefaultPingInterval,
		metrics: newMetrics(),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.observeSupervisor(config.Supervisor)
	return s, nil
}

// Handler returns the full middleware-wrapped handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)

	protected := http.NewServeMux()
	protected.HandleFunc("POST /api/agent/start", s.handleAgentStart)
	protected.HandleFunc("POST /api/agent/stop", s.handleAgentStop)
	protected.HandleFunc("GET /api/agent/status", s.handleAgentStatus)
	protected.HandleFunc("GET /api/agent/events", s.handleAgentEvents)
	protected.HandleFunc("GET /api/tools", s.handleTools)
	protected.HandleFunc("GET /api/cron", s.handleCron)
	protected.HandleFunc("GET /api/sessions", s.handleSessions)
	protected.HandleFunc("GET /api/tasks", s.handleTasks)
	protected.HandleFunc("GET /api/memory", s.handleMemory)
	protected.HandleFunc("GET /api/logs", s.handleLogs)
	protected.HandleFunc("GET /api/workspace", s.handleWorkspace)
	protected.HandleFunc("GET /api/plugins", s.handlePlugins)
	protected.HandleFunc("GET /api/marketplace", s.handleMarketplace)
	protected.HandleFunc("GET /api/mcp", s.handleMCP)
	protected.HandleFunc("GET /api/config", s.handleConfig)
	protected.Handle("GET /metrics", s.metrics.handler())
	mux.Handle("/api/", s.requireAuth(protected))
	mux.Handle("/metrics", s.requireAuth(protected))

	mux.Handle("/", s.staticHandler())

	var handler http.Handler = mux
	handler = s.bodyLimit(handler)
	handler = securityHeaders(handler)
	handler = s.logRequests(handler)
	return handler
}

// Start binds the listener and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("webui: already started")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("webui: listen %s: %w", addr, err)
	}

	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.started = true

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", "error", err)
		}
	}()
	s.logger.Info("control plane listening", "addr", listener.Addr().String())
	return nil
}

// Stop completes in-flight SSE streams with a close frame, then shuts the
// listener down. Shutdown alone would wait out the deadline: it never
// terminates active handlers, and the SSE loop otherwise runs until the
// client disconnects.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.started = false
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closing) })
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// securityHeaders applies the baseline response headers to every route.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// bodyLimit caps request bodies; oversize reads surface as 413 in handlers.
func (s *Server) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.metrics.requestDone(r.Method, wrapped.status)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", s.now().Sub(start),
		)
	})
}

// statusWriter captures the response code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush keeps SSE working through the status wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
