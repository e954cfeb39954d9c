// Package httpapi exposes the gateway's control surface: template and
// instance management, routed tool execution, and a server-sent-events log
// stream. Authentication and rate limiting wrap everything under /api/.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/auth"
	"github.com/mcpgate/mcpgate/internal/dispatch"
	"github.com/mcpgate/mcpgate/internal/errs"
	"github.com/mcpgate/mcpgate/internal/eventbus"
	"github.com/mcpgate/mcpgate/internal/mcp"
	"github.com/mcpgate/mcpgate/internal/store"
	"github.com/mcpgate/mcpgate/internal/telemetry"
)

// logRingCapacity is how many recent log lines a new stream client gets as
// backfill.
const logRingCapacity = 10

// Server is the HTTP control surface.
type Server struct {
	store      *store.Store
	manager    *dispatch.Manager
	dispatcher *dispatch.Dispatcher
	auth       *auth.Authenticator
	limiter    *auth.Limiter
	bus        *eventbus.Bus
	metrics    *telemetry.GatewayMetrics

	version string
	started time.Time
	logs    *logRing
	gen     mcp.IDGenerator
	ops     opCounters

	httpServer *http.Server
	listener   net.Listener
	addr       string
	mu         sync.RWMutex
}

// Options carries the server's collaborators.
type Options struct {
	Store      *store.Store
	Manager    *dispatch.Manager
	Dispatcher *dispatch.Dispatcher
	Auth       *auth.Authenticator
	Limiter    *auth.Limiter // nil disables rate limiting
	Bus        *eventbus.Bus
	Metrics    *telemetry.GatewayMetrics
	Version    string
	Addr       string
}

// NewServer wires a server. It registers the log ring on the bus.
func NewServer(opts Options) *Server {
	s := &Server{
		store:      opts.Store,
		manager:    opts.Manager,
		dispatcher: opts.Dispatcher,
		auth:       opts.Auth,
		limiter:    opts.Limiter,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		version:    opts.Version,
		started:    time.Now(),
		addr:       opts.Addr,
		logs:       newLogRing(logRingCapacity),
	}
	if s.bus != nil {
		s.bus.Register(s.logs.handler())
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints (no auth required).
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	// Control surface (auth required).
	mux.Handle("GET /api/templates", s.protect(s.handleListTemplates))
	mux.Handle("POST /api/templates", s.protect(s.handleUpsertTemplate))
	mux.Handle("GET /api/templates/{name}", s.protect(s.handleGetTemplate))
	mux.Handle("DELETE /api/templates/{name}", s.protect(s.handleDeleteTemplate))

	mux.Handle("POST /api/services", s.protect(s.handleStartService))
	mux.Handle("GET /api/services", s.protect(s.handleListServices))
	mux.Handle("GET /api/services/{id}", s.protect(s.handleGetService))
	mux.Handle("POST /api/services/{id}/stop", s.protect(s.handleStopService))
	mux.Handle("DELETE /api/services/{id}", s.protect(s.handleRemoveService))

	mux.Handle("POST /api/route", s.protect(s.handleRoute))
	mux.Handle("POST /api/tools/execute", s.protect(s.handleExecute))
	mux.Handle("GET /api/logs/stream", s.protect(s.handleLogStream))

	return mux
}

// Start listens and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	return s.httpServer.Serve(listener)
}

// Addr returns the bound address once Start has listened.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// opCounters tracks how many times each route has been served.
type opCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (o *opCounters) inc(pattern string) {
	if pattern == "" {
		return
	}
	o.mu.Lock()
	if o.counts == nil {
		o.counts = make(map[string]int64)
	}
	o.counts[pattern]++
	o.mu.Unlock()
}

func (o *opCounters) snapshot() map[string]int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int64, len(o.counts))
	for k, v := range o.counts {
		out[k] = v
	}
	return out
}

// protect wraps a handler with authentication and per-principal rate
// limiting.
func (s *Server) protect(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.ops.inc(r.Pattern)
		principal, err := s.auth.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Allow(principal.Name); err != nil {
				if e, ok := err.(*errs.Error); ok {
					if ms, ok := e.Meta["retryAfterMs"].(int64); ok {
						w.Header().Set("Retry-After", fmt.Sprintf("%d", ms/1000))
					}
				}
				writeError(w, err)
				return
			}
		}
		next(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// principalFrom returns the authenticated principal, if the request passed
// through protect.
func principalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": s.version,
		"uptime":  fmt.Sprintf("%.0fs", time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	// Ready once the store answers; a gateway with zero templates is still
	// ready to accept registrations.
	_ = s.store.Revision()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	instances := s.store.ListInstances()
	byState := make(map[string]int)
	for _, inst := range instances {
		byState[string(inst.State)]++
	}
	published, deduped, dropped := int64(0), int64(0), int64(0)
	if s.bus != nil {
		published, deduped, dropped = s.bus.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revision":   s.store.Revision(),
		"templates":  len(s.store.ListTemplates()),
		"instances":  byState,
		"operations": s.ops.snapshot(),
		"events": map[string]int64{
			"published": published,
			"deduped":   deduped,
			"dropped":   dropped,
		},
	})
}

// decode reads a JSON body into v with a size cap.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 10*1024*1024))
	if err := dec.Decode(v); err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "invalid request body")
	}
	return nil
}
