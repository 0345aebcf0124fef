// Package gateway is the relay's front door: it upgrades client WebSockets,
// routes framed RPC methods, and mounts the REST handlers.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pirelay/relay/internal/config"
	"github.com/pirelay/relay/internal/engine"
	"github.com/pirelay/relay/internal/registry"
)

// RouteRegistrar is implemented by the REST handlers mounted on the mux.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Server handles WebSocket and HTTP connections.
type Server struct {
	cfg      *config.Config
	engine   *engine.Engine
	registry *registry.Registry
	version  string

	upgrader    websocket.Upgrader
	router      *MethodRouter
	rateLimiter *RateLimiter
	handlers    []RouteRegistrar
	repos       RepoLister

	mu      sync.RWMutex
	clients map[string]*ClientSession

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the gateway server. REST handlers passed here get their
// routes mounted by BuildMux.
func NewServer(cfg *config.Config, eng *engine.Engine, reg *registry.Registry, version string, handlers ...RouteRegistrar) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   eng,
		registry: reg,
		version:  version,
		handlers: handlers,
		clients:  make(map[string]*ClientSession),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.Relay.RateLimitRPM, 5)
	s.router = newMethodRouter(s)
	return s
}

// checkOrigin validates the Origin header against the configured whitelist.
// No configured origins allows everything (dev mode); an empty Origin header
// (non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins()
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("origin rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.wsEndpoint(), s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	for _, h := range s.handlers {
		h.RegisterRoutes(mux)
	}
	s.mux = mux
	return mux
}

func (s *Server) wsEndpoint() string {
	if s.cfg.Relay.WSEndpoint != "" {
		return s.cfg.Relay.WSEndpoint
	}
	return "/ws"
}

// Start listens until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Relay.Host, s.cfg.Relay.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("relay starting", "addr", addr, "ws", s.wsEndpoint())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newClientSession(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"data":{"ok":true,"version":%q}}`, s.version)
}

func (s *Server) registerClient(c *ClientSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	slog.Info("client connected", "connection", c.id)
}

func (s *Server) unregisterClient(c *ClientSession) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	if c.helloed() {
		s.engine.ConnectionClosed(c.id)
	}
	slog.Info("client disconnected", "connection", c.id)
}

// StartTestServer listens on a random local port for integration tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func(), err error) {
	mux := s.BuildMux()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	s.httpServer = &http.Server{Handler: mux}
	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.httpServer.Shutdown(shutdownCtx)
		}()
		_ = s.httpServer.Serve(ln)
	}
	return ln.Addr().String(), start, nil
}
