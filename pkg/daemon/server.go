// Package daemon implements the typed RPC surface of spec §4.5 (C5): a
// gin HTTP façade over the Store/Selector/Runner plus lifecycle and
// pane-capture hooks for interactive agents, and three WebSocket streams.
// Grounded on the teacher's pkg/api (gin handlers in handlers.go,
// websocket.go's connection-manager pattern) and cmd/tarsy/main.go's gin
// wiring.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgehq/forge/pkg/runner"
	"github.com/forgehq/forge/pkg/store"
)

// Server is the daemon's HTTP/WebSocket API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	store       *store.Store
	agents      *AgentRegistry
	loopRunners *LoopRunnerPool
	bus         *EventBus

	hostname  string
	startedAt time.Time
	logger    *slog.Logger
}

// NewServer wires a Server against st and r with fresh agent/loop-runner
// registries and event bus. setupRoutes runs eagerly so SetDashboardDir-style
// additions (none needed here) could still take priority later, matching
// the teacher's NewServer/setupRoutes ordering.
func NewServer(st *store.Store, r *runner.Runner) *Server {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	bus := NewEventBus()
	s := &Server{
		engine:      gin.New(),
		store:       st,
		agents:      NewAgentRegistry(bus),
		loopRunners: NewLoopRunnerPool(st, r, bus),
		bus:         bus,
		hostname:    hostname,
		startedAt:   time.Now(),
		logger:      slog.With("component", "daemon"),
	}
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// setupRoutes registers every RPC method named in spec §4.5, grouped the
// way the teacher groups its v1 API group in pkg/api/server.go.
func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/v1")

	v1.GET("/ping", s.pingHandler)
	v1.GET("/status", s.statusHandler)

	v1.POST("/agents", s.spawnAgentHandler)
	v1.GET("/agents", s.listAgentsHandler)
	v1.GET("/agents/:id", s.getAgentHandler)
	v1.POST("/agents/:id/kill", s.killAgentHandler)
	v1.POST("/agents/:id/input", s.sendInputHandler)
	v1.GET("/agents/:id/pane", s.capturePaneHandler)
	v1.GET("/agents/:id/transcript", s.getTranscriptHandler)
	v1.GET("/agents/:id/stream/pane", s.streamPaneUpdatesHandler)
	v1.GET("/agents/:id/stream/transcript", s.streamTranscriptHandler)

	v1.POST("/loops/:loop_id/runner", s.startLoopRunnerHandler)
	v1.DELETE("/loops/:loop_id/runner", s.stopLoopRunnerHandler)
	v1.GET("/loops/:loop_id/runner", s.getLoopRunnerHandler)
	v1.GET("/loop-runners", s.listLoopRunnersHandler)

	v1.GET("/events/stream", s.streamEventsHandler)
}

// Start runs the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartWithListener runs the HTTP server on a pre-created listener, for
// tests that need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown force-stops every supervised loop runner, then gracefully stops
// the HTTP server. Open WebSocket streams are hijacked connections, which
// http.Server.Shutdown does not track: Shutdown neither closes them nor
// sends them a terminator.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, status := range s.loopRunners.List() {
		_ = s.loopRunners.Stop(status.LoopID, true)
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Engine exposes the underlying gin.Engine for tests (httptest.NewServer(s.Engine())).
func (s *Server) Engine() http.Handler {
	return s.engine
}
