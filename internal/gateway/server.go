// Package gateway is the HTTP/WebSocket surface: the web UI talks to the
// same bus, agent loop and stores as the chat channels through it.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/countbot/countbot/internal/agent"
	"github.com/countbot/countbot/internal/bus"
	"github.com/countbot/countbot/internal/channels"
	"github.com/countbot/countbot/internal/config"
	"github.com/countbot/countbot/internal/cron"
	"github.com/countbot/countbot/internal/handler"
	"github.com/countbot/countbot/internal/store"
	"github.com/countbot/countbot/internal/tools"
)

// Deps wires a new Server. Config, Store and Loop are required; nil
// optional fields disable the endpoints that need them.
type Deps struct {
	Config     *config.Config
	ConfigPath string // where PUT /api/settings persists; empty = memory only
	Store      *store.Store
	Bus        *bus.MessageBus
	Loop       *agent.Loop
	Handler    *handler.Handler
	Channels   *channels.Manager
	Cron       *cron.Service
	Scheduler  *cron.Scheduler
	Tools      *tools.Registry
}

// Server is the gateway HTTP server.
type Server struct {
	cfg        *config.Config
	cfgPath    string
	store      *store.Store
	bus        *bus.MessageBus
	loop       *agent.Loop
	handler    *handler.Handler
	channels   *channels.Manager
	cron       *cron.Service
	sched      *cron.Scheduler
	tools      *tools.Registry
	tokens     *tokenStore
	upgrader   websocket.Upgrader
	noPassOnce sync.Once

	clientMu sync.RWMutex
	clients  map[string]*wsClient

	mux        *http.ServeMux
	httpServer *http.Server
}

func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:      deps.Config,
		cfgPath:  deps.ConfigPath,
		store:    deps.Store,
		bus:      deps.Bus,
		loop:     deps.Loop,
		handler:  deps.Handler,
		channels: deps.Channels,
		cron:     deps.Cron,
		sched:    deps.Scheduler,
		tools:    deps.Tools,
		tokens:   newTokenStore(),
		clients:  make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The token check in withAuth is the real gate; the UI may be
		// served from any host the user pointed at the gateway.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return s
}

// Handler returns the full route tree wrapped in auth, for tests and for
// mounting on extra listeners.
func (s *Server) Handler() http.Handler {
	return s.withAuth(s.buildMux())
}

func (s *Server) buildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)

	mux.HandleFunc("GET /api/queue/stats", s.handleQueueStats)
	mux.HandleFunc("POST /api/queue/cancel", s.handleQueueCancel)
	mux.HandleFunc("GET /api/queue/active-tasks", s.handleActiveTasks)

	mux.HandleFunc("GET /api/cron/jobs", s.handleListCronJobs)
	mux.HandleFunc("POST /api/cron/jobs", s.handleCreateCronJob)
	mux.HandleFunc("GET /api/cron/jobs/{id}", s.handleGetCronJob)
	mux.HandleFunc("PUT /api/cron/jobs/{id}", s.handleUpdateCronJob)
	mux.HandleFunc("DELETE /api/cron/jobs/{id}", s.handleDeleteCronJob)
	mux.HandleFunc("POST /api/cron/jobs/{id}/run", s.handleRunCronJob)
	mux.HandleFunc("POST /api/cron/validate", s.handleValidateCron)

	mux.HandleFunc("GET /api/channels/list", s.handleChannelList)
	mux.HandleFunc("GET /api/channels/status", s.handleChannelStatus)
	mux.HandleFunc("POST /api/channels/test", s.handleChannelTest)
	mux.HandleFunc("POST /api/channels/update", s.handleChannelUpdate)
	mux.HandleFunc("GET /api/channels/{channel}/config", s.handleChannelConfig)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	mux.HandleFunc("POST /api/settings/test-connection", s.handleTestConnection)
	mux.HandleFunc("GET /api/settings/providers", s.handleListProviders)
	mux.HandleFunc("GET /api/settings/security/dangerous-patterns", s.handleDangerousPatterns)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/stats", s.handleTaskStats)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleCancelTask)
	mux.HandleFunc("POST /api/tasks/{id}/delete", s.handleDeleteTask)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.mux = mux
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	snap := s.cfg.Snapshot()
	addr := fmt.Sprintf("%s:%d", snap.Gateway.Host, snap.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if s.channels != nil {
		resp["channels"] = s.channels.Status()
	}
	if s.bus != nil {
		resp["queue_size"] = s.bus.InboundSize()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) warnNoPassword() {
	s.noPassOnce.Do(func() {
		slog.Warn("remote request allowed without authentication: no gateway password configured")
	})
}
