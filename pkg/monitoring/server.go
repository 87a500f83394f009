package monitoring

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/codegraph/hybrid-search/pkg/pool"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PoolInspector is the view of the pool the observability server needs
type PoolInspector interface {
	Stats() pool.Stats
	Connections() []pool.ConnectionInfo
	Subscribe(listener pool.Listener) func()
	StartHealthCheck() error
	StopHealthCheck()
	CheckHealth(ctx context.Context) []pool.HealthCheckResult
}

var _ PoolInspector = (*pool.Pool)(nil)

// HTTPServerConfig holds configuration for the observability server
type HTTPServerConfig struct {
	Address      string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	EnableEvents bool
	// EventBuffer is the per-client queue depth of the event stream
	EventBuffer int
}

// DefaultHTTPServerConfig returns default HTTP server configuration
func DefaultHTTPServerConfig() HTTPServerConfig {
	return HTTPServerConfig{
		Address:      "localhost",
		Port:         8090,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		EnableEvents: true,
		EventBuffer:  256,
	}
}

// StatsServer exposes pool statistics, health and a live event stream
type StatsServer struct {
	config     HTTPServerConfig
	pool       PoolInspector
	router     *mux.Router
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	hub        *EventHub
	logger     zerolog.Logger
	startTime  time.Time

	wg sync.WaitGroup
}

// NewStatsServer creates the server and registers its routes
func NewStatsServer(config HTTPServerConfig, p PoolInspector, logger zerolog.Logger) *StatsServer {
	if config.EventBuffer <= 0 {
		config.EventBuffer = 256
	}

	s := &StatsServer{
		config: config,
		pool:   p,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:    logger,
		startTime: time.Now(),
	}
	s.hub = newEventHub(config.EventBuffer, logger)
	if config.EnableEvents {
		s.hub.attach(p)
	}

	s.setupRoutes()
	return s
}

// Router returns the server's router
func (s *StatsServer) Router() *mux.Router {
	return s.router
}

// Hub returns the event stream hub
func (s *StatsServer) Hub() *EventHub {
	return s.hub
}

func (s *StatsServer) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/pool/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/pool/connections", s.handleConnections).Methods("GET")
	s.router.HandleFunc("/pool/health-check", s.handleRunHealthCheck).Methods("POST")
	s.router.HandleFunc("/pool/health-check/{action:start|stop}", s.handleHealthCheckControl).Methods("POST")

	if s.config.EnableEvents {
		s.router.HandleFunc("/pool/events", s.handleEvents)
	}
}

// Start binds the listener and serves in the background
func (s *StatsServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Observability server listen error")
		}
	}()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Bool("events_enabled", s.config.EnableEvents).
		Msg("Observability server started")
	return nil
}

// Addr returns the bound address once started
func (s *StatsServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes event streams and shuts the server down
func (s *StatsServer) Stop(ctx context.Context) error {
	s.hub.shutdown()

	var err error
	if s.httpServer != nil {
		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Observability server shutdown error")
		}
	}

	s.wg.Wait()
	s.hub.wait()

	s.logger.Info().Msg("Observability server stopped")
	return err
}

func (s *StatsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()

	status, code := "healthy", http.StatusOK
	switch {
	case !stats.Initialized || stats.TotalConnections == 0:
		status, code = "unavailable", http.StatusServiceUnavailable
	case stats.IdleConnections == 0 && stats.PendingRequests > 0:
		status = "degraded"
	}

	writeJSON(w, code, map[string]interface{}{
		"status":            status,
		"initialized":       stats.Initialized,
		"total_connections": stats.TotalConnections,
		"pending_requests":  stats.PendingRequests,
		"uptime":            time.Since(s.startTime).String(),
		"timestamp":         stats.Timestamp.Format(time.RFC3339),
	})
}

func (s *StatsServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Stats())
}

func (s *StatsServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.pool.Connections()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": conns,
		"count":       len(conns),
	})
}

type healthCheckReport struct {
	ConnectionID string        `json:"connection_id"`
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
}

func (s *StatsServer) handleRunHealthCheck(w http.ResponseWriter, r *http.Request) {
	results := s.pool.CheckHealth(r.Context())

	reports := make([]healthCheckReport, 0, len(results))
	healthy := 0
	for _, res := range results {
		report := healthCheckReport{
			ConnectionID: res.ConnectionID,
			Healthy:      res.Healthy,
			ResponseTime: res.ResponseTime,
		}
		if res.Err != nil {
			report.Error = res.Err.Error()
		}
		if res.Healthy {
			healthy++
		}
		reports = append(reports, report)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": reports,
		"healthy": healthy,
		"total":   len(reports),
	})
}

func (s *StatsServer) handleHealthCheckControl(w http.ResponseWriter, r *http.Request) {
	switch mux.Vars(r)["action"] {
	case "start":
		if err := s.pool.StartHealthCheck(); err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
	case "stop":
		s.pool.StopHealthCheck()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"health_check_running": s.pool.Stats().HealthCheckRunning,
	})
}

func (s *StatsServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := s.hub.register(conn)
	if client == nil {
		_ = conn.Close()
		return
	}

	s.logger.Info().
		Str("client_id", client.id).
		Str("remote_addr", r.RemoteAddr).
		Msg("Event stream client connected")
}

func (s *StatsServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}
