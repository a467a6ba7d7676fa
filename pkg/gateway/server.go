// Package gateway is the console surface of the control plane: a small
// HTTP API plus a WebSocket endpoint for interactive consoles.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swarmfleet/swarmd/pkg/bus"
	"github.com/swarmfleet/swarmd/pkg/ident"
	"github.com/swarmfleet/swarmd/pkg/models"
	"github.com/swarmfleet/swarmd/pkg/storage"
)

// StatusSource provides the server snapshot for GET /status.
// Implemented by the coordinator.
type StatusSource interface {
	GetStatus() models.SwarmStatus
}

// HealthChecker probes the durable store. Implemented by the PostgreSQL
// store; the in-memory store needs no probe.
type HealthChecker interface {
	Health(ctx context.Context) (storage.HealthStatus, error)
}

// Server is the HTTP + WebSocket gateway.
type Server struct {
	runner      CommandRunner
	status      StatusSource
	connManager *ConnectionManager
	eventBus    *bus.Bus
	registry    *prometheus.Registry
	clock       ident.Clock
	authToken   string
	logger      *slog.Logger

	healthChecker HealthChecker

	echo      *echo.Echo
	http      *http.Server
	startedAt time.Time

	busSub   *bus.Subscription
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer builds the gateway. registry may be nil, which disables
// GET /metrics.
func NewServer(runner CommandRunner, status StatusSource, eventBus *bus.Bus, registry *prometheus.Registry, clock ident.Clock, authToken string, maxConnections int) *Server {
	s := &Server{
		runner:      runner,
		status:      status,
		connManager: NewConnectionManager(runner, clock, authToken, maxConnections, 10*time.Second),
		eventBus:    eventBus,
		registry:    registry,
		clock:       clock,
		authToken:   authToken,
		logger:      slog.With("component", "gateway"),
		startedAt:   clock.Now(),
	}
	s.echo = s.routes()
	return s
}

// ConnectionManager exposes the WebSocket side for tests and the assembler.
func (s *Server) ConnectionManager() *ConnectionManager { return s.connManager }

// SetHealthChecker adds a store probe to GET /health. Call during assembly.
func (s *Server) SetHealthChecker(hc HealthChecker) { s.healthChecker = hc }

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/status", s.statusHandler, s.requireAuth)
	e.POST("/execute", s.executeHandler, s.requireAuth)
	e.GET("/connections", s.connectionsHandler, s.requireAuth)
	e.GET("/ws", s.wsHandler)
	if s.registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
			s.registry, promhttp.HandlerOpts{})))
	}
	return e
}

// Start serves on addr until Shutdown. Fans bus events out to WebSocket
// subscribers for as long as the server runs.
func (s *Server) Start(addr string) error {
	if s.eventBus != nil {
		s.busSub = s.eventBus.Subscribe(
			bus.TopicAgentStatus, bus.TopicTaskStatus,
			bus.TopicScalingAction, bus.TopicMetricsSample)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.connManager.Pump(s.busSub)
		}()
	}

	s.http = &http.Server{Addr: addr, Handler: s.echo}
	s.logger.Info("Gateway listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown stops the HTTP server and closes every WebSocket connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.busSub != nil {
			s.busSub.Cancel()
		}
		s.connManager.CloseAll()
		if s.http != nil {
			err = s.http.Shutdown(ctx)
		}
		s.wg.Wait()
	})
	return err
}

// ServeHTTP makes the gateway usable behind httptest servers.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// requireAuth gates the HTTP control surface on the bearer token when auth
// is enabled. /health, /metrics, and the WebSocket upgrade stay open; the
// WebSocket does its own frame-level authentication.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.authToken == "" {
			return next(c)
		}
		header := c.Request().Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || !s.connManager.authOK(token) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing bearer token")
		}
		return next(c)
	}
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status      string                `json:"status"`
	UptimeMS    int64                 `json:"uptime_ms"`
	Connections int                   `json:"connections"`
	Store       *storage.HealthStatus `json:"store,omitempty"`
}

func (s *Server) healthHandler(c *echo.Context) error {
	resp := &healthResponse{
		Status:      "ok",
		UptimeMS:    s.clock.Now().Sub(s.startedAt).Milliseconds(),
		Connections: s.connManager.ActiveConnections(),
	}
	httpStatus := http.StatusOK
	if s.healthChecker != nil {
		reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()
		st, err := s.healthChecker.Health(reqCtx)
		resp.Store = &st
		if err != nil {
			resp.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	return c.JSON(httpStatus, resp)
}

func (s *Server) statusHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.status.GetStatus())
}

// executeRequest is the body of POST /execute.
type executeRequest struct {
	Command string `json:"command"`
}

func (s *Server) executeHandler(c *echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	res, err := s.runner.Execute(c.Request().Context(), req.Command)
	if err != nil {
		return commandHTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) connectionsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"connections": s.connManager.Connections(),
	})
}

// wsHandler upgrades the connection and hands it to the ConnectionManager.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}
