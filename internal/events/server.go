// Package events serves the orchestrator's state over HTTP and streams its
// events to websocket clients.
//
// Routes:
//
//	GET  /healthz   liveness
//	GET  /state     phase and SystemState
//	GET  /popups    recorded popups, chronological and by test case
//	POST /stop      stop the running test submission
//	GET  /metrics   Prometheus metrics
//	GET  /events    websocket event stream
package events

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/grltest/grlctl/internal/errors"
	"github.com/grltest/grlctl/internal/metrics"
	"github.com/grltest/grlctl/internal/orchestrator"
	"github.com/grltest/grlctl/internal/popup"
	"github.com/grltest/grlctl/internal/state"
)

// Controller is the part of the orchestrator the server exposes.
type Controller interface {
	SessionID() string
	Phase() orchestrator.Phase
	State() state.SystemState
	Popups() *popup.Recorder
	StopTestExecution(ctx context.Context) error
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. 127.0.0.1:7080. Port 0 picks a free port.
	Addr string

	Controller Controller
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Server is the event HTTP server.
type Server struct {
	addr       string
	controller Controller
	metrics    *metrics.Metrics
	logger     *zap.Logger
	hub        *Hub
	router     *gin.Engine

	mu         sync.Mutex
	httpServer *http.Server
	listenAddr string
}

// StateResponse is the GET /state body.
type StateResponse struct {
	SessionID string             `json:"session_id"`
	Phase     orchestrator.Phase `json:"phase"`
	State     state.SystemState  `json:"state"`
}

// PopupsResponse is the GET /popups body.
type PopupsResponse struct {
	Chronological []popup.Record            `json:"chronological"`
	ByTestCase    map[string][]popup.Record `json:"by_test_case"`
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// New builds the server and its routes. Register Hub() as an orchestrator
// observer to feed the event stream.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		addr:       cfg.Addr,
		controller: cfg.Controller,
		metrics:    cfg.Metrics,
		logger:     logger,
		hub:        NewHub(logger),
	}
	s.router = s.createRouter()
	return s
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) createRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/state", s.handleState)
	r.GET("/popups", s.handlePopups)
	r.POST("/stop", s.handleStop)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	r.GET("/events", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, StateResponse{
		SessionID: s.controller.SessionID(),
		Phase:     s.controller.Phase(),
		State:     s.controller.State(),
	})
}

func (s *Server) handlePopups(c *gin.Context) {
	rec := s.controller.Popups()
	all := rec.All()
	if all == nil {
		all = []popup.Record{}
	}
	c.JSON(http.StatusOK, PopupsResponse{Chronological: all, ByTestCase: rec.ByTestCase()})
}

func (s *Server) handleStop(c *gin.Context) {
	err := s.controller.StopTestExecution(c.Request.Context())
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	code, msg := apperrors.ToCodeAndMessage(err)
	status := http.StatusBadGateway
	if code == apperrors.CodeStateInvalidPhase {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"success": false, "error": msg, "code": code})
}

// StartAsync listens on the configured address and serves in the background.
// The channel receives nil once listening, or the listen error.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		errCh <- fmt.Errorf("failed to listen on %s: %w", s.addr, err)
		close(errCh)
		return errCh
	}

	srv := &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()

	go s.hub.Run()
	go func() {
		s.logger.Info("event server listening", zap.String("addr", ln.Addr().String()))
		errCh <- nil
		close(errCh)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("event server error", zap.Error(err))
		}
	}()
	return errCh
}

// Addr returns the address the server listens on, or "" before StartAsync.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenAddr
}

// Stop closes event clients and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
