// Package api exposes the JSON surface over the orchestrator: health,
// status, telemetry, bus history, task state, chat, and Prometheus
// metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pantheon-agents/pantheon/pkg/bus"
	"github.com/pantheon-agents/pantheon/pkg/gateway"
	"github.com/pantheon-agents/pantheon/pkg/swarm"
	"github.com/pantheon-agents/pantheon/pkg/telemetry"
)

const shutdownGrace = 10 * time.Second

// Server is the HTTP front of the orchestrator.
type Server struct {
	gateway  *gateway.Gateway
	bus      *bus.Bus
	coord    *swarm.Coordinator
	recorder *telemetry.Recorder

	defaultProvider string
}

// NewServer wires the API over the core components.
func NewServer(gw *gateway.Gateway, b *bus.Bus, coord *swarm.Coordinator,
	recorder *telemetry.Recorder, defaultProvider string) *Server {
	return &Server{
		gateway:         gw,
		bus:             b,
		coord:           coord,
		recorder:        recorder,
		defaultProvider: defaultProvider,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.recorder.Registry(), promhttp.HandlerOpts{})))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.GetStatus)
		v1.GET("/telemetry", s.GetTelemetry)
		v1.GET("/providers", s.ListProviders)
		v1.GET("/bus/history", s.GetBusHistory)
		v1.GET("/tasks/:id", s.GetTask)
		v1.POST("/chat", s.Chat)
	}
	return r
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requestLogger logs one line per handled request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// GetStatus handles GET /api/v1/status: the gateway snapshot with
// breakers, magic, and rate limits.
func (s *Server) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"gateway": s.gateway.Snapshot(),
		"bus":     s.bus.Stats(),
	})
}

// GetTelemetry handles GET /api/v1/telemetry.
func (s *Server) GetTelemetry(c *gin.Context) {
	c.JSON(http.StatusOK, s.recorder.Snapshot())
}

// ListProviders handles GET /api/v1/providers.
func (s *Server) ListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, s.gateway.List())
}

// GetBusHistory handles GET /api/v1/bus/history?limit=n.
func (s *Server) GetBusHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, s.bus.History(limit))
}

// GetTask handles GET /api/v1/tasks/:id.
func (s *Server) GetTask(c *gin.Context) {
	info, err := s.coord.Task(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// ChatRequest is the POST /api/v1/chat body.
type ChatRequest struct {
	Content        string `json:"content" binding:"required"`
	Provider       string `json:"provider"`
	ConversationID string `json:"conversation_id"`
}

// Chat handles POST /api/v1/chat: a direct gateway send.
func (s *Server) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Provider == "" {
		req.Provider = s.defaultProvider
	}
	if req.ConversationID == "" {
		req.ConversationID = "default"
	}

	result, err := s.gateway.Send(c.Request.Context(), req.Content, req.Provider, req.ConversationID)
	if err != nil {
		c.JSON(chatStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"record": result.Record,
		"usage":  result.Usage,
	})
}

// chatStatus maps gateway errors onto HTTP status codes.
func chatStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrProviderNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrProviderMalformed):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
