// Package httpapi exposes the daemon's local control surface: health, stats,
// task intake and the event stream consumed by agentctl.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/breaker"
	"github.com/fyrsmithlabs/agentd/internal/eventbus"
	"github.com/fyrsmithlabs/agentd/internal/health"
	"github.com/fyrsmithlabs/agentd/internal/metrics"
	"github.com/fyrsmithlabs/agentd/internal/queue"
	"github.com/fyrsmithlabs/agentd/internal/ratelimit"
	"github.com/fyrsmithlabs/agentd/internal/store"
	"github.com/fyrsmithlabs/agentd/internal/task"
)

// Config holds server settings.
type Config struct {
	Host string
	Port int
}

// Server is the daemon's HTTP API. It binds to localhost only; agentd is a
// local orchestrator, not a network service.
type Server struct {
	echo    *echo.Echo
	queue   *queue.Manager
	store   *store.Store
	health  *health.Monitor
	breaker *breaker.Registry
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	bus     *eventbus.Bus
	logger  *zap.Logger
	config  *Config

	// shutdown requests daemon termination; wired by main.
	shutdown func()
}

// NewServer creates the HTTP API server.
func NewServer(q *queue.Manager, st *store.Store, h *health.Monitor,
	br *breaker.Registry, lim *ratelimit.Limiter, m *metrics.Metrics,
	bus *eventbus.Bus, shutdown func(), logger *zap.Logger, cfg *Config) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8787}
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo: e, queue: q, store: st, health: h, breaker: br,
		limiter: lim, metrics: m, bus: bus, shutdown: shutdown,
		logger: logger, config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/stats", s.handleStats)
	v1.POST("/tasks", s.handleEnqueue)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.DELETE("/tasks/:id", s.handleCancel)
	v1.GET("/events", s.handleEvents)
	v1.POST("/shutdown", s.handleShutdown)
}

// handleHealth serves the monitor's last snapshot. Degraded mode is still a
// 200: the daemon is up, just shedding load.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.health.Snapshot())
}

// StatsResponse is the response body for GET /api/v1/stats.
type StatsResponse struct {
	Queue    *store.Stats                        `json:"queue"`
	Circuits map[string]breaker.Snapshot         `json:"circuits"`
	Budgets  map[string]ratelimit.WindowSnapshot `json:"budgets"`
	Health   health.Snapshot                     `json:"health"`
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.queue.Stats(c.Request().Context())
	if err != nil {
		s.logger.Error("stats query failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "stats unavailable")
	}
	return c.JSON(http.StatusOK, StatsResponse{
		Queue:    stats,
		Circuits: s.breaker.Snapshot(),
		Budgets:  s.limiter.Snapshot(),
		Health:   s.health.Snapshot(),
	})
}

// EnqueueRequest is the request body for POST /api/v1/tasks.
type EnqueueRequest struct {
	Role     string `json:"role"`
	Payload  string `json:"payload"`
	Priority string `json:"priority"`
}

// EnqueueResponse is the response body for POST /api/v1/tasks.
type EnqueueResponse struct {
	ID       string `json:"id"`
	Priority string `json:"priority"`
	State    string `json:"state"`
}

func (s *Server) handleEnqueue(c echo.Context) error {
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Role == "" || req.Payload == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "role and payload are required")
	}
	prio := task.P2Medium
	if req.Priority != "" {
		parsed, err := task.ParsePriority(req.Priority)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		prio = parsed
	}

	t, err := s.queue.Enqueue(c.Request().Context(), req.Role, req.Payload, prio)
	if err != nil {
		s.logger.Error("enqueue failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "enqueue failed")
	}
	return c.JSON(http.StatusCreated, EnqueueResponse{
		ID:       t.ID,
		Priority: t.Priority.String(),
		State:    string(t.State),
	})
}

// TaskResponse is the response body for GET /api/v1/tasks/:id.
type TaskResponse struct {
	Task          *task.Task                 `json:"task"`
	History       []store.HistoryEntry       `json:"history"`
	Verifications []store.VerificationRecord `json:"verifications"`
}

func (s *Server) handleGetTask(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	t, err := s.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "task lookup failed")
	}
	history, err := s.store.History(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "history lookup failed")
	}
	verifications, err := s.store.Verifications(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "verification lookup failed")
	}
	return c.JSON(http.StatusOK, TaskResponse{
		Task:          t,
		History:       history,
		Verifications: verifications,
	})
}

func (s *Server) handleCancel(c echo.Context) error {
	err := s.store.CancelTask(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrConflict) {
		return echo.NewHTTPError(http.StatusConflict, "task is no longer cancelable")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "cancel failed")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleEvents streams daemon events as server-sent events until the client
// disconnects.
func (s *Server) handleEvents(c echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	id, events := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(id)

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(res, "data: %s\n\n", payload); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func (s *Server) handleShutdown(c echo.Context) error {
	s.logger.Info("shutdown requested over http api")
	if s.shutdown != nil {
		// Defer so the response is written before the listener closes.
		go s.shutdown()
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "shutting down"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http api", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http api")
	return s.echo.Shutdown(ctx)
}
