// Package server exposes the turn pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/OhziiiLov3/rights2roof"
	"github.com/OhziiiLov3/rights2roof/internal/metrics"
	"github.com/OhziiiLov3/rights2roof/internal/ratelimit"
	"github.com/OhziiiLov3/rights2roof/internal/tools"
)

// Pipeline is the part of *rights2roof.Pipeline the API serves.
type Pipeline interface {
	RunTurnDetailed(ctx context.Context, query, sessionID string) (rights2roof.Turn, error)
	RunTurnAsync(ctx context.Context, query, sessionID string) (string, error)
	GetAsyncStatus(executionID string) (*rights2roof.AsyncExecutionStatus, error)
	GetAsyncResult(executionID string) (rights2roof.Turn, error)
	Turns(ctx context.Context, sessionID string, limit int) ([]rights2roof.Turn, error)
}

// Server is the HTTP API.
type Server struct {
	echo         *echo.Echo
	pipeline     Pipeline
	limiter      ratelimit.Limiter
	metrics      *metrics.Metrics
	logger       *slog.Logger
	historyLimit int
}

// Option configures a Server.
type Option func(*Server)

// WithLimiter enforces a per-user limit on the turn endpoints.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithMetrics serves m on /metrics and counts rate-limited requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithHistoryLimit sets how many turns the session endpoint returns by
// default.
func WithHistoryLimit(n int) Option {
	return func(s *Server) { s.historyLimit = n }
}

// TurnRequest is the body of the turn endpoints. UserID doubles as the
// session and the rate-limit subject.
type TurnRequest struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
}

// AsyncAccepted is returned by POST /v1/turns/async.
type AsyncAccepted struct {
	ExecutionID string `json:"execution_id"`
}

// ErrorResponse is the body of every error reply. Answer carries the
// displayable text when a turn failed.
type ErrorResponse struct {
	Error  string `json:"error"`
	Answer string `json:"final_answer,omitempty"`
}

// New builds the routes.
func New(p Pipeline, opts ...Option) *Server {
	s := &Server{
		echo:         echo.New(),
		pipeline:     p,
		logger:       slog.Default(),
		historyLimit: 5,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("HTTP request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := e.Group("/v1")
	v1.POST("/turns", s.postTurn)
	v1.POST("/turns/async", s.postTurnAsync)
	v1.GET("/executions/:id", s.getExecution)
	v1.GET("/executions/:id/result", s.getExecutionResult)
	v1.GET("/sessions/:id/turns", s.getSessionTurns)
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("HTTP API listening", "address", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	if code >= http.StatusInternalServerError {
		s.logger.Error("HTTP request failed", "status", code, "method", req.Method, "path", req.URL.Path, "remote", c.RealIP(), "error", err)
	}
	if !c.Response().Committed {
		_ = c.JSON(code, ErrorResponse{Error: msg})
	}
}

func (s *Server) bindTurn(c echo.Context) (TurnRequest, error) {
	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Query = strings.TrimSpace(req.Query)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.Query == "" {
		return req, echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	return req, nil
}

// allow applies the rate limit. Anonymous callers are limited by address.
// A failing limiter lets the request through.
func (s *Server) allow(c echo.Context, userID string) error {
	if s.limiter == nil {
		return nil
	}
	subject := userID
	if subject == "" {
		subject = "ip:" + c.RealIP()
	}
	d, err := s.limiter.Allow(c.Request().Context(), subject)
	if err != nil {
		s.logger.Warn("Rate limit check failed", "user_id", subject, "error", err)
		return nil
	}
	if d.Allowed {
		c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		return nil
	}
	if s.metrics != nil {
		s.metrics.RateLimited.Inc()
	}
	retry := int(math.Ceil(d.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	c.Response().Header().Set(echo.HeaderRetryAfter, strconv.Itoa(retry))
	return echo.NewHTTPError(http.StatusTooManyRequests,
		fmt.Sprintf("rate limit exceeded, try again in %d seconds", retry))
}

func (s *Server) turnContext(c echo.Context) context.Context {
	return tools.WithClientIP(c.Request().Context(), c.RealIP())
}

func (s *Server) postTurn(c echo.Context) error {
	req, err := s.bindTurn(c)
	if err != nil {
		return err
	}
	if err := s.allow(c, req.UserID); err != nil {
		return err
	}
	turn, err := s.pipeline.RunTurnDetailed(s.turnContext(c), req.Query, req.UserID)
	if err != nil {
		s.logger.Error("Turn failed", "turn_id", turn.ID, "error", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Answer: turn.FinalAnswer})
	}
	return c.JSON(http.StatusOK, turn)
}

func (s *Server) postTurnAsync(c echo.Context) error {
	req, err := s.bindTurn(c)
	if err != nil {
		return err
	}
	if err := s.allow(c, req.UserID); err != nil {
		return err
	}
	id, err := s.pipeline.RunTurnAsync(s.turnContext(c), req.Query, req.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, AsyncAccepted{ExecutionID: id})
}

func (s *Server) getExecution(c echo.Context) error {
	status, err := s.pipeline.GetAsyncStatus(c.Param("id"))
	if errors.Is(err, rights2roof.ErrExecutionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) getExecutionResult(c echo.Context) error {
	turn, err := s.pipeline.GetAsyncResult(c.Param("id"))
	switch {
	case errors.Is(err, rights2roof.ErrExecutionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	case errors.Is(err, rights2roof.ErrExecutionInProgress):
		return echo.NewHTTPError(http.StatusConflict, "execution is still in progress")
	case err != nil:
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Answer: turn.FinalAnswer})
	}
	return c.JSON(http.StatusOK, turn)
}

func (s *Server) getSessionTurns(c echo.Context) error {
	limit := s.historyLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	turns, err := s.pipeline.Turns(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return err
	}
	if turns == nil {
		turns = []rights2roof.Turn{}
	}
	return c.JSON(http.StatusOK, turns)
}
