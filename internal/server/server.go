// Package server exposes the tiller operations over HTTP for editor
// integrations and dashboards. The API mirrors the CLI: every endpoint maps
// onto one registry or session operation.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/mmr-tortoise/tiller/internal/model"
	"github.com/mmr-tortoise/tiller/internal/registry"
	"github.com/mmr-tortoise/tiller/internal/session"
)

// Server wires the registry and session manager behind an echo router.
type Server struct {
	echo     *echo.Echo
	registry *registry.Registry
	sessions *session.Manager
	logger   *zap.Logger
	addr     string
}

// New creates the HTTP server listening on addr.
func New(reg *registry.Registry, sessions *session.Manager, logger *zap.Logger, addr string) *Server {
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
		echo:     e,
		registry: reg,
		sessions: sessions,
		logger:   logger,
		addr:     addr,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/projects", s.handleListProjects)

	p := v1.Group("/projects/:project")
	p.GET("/worktrees", s.handleListWorktrees)
	p.POST("/worktrees", s.handleCreateWorktree)
	p.GET("/worktrees/:name", s.handleGetWorktree)
	p.DELETE("/worktrees/:name", s.handleArchiveWorktree)
	p.POST("/reconcile", s.handleReconcile)
	p.POST("/prune", s.handlePrune)

	p.GET("/sessions", s.handleListSessions)
	p.POST("/sessions", s.handleCreateSession)
	p.GET("/sessions/:id", s.handleGetSession)
	p.POST("/sessions/:id/advance", s.handleAdvanceSession)
	p.POST("/sessions/:id/close", s.handleCloseSession)
	p.POST("/sessions/:id/verify", s.handleVerifySession)
	p.GET("/sessions/:id/report", s.handleSessionReport)
}

// Start runs the server until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	return s.echo.Start(s.addr)
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// httpError maps the domain error taxonomy onto HTTP statuses.
func httpError(err error) error {
	switch model.KindOf(err) {
	case model.KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case model.KindConflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case model.KindResourceExhausted:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case model.KindExternalTool:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// project resolves the :project path parameter.
func (s *Server) project(c echo.Context) (*model.Project, error) {
	proj, err := s.registry.Project(c.Param("project"))
	if err != nil {
		return nil, httpError(err)
	}
	s.registry.Touch(proj)
	return proj, nil
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListProjects(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.Projects())
}

func (s *Server) handleListWorktrees(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	views, err := s.registry.List(c.Request().Context(), proj)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, views)
}

// CreateWorktreeRequest is the request body for POST .../worktrees.
type CreateWorktreeRequest struct {
	Branch      string `json:"branch"`
	Description string `json:"description"`
}

func (s *Server) handleCreateWorktree(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	var req CreateWorktreeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Branch == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "branch field is required")
	}
	view, err := s.registry.Create(c.Request().Context(), proj, req.Branch, req.Description)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, view)
}

func (s *Server) handleGetWorktree(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	view, err := s.registry.Find(c.Request().Context(), proj, c.Param("name"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleArchiveWorktree(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	force := c.QueryParam("force") == "true"
	if err := s.registry.Archive(c.Request().Context(), proj, c.Param("name"), force); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ReconcileResponse is the response body for POST .../reconcile.
type ReconcileResponse struct {
	Orphans []string `json:"orphans"`
}

func (s *Server) handleReconcile(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	orphans, err := s.registry.Reconcile(c.Request().Context(), proj)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ReconcileResponse{Orphans: orphans})
}

// PruneRequest is the request body for POST .../prune. Names must be
// orphans reported by reconcile; registered worktrees are refused.
type PruneRequest struct {
	Names []string `json:"names"`
}

func (s *Server) handlePrune(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	var req PruneRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Names) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "names field is required")
	}
	if err := s.registry.PruneOrphans(c.Request().Context(), proj, req.Names); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListSessions(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	list, err := s.sessions.List(proj)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// CreateSessionRequest is the request body for POST .../sessions.
type CreateSessionRequest struct {
	Sprint   string `json:"sprint"`
	Worktree string `json:"worktree"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Sprint == "" || req.Worktree == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sprint and worktree fields are required")
	}
	sess, err := s.sessions.Create(c.Request().Context(), proj, req.Sprint, req.Worktree)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleGetSession(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	sess, err := s.sessions.Get(proj, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// AdvanceSessionRequest is the request body for POST .../advance. An empty
// state advances to the next state in sequence.
type AdvanceSessionRequest struct {
	State string `json:"state"`
}

func (s *Server) handleAdvanceSession(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	var req AdvanceSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	var target model.SessionState
	if req.State != "" {
		target, err = model.ParseSessionState(req.State)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	} else {
		sess, err := s.sessions.Get(proj, c.Param("id"))
		if err != nil {
			return httpError(err)
		}
		next, ok := session.Next(sess.State)
		if !ok {
			return echo.NewHTTPError(http.StatusConflict, "session has no next state; use close")
		}
		target = next
	}

	sess, err := s.sessions.Advance(proj, c.Param("id"), target)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// CloseSessionRequest is the request body for POST .../close.
type CloseSessionRequest struct {
	ClosureType string `json:"closureType"`
}

func (s *Server) handleCloseSession(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	var req CloseSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	closureType, err := model.ParseClosureType(req.ClosureType)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess, err := s.sessions.Close(c.Request().Context(), proj, c.Param("id"), closureType)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleVerifySession(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	sess, err := s.sessions.Verify(c.Request().Context(), proj, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleSessionReport(c echo.Context) error {
	proj, err := s.project(c)
	if err != nil {
		return err
	}
	sess, err := s.sessions.Get(proj, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if sess.Report == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session has no verification report yet")
	}
	return c.JSON(http.StatusOK, sess.Report)
}
