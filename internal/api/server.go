// Package api serves the filter and coverage endpoints over HTTP, alongside
// the MCP transports.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cast"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/app"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/metadata"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/store"
	"github.com/andrewrbrady/motive-archive-manager-sub001/pkg/mcp"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	app    *app.App
	router *gin.Engine
	srv    *http.Server
}

// NewServer builds the router. mcpServer may be nil, in which case the MCP
// endpoints are not mounted.
func NewServer(a *app.App, mcpServer *mcp.Server, port int) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a))
	router.Use(corsMiddleware(a.Config.Server.AllowOrigins))

	s := &Server{
		app:    a,
		router: router,
		srv:    &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: router},
	}

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(a.Metrics.Handler()))

	api := router.Group("/api")
	api.GET("/images", s.handleImages)
	api.GET("/images/:id", s.handleImage)
	api.GET("/coverage", s.handleCoverage)

	if mcpServer != nil {
		h := mcpServer.HTTPHandlers(fmt.Sprintf("http://127.0.0.1:%d", port), s.srv)
		router.GET("/sse", gin.WrapH(h.SSE))
		router.POST("/message", gin.WrapH(h.Message))
		router.Any("/mcp", gin.WrapH(h.Streamable))
	}

	router.NoRoute(func(c *gin.Context) { c.JSON(http.StatusNotFound, gin.H{"error": "not found"}) })
	return s
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "Mcp-Session-Id"},
		ExposeHeaders: []string{"Content-Length", "Mcp-Session-Id"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func requestLogger(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.Logger.DebugCtx(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.app.Logger.Info("serving HTTP", "addr", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if err := s.app.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "backend": s.app.Store.Backend()})
}

// statusFor maps caller mistakes to 4xx.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidRef), errors.Is(err, metadata.ErrUnknownField):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.app.Logger.ErrorCtx(c.Request.Context(), "request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleImages(c *gin.Context) {
	params := app.QueryParams{
		CarID:   c.Query("car"),
		Search:  c.Query("q"),
		Filters: make(map[string]string),
	}
	for _, f := range metadata.FilterableFields {
		if v := strings.TrimSpace(c.Query(string(f))); v != "" {
			params.Filters[string(f)] = v
		}
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := cast.ToInt64E(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid limit %q", raw)})
			return
		}
		params.Limit = limit
	}

	res, err := s.app.QueryImages(c.Request.Context(), params)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleImage(c *gin.Context) {
	res, err := s.app.Classify(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCoverage(c *gin.Context) {
	var car model.Ref
	if raw := strings.TrimSpace(c.Query("car")); raw != "" {
		ref, err := model.ParseRef(raw)
		if err != nil {
			s.fail(c, err)
			return
		}
		car = ref
	}
	rep, err := s.app.Reporter().Report(c.Request.Context(), car)
	if err != nil {
		s.fail(c, err)
		return
	}
	if c.Query("format") == "text" {
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.Status(http.StatusOK)
		if err := rep.WriteText(c.Writer); err != nil {
			s.app.Logger.WarnCtx(c.Request.Context(), "failed to write coverage", "error", err)
		}
		return
	}
	c.JSON(http.StatusOK, rep)
}
