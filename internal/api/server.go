// Package api exposes the hub's control surface over HTTP/JSON: lifecycle
// commands, instance snapshots and the live transition stream consumed by
// the dashboard.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/warden-dev/warden/internal/model"
	"github.com/warden-dev/warden/internal/state"
	"github.com/warden-dev/warden/internal/supervisor"
)

type Server struct {
	store *state.Store
	sup   *supervisor.Supervisor
	srv   *http.Server
}

func New(listen string, store *state.Store, sup *supervisor.Supervisor) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), logRequests())

	s := &Server{
		store: store,
		sup:   sup,
	}

	router.GET("/healthz", s.healthz)
	router.GET("/servers", s.list)
	router.POST("/servers", s.add)
	router.GET("/servers/stream", s.stream)
	router.GET("/servers/:name", s.get)
	router.DELETE("/servers/:name", s.remove)
	router.POST("/servers/:name/start", s.start)
	router.POST("/servers/:name/stop", s.stop)
	router.POST("/servers/:name/restart", s.restart)
	router.POST("/servers/:name/reset", s.reset)

	s.srv = &http.Server{
		Addr:              listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the configured router, usable for embedding the
// control surface into another http server.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then shuts the listener down. The
// base context ties every request context, including the long-lived
// stream connections, to the hub's lifetime.
func (s *Server) Run(ctx context.Context) error {
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	slog.InfoContext(ctx, "control api listening", "addr", s.srv.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh // always http.ErrServerClosed at this point
		return nil
	}
}

func logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.DebugContext(c.Request.Context(), "api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start).String(),
		)
	}
}

// httpStatus maps the error taxonomy to response codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrOperationInProgress),
		errors.Is(err, model.ErrWorkerExists),
		errors.Is(err, model.ErrNotStopped):
		return http.StatusConflict
	case errors.Is(err, model.ErrUnknownWorkerType),
		errors.Is(err, model.ErrInvalidConfig),
		errors.Is(err, model.ErrInvalidTransition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}
