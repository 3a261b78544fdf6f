// Package server exposes the reconciliation triggers over HTTP.  Handlers
// are thin: they translate requests into reconcile calls and summaries into
// JSON, and never process images themselves.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Skryldev/media-pipeline/adapters/storage"
	"github.com/Skryldev/media-pipeline/core"
	apperrors "github.com/Skryldev/media-pipeline/errors"
	"github.com/Skryldev/media-pipeline/hooks"
)

// Reconciler is the subset of reconcile.Service the handlers call.
type Reconciler interface {
	ScanAndRepair(ctx context.Context, f core.Filter) (*core.BatchSummary, error)
	EnqueueByID(ctx context.Context, id string) error
}

// MetricsSource yields the current metrics snapshot.
type MetricsSource interface {
	Snapshot() hooks.MetricsSnapshot
}

// ObjectReader serves stored objects with their recorded headers.
// storage.Local satisfies it.
type ObjectReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Meta(key string) (storage.ObjectMeta, error)
}

// Options wires a Server.  Reconciler is required.
type Options struct {
	Reconciler Reconciler
	Metrics    MetricsSource // nil disables GET /metrics
	Objects    ObjectReader  // nil disables GET /media/*key
	Logger     core.Logger

	// ScanTimeout bounds the synchronous scan endpoints.  0 = none.
	ScanTimeout time.Duration
}

// Server owns the gin engine and the listening http.Server.
type Server struct {
	engine *gin.Engine
	opts   Options
	logger core.Logger
}

// New builds the router.
func New(opts Options) (*Server, error) {
	if opts.Reconciler == nil {
		return nil, apperrors.New(apperrors.CategoryConfig, "server", errors.New("reconciler is required"))
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NopLogger{}
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{engine: engine, opts: opts, logger: logger}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.POST("/regenerate-variants", s.handleRegenerate)
	s.engine.POST("/fix-batch-media", s.handleFixBatch)
	s.engine.POST("/media/:id/created", s.handleCreated)
	if s.opts.Metrics != nil {
		s.engine.GET("/metrics", s.handleMetrics)
	}
	if s.opts.Objects != nil {
		s.engine.GET("/media/*key", s.handleObject)
	}
}

// Handler returns the router for use with httptest or a custom listener.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func requestLogger(l core.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
