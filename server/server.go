// Package server exposes registered webhook paths over HTTP with gin. Each
// path accepts POST requests and answers once the event is queued.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/port-labs/ocean-sub007/core"
)

const defaultMaxBodyBytes int64 = 10 << 20

type Dispatcher interface {
	Dispatch(ctx context.Context, req core.InboundRequest) (core.InboundResult, error)
}

type Options struct {
	PathPrefix   string
	MaxBodyBytes int64
	Observer     *core.Observer
	Middleware   []gin.HandlerFunc
	// MetricsHandler, when set, is served on GET /metrics.
	MetricsHandler http.Handler
}

type Server struct {
	engine     *gin.Engine
	dispatcher Dispatcher
	observer   *core.Observer
	maxBody    int64
	routes     []string
}

// New builds a gin engine with one POST route per path. Paths are joined to
// the prefix; the dispatcher sees the unprefixed path.
func New(dispatcher Dispatcher, paths []string, opts Options) (*Server, error) {
	if dispatcher == nil {
		return nil, core.NewConfigurationError("server: dispatcher is required", nil)
	}
	prefix, err := normalizePrefix(opts.PathPrefix)
	if err != nil {
		return nil, err
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(opts.Middleware...)

	s := &Server{
		engine:     engine,
		dispatcher: dispatcher,
		observer:   opts.Observer,
		maxBody:    opts.MaxBodyBytes,
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.MetricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}
	for _, path := range paths {
		normalized, err := core.NormalizePath(path)
		if err != nil {
			return nil, core.NewConfigurationError(err.Error(), map[string]any{"path": path})
		}
		route := prefix + normalized
		engine.POST(route, s.handle(normalized))
		s.routes = append(s.routes, route)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) Routes() []string { return append([]string(nil), s.routes...) }

// ListenAndServe serves on addr until ctx is done, then shuts the listener
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.observer.Info(ctx, "http server listening", map[string]any{"address": addr, "routes": s.routes})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handle(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBody))
		if err != nil {
			writeError(c, core.NewBadInputError("server: read request body: "+err.Error(), map[string]any{"path": path}), "")
			return
		}
		result, err := s.dispatcher.Dispatch(c.Request.Context(), core.InboundRequest{
			Path:    path,
			Headers: flattenHeaders(c.Request.Header),
			Body:    body,
			Metadata: map[string]any{
				"remote_addr": c.ClientIP(),
				"method":      c.Request.Method,
			},
		})
		if err != nil {
			writeError(c, err, result.TraceID)
			return
		}
		if result.TraceID != "" {
			c.Header("X-Trace-Id", result.TraceID)
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func writeError(c *gin.Context, err error, traceID string) {
	mapped := core.MapError(err)
	status := mapped.Code
	if status < http.StatusBadRequest || status > 599 {
		status = http.StatusInternalServerError
	}
	body := gin.H{
		"status": "error",
		"error":  mapped.Message,
		"code":   mapped.TextCode,
	}
	if traceID != "" {
		body["trace_id"] = traceID
		c.Header("X-Trace-Id", traceID)
	}
	c.AbortWithStatusJSON(status, body)
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key, values := range header {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

func normalizePrefix(prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return "", nil
	}
	normalized, err := core.NormalizePath(prefix)
	if err != nil {
		return "", core.NewConfigurationError(err.Error(), map[string]any{"path_prefix": prefix})
	}
	return normalized, nil
}
