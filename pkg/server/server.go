// Package server exposes the router over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zen-systems/hybridqa/pkg/router"
)

var tracer = otel.Tracer("hybridqa/server")

// Asker answers one question.
type Asker interface {
	Ask(ctx context.Context, req router.Request) (router.Response, error)
}

// AskRequest is the POST /ask body. Clients cannot choose the index; the
// retrieval backend always reads the configured one.
type AskRequest struct {
	Question string `json:"question" form:"question"`
}

// Server serves /ask, /healthz and /metrics.
type Server struct {
	asker          Asker
	gatherer       prometheus.Gatherer
	log            zerolog.Logger
	logDestination string
	engine         *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer sets the registry exposed on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithLogDestination sends every execution log entry from HTTP questions to
// one file.
func WithLogDestination(path string) Option {
	return func(s *Server) {
		s.logDestination = path
	}
}

// New builds the server and its routes.
func New(asker Asker, opts ...Option) *Server {
	s := &Server{
		asker:    asker,
		gatherer: prometheus.DefaultGatherer,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.accessLog())
	engine.GET("/ask", s.handleAsk)
	engine.POST("/ask", s.handleAsk)
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleAsk(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleAsk")
	defer span.End()

	var req AskRequest
	var err error
	if c.Request.Method == http.MethodPost {
		err = c.ShouldBindJSON(&req)
	} else {
		err = c.ShouldBindQuery(&req)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}

	resp, err := s.asker.Ask(ctx, router.Request{
		Question:       req.Question,
		LogDestination: s.logDestination,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error().Err(err).Msg("ask failed")

		status := http.StatusInternalServerError
		if errors.Is(err, router.ErrClassification) || errors.Is(err, router.ErrSynthesis) {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(attribute.String("route", string(resp.Route)))
	c.JSON(http.StatusOK, resp)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}
