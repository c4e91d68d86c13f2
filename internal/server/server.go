package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vincentbai/clarity-agent/internal/compress"
	"github.com/vincentbai/clarity-agent/internal/database"
	"github.com/vincentbai/clarity-agent/internal/decode"
	"github.com/vincentbai/clarity-agent/internal/models"
	"github.com/vincentbai/clarity-agent/internal/repository"
	"github.com/vincentbai/clarity-agent/internal/schema"
)

const (
	defaultMaxRequestBytes = 1 << 20
	defaultMaxPayloadBytes = 20 << 20
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Server struct {
	db        *database.Database
	analytics repository.AnalyticsRepository
	validator *schema.Validator
	router    *gin.Engine
	log       *zap.Logger
	address   string
	now       func() time.Time

	maxRequestBytes int64
	maxPayloadBytes int64

	server *http.Server
}

type Option func(*Server)

// WithAnalytics sinks the analytics bucket of every payload into repo.
func WithAnalytics(repo repository.AnalyticsRepository) Option {
	return func(s *Server) { s.analytics = repo }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithLimits caps the request body and the decompressed payload sizes.
// Non-positive values keep the defaults.
func WithLimits(maxRequestBytes, maxPayloadBytes int64) Option {
	return func(s *Server) {
		if maxRequestBytes > 0 {
			s.maxRequestBytes = maxRequestBytes
		}
		if maxPayloadBytes > 0 {
			s.maxPayloadBytes = maxPayloadBytes
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func NewServer(db *database.Database, address string, options ...Option) (*Server, error) {
	validator, err := schema.New()
	if err != nil {
		return nil, err
	}
	s := &Server{
		db:              db,
		validator:       validator,
		log:             zap.NewNop(),
		address:         address,
		now:             time.Now,
		maxRequestBytes: defaultMaxRequestBytes,
		maxPayloadBytes: defaultMaxPayloadBytes,
	}
	for _, option := range options {
		option(s)
	}
	s.router = s.setupRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.handleHealthz)
	router.POST("/collect", s.handleCollect)
	router.GET("/pages", s.handlePages)
	router.GET("/pages/:pageId/payloads", s.handlePayloads)
	router.GET("/pages/:pageId/events", s.handleEvents)
	router.GET("/pages/:pageId/analytics", s.handleAnalytics)
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("Request served",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	if err := s.db.Ping(c.Request.Context()); err != nil {
		s.log.Error("Health check failed", zap.Error(err))
		c.String(http.StatusServiceUnavailable, "database unavailable")
		return
	}
	c.String(http.StatusOK, "ok")
}

func (s *Server) abort(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, errorResponse{Error: code, Message: err.Error()})
}

// handleCollect accepts one upload. The body may be gzip compressed.
func (s *Server) handleCollect(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.abort(c, http.StatusRequestEntityTooLarge, "too_large", err)
			return
		}
		s.abort(c, http.StatusBadRequest, "read_error", err)
		return
	}
	if compress.IsGzip(body) {
		if body, err = compress.Decompress(body, s.maxPayloadBytes); err != nil {
			s.abort(c, http.StatusBadRequest, "decompression_error", err)
			return
		}
	}

	var payload models.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.abort(c, http.StatusBadRequest, "validation_error", err)
		return
	}
	if err := s.validator.Validate(body); err != nil {
		s.log.Warn("Rejected payload", zap.Error(err))
		s.abort(c, http.StatusBadRequest, "validation_error", err)
		return
	}

	decoded, err := decode.New(decode.WithClock(s.now)).DecodePayload(payload, &decode.Augmentation{
		Timestamp: s.now().UTC(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		code := "decode_error"
		if errors.Is(err, decode.ErrVersionMismatch) {
			code = "version_mismatch"
		}
		s.log.Warn("Failed to decode payload", zap.String("code", code), zap.Error(err))
		s.abort(c, http.StatusBadRequest, code, err)
		return
	}

	if err := s.store(c.Request.Context(), payload, decoded); err != nil {
		s.log.Error("Failed to store payload",
			zap.Error(err),
			zap.String("page_id", payload.Envelope.PageID),
			zap.Int("sequence", payload.Envelope.Sequence))
		s.abort(c, http.StatusInternalServerError, "internal_error", err)
		return
	}

	s.log.Info("Payload accepted",
		zap.String("page_id", payload.Envelope.PageID),
		zap.Int("sequence", payload.Envelope.Sequence),
		zap.Int("events", len(payload.Events)))
	c.Status(http.StatusNoContent)
}

// store writes the payload to SQLite and, when configured, the analytics
// bucket to the analytics repository.
func (s *Server) store(ctx context.Context, payload models.Payload, decoded decode.DecodedPayload) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.db.InsertPayload(ctx, payload, decoded)
		return err
	})
	if s.analytics != nil {
		g.Go(func() error {
			rows, err := repository.AnalyticsEvents(decoded, len(payload.Events))
			if err != nil {
				return err
			}
			_, err = s.analytics.InsertBatch(ctx, rows)
			return err
		})
	}
	return g.Wait()
}

func (s *Server) handlePages(c *gin.Context) {
	pages, err := s.db.Pages(c.Request.Context())
	if err != nil {
		s.abort(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if pages == nil {
		pages = []database.PageSummary{}
	}
	c.JSON(http.StatusOK, pages)
}

func (s *Server) handlePayloads(c *gin.Context) {
	payloads, err := s.db.Payloads(c.Request.Context(), c.Param("pageId"))
	if err != nil {
		s.abort(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if len(payloads) == 0 {
		s.abort(c, http.StatusNotFound, "not_found", errors.New("no payloads for page"))
		return
	}
	c.JSON(http.StatusOK, payloads)
}

func (s *Server) handleEvents(c *gin.Context) {
	events, err := s.db.Events(c.Request.Context(), c.Param("pageId"))
	if err != nil {
		s.abort(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if len(events) == 0 {
		s.abort(c, http.StatusNotFound, "not_found", errors.New("no events for page"))
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handleAnalytics(c *gin.Context) {
	if s.analytics == nil {
		s.abort(c, http.StatusNotFound, "not_configured", errors.New("analytics repository is not configured"))
		return
	}
	counts, err := s.analytics.KindCounts(c.Request.Context(), c.Param("pageId"))
	if err != nil {
		s.abort(c, http.StatusInternalServerError, "internal_error", err)
		return
	}
	if counts == nil {
		counts = []repository.KindCount{}
	}
	c.JSON(http.StatusOK, counts)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	failed := make(chan error, 1)
	go func() {
		s.log.Info("Clarity agent listening", zap.String("address", s.address))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case err := <-failed:
		return err
	case <-ctx.Done():
	}
	s.log.Info("Shutting down server")

	shutdownContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownContext); err != nil {
		return err
	}
	s.log.Info("Server exited")
	return nil
}
