package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/pullsight/internal/analysis"
	coreprocessor "github.com/pullsight/internal/core_processor"
)

// AnalysisService applies agent callbacks and serves analysis lookups.
type AnalysisService interface {
	ApplyReviewComments(ctx context.Context, cb analysis.ReviewCallback) error
	ApplySummary(ctx context.Context, cb analysis.SummaryCallback) error
	Get(ctx context.Context, id string) (*coreprocessor.PullRequestAnalysis, error)
}

// Pinger reports database health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Webhooks accepts provider deliveries.
type Webhooks interface {
	Accept(ctx context.Context, provider coreprocessor.Provider, eventName string, body []byte)
}

// Config holds the secrets the HTTP layer verifies.
type Config struct {
	Port                   int
	GitHubWebhookSecret    string
	BitbucketWebhookSecret string
	CallbackTokenHash      string
}

// Server represents the API server
type Server struct {
	echo     *echo.Echo
	cfg      Config
	webhooks Webhooks
	analyses AnalysisService
	lanes    Enqueuer
	db       Pinger
}

// NewServer creates a new API server
func NewServer(cfg Config, webhooks Webhooks, analyses AnalysisService, lanes Enqueuer, db Pinger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestID())
	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("25M"))

	server := &Server{
		echo:     e,
		cfg:      cfg,
		webhooks: webhooks,
		analyses: analyses,
		lanes:    lanes,
		db:       db,
	}

	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)

	s.echo.POST("/github/events", s.githubEvents)
	s.echo.POST("/bitbucket/events", s.bitbucketEvents)

	callbacks := s.echo.Group("/analysis")
	callbacks.Use(agentTokenAuth(s.cfg.CallbackTokenHash))
	callbacks.POST("/reviews", s.postReview)
	callbacks.POST("/summary", s.postSummary)
	callbacks.GET("/:id", s.getAnalysis)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.cfg.Port).Msg("api server listening")
		if err := s.echo.Start(fmt.Sprintf(":%d", s.cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info().Msg("shutting down api server")
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) health(c echo.Context) error {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// requestLogger logs every request through zerolog.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := log.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				event = log.Error().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	})
}
