// Package api is the inbound HTTP surface: GitHub webhooks plus health.
package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/revloop/pkg/models"
)

// WebhookStore is the persistence the webhook handlers need. *store.Store
// satisfies it.
type WebhookStore interface {
	UpsertRepo(ctx context.Context, owner, name string, installationID int64) (models.Repo, error)
	CreateRun(ctx context.Context, run models.Run) error
	ActiveRunIDsForPR(ctx context.Context, repoID int64, prNumber int) ([]string, error)
	LatestRunForPR(ctx context.Context, repoID int64, prNumber int) (models.Run, error)
}

// Enqueuer schedules background jobs. *jobqueue.Queue satisfies it.
type Enqueuer interface {
	EnqueueRun(ctx context.Context, runID string) error
	EnqueueCancel(ctx context.Context, runID, reason string) error
	EnqueueExplain(ctx context.Context, runID, findingID string) error
	EnqueuePatch(ctx context.Context, runID, findingID string) error
}

// Server is the API server.
type Server struct {
	echo          *echo.Echo
	addr          string
	store         WebhookStore
	queue         Enqueuer
	webhookSecret string
}

// NewServer wires routes and middleware.
func NewServer(addr string, st WebhookStore, queue Enqueuer, webhookSecret string) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI: true, LogStatus: true, LogMethod: true, LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))

	s := &Server{
		echo:          e,
		addr:          addr,
		store:         st,
		queue:         queue,
		webhookSecret: webhookSecret,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	s.echo.POST("/webhooks/github", s.handleGitHubWebhook)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until SIGINT/SIGTERM, then drains for up to 10 seconds.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server start failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
