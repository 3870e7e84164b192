// Package api exposes runs, reports and clips over HTTP in agent mode.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/heimdex/binwatch/internal/catalog"
	"github.com/heimdex/binwatch/internal/events"
	"github.com/heimdex/binwatch/internal/metrics"
	"github.com/heimdex/binwatch/internal/pipeline"
	"github.com/heimdex/binwatch/internal/pipelines"
	"github.com/heimdex/binwatch/internal/playback"
)

// Version is reported by /health.
const Version = "0.3.0"

// RunService is the catalog surface the handlers use.
type RunService interface {
	EnqueueVideo(ctx context.Context, path string, adjust func(*pipeline.RunConfig)) (*catalog.Run, bool, error)
	GetRun(ctx context.Context, id string) (*catalog.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*catalog.Run, error)
	GetEvents(ctx context.Context, runID string) ([]events.Record, error)
	GetEvent(ctx context.Context, runID string, eventID int) (*events.Record, error)
	GetReport(ctx context.Context, runID string) ([]byte, error)
	CountRuns(ctx context.Context, status string) (int, error)
}

// RunnerControl is implemented by *catalog.Runner.
type RunnerControl interface {
	Pause()
	Resume()
	IsPaused() bool
	ActiveRuns() int
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port           int
	Service        RunService
	Repository     catalog.Repository
	Runner         RunnerControl
	Doctor         *pipelines.CachedDoctor
	PlaybackServer playback.PlaybackService
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	StartTime      time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
