package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/heimdex/binwatch/internal/events"
	"github.com/heimdex/binwatch/internal/pipeline"
)

const fingerprintSize = 64 * 1024

var (
	ErrNotVideo      = errors.New("not a video file")
	ErrRunNotFound   = errors.New("run not found")
	ErrEventNotFound = errors.New("event not found")
)

// Defaults builds the run configuration for a newly enqueued video.
type Defaults func(video string) pipeline.RunConfig

// Service enqueues videos and reads back runs.
type Service struct {
	repo     Repository
	defaults Defaults
	logger   *slog.Logger
}

func NewService(repo Repository, defaults Defaults, logger *slog.Logger) *Service {
	return &Service{repo: repo, defaults: defaults, logger: logger}
}

// EnqueueVideo creates a pending run for path. A video whose content
// fingerprint already has a pending, running or completed run is not
// queued again; the existing run is returned with created false.
func (s *Service) EnqueueVideo(ctx context.Context, path string, adjust func(*pipeline.RunConfig)) (run *Run, created bool, err error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, false, fmt.Errorf("invalid path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", pipeline.ErrSourceUnavailable, err)
	}
	if info.IsDir() || !IsVideoFile(absPath) {
		return nil, false, fmt.Errorf("%w: %s", ErrNotVideo, filepath.Base(absPath))
	}

	fingerprint, err := computeFingerprint(absPath)
	if err != nil {
		return nil, false, err
	}
	existing, err := s.repo.FindRunByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.logger.Debug("video already queued", "run_id", existing.ID, "path", absPath)
		return existing, false, nil
	}

	cfg := pipeline.RunConfig{VideoPath: absPath}
	if s.defaults != nil {
		cfg = s.defaults(absPath)
	}
	if adjust != nil {
		adjust(&cfg)
	}
	cfg.VideoPath = absPath
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	now := time.Now()
	run = &Run{
		ID:          NewID(),
		VideoPath:   absPath,
		Fingerprint: fingerprint,
		Status:      RunStatusPending,
		Config:      cfg,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, false, err
	}

	s.logger.Info("run queued", "run_id", run.ID, "path", absPath)
	return run, true, nil
}

// EnqueueFolder queues every video under dir, skipping hidden directories.
// Files that fail to queue are logged and skipped.
func (s *Service) EnqueueFolder(ctx context.Context, dir string) ([]*Run, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory")
	}

	var files []string
	err = filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if !d.IsDir() && IsVideoFile(d.Name()) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var runs []*Run
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		run, created, err := s.EnqueueVideo(ctx, p, nil)
		if err != nil {
			s.logger.Warn("failed to queue video", "path", p, "error", err)
			continue
		}
		if created {
			runs = append(runs, run)
		}
	}
	s.logger.Info("folder queued", "path", dir, "videos", len(files), "runs", len(runs))
	return runs, nil
}

func (s *Service) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	return s.repo.ListRuns(ctx, limit)
}

func (s *Service) GetEvents(ctx context.Context, runID string) ([]events.Record, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, runID)
}

func (s *Service) GetEvent(ctx context.Context, runID string, eventID int) (*events.Record, error) {
	rec, err := s.repo.GetEvent(ctx, runID, eventID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrEventNotFound
	}
	return rec, nil
}

// GetReport returns the stored JSON report of a completed run, or nil
// when the run has not finished.
func (s *Service) GetReport(ctx context.Context, runID string) ([]byte, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.repo.GetReport(ctx, runID)
}

func (s *Service) CountRuns(ctx context.Context, status string) (int, error) {
	return s.repo.CountRuns(ctx, status)
}

func computeFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	lr := io.LimitReader(f, fingerprintSize)
	if _, err := io.Copy(h, lr); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
