package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/heimdex/binwatch/internal/classify"
	"github.com/heimdex/binwatch/internal/db"
	"github.com/heimdex/binwatch/internal/pipeline"
)

func setupTestDB(t *testing.T) (*db.DB, Repository) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := db.New(dbPath, nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := NewRepository(database.Conn())
	return database, repo
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDefaults(video string) pipeline.RunConfig {
	return pipeline.RunConfig{
		VideoPath:      video,
		GapThreshold:   2,
		ClipWindow:     10,
		BudgetCap:      1,
		GenerousBudget: 1,
		FrameRate:      1,
		MinConfidence:  0.5,
		Costs: classify.CostSchedule{
			StandardTierMaxDimension: 1024,
			StandardCost:             0.01,
			HighCost:                 0.03,
		},
	}
}

func writeVideo(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestService_EnqueueVideo(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, testDefaults, testLogger())
	video := writeVideo(t, t.TempDir(), "route7.mp4", "frames")

	run, created, err := svc.EnqueueVideo(context.Background(), video, func(c *pipeline.RunConfig) {
		c.SampleSize = 3
	})
	if err != nil {
		t.Fatalf("EnqueueVideo() error = %v", err)
	}
	if !created || run.ID == "" || run.Status != RunStatusPending {
		t.Fatalf("run = %+v, created = %v", run, created)
	}

	got, err := svc.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Config.SampleSize != 3 || got.Config.VideoPath != video || got.Fingerprint == "" {
		t.Errorf("stored run = %+v", got)
	}
}

func TestService_EnqueueVideo_DedupesByContent(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, testDefaults, testLogger())
	dir := t.TempDir()
	a := writeVideo(t, dir, "a.mp4", "same bytes")
	b := writeVideo(t, dir, "copy/b.mov", "same bytes")

	first, _, err := svc.EnqueueVideo(context.Background(), a, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, created, err := svc.EnqueueVideo(context.Background(), b, nil)
	if err != nil {
		t.Fatal(err)
	}
	if created || second.ID != first.ID {
		t.Errorf("duplicate content queued again: first %s, second %s", first.ID, second.ID)
	}

	// A failed run does not block a retry.
	if err := repo.UpdateRunStatus(context.Background(), first.ID, RunStatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	if _, created, _ := svc.EnqueueVideo(context.Background(), a, nil); !created {
		t.Error("retry after failure was not queued")
	}
}

func TestService_EnqueueVideo_Rejects(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, testDefaults, testLogger())
	dir := t.TempDir()
	notes := writeVideo(t, dir, "notes.txt", "hello")
	video := writeVideo(t, dir, "v.mp4", "x")

	tests := []struct {
		name   string
		path   string
		adjust func(*pipeline.RunConfig)
		want   error
	}{
		{"missing", filepath.Join(dir, "nope.mp4"), nil, pipeline.ErrSourceUnavailable},
		{"not video", notes, nil, ErrNotVideo},
		{"directory", dir, nil, ErrNotVideo},
		{"bad config", video, func(c *pipeline.RunConfig) { c.GapThreshold = 0 }, pipeline.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.EnqueueVideo(context.Background(), tt.path, tt.adjust)
			if !errors.Is(err, tt.want) {
				t.Errorf("EnqueueVideo() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestService_EnqueueFolder(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, testDefaults, testLogger())
	dir := t.TempDir()
	writeVideo(t, dir, "a.mp4", "a")
	writeVideo(t, dir, "nested/b.MKV", "b")
	writeVideo(t, dir, ".cache/c.mp4", "c")
	writeVideo(t, dir, "readme.md", "d")

	runs, err := svc.EnqueueFolder(context.Background(), dir)
	if err != nil {
		t.Fatalf("EnqueueFolder() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("queued %d runs, want 2", len(runs))
	}

	again, err := svc.EnqueueFolder(context.Background(), dir)
	if err != nil || len(again) != 0 {
		t.Errorf("second pass queued %d runs, err %v", len(again), err)
	}
	if n, _ := svc.CountRuns(context.Background(), RunStatusPending); n != 2 {
		t.Errorf("pending runs = %d, want 2", n)
	}
}

func TestService_EnqueueFolder_InvalidPath(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, testDefaults, testLogger())

	if _, err := svc.EnqueueFolder(context.Background(), "/nonexistent/path"); err == nil {
		t.Error("EnqueueFolder() should return error for nonexistent path")
	}
}

func TestService_NotFound(t *testing.T) {
	_, repo := setupTestDB(t)
	svc := NewService(repo, testDefaults, testLogger())
	ctx := context.Background()

	if _, err := svc.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun() error = %v", err)
	}
	if _, err := svc.GetEvents(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetEvents() error = %v", err)
	}
	if _, err := svc.GetReport(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetReport() error = %v", err)
	}
	if _, err := svc.GetEvent(ctx, "missing", 1); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("GetEvent() error = %v", err)
	}
}

func TestIsVideoFile(t *testing.T) {
	tests := map[string]bool{
		"a.mp4": true, "B.MOV": true, "c.mkv": true, "d.avi": true,
		"e.jpg": false, "f": false, "g.mp4.txt": false,
	}
	for name, want := range tests {
		if got := IsVideoFile(name); got != want {
			t.Errorf("IsVideoFile(%q) = %v, want %v", name, got, want)
		}
	}
}
