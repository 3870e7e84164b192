// Package pipeline wires the stages of one run: probe, frames, detection,
// clustering, clips and classification.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/heimdex/binwatch/internal/classify"
	"github.com/heimdex/binwatch/internal/config"
	"github.com/heimdex/binwatch/internal/detect"
	"github.com/heimdex/binwatch/internal/events"
	"github.com/heimdex/binwatch/internal/metrics"
	"github.com/heimdex/binwatch/internal/oracle"
	"github.com/heimdex/binwatch/internal/store"
)

// ErrInvalidConfig wraps every RunConfig validation failure.
var ErrInvalidConfig = errors.New("invalid run configuration")

// Stage names a step of a run, reported through the progress callback.
type Stage string

const (
	StageProbe    Stage = "probe"
	StageFrames   Stage = "frames"
	StageDetect   Stage = "detect"
	StageCluster  Stage = "cluster"
	StageClips    Stage = "clips"
	StageClassify Stage = "classify"
	StageDone     Stage = "done"
)

var stageProgress = map[Stage]int{
	StageProbe:    5,
	StageFrames:   15,
	StageDetect:   35,
	StageCluster:  50,
	StageClips:    60,
	StageClassify: 75,
	StageDone:     100,
}

// ProgressFunc receives the stage a run entered and its rough percentage.
type ProgressFunc func(stage Stage, percent int)

// RunConfig holds the per-run parameters.
type RunConfig struct {
	VideoPath      string                `json:"video_path"`
	DetectionsPath string                `json:"detections_path,omitempty"`
	GapThreshold   float64               `json:"gap_threshold"`
	ClipWindow     float64               `json:"clip_window"`
	BudgetCap      float64               `json:"budget_cap"`
	SampleSize     int                   `json:"sample_size,omitempty"`
	Costs          classify.CostSchedule `json:"costs"`
	GenerousBudget float64               `json:"generous_budget"`
	FrameRate      float64               `json:"frame_rate"`
	MinConfidence  float64               `json:"min_confidence"`
	SkipAnalysis   bool                  `json:"skip_analysis,omitempty"`
	Concurrency    int                   `json:"concurrency,omitempty"`
	Seed           uint64                `json:"seed,omitempty"`

	videoDuration float64
}

// DefaultRunConfig fills a RunConfig for video from application settings.
func DefaultRunConfig(cfg config.Config, video string) RunConfig {
	return RunConfig{
		VideoPath:    video,
		GapThreshold: cfg.GapThreshold(),
		ClipWindow:   cfg.ClipWindow(),
		BudgetCap:    cfg.BudgetCap(),
		SampleSize:   cfg.SampleSize(),
		Costs: classify.CostSchedule{
			StandardTierMaxDimension: cfg.StandardTierMaxDimension(),
			StandardCost:             cfg.StandardCost(),
			HighCost:                 cfg.HighCost(),
		},
		GenerousBudget: cfg.GenerousBudget(),
		FrameRate:      cfg.FrameRate(),
		MinConfidence:  cfg.DetectionMinScore(),
		Concurrency:    cfg.OracleConcurrency(),
	}
}

// Validate rejects configurations that would fail mid-run.
func (c RunConfig) Validate() error {
	var problems []string
	if c.VideoPath == "" {
		problems = append(problems, "video path is required")
	}
	if c.GapThreshold <= 0 {
		problems = append(problems, "gap threshold must be positive")
	}
	if c.ClipWindow <= 0 {
		problems = append(problems, "clip window must be positive")
	}
	if c.BudgetCap < 0 {
		problems = append(problems, "budget cap must not be negative")
	}
	if c.SampleSize < 0 {
		problems = append(problems, "sample size must not be negative")
	}
	if c.FrameRate <= 0 {
		problems = append(problems, "frame rate must be positive")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		problems = append(problems, "detection confidence must be within [0, 1]")
	}
	if c.Concurrency < 0 {
		problems = append(problems, "concurrency must not be negative")
	}
	if !c.SkipAnalysis {
		if err := c.Costs.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// DirDetector detects over a whole directory of frames at once.
type DirDetector interface {
	DetectDir(ctx context.Context, framesDir, outPath string) (*detect.ResultsFile, error)
}

// Result is everything a finished run produced.
type Result struct {
	VideoPath       string              `json:"video_path"`
	Video           VideoInfo           `json:"video"`
	FrameCount      int                 `json:"frame_count"`
	Events          []*events.Event     `json:"events"`
	Clips           events.ExtractStats `json:"clips"`
	Summary         classify.Summary    `json:"summary"`
	SampleSize      int                 `json:"sample_size,omitempty"`
	SkippedAnalysis bool                `json:"skipped_analysis,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
	Elapsed         time.Duration       `json:"elapsed"`
}

// Pipeline runs videos end to end.
type Pipeline struct {
	ffmpeg      FFmpeg
	oracle      oracle.Oracle
	overflow    classify.OverflowModel
	dirDetector DirDetector
	detector    detect.Detector
	workDir     string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithOverflowModel enables the local overflow stage of classification.
func WithOverflowModel(m classify.OverflowModel) Option {
	return func(p *Pipeline) { p.overflow = m }
}

// WithDirDetector sets the detector used when a run has no precomputed
// detections file.
func WithDirDetector(d DirDetector) Option {
	return func(p *Pipeline) { p.dirDetector = d }
}

// WithDetector forces a per-frame detector for every run.
func WithDetector(d detect.Detector) Option {
	return func(p *Pipeline) { p.detector = d }
}

// New builds a Pipeline. o may be nil, in which case runs behave as if
// analysis were skipped. workDir holds per-video frames and clips.
func New(ff FFmpeg, o oracle.Oracle, workDir string, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Pipeline {
	p := &Pipeline{
		ffmpeg:  ff,
		oracle:  o,
		workDir: workDir,
		logger:  logger.With("component", "pipeline"),
		metrics: m,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// VideoDir is the cache directory for one source video. It is keyed by
// the base name and a short hash of the absolute path, so same-named
// videos in different folders never share frames or clips.
func (p *Pipeline) VideoDir(video string) string {
	if abs, err := filepath.Abs(video); err == nil {
		video = abs
	}
	sum := sha256.Sum256([]byte(filepath.Clean(video)))
	base := strings.TrimSuffix(filepath.Base(video), filepath.Ext(video))
	return filepath.Join(p.workDir, base+"-"+hex.EncodeToString(sum[:4]))
}

// Run processes cfg.VideoPath. Configuration problems and an unreadable
// source are returned as errors before any event is built.
func (p *Pipeline) Run(ctx context.Context, cfg RunConfig, progress ProgressFunc) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	report := reporter(progress)

	report(StageProbe)
	info, err := p.ffmpeg.Probe(ctx, cfg.VideoPath)
	if err != nil {
		return nil, err
	}

	cfg.videoDuration = info.Duration
	dir := p.VideoDir(cfg.VideoPath)
	framesDir := filepath.Join(dir, "frames")

	report(StageFrames)
	files, err := p.ffmpeg.ExtractFrames(ctx, cfg.VideoPath, framesDir, cfg.FrameRate)
	if err != nil {
		return nil, err
	}

	report(StageDetect)
	det, err := p.resolveDetector(ctx, cfg, framesDir, filepath.Join(dir, "detections.json"))
	if err != nil {
		return nil, err
	}
	frames := make([]detect.Frame, len(files))
	for i, f := range files {
		frames[i] = detect.Frame{Index: f.Index, Timestamp: f.Timestamp, Path: f.Path}
	}

	res, err := p.Process(ctx, cfg, frames, det, report)
	if err != nil {
		return nil, err
	}
	res.Video = *info
	res.StartedAt = started
	res.Elapsed = time.Since(started)
	return res, nil
}

// Process runs detection, clustering, clip extraction and classification
// over already decoded frames.
func (p *Pipeline) Process(ctx context.Context, cfg RunConfig, frames []detect.Frame, det detect.Detector, report func(Stage)) (*Result, error) {
	if report == nil {
		report = reporter(nil)
	}

	samples := make([]events.FrameSample, 0, len(frames))
	for _, f := range frames {
		dets, err := det.Detect(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("detect frame %d: %w", f.Index, err)
		}
		samples = append(samples, events.FrameSample{
			Index:      f.Index,
			Timestamp:  f.Timestamp,
			Path:       f.Path,
			Detections: dets,
		})
	}

	report(StageCluster)
	filter := detect.NewFilter(cfg.MinConfidence)
	samples = events.MarkPresence(samples, func(f events.FrameSample) bool {
		return filter.Present(f.Detections)
	})
	evs := events.Cluster(samples, cfg.GapThreshold)
	p.logger.Info("events clustered", "frames", len(samples), "events", len(evs), "gap_threshold", cfg.GapThreshold)

	report(StageClips)
	clipStore, err := store.NewFS(filepath.Join(p.VideoDir(cfg.VideoPath), "clips"))
	if err != nil {
		return nil, err
	}
	extractor := events.NewExtractor(p.ffmpeg, clipStore, cfg.ClipWindow, p.logger, p.metrics)
	clips, err := extractor.Extract(ctx, cfg.VideoPath, evs)
	if err != nil {
		return nil, err
	}

	report(StageClassify)
	ledger := classify.NewLedger(cfg.BudgetCap)
	skip := cfg.SkipAnalysis || p.oracle == nil
	var summary classify.Summary
	if skip {
		for _, ev := range evs {
			_ = ev.AttachVerdict(events.AnalysisDisabledVerdict())
		}
		summary = classify.Summarize(evs, ledger.Snapshot())
		p.logger.Info("analysis skipped", "events", len(evs))
	} else {
		summary, err = p.classifier(cfg).Run(ctx, evs, ledger)
		if err != nil {
			return nil, err
		}
	}

	report(StageDone)
	return &Result{
		VideoPath:       cfg.VideoPath,
		FrameCount:      len(samples),
		Events:          evs,
		Clips:           clips,
		Summary:         summary,
		SampleSize:      cfg.SampleSize,
		SkippedAnalysis: skip,
	}, nil
}

func (p *Pipeline) classifier(cfg RunConfig) *classify.Classifier {
	var opts []classify.Option
	if p.overflow != nil {
		opts = append(opts, classify.WithOverflowModel(p.overflow))
	}
	if cfg.Seed != 0 {
		opts = append(opts, classify.WithRand(rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))))
	}
	return classify.New(p.oracle, classify.Options{
		Costs:          cfg.Costs,
		GenerousBudget: cfg.GenerousBudget,
		SampleSize:     cfg.SampleSize,
		Concurrency:    cfg.Concurrency,
		VideoDuration:  cfg.videoDuration,
	}, p.logger, p.metrics, opts...)
}

// resolveDetector picks, in order: the injected detector, the run's
// detections file, then the directory detector.
func (p *Pipeline) resolveDetector(ctx context.Context, cfg RunConfig, framesDir, outPath string) (detect.Detector, error) {
	switch {
	case p.detector != nil:
		return p.detector, nil
	case cfg.DetectionsPath != "":
		if _, err := os.Stat(cfg.DetectionsPath); err != nil {
			return nil, fmt.Errorf("%w: detections file: %v", ErrInvalidConfig, err)
		}
		return detect.OpenFileDetector(cfg.DetectionsPath)
	case p.dirDetector != nil:
		rf, err := p.dirDetector.DetectDir(ctx, framesDir, outPath)
		if err != nil {
			return nil, fmt.Errorf("detection failed: %w", err)
		}
		return detect.NewFileDetector(rf), nil
	default:
		return nil, fmt.Errorf("%w: no detector available and no detections file given", ErrInvalidConfig)
	}
}

func reporter(progress ProgressFunc) func(Stage) {
	return func(s Stage) {
		if progress != nil {
			progress(s, stageProgress[s])
		}
	}
}
