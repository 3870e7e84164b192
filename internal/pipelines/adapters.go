package pipelines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/heimdex/binwatch/internal/classify"
	"github.com/heimdex/binwatch/internal/detect"
)

// ErrUnavailable is returned when the doctor reports a pipeline missing.
var ErrUnavailable = errors.New("pipeline not available")

// SubprocessDetector produces detections for a directory of frames by
// running the detect pipeline.
type SubprocessDetector struct {
	runner   Runner
	doctor   *CachedDoctor
	minScore float64
	logger   *slog.Logger
}

func NewSubprocessDetector(runner Runner, doctor *CachedDoctor, minScore float64, logger *slog.Logger) *SubprocessDetector {
	return &SubprocessDetector{runner: runner, doctor: doctor, minScore: minScore, logger: logger}
}

// DetectDir runs the detector and returns its validated output. An
// existing output file at outPath is reused.
func (d *SubprocessDetector) DetectDir(ctx context.Context, framesDir, outPath string) (*detect.ResultsFile, error) {
	if _, err := os.Stat(outPath); err == nil {
		if rf, err := loadDetectOutput(outPath); err == nil {
			d.logger.Info("reusing cached detections", "frames", len(rf.Frames))
			return rf, nil
		}
	}

	if d.doctor != nil && !d.doctor.HasDetector(ctx) {
		return nil, fmt.Errorf("detect: %w", ErrUnavailable)
	}

	result, err := d.runner.RunDetect(ctx, framesDir, outPath, d.minScore)
	if err != nil {
		return nil, err
	}
	if !result.IsSuccess() {
		return nil, fmt.Errorf("detect exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}
	if _, err := d.runner.ValidateOutput(outPath); err != nil {
		return nil, err
	}
	return loadDetectOutput(outPath)
}

func loadDetectOutput(path string) (*detect.ResultsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read detect output: %w", err)
	}
	var out DetectOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse detect output: %w", err)
	}
	return out.Results(), nil
}

// OverflowClassifier is the local overflow model, backed by the overflow
// pipeline. It satisfies classify.OverflowModel.
type OverflowClassifier struct {
	runner Runner
	logger *slog.Logger
	seq    atomic.Int64
}

func NewOverflowClassifier(runner Runner, logger *slog.Logger) *OverflowClassifier {
	return &OverflowClassifier{runner: runner, logger: logger}
}

var _ classify.OverflowModel = (*OverflowClassifier)(nil)

func (o *OverflowClassifier) ClassifyOverflow(ctx context.Context, paths []string) ([]classify.OverflowFrame, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	dir := filepath.Join(o.runner.ArtifactsDir(), "overflow")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create overflow dir: %w", err)
	}
	n := o.seq.Add(1)
	listPath := filepath.Join(dir, fmt.Sprintf("batch_%06d.json", n))
	outPath := filepath.Join(dir, fmt.Sprintf("batch_%06d.out.json", n))
	defer os.Remove(listPath)
	defer os.Remove(outPath)

	list, err := json.Marshal(paths)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(listPath, list, 0644); err != nil {
		return nil, fmt.Errorf("cannot write overflow batch: %w", err)
	}

	result, err := o.runner.RunOverflow(ctx, listPath, outPath)
	if err != nil {
		return nil, err
	}
	if !result.IsSuccess() {
		return nil, fmt.Errorf("overflow exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}
	if _, err := o.runner.ValidateOutput(outPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read overflow output: %w", err)
	}
	var out OverflowOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse overflow output: %w", err)
	}
	o.logger.Debug("overflow batch classified", "frames", len(out.Frames))
	return out.Frames, nil
}
