package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/heimdex/binwatch/internal/events"
)

// ErrSourceUnavailable is returned when the source video cannot be opened.
// It aborts the run, also when the source disappears during clip
// extraction.
var ErrSourceUnavailable = events.ErrSourceUnavailable

const framePattern = "frame_%06d.jpg"

// FFmpeg wraps the video operations a run needs.
type FFmpeg interface {
	Probe(ctx context.Context, path string) (*VideoInfo, error)
	ExtractFrames(ctx context.Context, video, dir string, fps float64) ([]FrameFile, error)
	ExtractClip(ctx context.Context, video, out string, start, duration float64) error
}

// VideoInfo is the subset of ffprobe output used by reports.
type VideoInfo struct {
	Duration float64 `json:"duration"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Codec    string  `json:"codec"`
}

// FrameFile is one extracted still.
type FrameFile struct {
	Index     int     `json:"index"`
	Timestamp float64 `json:"timestamp"`
	Path      string  `json:"path"`
}

// CLI runs the ffmpeg and ffprobe binaries.
type CLI struct {
	logger *slog.Logger
}

func NewFFmpeg(logger *slog.Logger) *CLI {
	return &CLI{logger: logger.With("component", "ffmpeg")}
}

func (f *CLI) Probe(ctx context.Context, path string) (*VideoInfo, error) {
	if err := checkSource(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return nil, fmt.Errorf("%w: probe %s: %v", ErrSourceUnavailable, filepath.Base(path), err)
	}
	info, err := parseProbe([]byte(out))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	f.logger.Info("video probed",
		"duration", info.Duration,
		"width", info.Width,
		"height", info.Height,
		"fps", info.FPS,
	)
	return info, nil
}

// ExtractFrames samples the video at fps into dir. Frames already present
// in dir are reused.
func (f *CLI) ExtractFrames(ctx context.Context, video, dir string, fps float64) ([]FrameFile, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("frame rate must be positive, got %g", fps)
	}
	if cached, err := ListFrames(dir, fps); err == nil && len(cached) > 0 {
		f.logger.Info("loaded cached frames", "count", len(cached))
		return cached, nil
	}
	if err := checkSource(video); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create frames dir: %w", err)
	}

	stream := ffmpeg.Input(video).
		Output(filepath.Join(dir, framePattern), ffmpeg.KwArgs{
			"vf":  "fps=" + strconv.FormatFloat(fps, 'f', -1, 64),
			"q:v": 2,
		}).
		OverWriteOutput()
	stream.Context = ctx
	if err := stream.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("frame extraction failed: %w", err)
	}

	frames, err := ListFrames(dir, fps)
	if err != nil {
		return nil, err
	}
	f.logger.Info("frames extracted", "count", len(frames), "fps", fps)
	return frames, nil
}

// ExtractClip encodes [start, start+duration) of video to an H.264 mp4.
func (f *CLI) ExtractClip(ctx context.Context, video, out string, start, duration float64) error {
	if err := checkSource(video); err != nil {
		return err
	}
	stream := ffmpeg.Input(video, ffmpeg.KwArgs{"ss": start}).
		Output(out, ffmpeg.KwArgs{
			"t":      duration,
			"c:v":    "libx264",
			"c:a":    "aac",
			"preset": "fast",
			"f":      "mp4",
		}).
		OverWriteOutput()
	stream.Context = ctx
	if err := stream.Run(); err != nil {
		return fmt.Errorf("clip encode failed: %w", err)
	}
	return nil
}

// ListFrames returns the frame_*.jpg files in dir in index order. The
// first file is at t=0 and each following file is 1/fps later.
func ListFrames(dir string, fps float64) ([]FrameFile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}
	frames := make([]FrameFile, 0, len(matches))
	for _, m := range matches {
		n, ok := frameNumber(filepath.Base(m))
		if !ok {
			continue
		}
		frames = append(frames, FrameFile{Index: n - 1, Path: m})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Index < frames[j].Index })
	for i := range frames {
		frames[i].Timestamp = float64(frames[i].Index) / fps
	}
	return frames, nil
}

func frameNumber(name string) (int, bool) {
	s := strings.TrimSuffix(strings.TrimPrefix(name, "frame_"), ".jpg")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func checkSource(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrSourceUnavailable, filepath.Base(path))
	}
	return nil
}

type probeDoc struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbe(data []byte) (*VideoInfo, error) {
	var doc probeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("cannot parse probe output: %w", err)
	}
	for _, s := range doc.Streams {
		if s.CodecType != "video" {
			continue
		}
		info := &VideoInfo{Width: s.Width, Height: s.Height, Codec: s.CodecName}
		info.FPS = parseRate(s.AvgFrameRate)
		if info.FPS == 0 {
			info.FPS = parseRate(s.RFrameRate)
		}
		info.Duration, _ = strconv.ParseFloat(doc.Format.Duration, 64)
		if info.Duration == 0 {
			info.Duration, _ = strconv.ParseFloat(s.Duration, 64)
		}
		return info, nil
	}
	return nil, errors.New("no video stream found")
}

// parseRate reads ffprobe rates such as "30000/1001".
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
