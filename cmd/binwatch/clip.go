package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/heimdex/binwatch/internal/classify"
	"github.com/heimdex/binwatch/internal/config"
	"github.com/heimdex/binwatch/internal/oracle"
	"github.com/heimdex/binwatch/internal/pipeline"
	"github.com/heimdex/binwatch/internal/store"
)

type clipAnalysis struct {
	Clip     string        `json:"clip"`
	Duration float64       `json:"duration"`
	Frames   []float64     `json:"frame_timestamps"`
	Cost     float64       `json:"cost_usd"`
	Answer   oracle.Answer `json:"analysis"`
}

func analyzeClipAction(c *cli.Context) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()
	if err := config.RequireOracle(e.cfg); err != nil {
		return err
	}
	ctx := c.Context

	clip, err := filepath.Abs(c.String(flagClip))
	if err != nil {
		return err
	}
	ff := pipeline.NewFFmpeg(e.logger)
	info, err := ff.Probe(ctx, clip)
	if err != nil {
		return err
	}

	tmp, err := os.MkdirTemp("", "binwatch-clip-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	fps := e.cfg.FrameRate()
	if info.Duration > 0 {
		fps = max(fps, 4/info.Duration)
	}
	frames, err := ff.ExtractFrames(ctx, clip, tmp, fps)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return fmt.Errorf("no frames decoded from %s", clip)
	}

	schedule := classify.CostSchedule{
		StandardTierMaxDimension: e.cfg.StandardTierMaxDimension(),
		StandardCost:             e.cfg.StandardCost(),
		HighCost:                 e.cfg.HighCost(),
	}
	if err := schedule.Validate(); err != nil {
		return err
	}

	out := clipAnalysis{Clip: clip, Duration: info.Duration}
	var imgs []store.Image
	var cost float64
	for _, i := range clipIndices(len(frames), c.Int(flagFrames)) {
		img, err := store.LoadImageFit(frames[i].Path, schedule.StandardTierMaxDimension)
		if err != nil {
			return err
		}
		imgs = append(imgs, img)
		cost += schedule.Cost(img.MaxDimension())
		out.Frames = append(out.Frames, frames[i].Timestamp)
	}

	budget := e.cfg.BudgetCap()
	if c.IsSet(flagBudget) {
		budget = c.Float64(flagBudget)
	}
	ledger := classify.NewLedger(budget)
	res, ok := ledger.Reserve(cost, len(imgs))
	if !ok {
		return fmt.Errorf("clip needs $%.4f for %d frames, over the $%.2f budget", cost, len(imgs), budget)
	}

	hint := fmt.Sprintf("clip %s, %.1f seconds long", filepath.Base(clip), info.Duration)
	answer, err := e.newOracle().ClassifySequence(ctx, imgs, hint)
	if err != nil {
		res.Release()
		return fmt.Errorf("clip analysis failed: %w", err)
	}
	out.Cost = res.Commit()
	out.Answer = answer
	e.metrics.Ledger(ledger.Spent(), ledger.Cap())

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// clipIndices picks which of n decoded frames to send. want <= 0 defers to
// classify.SequenceIndices; otherwise want is clamped to [2, 4] and spread
// evenly from the first frame to the last.
func clipIndices(n, want int) []int {
	if want <= 0 {
		return classify.SequenceIndices(n)
	}
	want = min(max(want, 2), 4)
	if n <= want {
		return lo.Range(n)
	}
	idx := make([]int, want)
	for i := range idx {
		idx[i] = i * (n - 1) / (want - 1)
	}
	return idx
}
