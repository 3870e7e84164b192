package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/urfave/cli/v2"

	"github.com/heimdex/binwatch/internal/catalog"
	"github.com/heimdex/binwatch/internal/config"
	"github.com/heimdex/binwatch/internal/export"
	"github.com/heimdex/binwatch/internal/logging"
	"github.com/heimdex/binwatch/internal/pipeline"
)

func runAction(c *cli.Context) error {
	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()

	video, err := filepath.Abs(c.String(flagVideo))
	if err != nil {
		return err
	}
	rc := runConfigFromFlags(c, pipeline.DefaultRunConfig(e.cfg, video))
	if err := rc.Validate(); err != nil {
		return err
	}
	if !rc.SkipAnalysis {
		if err := config.RequireOracle(e.cfg); err != nil {
			return fmt.Errorf("%w (use --%s to build events without analysis)", err, flagSkipAnalysis)
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	outDir := c.String(flagOutputDir)
	if outDir == "" {
		outDir = e.cfg.ReportsDir()
	}
	sink, err := e.newSink(outDir)
	if err != nil {
		return err
	}
	defer sink.Close()

	p, _ := e.newPipeline(ctx, e.newOracle())
	runID := catalog.NewID()
	logger := logging.WithRunID(e.logger, runID)
	logger.Info("run started", "video", logging.SanitizePath(video), "skip_analysis", rc.SkipAnalysis)

	res, err := p.Run(ctx, rc, func(stage pipeline.Stage, pct int) {
		logger.Info("run progress", "stage", stage, "progress", pct)
	})
	if err != nil {
		e.metrics.RunFinished(catalog.RunStatusFailed)
		if errors.Is(err, pipeline.ErrSourceUnavailable) {
			return fmt.Errorf("cannot read %s: %w", video, err)
		}
		return err
	}
	e.metrics.RunFinished(catalog.RunStatusCompleted)

	report := export.NewReport(runID, res, time.Now())
	if err := sink.Publish(ctx, report); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}

	printSummary(report, outDir)
	return nil
}

// runConfigFromFlags overrides rc with every flag the user set.
func runConfigFromFlags(c *cli.Context, rc pipeline.RunConfig) pipeline.RunConfig {
	if c.IsSet(flagDetections) {
		rc.DetectionsPath = c.String(flagDetections)
	}
	if c.IsSet(flagSampleSize) {
		rc.SampleSize = c.Int(flagSampleSize)
	}
	if c.IsSet(flagBudget) {
		rc.BudgetCap = c.Float64(flagBudget)
	}
	if c.IsSet(flagConfidence) {
		rc.MinConfidence = c.Float64(flagConfidence)
	}
	if c.IsSet(flagSeed) {
		rc.Seed = c.Uint64(flagSeed)
	}
	rc.SkipAnalysis = c.Bool(flagSkipAnalysis)
	return rc
}

func printSummary(r *export.Report, outDir string) {
	m := r.Metadata
	s := m.Budget
	fmt.Fprintf(os.Stdout, "\n%s: %d events over %s\n", filepath.Base(m.Source), m.TotalEvents, m.DurationHMS)
	fmt.Fprintf(os.Stdout, "  budget: $%.4f of $%.2f spent, %d images, %d skipped\n",
		s.Spent, s.Cap, s.ImagesAnalyzed, s.Skipped)
	types := lo.Keys(m.EventTypes)
	slices.Sort(types)
	for _, t := range types {
		fmt.Fprintf(os.Stdout, "  %-32s %d\n", t, m.EventTypes[t])
	}
	fmt.Fprintf(os.Stdout, "  reports written to %s\n\n", outDir)
}
