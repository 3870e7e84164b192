package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/heimdex/binwatch/internal/config"
	"github.com/heimdex/binwatch/internal/export"
	"github.com/heimdex/binwatch/internal/logging"
	"github.com/heimdex/binwatch/internal/metrics"
	"github.com/heimdex/binwatch/internal/oracle"
	"github.com/heimdex/binwatch/internal/pipeline"
	"github.com/heimdex/binwatch/internal/pipelines"
)

// env is what every command needs before doing work.
type env struct {
	cfg     *config.EnvConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	closer  io.Closer
}

func setup() (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	for _, dir := range []string{cfg.DataDir(), cfg.CacheDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	logger, closer := logging.NewLoggerWithFile(cfg.LogLevel(), cfg.LogFile())
	return &env{cfg: cfg, logger: logger, metrics: metrics.New(), closer: closer}, nil
}

func (e *env) Close() error {
	return e.closer.Close()
}

// newOracle returns nil when no provider is configured.
func (e *env) newOracle() oracle.Oracle {
	if err := config.RequireOracle(e.cfg); err != nil {
		e.logger.Warn("oracle not configured, analysis disabled", "error", err)
		return nil
	}
	return oracle.NewVisionClient(oracle.ClientConfig{
		BaseURL:       e.cfg.OracleURL(),
		APIKey:        e.cfg.OracleAPIKey(),
		Model:         e.cfg.OracleModel(),
		Timeout:       e.cfg.OracleTimeout(),
		RatePerSecond: e.cfg.OracleRatePerSecond(),
		Categories:    e.cfg.EventTypes(),
	}, e.logger, e.metrics)
}

// newDoctor starts the subprocess runner and probes it once. Both are nil
// when no Python interpreter can be found.
func (e *env) newDoctor(ctx context.Context) (*pipelines.SubprocessRunner, *pipelines.CachedDoctor) {
	pipeCfg := pipelines.ConfigFrom(e.cfg, e.logger)
	pr, err := pipelines.NewRunner(pipeCfg)
	if err != nil {
		e.logger.Warn("pipeline runner unavailable, precomputed detections required", "error", err)
		return nil, nil
	}
	doctor := pipelines.NewCachedDoctor(pr, e.logger)

	probeCtx, cancel := context.WithTimeout(ctx, pipeCfg.DoctorTimeout)
	defer cancel()
	if caps, err := doctor.Refresh(probeCtx); err != nil {
		e.logger.Warn("initial doctor probe failed", "error", err)
	} else {
		e.logger.Info("pipeline capabilities detected",
			"detector", caps.HasDetector,
			"overflow", caps.HasOverflow,
			"deps", fmt.Sprintf("%d/%d", caps.Summary.Available, caps.Summary.Total),
		)
	}
	return pr, doctor
}

// newPipeline wires ffmpeg, the oracle and the Python pipelines into a
// Pipeline. The doctor is returned for status reporting and may be nil.
func (e *env) newPipeline(ctx context.Context, o oracle.Oracle) (*pipeline.Pipeline, *pipelines.CachedDoctor) {
	var opts []pipeline.Option
	pr, doctor := e.newDoctor(ctx)
	if pr != nil {
		opts = append(opts, pipeline.WithDirDetector(
			pipelines.NewSubprocessDetector(pr, doctor, e.cfg.DetectionMinScore(), e.logger)))
		if doctor.HasOverflow(ctx) {
			opts = append(opts, pipeline.WithOverflowModel(pipelines.NewOverflowClassifier(pr, e.logger)))
		}
	}
	p := pipeline.New(pipeline.NewFFmpeg(e.logger), o, e.cfg.CacheDir(), e.logger, e.metrics, opts...)
	return p, doctor
}

// newSink writes report files into dir and, when brokers are configured,
// also publishes events to Kafka.
func (e *env) newSink(dir string) (export.Sink, error) {
	fs, err := export.NewFileSink(dir)
	if err != nil {
		return nil, err
	}
	brokers := e.cfg.KafkaBrokers()
	if len(brokers) == 0 {
		return fs, nil
	}
	e.logger.Info("publishing events to kafka", "brokers", brokers, "topic", e.cfg.KafkaTopic())
	return export.MultiSink{fs, export.NewKafkaSink(brokers, e.cfg.KafkaTopic(), e.logger)}, nil
}
