package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/heimdex/binwatch/internal/api"
	"github.com/heimdex/binwatch/internal/catalog"
	"github.com/heimdex/binwatch/internal/db"
	"github.com/heimdex/binwatch/internal/pipeline"
	"github.com/heimdex/binwatch/internal/playback"
	"github.com/heimdex/binwatch/internal/watcher"
)

func serveAction(c *cli.Context) error {
	startTime := time.Now()

	e, err := setup()
	if err != nil {
		return err
	}
	defer e.Close()
	cfg, logger := e.cfg, e.logger
	logger.Info("starting binwatch agent", "version", Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(c.Context, repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                    BINWATCH AGENT v%-22s ║\n", Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Inbox:      %-45s ║\n", cfg.InboxDir())
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	p, doctor := e.newPipeline(ctx, e.newOracle())
	svc := catalog.NewService(repo, func(video string) pipeline.RunConfig {
		return pipeline.DefaultRunConfig(cfg, video)
	}, logger)

	sink, err := e.newSink(cfg.ReportsDir())
	if err != nil {
		return err
	}
	defer sink.Close()

	runner := catalog.NewRunner(repo, p, sink, e.metrics, logger)
	go runner.Start(ctx)

	inbox, err := watchInbox(ctx, svc, cfg.InboxDir(), e)
	if err != nil {
		return err
	}
	if inbox != nil {
		defer inbox.Stop()
	}

	apiServer := api.NewServer(api.ServerConfig{
		Port:           cfg.Port(),
		Service:        svc,
		Repository:     repo,
		Runner:         runner,
		Doctor:         doctor,
		PlaybackServer: playback.NewServer(cfg.CacheDir(), logger),
		Metrics:        e.metrics,
		Logger:         logger,
		StartTime:      startTime,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// watchInbox enqueues the videos already in dir, then every video that
// settles there later. It returns nil when no inbox is configured.
func watchInbox(ctx context.Context, svc *catalog.Service, dir string, e *env) (*watcher.InboxWatcher, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create inbox dir: %w", err)
	}
	logger := e.logger.With("component", "inbox")

	if runs, err := svc.EnqueueFolder(ctx, dir); err != nil {
		logger.Warn("initial inbox scan failed", "error", err)
	} else if len(runs) > 0 {
		logger.Info("queued existing inbox videos", "count", len(runs))
	}

	w := watcher.NewInboxWatcher(e.logger, watcher.DefaultSettle)
	w.OnChange(func(path string, event watcher.EventType) {
		if event != watcher.EventCreate || !catalog.IsVideoFile(path) {
			return
		}
		run, created, err := svc.EnqueueVideo(ctx, path, nil)
		if err != nil {
			logger.Warn("failed to enqueue inbox video", "path", path, "error", err)
			return
		}
		if created {
			logger.Info("queued inbox video", "run_id", run.ID, "path", path)
		}
	})
	if err := w.Watch(ctx, dir); err != nil {
		return nil, fmt.Errorf("failed to watch inbox: %w", err)
	}
	return w, nil
}

func ensureAuthToken(ctx context.Context, repo catalog.Repository) (string, error) {
	existing, err := repo.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}

	return token, nil
}
