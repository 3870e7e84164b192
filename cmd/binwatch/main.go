// Package main is the binwatch command: one-shot runs, the local agent and
// pipeline diagnostics.
package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var Version = "0.3.0"

const (
	flagVideo        = "video"
	flagDetections   = "detections"
	flagSampleSize   = "sample-size"
	flagBudget       = "budget"
	flagConfidence   = "confidence"
	flagSkipAnalysis = "skip-analysis"
	flagOutputDir    = "output-dir"
	flagSeed         = "seed"
	flagClip         = "clip"
	flagFrames       = "frames"
	flagJSON         = "json"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "binwatch",
		Usage:   "find and classify garbage bin events in collection videos",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "analyze one video and write its reports",
				UsageText: "binwatch run --video PATH [options]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagVideo,
						Required: true,
						Usage:    "source video",
					},
					&cli.StringFlag{
						Name:  flagDetections,
						Usage: "precomputed detections JSON; skips the detector",
					},
					&cli.IntFlag{
						Name:  flagSampleSize,
						Usage: "analyze a random subset of this many events (0 = all)",
					},
					&cli.Float64Flag{
						Name:  flagBudget,
						Usage: "spending cap in USD for oracle calls",
					},
					&cli.Float64Flag{
						Name:  flagConfidence,
						Usage: "minimum detection confidence",
					},
					&cli.BoolFlag{
						Name:  flagSkipAnalysis,
						Usage: "build events and clips without calling the oracle",
					},
					&cli.StringFlag{
						Name:  flagOutputDir,
						Usage: "report directory (defaults to the configured reports dir)",
					},
					&cli.Uint64Flag{
						Name:  flagSeed,
						Usage: "sampling seed",
					},
				},
				Action: runAction,
			},
			{
				Name:   "serve",
				Usage:  "run the local agent: API, run queue and inbox watcher",
				Action: serveAction,
			},
			{
				Name:      "analyze-clip",
				Usage:     "ask the oracle for a narrative of a single clip",
				UsageText: "binwatch analyze-clip --clip PATH [--frames N]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagClip,
						Required: true,
						Usage:    "clip video",
					},
					&cli.IntFlag{
						Name:  flagFrames,
						Usage: "frames to send, 2 to 4 (default picks by clip length)",
					},
					&cli.Float64Flag{
						Name:  flagBudget,
						Usage: "spending cap in USD for this call",
					},
				},
				Action: analyzeClipAction,
			},
			{
				Name:  "doctor",
				Usage: "probe the installed detection pipelines",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  flagJSON,
						Usage: "print the raw capability report",
					},
				},
				Action: doctorAction,
			},
		},
	}
}
