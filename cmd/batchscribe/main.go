package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voxlane/batchscribe/internal/advisor"
	"github.com/voxlane/batchscribe/internal/capacity"
	"github.com/voxlane/batchscribe/internal/config"
	"github.com/voxlane/batchscribe/internal/logx"
	"github.com/voxlane/batchscribe/internal/metrics"
	"github.com/voxlane/batchscribe/internal/perf"
	"github.com/voxlane/batchscribe/internal/runner"
	"github.com/voxlane/batchscribe/internal/sched"
	"github.com/voxlane/batchscribe/internal/status"
	"github.com/voxlane/batchscribe/internal/store"
)

// event is the NDJSON record written to stdout for the downstream
// caption consumer, in completion order.
type event struct {
	SegmentID string `json:"segment_id"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	Device    string `json:"device,omitempty"`
	Attempts  int    `json:"attempts"`
}

func main() {
	var opts config.Options
	opts.BindFlags()
	flag.Parse()
	logx.Configure(opts.LogLevel)

	if opts.Manifest == "" || opts.TranscribeCmd == "" {
		logx.Log.Fatal().Msg("both -manifest and -transcribe-cmd are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	detectedGPU := capacity.DetectGPUCapacity(capacity.SmiProbe{}, opts.ModelSizeGB, opts.FallbackReservedMB)
	suggestedCPU := capacity.SuggestCPUCapacity()
	cfg, err := opts.Resolve(detectedGPU, suggestedCPU)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("resolving configuration")
	}
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	segments, err := sched.LoadManifest(opts.Manifest)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("loading segment manifest")
	}

	tracker := perf.NewTracker()
	var trackerStore *store.TrackerStore
	if opts.RedisURL != "" {
		trackerStore, err = store.NewTrackerStore(ctx, opts.RedisURL)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connecting tracker store")
		}
		defer func() { _ = trackerStore.Close() }()
		if err := trackerStore.Load(ctx, tracker); err != nil {
			logx.Log.Warn().Err(err).Msg("loading tracker snapshot; starting from heuristics")
		}
	}

	metrics.Register(prometheus.DefaultRegisterer)

	s := sched.New(cfg, tracker, &runner.Exec{Command: opts.TranscribeCmd})
	s.SetSuggester(advisor.New())
	s.Load(segments)

	if opts.StatusAddr != "" {
		addr, err := status.Start(ctx, opts.StatusAddr, status.Handler(s, cfg))
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("starting status server")
		}
		logx.Log.Info().Str("addr", addr).Msg("status server listening")
	}

	logx.Log.Info().
		Int("segments", len(segments)).
		Str("capacity", status.Summarize(cfg).String()).
		Msg("starting batch")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		enc := json.NewEncoder(os.Stdout)
		for ev := range s.Events() {
			rec := event{SegmentID: ev.SegmentID, Text: ev.Text, Device: string(ev.Device), Attempts: ev.Attempts}
			if ev.Err != nil {
				rec.Error = ev.Err.Error()
			}
			if err := enc.Encode(rec); err != nil {
				logx.Log.Error().Err(err).Msg("writing event")
			}
		}
	}()

	runErr := s.Run(ctx)
	wg.Wait()

	if trackerStore != nil {
		if err := trackerStore.Save(context.Background(), tracker); err != nil {
			logx.Log.Warn().Err(err).Msg("saving tracker snapshot")
		}
	}

	final := s.State()
	logx.Log.Info().
		Int("completed", final.Completed).
		Int("failed", final.Failed).
		Msg("batch finished")

	switch {
	case errors.Is(runErr, context.Canceled):
		os.Exit(130)
	case runErr != nil:
		logx.Log.Fatal().Err(runErr).Msg("scheduler error")
	case final.Failed > 0:
		os.Exit(1)
	}
}
