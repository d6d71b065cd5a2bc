// Package status exposes the operator-facing HTTP surface: batch progress,
// the capacity summary, advisory suggestions, and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxlane/batchscribe/internal/config"
	"github.com/voxlane/batchscribe/internal/logx"
	"github.com/voxlane/batchscribe/internal/sched"
)

// CapacitySummary is the human-readable slice of the configuration the
// operator cares about.
type CapacitySummary struct {
	GPUSlots            int     `json:"gpu_slots"`
	CPUSlots            int     `json:"cpu_slots"`
	MaxCPUTimePerJobSec float64 `json:"max_cpu_time_per_job_sec"`
	StopCPUAtProgress   float64 `json:"stop_cpu_at_progress"`
}

// Summarize extracts the capacity summary from a batch configuration.
func Summarize(cfg config.Batch) CapacitySummary {
	return CapacitySummary{
		GPUSlots:            cfg.MaxGPUBatches,
		CPUSlots:            cfg.MaxCPUBatches,
		MaxCPUTimePerJobSec: cfg.MaxCPUTimePerJobSec,
		StopCPUAtProgress:   cfg.StopCPUAtProgress,
	}
}

func (c CapacitySummary) String() string {
	return fmt.Sprintf("gpu_slots=%d cpu_slots=%d cpu_ceiling=%.0fs endgame_at=%.0f%%",
		c.GPUSlots, c.CPUSlots, c.MaxCPUTimePerJobSec, c.StopCPUAtProgress*100)
}

// Handler builds the status router. CORS is wide open for GET so a browser
// caption page can poll progress directly.
func Handler(s *sched.Scheduler, cfg config.Batch) http.Handler {
	summary := Summarize(cfg)
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Capacity CapacitySummary `json:"capacity"`
			Batch    sched.Snapshot  `json:"batch"`
		}{summary, s.State()})
	})
	r.Get("/suggestion", func(w http.ResponseWriter, _ *http.Request) {
		sug, ok := s.LastSuggestion()
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sug)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves the handler until ctx is cancelled. It returns the address
// it is listening on.
func Start(ctx context.Context, addr string, h http.Handler) (string, error) {
	srv := &http.Server{Handler: h}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("status server error")
		}
	}()
	return actual, nil
}
