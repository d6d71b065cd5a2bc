package config

import (
	"flag"
	"os"
	"strconv"
)

// Options holds the command line surface of the batch scheduler. A zero
// MaxGPUBatches means auto-detect from VRAM; a negative MaxCPUBatches
// means use the RAM-based suggestion.
type Options struct {
	ConfigFile    string
	Manifest      string
	TranscribeCmd string
	StatusAddr    string
	RedisURL      string
	LogLevel      string

	MaxGPUBatches       int
	MaxCPUBatches       int
	MaxCPUTimePerJobSec float64
	StopCPUAtProgress   float64
	ModelSizeGB         float64
	FallbackReservedMB  int
	MaxRetries          int
	ReductionFactor     float64
}

// BindFlags populates the struct with defaults from environment variables
// and binds command line flags so main can call flag.Parse().
func (o *Options) BindFlags() {
	def := Default()

	o.ConfigFile = getEnv("BATCHSCRIBE_CONFIG", "")
	o.Manifest = getEnv("BATCHSCRIBE_MANIFEST", "")
	o.TranscribeCmd = getEnv("BATCHSCRIBE_CMD", "")
	o.StatusAddr = getEnv("STATUS_ADDR", "")
	o.RedisURL = getEnv("REDIS_URL", "")
	o.LogLevel = getEnv("LOG_LEVEL", "info")
	o.MaxGPUBatches, _ = strconv.Atoi(getEnv("MAX_GPU_BATCHES", "0"))
	o.MaxCPUBatches, _ = strconv.Atoi(getEnv("MAX_CPU_BATCHES", "-1"))
	o.MaxCPUTimePerJobSec = def.MaxCPUTimePerJobSec
	o.StopCPUAtProgress = def.StopCPUAtProgress
	o.ModelSizeGB = def.ModelSizeGB
	o.FallbackReservedMB = def.FallbackReservedMB
	o.MaxRetries = def.MaxRetries
	o.ReductionFactor = def.ReductionFactor

	flag.StringVar(&o.ConfigFile, "config", o.ConfigFile, "path to YAML config file")
	flag.StringVar(&o.Manifest, "manifest", o.Manifest, "path to YAML segment manifest")
	flag.StringVar(&o.TranscribeCmd, "transcribe-cmd", o.TranscribeCmd, "transcriber command invoked per segment")
	flag.StringVar(&o.StatusAddr, "status-addr", o.StatusAddr, "listen address for the status HTTP server; empty disables it")
	flag.StringVar(&o.RedisURL, "redis-url", o.RedisURL, "redis URL for tracker snapshots; empty disables persistence")
	flag.StringVar(&o.LogLevel, "log-level", o.LogLevel, "log level (debug, info, warn, error)")
	flag.IntVar(&o.MaxGPUBatches, "max-gpu-batches", o.MaxGPUBatches, "concurrent GPU slots; 0 auto-detects from VRAM")
	flag.IntVar(&o.MaxCPUBatches, "max-cpu-batches", o.MaxCPUBatches, "concurrent CPU slots; negative uses the RAM-based suggestion")
	flag.Float64Var(&o.MaxCPUTimePerJobSec, "max-cpu-time", o.MaxCPUTimePerJobSec, "predicted-seconds ceiling for dispatching a job to CPU")
	flag.Float64Var(&o.StopCPUAtProgress, "stop-cpu-at", o.StopCPUAtProgress, "progress threshold past which CPU allocation stops")
	flag.Float64Var(&o.ModelSizeGB, "model-size-gb", o.ModelSizeGB, "VRAM footprint of one model instance in GB")
	flag.IntVar(&o.FallbackReservedMB, "fallback-reserved-mb", o.FallbackReservedMB, "assumed OS-reserved VRAM when detection fails")
	flag.IntVar(&o.MaxRetries, "max-retries", o.MaxRetries, "attempts before a job is marked failed")
	flag.Float64Var(&o.ReductionFactor, "reduction-factor", o.ReductionFactor, "shrink factor for CPU-oversized segments; 0 disables")
}

// Resolve layers the configuration sources: defaults, then the detected
// capacities, then the optional config file, then any explicitly set
// flags. It must be called after flag.Parse().
func (o *Options) Resolve(detectedGPU, suggestedCPU int) (Batch, error) {
	b := Default()
	b.MaxGPUBatches = detectedGPU
	b.MaxCPUBatches = suggestedCPU
	if o.ConfigFile != "" {
		var err error
		if b, err = LoadFile(o.ConfigFile, b); err != nil {
			return b, err
		}
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if o.MaxGPUBatches > 0 {
		b.MaxGPUBatches = o.MaxGPUBatches
	}
	if o.MaxCPUBatches >= 0 {
		b.MaxCPUBatches = o.MaxCPUBatches
	}
	if set["max-cpu-time"] {
		b.MaxCPUTimePerJobSec = o.MaxCPUTimePerJobSec
	}
	if set["stop-cpu-at"] {
		b.StopCPUAtProgress = o.StopCPUAtProgress
	}
	if set["model-size-gb"] {
		b.ModelSizeGB = o.ModelSizeGB
	}
	if set["fallback-reserved-mb"] {
		b.FallbackReservedMB = o.FallbackReservedMB
	}
	if set["max-retries"] {
		b.MaxRetries = o.MaxRetries
	}
	if set["reduction-factor"] {
		b.ReductionFactor = o.ReductionFactor
	}
	return b, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
