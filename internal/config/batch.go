package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Validation errors returned by Batch.Validate.
var (
	ErrNoGPUCapacity   = errors.New("max gpu batches must be at least 1")
	ErrNegativeCPU     = errors.New("max cpu batches must not be negative")
	ErrBadProgress     = errors.New("stop-cpu progress threshold must be within [0, 1]")
	ErrBadModelSize    = errors.New("model size must be positive")
	ErrBadReduction    = errors.New("reduction factor must be within [0, 1)")
	ErrBadPollInterval = errors.New("poll interval must be positive")
)

// Batch is the per-run scheduling configuration. It is a value type:
// the With* helpers return an adjusted copy and callers never mutate a
// shared instance, so it is safe to read from worker goroutines.
type Batch struct {
	// MaxGPUBatches is the number of concurrent GPU execution slots.
	MaxGPUBatches int `yaml:"max_gpu_batches"`
	// MaxCPUBatches is the number of concurrent CPU execution slots.
	// Zero disables CPU execution entirely.
	MaxCPUBatches int `yaml:"max_cpu_batches"`
	// MaxCPUTimePerJobSec is the admission ceiling for dispatching a job
	// to a CPU slot. It is a pre-dispatch threshold, not a kill timer.
	MaxCPUTimePerJobSec float64 `yaml:"max_cpu_time_per_job_sec"`
	// StopCPUAtProgress is the endgame threshold: once progress reaches
	// it, no further CPU allocations are made.
	StopCPUAtProgress float64 `yaml:"stop_cpu_at_progress"`
	// ModelSizeGB is the VRAM footprint of one loaded model instance.
	ModelSizeGB float64 `yaml:"model_size_gb"`
	// FallbackReservedMB substitutes for OS-reserved VRAM when the
	// reservation cannot be read.
	FallbackReservedMB int `yaml:"fallback_reserved_mb"`
	// MaxRetries is the number of attempts before a job is failed.
	MaxRetries int `yaml:"max_retries"`
	// ReductionFactor shrinks a CPU-oversized head segment when no GPU
	// slot is free. Zero disables reduction.
	ReductionFactor float64 `yaml:"reduction_factor"`
	// PollInterval bounds how long the coordinator sleeps between
	// allocation passes while waiting for completions.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the baseline configuration before any detection or
// user overrides.
func Default() Batch {
	return Batch{
		MaxGPUBatches:       1,
		MaxCPUBatches:       1,
		MaxCPUTimePerJobSec: 300,
		StopCPUAtProgress:   0.8,
		ModelSizeGB:         4.0,
		FallbackReservedMB:  500,
		MaxRetries:          3,
		ReductionFactor:     0,
		PollInterval:        100 * time.Millisecond,
	}
}

// WithMaxGPUBatches returns a copy with the GPU slot count replaced.
func (b Batch) WithMaxGPUBatches(n int) Batch {
	b.MaxGPUBatches = n
	return b
}

// WithMaxCPUBatches returns a copy with the CPU slot count replaced.
func (b Batch) WithMaxCPUBatches(n int) Batch {
	b.MaxCPUBatches = n
	return b
}

// WithMaxCPUTimePerJob returns a copy with the CPU admission ceiling replaced.
func (b Batch) WithMaxCPUTimePerJob(sec float64) Batch {
	b.MaxCPUTimePerJobSec = sec
	return b
}

// Validate reports the first configuration bound that is violated.
func (b Batch) Validate() error {
	if b.MaxGPUBatches < 1 {
		return ErrNoGPUCapacity
	}
	if b.MaxCPUBatches < 0 {
		return ErrNegativeCPU
	}
	if b.StopCPUAtProgress < 0 || b.StopCPUAtProgress > 1 {
		return ErrBadProgress
	}
	if b.ModelSizeGB <= 0 {
		return ErrBadModelSize
	}
	if b.ReductionFactor < 0 || b.ReductionFactor >= 1 {
		return ErrBadReduction
	}
	if b.PollInterval <= 0 {
		return ErrBadPollInterval
	}
	return nil
}

// fileBatch mirrors Batch with optional fields so a config file only
// overrides what it mentions.
type fileBatch struct {
	MaxGPUBatches       *int           `yaml:"max_gpu_batches"`
	MaxCPUBatches       *int           `yaml:"max_cpu_batches"`
	MaxCPUTimePerJobSec *float64       `yaml:"max_cpu_time_per_job_sec"`
	StopCPUAtProgress   *float64       `yaml:"stop_cpu_at_progress"`
	ModelSizeGB         *float64       `yaml:"model_size_gb"`
	FallbackReservedMB  *int           `yaml:"fallback_reserved_mb"`
	MaxRetries          *int     `yaml:"max_retries"`
	ReductionFactor     *float64 `yaml:"reduction_factor"`
	// Duration string, e.g. "100ms".
	PollInterval *string `yaml:"poll_interval"`
}

// LoadFile overlays the YAML file at path onto base and returns the result.
func LoadFile(path string, base Batch) (Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}
	var f fileBatch
	if err := yaml.Unmarshal(data, &f); err != nil {
		return base, fmt.Errorf("parse config: %w", err)
	}
	if f.MaxGPUBatches != nil {
		base.MaxGPUBatches = *f.MaxGPUBatches
	}
	if f.MaxCPUBatches != nil {
		base.MaxCPUBatches = *f.MaxCPUBatches
	}
	if f.MaxCPUTimePerJobSec != nil {
		base.MaxCPUTimePerJobSec = *f.MaxCPUTimePerJobSec
	}
	if f.StopCPUAtProgress != nil {
		base.StopCPUAtProgress = *f.StopCPUAtProgress
	}
	if f.ModelSizeGB != nil {
		base.ModelSizeGB = *f.ModelSizeGB
	}
	if f.FallbackReservedMB != nil {
		base.FallbackReservedMB = *f.FallbackReservedMB
	}
	if f.MaxRetries != nil {
		base.MaxRetries = *f.MaxRetries
	}
	if f.ReductionFactor != nil {
		base.ReductionFactor = *f.ReductionFactor
	}
	if f.PollInterval != nil {
		d, err := time.ParseDuration(*f.PollInterval)
		if err != nil {
			return base, fmt.Errorf("parse config: poll_interval: %w", err)
		}
		base.PollInterval = d
	}
	return base, nil
}
