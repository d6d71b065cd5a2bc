// Package sched assigns transcription segments to GPU and CPU execution
// slots. A single coordinating goroutine owns all scheduling state; workers
// only report back through a completion channel.
package sched

import (
	"github.com/voxlane/batchscribe/internal/perf"
)

// Segment is one independently transcribable audio chunk, produced by the
// upstream splitter. Immutable.
type Segment struct {
	ID          string  `yaml:"id" json:"id"`
	DurationSec float64 `yaml:"duration_sec" json:"duration_sec"`
	AudioRef    string  `yaml:"audio_ref" json:"audio_ref"`
}

// JobState tracks a job through the scheduling state machine.
type JobState int

const (
	StateQueued JobState = iota
	StateRunningGPU
	StateRunningCPU
	StateCompleted
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunningGPU:
		return "running_gpu"
	case StateRunningCPU:
		return "running_cpu"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job wraps a Segment with scheduling-derived fields. Exactly one Job
// exists per segment at any time, owned by the scheduler coordinator.
type Job struct {
	Segment          Segment
	PredictedGPUTime float64
	PredictedCPUTime float64
	// GPUBenefit is PredictedCPUTime - PredictedGPUTime: how much the
	// segment loses by running on CPU. Drives allocation priority.
	GPUBenefit float64
	// RetryCount is the number of failed attempts so far, shared across
	// devices.
	RetryCount int
	State      JobState

	// retryDevice pins a re-queued job to the device its retry must use.
	// Empty for first attempts.
	retryDevice perf.Device
}
