// Package perf learns per-device processing speed from completed jobs and
// predicts processing time for segments that have not run yet.
package perf

// Device identifies which execution resource processed a job.
type Device string

const (
	DeviceGPU Device = "gpu"
	DeviceCPU Device = "cpu"
)

// Heuristic multipliers used until enough evidence accumulates for a
// device. CPU is assumed roughly 12x slower than GPU.
const (
	gpuHeuristicFactor = 2.0
	cpuHeuristicFactor = 24.0
	minSamples         = 3

	// minDuration floors segment durations when computing historical
	// ratios so a zero-length segment cannot poison the model.
	minDuration = 1e-3
)

// Sample is one completed-job observation. Immutable once recorded.
type Sample struct {
	DurationSec   float64 `json:"duration_sec"`
	ProcessingSec float64 `json:"processing_sec"`
	Device        Device  `json:"device"`
}

// Tracker accumulates samples and predicts processing times. It is not
// safe for concurrent use: only the scheduler's coordinating goroutine
// records and reads, which is what keeps it lock-free.
type Tracker struct {
	samples map[Device][]Sample
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{samples: map[Device][]Sample{}}
}

// Record appends one observation for a device.
func (t *Tracker) Record(durationSec, processingSec float64, d Device) {
	if durationSec < minDuration {
		durationSec = minDuration
	}
	t.samples[d] = append(t.samples[d], Sample{DurationSec: durationSec, ProcessingSec: processingSec, Device: d})
}

// Predict estimates processing time for a segment of the given duration on
// the given device. With fewer than three samples it falls back to a fixed
// multiplier; otherwise it scales by the mean observed processing ratio.
func (t *Tracker) Predict(durationSec float64, d Device) float64 {
	samples := t.samples[d]
	if len(samples) < minSamples {
		if d == DeviceCPU {
			return durationSec * cpuHeuristicFactor
		}
		return durationSec * gpuHeuristicFactor
	}
	var sum float64
	for _, s := range samples {
		dur := s.DurationSec
		if dur < minDuration {
			dur = minDuration
		}
		sum += s.ProcessingSec / dur
	}
	return durationSec * sum / float64(len(samples))
}

// SampleCount reports how many observations exist for a device.
func (t *Tracker) SampleCount(d Device) int {
	return len(t.samples[d])
}

// RecentAverage returns the mean processing time of the last n samples for
// a device. ok is false when fewer than n samples exist.
func (t *Tracker) RecentAverage(d Device, n int) (avg float64, ok bool) {
	samples := t.samples[d]
	if n <= 0 || len(samples) < n {
		return 0, false
	}
	var sum float64
	for _, s := range samples[len(samples)-n:] {
		sum += s.ProcessingSec
	}
	return sum / float64(n), true
}

// Snapshot copies all recorded samples, GPU first then CPU, preserving
// record order within each device. Used by external persistence.
func (t *Tracker) Snapshot() []Sample {
	out := make([]Sample, 0, len(t.samples[DeviceGPU])+len(t.samples[DeviceCPU]))
	out = append(out, t.samples[DeviceGPU]...)
	out = append(out, t.samples[DeviceCPU]...)
	return out
}

// Restore replaces the tracker contents with a previously taken snapshot.
func (t *Tracker) Restore(samples []Sample) {
	t.samples = map[Device][]Sample{}
	for _, s := range samples {
		t.Record(s.DurationSec, s.ProcessingSec, s.Device)
	}
}
