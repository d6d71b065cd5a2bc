// Package advisor inspects tracker history and proposes configuration
// changes. It is advisory only: nothing here mutates scheduler state, and
// applying a proposal means constructing a new configuration instance.
package advisor

import (
	"fmt"

	"github.com/voxlane/batchscribe/internal/config"
	"github.com/voxlane/batchscribe/internal/perf"
)

// Defaults for the suggestion window and the CPU speed threshold.
const (
	DefaultWindow       = 5
	DefaultThresholdSec = 60
)

// Suggestion is one proposed configuration change with its rationale.
type Suggestion struct {
	Field           string  `json:"field"`
	Current         int     `json:"current"`
	Proposed        int     `json:"proposed"`
	Rationale       string  `json:"rationale"`
	EstimatedSaving float64 `json:"estimated_saving_sec"`
}

// Suggester evaluates recent CPU throughput against a threshold.
type Suggester struct {
	// Window is how many recent CPU samples to average.
	Window int
	// ThresholdSec is the average CPU processing time under which an
	// extra CPU slot looks worthwhile.
	ThresholdSec float64
}

// New returns a suggester with the default window and threshold.
func New() *Suggester {
	return &Suggester{Window: DefaultWindow, ThresholdSec: DefaultThresholdSec}
}

// Evaluate proposes raising the CPU slot count when the recent CPU samples
// finish quickly. It returns false when there is not enough evidence or
// CPU jobs are still slow.
func (s *Suggester) Evaluate(tracker *perf.Tracker, cfg config.Batch) (Suggestion, bool) {
	avg, ok := tracker.RecentAverage(perf.DeviceCPU, s.Window)
	if !ok || avg >= s.ThresholdSec {
		return Suggestion{}, false
	}
	return Suggestion{
		Field:    "max_cpu_batches",
		Current:  cfg.MaxCPUBatches,
		Proposed: cfg.MaxCPUBatches + 1,
		Rationale: fmt.Sprintf(
			"last %d CPU jobs averaged %.1fs (under %.0fs); an extra CPU slot should be absorbed without starving the batch",
			s.Window, avg, s.ThresholdSec),
		// One more slot roughly parallelizes away one average job per window.
		EstimatedSaving: avg,
	}, true
}
