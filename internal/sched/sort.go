package sched

import (
	"sort"

	"github.com/voxlane/batchscribe/internal/perf"
)

// SortForAllocation builds a Job for every segment and orders them by
// descending GPU benefit, so the scarce GPU slots go to the segments that
// would suffer most on CPU. The sort is stable: segments with equal
// benefit keep their input order.
func SortForAllocation(segments []Segment, tracker *perf.Tracker) []*Job {
	jobs := make([]*Job, len(segments))
	for i, seg := range segments {
		gpu := tracker.Predict(seg.DurationSec, perf.DeviceGPU)
		cpu := tracker.Predict(seg.DurationSec, perf.DeviceCPU)
		jobs[i] = &Job{
			Segment:          seg,
			PredictedGPUTime: gpu,
			PredictedCPUTime: cpu,
			GPUBenefit:       cpu - gpu,
			State:            StateQueued,
		}
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].GPUBenefit > jobs[j].GPUBenefit
	})
	return jobs
}
