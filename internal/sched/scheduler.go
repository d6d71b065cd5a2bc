package sched

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxlane/batchscribe/internal/advisor"
	"github.com/voxlane/batchscribe/internal/config"
	"github.com/voxlane/batchscribe/internal/logx"
	"github.com/voxlane/batchscribe/internal/metrics"
	"github.com/voxlane/batchscribe/internal/perf"
)

// ErrRetriesExhausted marks a job that failed on every allowed attempt.
var ErrRetriesExhausted = errors.New("job retries exhausted")

// ErrCancelled marks a job removed from the queue before dispatch.
var ErrCancelled = errors.New("job cancelled")

// Runner executes the actual transcription for one segment on a device.
// The call may block for an arbitrary duration; it runs in its own worker
// goroutine and never blocks the coordinator.
type Runner interface {
	Transcribe(ctx context.Context, seg Segment, device perf.Device) (string, error)
}

// Decision is the outcome of one allocation attempt.
type Decision int

const (
	DecisionWait Decision = iota
	DecisionGPU
	DecisionCPU
)

// Event is one completion delivered to the downstream consumer, in the
// order completions occur. Err is nil for successful transcriptions.
type Event struct {
	SegmentID string
	Text      string
	Err       error
	Device    perf.Device
	Attempts  int
}

// Snapshot is a read-only view of scheduler state for operator surfaces.
type Snapshot struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Queued    int     `json:"queued"`
	GPUBusy   int     `json:"gpu_busy"`
	CPUBusy   int     `json:"cpu_busy"`
	Progress  float64 `json:"progress"`
}

// completion is the only message workers send back to the coordinator.
type completion struct {
	job      *Job
	device   perf.Device
	text     string
	err      error
	duration time.Duration
}

// Scheduler owns the pending queue, slot bookkeeping, and the allocation,
// retry, and endgame state machine. All fields below are written only by
// the goroutine running Run; cross-goroutine access goes through the
// completions and cancels channels and the published snapshot.
type Scheduler struct {
	cfg     config.Batch
	tracker *perf.Tracker
	runner  Runner

	queue     []*Job
	gpuSlots  int
	cpuSlots  int
	completed int
	failed    int
	total     int

	completions chan completion
	cancels     chan string
	events      chan Event
	snap        atomic.Value

	suggester  *advisor.Suggester
	suggestion atomic.Value
}

// New builds a scheduler for the given configuration. The tracker is read
// and written exclusively by the scheduler once Run starts.
func New(cfg config.Batch, tracker *perf.Tracker, runner Runner) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		tracker: tracker,
		runner:  runner,
		cancels: make(chan string, 16),
	}
	s.snap.Store(Snapshot{})
	return s
}

// Load sorts the segments for allocation and fixes the batch size. It must
// be called once, before Run.
func (s *Scheduler) Load(segments []Segment) {
	s.queue = SortForAllocation(segments, s.tracker)
	s.total = len(s.queue)
	// Sized so workers can always report, even if Run returned early.
	s.completions = make(chan completion, s.total+1)
	s.events = make(chan Event, s.total+1)
	s.publish()
}

// SetSuggester attaches an advisory evaluator. The coordinator re-runs it
// after each successful CPU completion and publishes the latest proposal;
// nothing is ever applied automatically. Must be called before Run.
func (s *Scheduler) SetSuggester(g *advisor.Suggester) {
	s.suggester = g
}

// LastSuggestion returns the most recent advisory proposal, if any. Safe
// from any goroutine.
func (s *Scheduler) LastSuggestion() (advisor.Suggestion, bool) {
	v, ok := s.suggestion.Load().(advisor.Suggestion)
	return v, ok
}

// Events returns the completion stream. The channel is closed when the
// batch finishes or Run returns.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Cancel requests removal of a queued job. Jobs already dispatched run to
// completion; the request is then a no-op.
func (s *Scheduler) Cancel(segmentID string) {
	select {
	case s.cancels <- segmentID:
	default:
	}
}

// State returns the latest published snapshot. Safe from any goroutine.
func (s *Scheduler) State() Snapshot {
	return s.snap.Load().(Snapshot)
}

// Run drives the batch to completion. It blocks only on a bounded poll
// interval; worker inference calls happen in their own goroutines. An
// empty batch is trivially complete. On context cancellation Run stops
// dispatching and returns ctx.Err(); running workers are not preempted.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.events)
	if s.total == 0 {
		return nil
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for s.completed+s.failed < s.total {
		s.fill(ctx)
		s.publish()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-s.cancels:
			s.handleCancel(id)
		case c := <-s.completions:
			s.handleCompletion(c)
		drained:
			for {
				select {
				case c := <-s.completions:
					s.handleCompletion(c)
				default:
					break drained
				}
			}
		case <-ticker.C:
		}
	}
	s.publish()
	return nil
}

// progress is the fraction of the batch that has reached a terminal state.
// Terminal failures count too, so a batch with failing jobs still reaches
// the endgame threshold and termination.
func (s *Scheduler) progress() float64 {
	if s.total == 0 {
		return 1
	}
	return float64(s.completed+s.failed) / float64(s.total)
}

// allocate decides where the job may run right now.
//
// Retries are pinned to their retry device and bypass the endgame and
// admission rules: the job already holds a failure and must run somewhere.
// Fresh jobs follow the policy: past the endgame threshold only GPU is
// eligible; otherwise GPU is preferred while free, and CPU admits the job
// only when its predicted time fits the CPU ceiling.
func (s *Scheduler) allocate(j *Job) Decision {
	gpuFree := s.gpuSlots < s.cfg.MaxGPUBatches
	cpuFree := s.cpuSlots < s.cfg.MaxCPUBatches
	switch j.retryDevice {
	case perf.DeviceCPU:
		if cpuFree {
			return DecisionCPU
		}
		return DecisionWait
	case perf.DeviceGPU:
		if gpuFree {
			return DecisionGPU
		}
		return DecisionWait
	}
	if s.progress() >= s.cfg.StopCPUAtProgress {
		if gpuFree {
			return DecisionGPU
		}
		return DecisionWait
	}
	if gpuFree {
		return DecisionGPU
	}
	if cpuFree && j.PredictedCPUTime <= s.cfg.MaxCPUTimePerJobSec {
		return DecisionCPU
	}
	return DecisionWait
}

// fill dispatches from the queue head for as long as the head can be
// allocated. Strict FIFO: the moment the head must wait, the queue stalls
// rather than letting later jobs jump ahead.
func (s *Scheduler) fill(ctx context.Context) {
	for len(s.queue) > 0 {
		head := s.queue[0]
		switch s.allocate(head) {
		case DecisionGPU:
			s.queue = s.queue[1:]
			s.dispatch(ctx, head, perf.DeviceGPU)
		case DecisionCPU:
			s.queue = s.queue[1:]
			s.dispatch(ctx, head, perf.DeviceCPU)
		case DecisionWait:
			if reduced, ok := s.tryReduce(head); ok {
				s.queue = s.queue[1:]
				s.dispatch(ctx, reduced, perf.DeviceCPU)
				continue
			}
			return
		}
	}
}

// tryReduce applies the configured reduction factor to a head job that is
// too large for the CPU budget while no GPU slot is free. It returns a new
// derived job when the reduced prediction fits; the original job is
// superseded and never runs. Reduction is explicit policy: a zero factor
// disables it.
func (s *Scheduler) tryReduce(head *Job) (*Job, bool) {
	if s.cfg.ReductionFactor <= 0 || head.retryDevice != "" {
		return nil, false
	}
	if s.gpuSlots < s.cfg.MaxGPUBatches || s.cpuSlots >= s.cfg.MaxCPUBatches {
		return nil, false
	}
	if s.progress() >= s.cfg.StopCPUAtProgress {
		return nil, false
	}
	if head.PredictedCPUTime <= s.cfg.MaxCPUTimePerJobSec {
		return nil, false
	}
	seg := Segment{
		ID:          head.Segment.ID + "-r" + uuid.NewString()[:8],
		DurationSec: head.Segment.DurationSec * s.cfg.ReductionFactor,
		AudioRef:    head.Segment.AudioRef,
	}
	cpu := s.tracker.Predict(seg.DurationSec, perf.DeviceCPU)
	if cpu > s.cfg.MaxCPUTimePerJobSec {
		return nil, false
	}
	gpu := s.tracker.Predict(seg.DurationSec, perf.DeviceGPU)
	logx.Log.Info().
		Str("job", head.Segment.ID).
		Str("derived", seg.ID).
		Float64("duration_sec", seg.DurationSec).
		Msg("reduced oversized segment for CPU dispatch")
	return &Job{
		Segment:          seg,
		PredictedGPUTime: gpu,
		PredictedCPUTime: cpu,
		GPUBenefit:       cpu - gpu,
		State:            StateQueued,
	}, true
}

func (s *Scheduler) dispatch(ctx context.Context, j *Job, d perf.Device) {
	if d == perf.DeviceGPU {
		j.State = StateRunningGPU
		s.gpuSlots++
	} else {
		j.State = StateRunningCPU
		s.cpuSlots++
	}
	metrics.JobStarted(string(d))
	logx.Log.Debug().
		Str("job", j.Segment.ID).
		Str("device", string(d)).
		Int("attempt", j.RetryCount+1).
		Msg("dispatching job")
	go func() {
		start := time.Now()
		text, err := s.runner.Transcribe(ctx, j.Segment, d)
		// The coordinator stops consuming once ctx is cancelled; don't
		// let an orphaned worker block on the report.
		select {
		case s.completions <- completion{job: j, device: d, text: text, err: err, duration: time.Since(start)}:
		case <-ctx.Done():
		}
	}()
}

func (s *Scheduler) handleCompletion(c completion) {
	// Slot release comes first so a failure can never leak capacity.
	if c.device == perf.DeviceGPU {
		s.gpuSlots--
	} else {
		s.cpuSlots--
	}

	if c.err == nil {
		s.tracker.Record(c.job.Segment.DurationSec, c.duration.Seconds(), c.device)
		c.job.State = StateCompleted
		s.completed++
		metrics.JobCompleted(string(c.device), true, c.duration)
		logx.Log.Info().
			Str("job", c.job.Segment.ID).
			Str("device", string(c.device)).
			Dur("took", c.duration).
			Msg("job completed")
		s.events <- Event{SegmentID: c.job.Segment.ID, Text: c.text, Device: c.device, Attempts: c.job.RetryCount + 1}
		if s.suggester != nil && c.device == perf.DeviceCPU {
			s.evaluateSuggestion()
		}
		return
	}

	metrics.JobCompleted(string(c.device), false, c.duration)
	c.job.RetryCount++
	logx.Log.Warn().
		Str("job", c.job.Segment.ID).
		Str("device", string(c.device)).
		Int("attempt", c.job.RetryCount).
		Err(c.err).
		Msg("job failed")

	if c.job.RetryCount >= s.cfg.MaxRetries {
		c.job.State = StateFailed
		s.failed++
		logx.Log.Error().
			Str("job", c.job.Segment.ID).
			Int("attempts", c.job.RetryCount).
			Msg("job exhausted retries")
		s.events <- Event{
			SegmentID: c.job.Segment.ID,
			Err:       fmt.Errorf("%w: %v", ErrRetriesExhausted, c.err),
			Device:    c.device,
			Attempts:  c.job.RetryCount,
		}
		return
	}

	metrics.JobRetried()
	// Failed jobs retry on CPU regardless of the failing device; with no
	// CPU slots configured they fall back to GPU.
	c.job.retryDevice = perf.DeviceCPU
	if s.cfg.MaxCPUBatches == 0 {
		c.job.retryDevice = perf.DeviceGPU
	}
	c.job.State = StateQueued
	s.queue = append([]*Job{c.job}, s.queue...)
}

func (s *Scheduler) handleCancel(segmentID string) {
	for i, j := range s.queue {
		if j.Segment.ID != segmentID {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		j.State = StateFailed
		s.failed++
		logx.Log.Info().Str("job", segmentID).Msg("queued job cancelled")
		s.events <- Event{SegmentID: segmentID, Err: ErrCancelled, Attempts: j.RetryCount}
		return
	}
}

// evaluateSuggestion runs the advisor against the tracker and publishes a
// changed proposal. Runs on the coordinator goroutine, so reading the
// tracker here is safe.
func (s *Scheduler) evaluateSuggestion() {
	sug, ok := s.suggester.Evaluate(s.tracker, s.cfg)
	if !ok {
		return
	}
	if prev, had := s.LastSuggestion(); had && prev == sug {
		return
	}
	s.suggestion.Store(sug)
	logx.Log.Info().
		Str("field", sug.Field).
		Int("current", sug.Current).
		Int("proposed", sug.Proposed).
		Float64("estimated_saving_sec", sug.EstimatedSaving).
		Msg(sug.Rationale)
}

// publish refreshes the atomic snapshot and the operator gauges.
func (s *Scheduler) publish() {
	snap := Snapshot{
		Total:     s.total,
		Completed: s.completed,
		Failed:    s.failed,
		Queued:    len(s.queue),
		GPUBusy:   s.gpuSlots,
		CPUBusy:   s.cpuSlots,
		Progress:  s.progress(),
	}
	s.snap.Store(snap)
	metrics.SetQueueDepth(snap.Queued)
	metrics.SetSlotsBusy(string(perf.DeviceGPU), snap.GPUBusy)
	metrics.SetSlotsBusy(string(perf.DeviceCPU), snap.CPUBusy)
	metrics.SetProgress(snap.Progress)
}
