package sched

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxlane/batchscribe/internal/advisor"
	"github.com/voxlane/batchscribe/internal/config"
	"github.com/voxlane/batchscribe/internal/perf"
)

type runnerFunc func(ctx context.Context, seg Segment, device perf.Device) (string, error)

func (f runnerFunc) Transcribe(ctx context.Context, seg Segment, device perf.Device) (string, error) {
	return f(ctx, seg, device)
}

func testCfg() config.Batch {
	cfg := config.Default()
	cfg.MaxGPUBatches = 2
	cfg.MaxCPUBatches = 3
	cfg.PollInterval = 2 * time.Millisecond
	return cfg
}

func instantRunner() Runner {
	return runnerFunc(func(_ context.Context, seg Segment, _ perf.Device) (string, error) {
		return "text:" + seg.ID, nil
	})
}

func collectEvents(s *Scheduler) map[string]Event {
	out := map[string]Event{}
	for ev := range s.Events() {
		out[ev.SegmentID] = ev
	}
	return out
}

func TestAllocateRespectsSlotCaps(t *testing.T) {
	cfg := testCfg()
	s := New(cfg, perf.NewTracker(), nil)
	s.total = 10
	job := &Job{PredictedCPUTime: 10}

	s.gpuSlots = cfg.MaxGPUBatches
	if d := s.allocate(job); d == DecisionGPU {
		t.Fatal("allocated gpu with all gpu slots busy")
	}
	s.cpuSlots = cfg.MaxCPUBatches
	if d := s.allocate(job); d != DecisionWait {
		t.Fatalf("decision = %v; want wait with all slots busy", d)
	}

	s.gpuSlots = 0
	if d := s.allocate(job); d != DecisionGPU {
		t.Fatalf("decision = %v; want gpu preference while free", d)
	}
}

func TestAllocateEndgameNeverReturnsCPU(t *testing.T) {
	cfg := testCfg()
	s := New(cfg, perf.NewTracker(), nil)
	s.total = 10
	s.completed = 8
	s.gpuSlots = cfg.MaxGPUBatches
	job := &Job{PredictedCPUTime: 10}

	// Past the threshold with free CPU slots: wait for GPU only.
	if d := s.allocate(job); d != DecisionWait {
		t.Fatalf("decision = %v; want wait past endgame threshold", d)
	}
	s.gpuSlots = 0
	if d := s.allocate(job); d != DecisionGPU {
		t.Fatalf("decision = %v; want gpu past endgame threshold", d)
	}
}

func TestAllocateCPUAdmissionCeiling(t *testing.T) {
	cfg := testCfg()
	s := New(cfg, perf.NewTracker(), nil)
	s.total = 10
	s.gpuSlots = cfg.MaxGPUBatches

	over := &Job{PredictedCPUTime: 400}
	if d := s.allocate(over); d != DecisionWait {
		t.Fatalf("decision = %v; want wait for 400s prediction against 300s ceiling", d)
	}
	under := &Job{PredictedCPUTime: 200}
	if d := s.allocate(under); d != DecisionCPU {
		t.Fatalf("decision = %v; want cpu for prediction within ceiling", d)
	}
}

func TestRunEmptyBatchTriviallyComplete(t *testing.T) {
	s := New(testCfg(), perf.NewTracker(), instantRunner())
	s.Load(nil)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, open := <-s.Events(); open {
		t.Fatal("expected closed event channel for empty batch")
	}
}

func TestRunCompletesBatch(t *testing.T) {
	tr := perf.NewTracker()
	s := New(testCfg(), tr, instantRunner())
	segs := make([]Segment, 10)
	for i := range segs {
		segs[i] = Segment{ID: string(rune('a' + i)), DurationSec: float64(i + 1)}
	}
	s.Load(segs)

	done := make(chan map[string]Event, 1)
	go func() { done <- collectEvents(s) }()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := <-done
	if len(events) != len(segs) {
		t.Fatalf("got %d events; want %d", len(events), len(segs))
	}
	for id, ev := range events {
		if ev.Err != nil {
			t.Fatalf("segment %s failed: %v", id, ev.Err)
		}
		if ev.Text != "text:"+id {
			t.Fatalf("segment %s text = %q", id, ev.Text)
		}
	}
	if n := tr.SampleCount(perf.DeviceGPU) + tr.SampleCount(perf.DeviceCPU); n != len(segs) {
		t.Fatalf("tracker holds %d samples; want %d", n, len(segs))
	}
	st := s.State()
	if st.Completed != len(segs) || st.Progress != 1 || st.GPUBusy != 0 || st.CPUBusy != 0 {
		t.Fatalf("final snapshot = %+v", st)
	}
}

func TestRunEndgameFromStartUsesGPUOnly(t *testing.T) {
	var mu sync.Mutex
	devices := map[string]perf.Device{}
	runner := runnerFunc(func(_ context.Context, seg Segment, d perf.Device) (string, error) {
		mu.Lock()
		devices[seg.ID] = d
		mu.Unlock()
		return "", nil
	})
	cfg := testCfg()
	cfg.StopCPUAtProgress = 0 // endgame active for the whole batch
	s := New(cfg, perf.NewTracker(), runner)
	segs := make([]Segment, 8)
	for i := range segs {
		segs[i] = Segment{ID: string(rune('a' + i)), DurationSec: 10}
	}
	s.Load(segs)
	go func() {
		for range s.Events() {
		}
	}()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for id, d := range devices {
		if d != perf.DeviceGPU {
			t.Fatalf("segment %s ran on %s despite free CPU slots in endgame", id, d)
		}
	}
}

func TestRetryAfterGPUFailureRunsOnCPU(t *testing.T) {
	var mu sync.Mutex
	var attempts []perf.Device
	runner := runnerFunc(func(_ context.Context, _ Segment, d perf.Device) (string, error) {
		mu.Lock()
		attempts = append(attempts, d)
		mu.Unlock()
		if d == perf.DeviceGPU {
			return "", errors.New("cuda out of memory")
		}
		return "recovered", nil
	})
	cfg := testCfg()
	cfg.MaxGPUBatches = 1
	cfg.MaxCPUBatches = 1
	s := New(cfg, perf.NewTracker(), runner)
	s.Load([]Segment{{ID: "s1", DurationSec: 10}})

	done := make(chan map[string]Event, 1)
	go func() { done <- collectEvents(s) }()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	ev := (<-done)["s1"]
	if ev.Err != nil {
		t.Fatalf("event error: %v", ev.Err)
	}
	if ev.Device != perf.DeviceCPU || ev.Attempts != 2 {
		t.Fatalf("event = %+v; want cpu success on attempt 2", ev)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 || attempts[0] != perf.DeviceGPU || attempts[1] != perf.DeviceCPU {
		t.Fatalf("attempts = %v; want [gpu cpu]", attempts)
	}
}

func TestJobExhaustsRetriesWithoutAbortingBatch(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, seg Segment, _ perf.Device) (string, error) {
		if seg.ID == "bad" {
			return "", errors.New("decode error")
		}
		return "text", nil
	})
	cfg := testCfg()
	s := New(cfg, perf.NewTracker(), runner)
	s.Load([]Segment{
		{ID: "bad", DurationSec: 30},
		{ID: "good", DurationSec: 10},
	})

	done := make(chan map[string]Event, 1)
	go func() { done <- collectEvents(s) }()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := <-done

	bad := events["bad"]
	if !errors.Is(bad.Err, ErrRetriesExhausted) {
		t.Fatalf("bad job error = %v; want ErrRetriesExhausted", bad.Err)
	}
	if bad.Attempts != cfg.MaxRetries {
		t.Fatalf("bad job attempts = %d; want %d", bad.Attempts, cfg.MaxRetries)
	}
	if good := events["good"]; good.Err != nil {
		t.Fatalf("good job failed: %v", good.Err)
	}
	st := s.State()
	if st.Completed != 1 || st.Failed != 1 || st.GPUBusy != 0 || st.CPUBusy != 0 {
		t.Fatalf("final snapshot = %+v", st)
	}
}

func TestReductionDispatchesDerivedSegment(t *testing.T) {
	tr := perf.NewTracker()
	// Establish a 20x CPU ratio and a 2x GPU ratio from evidence.
	for i := 0; i < 3; i++ {
		tr.Record(10, 200, perf.DeviceCPU)
		tr.Record(10, 20, perf.DeviceGPU)
	}

	gate := make(chan struct{})
	runner := runnerFunc(func(_ context.Context, seg Segment, d perf.Device) (string, error) {
		if d == perf.DeviceGPU {
			<-gate
		}
		return "text", nil
	})
	cfg := testCfg()
	cfg.MaxGPUBatches = 1
	cfg.MaxCPUBatches = 1
	cfg.ReductionFactor = 0.5
	s := New(cfg, tr, runner)
	// "big" sorts first and occupies the single GPU slot; "over" predicts
	// 400s on CPU against the 300s ceiling and must be reduced to fit.
	s.Load([]Segment{
		{ID: "big", DurationSec: 100},
		{ID: "over", DurationSec: 20},
	})

	done := make(chan map[string]Event, 1)
	go func() { done <- collectEvents(s) }()
	go func() {
		// Let the reduced job finish on CPU before releasing the GPU.
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := <-done

	var derived *Event
	for id := range events {
		if strings.HasPrefix(id, "over-r") {
			ev := events[id]
			derived = &ev
		}
	}
	if derived == nil {
		t.Fatalf("no derived segment event; got %v", events)
	}
	if derived.Err != nil || derived.Device != perf.DeviceCPU {
		t.Fatalf("derived event = %+v; want cpu success", *derived)
	}
	if _, ok := events["over"]; ok {
		t.Fatal("superseded original segment also produced an event")
	}
}

func TestCancelQueuedJob(t *testing.T) {
	gate := make(chan struct{})
	runner := runnerFunc(func(_ context.Context, _ Segment, _ perf.Device) (string, error) {
		<-gate
		return "text", nil
	})
	cfg := testCfg()
	cfg.MaxGPUBatches = 1
	cfg.MaxCPUBatches = 0
	s := New(cfg, perf.NewTracker(), runner)
	s.Load([]Segment{
		{ID: "running", DurationSec: 50},
		{ID: "parked", DurationSec: 10},
	})

	done := make(chan map[string]Event, 1)
	go func() { done <- collectEvents(s) }()
	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Cancel("parked")
		time.Sleep(20 * time.Millisecond)
		close(gate)
	}()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	events := <-done
	if !errors.Is(events["parked"].Err, ErrCancelled) {
		t.Fatalf("parked error = %v; want ErrCancelled", events["parked"].Err)
	}
	if events["running"].Err != nil {
		t.Fatalf("running job failed: %v", events["running"].Err)
	}
}

func TestRunStopsDispatchingOnContextCancel(t *testing.T) {
	gate := make(chan struct{})
	runner := runnerFunc(func(_ context.Context, _ Segment, _ perf.Device) (string, error) {
		<-gate
		return "text", nil
	})
	cfg := testCfg()
	cfg.MaxGPUBatches = 1
	cfg.MaxCPUBatches = 0
	s := New(cfg, perf.NewTracker(), runner)
	s.Load([]Segment{
		{ID: "a", DurationSec: 10},
		{ID: "b", DurationSec: 10},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
		close(gate)
	}()
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v; want context.Canceled", err)
	}
}

func TestSuggesterPublishesAfterCPUCompletions(t *testing.T) {
	gate := make(chan struct{})
	runner := runnerFunc(func(_ context.Context, _ Segment, d perf.Device) (string, error) {
		if d == perf.DeviceGPU {
			<-gate
		}
		return "text", nil
	})
	cfg := testCfg()
	cfg.MaxGPUBatches = 1
	cfg.MaxCPUBatches = 2
	s := New(cfg, perf.NewTracker(), runner)
	s.SetSuggester(advisor.New())
	// The largest segment pins the GPU slot; the rest complete on CPU
	// quickly enough to trip the advisor threshold.
	segs := []Segment{{ID: "pinned", DurationSec: 100}}
	for i := 0; i < 5; i++ {
		segs = append(segs, Segment{ID: string(rune('a' + i)), DurationSec: 1})
	}
	s.Load(segs)

	done := make(chan map[string]Event, 1)
	go func() { done <- collectEvents(s) }()
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(gate)
	}()
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	sug, ok := s.LastSuggestion()
	if !ok {
		t.Fatal("expected a published suggestion after fast CPU completions")
	}
	if sug.Proposed != cfg.MaxCPUBatches+1 {
		t.Fatalf("proposed = %d; want %d", sug.Proposed, cfg.MaxCPUBatches+1)
	}
}
