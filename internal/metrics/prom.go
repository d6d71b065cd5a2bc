package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchscribe_jobs_started_total",
			Help: "Jobs dispatched to a slot",
		},
		[]string{"device"},
	)

	jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchscribe_jobs_completed_total",
			Help: "Jobs finished, by device and outcome",
		},
		[]string{"device", "outcome"},
	)

	jobRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batchscribe_job_retries_total",
			Help: "Retry attempts after a job failure",
		},
	)

	processingSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batchscribe_processing_seconds",
			Help:    "Wall-clock processing time per job",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"device"},
	)

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "batchscribe_queue_depth",
		Help: "Jobs waiting for a slot",
	})

	slotsBusy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batchscribe_slots_busy",
			Help: "Occupied execution slots per device",
		},
		[]string{"device"},
	)

	batchProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "batchscribe_batch_progress",
		Help: "Fraction of the batch that has finished",
	})
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(jobsStarted, jobsCompleted, jobRetries, processingSeconds, queueDepth, slotsBusy, batchProgress)
}

// JobStarted counts a dispatch to the given device.
func JobStarted(device string) {
	jobsStarted.WithLabelValues(device).Inc()
}

// JobCompleted counts a finished job and records its processing time.
func JobCompleted(device string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	jobsCompleted.WithLabelValues(device, outcome).Inc()
	processingSeconds.WithLabelValues(device).Observe(d.Seconds())
}

// JobRetried counts a retry attempt.
func JobRetried() {
	jobRetries.Inc()
}

// SetQueueDepth records the number of jobs still waiting for a slot.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetSlotsBusy records the occupied slot count for a device.
func SetSlotsBusy(device string, n int) {
	slotsBusy.WithLabelValues(device).Set(float64(n))
}

// SetProgress records overall batch progress in [0, 1].
func SetProgress(p float64) {
	batchProgress.Set(p)
}
