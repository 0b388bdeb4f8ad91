// Package metrics holds the Prometheus collectors for capture operations.
// All methods are nil-safe so packages can run without metrics wired.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for framegrabber.
type Metrics struct {
	// Frames
	FramesEmitted *prometheus.CounterVec
	FrameBytes    *prometheus.HistogramVec

	// Supervisor
	StreamFailures  *prometheus.CounterVec
	StreamEnds      *prometheus.CounterVec
	ActiveProcesses *prometheus.GaugeVec
	ForcedKills     *prometheus.CounterVec
	DisposeDuration prometheus.Histogram

	// Rotation
	SegmentsPromoted prometheus.Counter
	SegmentsDeleted  prometheus.Counter
	RotationSkipped  prometheus.Counter
	RotationErrors   prometheus.Counter
}

// New creates and registers all metrics on reg. Pass prometheus.DefaultRegisterer
// for the process-wide registry or a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "framegrabber_frames_total",
			Help: "Total number of complete frames extracted from engine output",
		}, []string{"format"}),
		FrameBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "framegrabber_frame_bytes",
			Help:    "Size of extracted frames in bytes",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 12),
		}, []string{"format"}),
		StreamFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "framegrabber_stream_failures_total",
			Help: "Operations that ended in a declared stream failure",
		}, []string{"kind", "reason"}),
		StreamEnds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "framegrabber_stream_ends_total",
			Help: "File-producing operations whose engine exited with code 0",
		}, []string{"kind"}),
		ActiveProcesses: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "framegrabber_active_processes",
			Help: "Engine subprocesses currently supervised",
		}, []string{"kind"}),
		ForcedKills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "framegrabber_forced_kills_total",
			Help: "Engine subprocesses force-terminated after the graceful exit budget",
		}, []string{"kind"}),
		DisposeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "framegrabber_dispose_seconds",
			Help:    "Time spent tearing down one operation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		SegmentsPromoted: f.NewCounter(prometheus.CounterOpts{
			Name: "framegrabber_segments_promoted_total",
			Help: "Completed segments moved from staging to output",
		}),
		SegmentsDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "framegrabber_segments_deleted_total",
			Help: "Stale staging segments deleted during rotation",
		}),
		RotationSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "framegrabber_rotation_skipped_total",
			Help: "Rotation ticks skipped because a pass was still running",
		}),
		RotationErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "framegrabber_rotation_errors_total",
			Help: "Rotation passes that failed",
		}),
	}
}

// Frame records one emitted frame.
func (m *Metrics) Frame(format string, size int) {
	if m == nil {
		return
	}
	m.FramesEmitted.WithLabelValues(format).Inc()
	m.FrameBytes.WithLabelValues(format).Observe(float64(size))
}

// Failure records a declared stream failure.
func (m *Metrics) Failure(kind, reason string) {
	if m == nil {
		return
	}
	m.StreamFailures.WithLabelValues(kind, reason).Inc()
}

// End records a clean engine exit.
func (m *Metrics) End(kind string) {
	if m == nil {
		return
	}
	m.StreamEnds.WithLabelValues(kind).Inc()
}

// ProcessStarted counts one more running engine.
func (m *Metrics) ProcessStarted(kind string) {
	if m == nil {
		return
	}
	m.ActiveProcesses.WithLabelValues(kind).Inc()
}

// ProcessDisposed counts one fewer running engine and records how long its
// disposal took and whether it had to be killed.
func (m *Metrics) ProcessDisposed(kind string, seconds float64, forced bool) {
	if m == nil {
		return
	}
	m.ActiveProcesses.WithLabelValues(kind).Dec()
	m.DisposeDuration.Observe(seconds)
	if forced {
		m.ForcedKills.WithLabelValues(kind).Inc()
	}
}

// Rotation records the outcome of one rotation pass.
func (m *Metrics) Rotation(promoted, deleted int, skipped bool, err error) {
	if m == nil {
		return
	}
	if skipped {
		m.RotationSkipped.Inc()
		return
	}
	if err != nil {
		m.RotationErrors.Inc()
	}
	m.SegmentsPromoted.Add(float64(promoted))
	m.SegmentsDeleted.Add(float64(deleted))
}
