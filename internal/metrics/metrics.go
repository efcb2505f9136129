// Package metrics exposes collicam's Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collicam/internal/pipeline"
)

// Metrics holds all the metric collectors for the application
type Metrics struct {
	registry   *prometheus.Registry
	Detection  *DetectionMetrics
	Recording  *RecordingMetrics
	Processing *ProcessingMetrics
}

// New creates a registry with process and Go collectors plus the
// application collectors
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("failed to register go collector: %w", err)
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	detection, err := NewDetectionMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create detection metrics: %w", err)
	}
	recording, err := NewRecordingMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording metrics: %w", err)
	}
	processing, err := NewProcessingMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create processing metrics: %w", err)
	}

	return &Metrics{
		registry:   registry,
		Detection:  detection,
		Recording:  recording,
		Processing: processing,
	}, nil
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// DetectionMetrics observes detection loop cycles
type DetectionMetrics struct {
	cycles     *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	errors     *prometheus.CounterVec
	collisions *prometheus.CounterVec
	inference  *prometheus.HistogramVec
	objects    *prometheus.GaugeVec
}

// NewDetectionMetrics creates and registers detection metrics
func NewDetectionMetrics(registry prometheus.Registerer) (*DetectionMetrics, error) {
	m := &DetectionMetrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collicam_detection_cycles_total",
			Help: "Completed detection cycles",
		}, []string{"source"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collicam_detection_cycles_skipped_total",
			Help: "Cycles skipped because the frame or detector was not ready",
		}, []string{"source"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collicam_detection_errors_total",
			Help: "Detector calls that failed",
		}, []string{"source"}),
		collisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collicam_collisions_total",
			Help: "Cycles that reported a collision",
		}, []string{"source"}),
		inference: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collicam_inference_duration_seconds",
			Help:    "Detector round trip time",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"source"}),
		objects: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collicam_detected_objects",
			Help: "Objects in the current detection set",
		}, []string{"source"}),
	}
	for _, c := range []prometheus.Collector{m.cycles, m.skipped, m.errors, m.collisions, m.inference, m.objects} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

var _ pipeline.LoopObserver = (*DetectionMetrics)(nil)

func (m *DetectionMetrics) ObserveCycle(source string, inference time.Duration, detections int) {
	m.cycles.WithLabelValues(source).Inc()
	m.inference.WithLabelValues(source).Observe(inference.Seconds())
	m.objects.WithLabelValues(source).Set(float64(detections))
}

func (m *DetectionMetrics) CycleSkipped(source string) {
	m.skipped.WithLabelValues(source).Inc()
}

func (m *DetectionMetrics) DetectionFailed(source string) {
	m.errors.WithLabelValues(source).Inc()
}

func (m *DetectionMetrics) CollisionDetected(source string) {
	m.collisions.WithLabelValues(source).Inc()
}

// RecordingMetrics observes recording sessions
type RecordingMetrics struct {
	active   prometheus.Gauge
	stopped  *prometheus.CounterVec
	duration prometheus.Histogram
	bytes    prometheus.Counter
}

// NewRecordingMetrics creates and registers recording metrics
func NewRecordingMetrics(registry prometheus.Registerer) (*RecordingMetrics, error) {
	m := &RecordingMetrics{
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collicam_recording_active",
			Help: "1 while a recording is in progress",
		}),
		stopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collicam_recordings_total",
			Help: "Finished recordings by stop reason",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "collicam_recording_duration_seconds",
			Help:    "Elapsed seconds of finished recordings",
			Buckets: prometheus.LinearBuckets(5, 5, 6),
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collicam_recorded_bytes_total",
			Help: "Encoded bytes captured",
		}),
	}
	for _, c := range []prometheus.Collector{m.active, m.stopped, m.duration, m.bytes} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Started marks a recording as in progress
func (m *RecordingMetrics) Started() {
	m.active.Set(1)
}

// Stopped records a finished recording
func (m *RecordingMetrics) Stopped(reason string, elapsedSeconds, sizeBytes int) {
	m.active.Set(0)
	m.stopped.WithLabelValues(reason).Inc()
	m.duration.Observe(float64(elapsedSeconds))
	m.bytes.Add(float64(sizeBytes))
}

// ProcessingMetrics observes post-processing submissions
type ProcessingMetrics struct {
	submissions *prometheus.CounterVec
	duration    prometheus.Histogram
}

// NewProcessingMetrics creates and registers post-processing metrics
func NewProcessingMetrics(registry prometheus.Registerer) (*ProcessingMetrics, error) {
	m := &ProcessingMetrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collicam_postprocess_submissions_total",
			Help: "Post-processing submissions by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "collicam_postprocess_duration_seconds",
			Help:    "Upload plus transform time",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	for _, c := range []prometheus.Collector{m.submissions, m.duration} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe records one submission. outcome is "ok", "upload_failed",
// "transform_failed" or "invalid".
func (m *ProcessingMetrics) Observe(outcome string, took time.Duration) {
	m.submissions.WithLabelValues(outcome).Inc()
	m.duration.Observe(took.Seconds())
}
