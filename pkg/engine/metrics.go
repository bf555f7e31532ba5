package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/remiblancher/qsign/pkg/status"
)

// Recorder receives operation outcomes. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// RecordSign records one signed document.
	RecordSign(format string, kind status.Kind, d time.Duration)
	// RecordVerify records one verification.
	RecordVerify(format string, kind status.Kind, d time.Duration)
	// RecordBatch records the size of a sign batch.
	RecordBatch(size int)
}

// NopRecorder discards all measurements.
type NopRecorder struct{}

func (NopRecorder) RecordSign(string, status.Kind, time.Duration)   {}
func (NopRecorder) RecordVerify(string, status.Kind, time.Duration) {}
func (NopRecorder) RecordBatch(int)                                 {}

// PrometheusRecorder exports engine metrics.
type PrometheusRecorder struct {
	signTotal      *prometheus.CounterVec
	signDuration   *prometheus.HistogramVec
	verifyTotal    *prometheus.CounterVec
	verifyDuration *prometheus.HistogramVec
	batchSize      prometheus.Histogram
}

// NewPrometheusRecorder registers the engine metrics with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		signTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsign_sign_total",
			Help: "Signed documents by format and outcome",
		}, []string{"format", "result"}),
		signDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qsign_sign_duration_seconds",
			Help:    "Time to sign one document",
			Buckets: prometheus.DefBuckets,
		}, []string{"format"}),
		verifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qsign_verify_total",
			Help: "Verifications by format and outcome",
		}, []string{"format", "result"}),
		verifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qsign_verify_duration_seconds",
			Help:    "Time to verify one signature",
			Buckets: prometheus.DefBuckets,
		}, []string{"format"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "qsign_sign_batch_size",
			Help:    "Documents per sign call",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
	}
	reg.MustRegister(r.signTotal, r.signDuration, r.verifyTotal, r.verifyDuration, r.batchSize)
	return r
}

func result(kind status.Kind) string {
	if kind == status.KindNone {
		return "success"
	}
	return kind.String()
}

// RecordSign records one signed document.
func (r *PrometheusRecorder) RecordSign(format string, kind status.Kind, d time.Duration) {
	r.signTotal.WithLabelValues(format, result(kind)).Inc()
	r.signDuration.WithLabelValues(format).Observe(d.Seconds())
}

// RecordVerify records one verification.
func (r *PrometheusRecorder) RecordVerify(format string, kind status.Kind, d time.Duration) {
	r.verifyTotal.WithLabelValues(format, result(kind)).Inc()
	r.verifyDuration.WithLabelValues(format).Observe(d.Seconds())
}

// RecordBatch records the size of a sign batch.
func (r *PrometheusRecorder) RecordBatch(size int) {
	r.batchSize.Observe(float64(size))
}
