package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values for verification outcomes.
const (
	statusValid   = "valid"
	statusInvalid = "invalid"
	statusError   = "error"
)

// Metrics holds the verification pipeline collectors.
type Metrics struct {
	verifications *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// NewMetrics creates the pipeline collectors and registers them on reg. A nil
// reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		verifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "apikeyd",
				Subsystem: "verify",
				Name:      "validation_total",
				Help:      "Total number of API key verifications by status and reason",
			},
			[]string{"status", "reason"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "apikeyd",
				Subsystem: "verify",
				Name:      "duration_seconds",
				Help:      "Duration of API key verifications in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"status"},
		),
	}
}

func (m *Metrics) observe(status string, reason Reason, seconds float64) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(status, string(reason)).Inc()
	m.duration.WithLabelValues(status).Observe(seconds)
}
