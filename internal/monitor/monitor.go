package monitor

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/replicate/cog-director/internal/schema"
)

// Monitor exposes director state for scraping: the prediction currently in
// flight plus counters for completed predictions and model health probes. It
// owns its registry so tests can run monitors side by side.
type Monitor struct {
	registry *prometheus.Registry

	predictionsTotal    *prometheus.CounterVec
	predictionRunning   prometheus.Gauge
	consecutiveFailures prometheus.Gauge
	modelHealth         prometheus.Gauge

	mu      sync.Mutex
	current *schema.PredictionResponse
}

func New() *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		predictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cog_director_predictions_total",
			Help: "Completed predictions by terminal status.",
		}, []string{"status"}),
		predictionRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cog_director_prediction_running",
			Help: "Whether a prediction is currently in flight.",
		}),
		consecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cog_director_consecutive_failures",
			Help: "Consecutive prediction failures since the last success.",
		}),
		modelHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cog_director_model_health",
			Help: "Last observed model container health as an enum value.",
		}),
	}
	m.registry.MustRegister(
		m.predictionsTotal,
		m.predictionRunning,
		m.consecutiveFailures,
		m.modelHealth,
	)
	return m
}

// Handler serves the metrics endpoint.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetCurrentPrediction records the in-flight prediction, or clears it when
// passed nil.
func (m *Monitor) SetCurrentPrediction(response *schema.PredictionResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = response
	if response == nil {
		m.predictionRunning.Set(0)
	} else {
		m.predictionRunning.Set(1)
	}
}

// CurrentPrediction returns a copy of the in-flight prediction, if any.
func (m *Monitor) CurrentPrediction() (schema.PredictionResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return schema.PredictionResponse{}, false
	}
	return *m.current, true
}

// RecordPrediction counts a completed prediction under its terminal status.
func (m *Monitor) RecordPrediction(status schema.PredictionStatus) {
	m.predictionsTotal.WithLabelValues(string(status)).Inc()
}

// SetConsecutiveFailures tracks the failure streak feeding the abort
// threshold.
func (m *Monitor) SetConsecutiveFailures(n int) {
	m.consecutiveFailures.Set(float64(n))
}

// ObserveHealth records the latest model container health.
func (m *Monitor) ObserveHealth(health schema.Health) {
	m.modelHealth.Set(float64(health))
}
