package monitor

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/cog-director/internal/schema"
)

func TestMonitorCurrentPrediction(t *testing.T) {
	t.Parallel()

	m := New()

	_, ok := m.CurrentPrediction()
	assert.False(t, ok)

	m.SetCurrentPrediction(&schema.PredictionResponse{ID: "p1"})
	got, ok := m.CurrentPrediction()
	require.True(t, ok)
	assert.Equal(t, "p1", got.ID)

	m.SetCurrentPrediction(nil)
	_, ok = m.CurrentPrediction()
	assert.False(t, ok)
}

func TestMonitorServesMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordPrediction(schema.PredictionSucceeded)
	m.RecordPrediction(schema.PredictionFailed)
	m.SetConsecutiveFailures(1)
	m.ObserveHealth(schema.HealthReady)
	m.SetCurrentPrediction(&schema.PredictionResponse{ID: "p1"})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `cog_director_predictions_total{status="succeeded"} 1`)
	assert.Contains(t, body, `cog_director_predictions_total{status="failed"} 1`)
	assert.Contains(t, body, "cog_director_consecutive_failures 1")
	assert.Contains(t, body, "cog_director_prediction_running 1")
}
