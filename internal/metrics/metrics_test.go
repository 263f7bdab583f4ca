package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TurnStarted()
	m.TurnStarted()
	m.TurnFinished("regular", "stop")
	m.Denied("guest", "daily")
	m.ToolFinished("getWeather", "output-available", 20*time.Millisecond)
	m.Fallback(errors.New("redis down"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveTurns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TurnsTotal.WithLabelValues("regular", "stop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AdmissionDenied.WithLabelValues("guest", "daily")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolInvocations.WithLabelValues("getWeather", "output-available")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitFallback))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.TurnStarted()
	m.TurnFinished("x", "y")
	m.Denied("x", "y")
	m.ToolFinished("x", "y", time.Second)
	m.Fallback(nil)
}
