package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectAttempt("rosbridge", nil)
		m.Received("rosbridge", "/odom")
		m.Published("rosbridge", "/cmd_vel")
		m.DecodeError("overlay", "odom")
		m.ActionDone("rosbridge", "/navigate_to_pose", "SUCCEEDED", time.Second)
		m.FrameDecoded("shm", "head")
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.ConnectAttempt("rosbridge", errors.New("refused"))
	m.ConnectAttempt("rosbridge", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("rosbridge", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("rosbridge", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connected.WithLabelValues("rosbridge")))

	m.SetConnected("rosbridge", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connected.WithLabelValues("rosbridge")))

	m.Received("overlay", "odom")
	m.Received("overlay", "odom")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("overlay", "odom")))

	m.ActionDone("rosbridge", "/navigate_to_pose", "SUCCEEDED", 2*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActionOutcomes.WithLabelValues("rosbridge", "/navigate_to_pose", "SUCCEEDED")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Published("rosbridge", "/cmd_vel")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `walkie_messages_published_total{topic="/cmd_vel",transport="rosbridge"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
