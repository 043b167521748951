package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailMetricsIncrement(t *testing.T) {
	lbl := "metrics-test"

	MailSendSuccess.WithLabelValues(lbl).Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(MailSendSuccess.WithLabelValues(lbl)), float64(1))

	MailSendRetries.WithLabelValues(lbl).Add(2)
	assert.GreaterOrEqual(t, testutil.ToFloat64(MailSendRetries.WithLabelValues(lbl)), float64(2))

	MailQueueDepth.WithLabelValues(lbl).Set(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(MailQueueDepth.WithLabelValues(lbl)))
}

func TestHandlerExposesRelayMetrics(t *testing.T) {
	IdempotentReplays.Inc()
	APIRequests.WithLabelValues("/send-email", "200").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "mailrelay_idempotent_replays_total")
	assert.Contains(t, body, `mailrelay_api_requests_total{endpoint="/send-email",status="200"}`)
}
