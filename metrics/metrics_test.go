package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	RecordBrokerRequest("Produce")

	handler := Handler()
	require.NotNil(t, handler)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "embedded_broker_requests_total")
}

func TestRecordSend(t *testing.T) {
	before := testutil.ToFloat64(ProducerSendsTotal.WithLabelValues("metrics-test", "error"))
	RecordSend("metrics-test", errors.New("boom"))
	RecordSend("metrics-test", nil)

	assert.Equal(t, before+1, testutil.ToFloat64(ProducerSendsTotal.WithLabelValues("metrics-test", "error")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(ProducerSendsTotal.WithLabelValues("metrics-test", "ok")), 1.0)
}

func TestRecordAppendAndFetch(t *testing.T) {
	RecordAppend("metrics-append", 3)
	RecordFetch("metrics-append", 128)

	assert.Equal(t, 3.0, testutil.ToFloat64(BrokerRecordsAppendedTotal.WithLabelValues("metrics-append")))
	assert.Equal(t, 128.0, testutil.ToFloat64(BrokerBytesFetchedTotal.WithLabelValues("metrics-append")))
}

func TestRecordProbe(t *testing.T) {
	before := testutil.ToFloat64(ProbeRunsTotal.WithLabelValues("timeout"))
	RecordProbe("timeout", 0)
	RecordProbe("ok", 20*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(ProbeRunsTotal.WithLabelValues("timeout")))
}

func TestWebsocketGauge(t *testing.T) {
	// This should not panic
	IncWSConnections()
	DecWSConnections()
	IncMsgIngested()
	IncMsgBroadcast()
}
