package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BrokerRequestsTotal counts wire requests served by the embedded broker.
	BrokerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embedded_broker_requests_total",
			Help: "Kafka protocol requests handled by the embedded broker",
		},
		[]string{"api"},
	)

	BrokerConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "embedded_broker_connections",
			Help: "Open client connections to the embedded broker",
		},
	)

	BrokerRecordsAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embedded_broker_records_appended_total",
			Help: "Records appended to partition logs",
		},
		[]string{"topic"},
	)

	BrokerBytesFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embedded_broker_fetched_bytes_total",
			Help: "Record batch bytes returned by fetch requests",
		},
		[]string{"topic"},
	)

	GroupRebalancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "embedded_broker_group_rebalances_total",
			Help: "Completed consumer group rebalances",
		},
		[]string{"group"},
	)

	ProducerSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "producer_sends_total",
			Help: "Messages handed to the kafka writer by result",
		},
		[]string{"topic", "result"},
	)

	ConsumerDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_deliveries_total",
			Help: "Records received by the consumer",
		},
		[]string{"topic"},
	)

	ProbeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "probe_runs_total",
			Help: "Round-trip probe runs by outcome",
		},
		[]string{"result"},
	)

	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "probe_duration_seconds",
			Help:    "Time from send to observed delivery",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	wsConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_ws_connections",
			Help: "Connected websocket clients",
		},
	)

	msgIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "api_messages_ingested_total",
			Help: "Messages accepted by the HTTP surface",
		},
	)

	authFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_auth_failures_total",
			Help: "Rejected HTTP requests by auth scheme",
		},
		[]string{"scheme"},
	)

	oidcInit = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidc_provider_init_total",
			Help: "OIDC provider initialization outcomes",
		},
		[]string{"result"},
	)

	storeInserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_delivery_inserts_total",
			Help: "Delivery persistence attempts by result",
		},
		[]string{"result"},
	)

	msgBroadcast = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "api_messages_broadcast_total",
			Help: "Deliveries fanned out to websocket clients",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordBrokerRequest(api string) { BrokerRequestsTotal.WithLabelValues(api).Inc() }

func RecordAppend(topic string, records int) {
	BrokerRecordsAppendedTotal.WithLabelValues(topic).Add(float64(records))
}

func RecordFetch(topic string, bytes int) {
	BrokerBytesFetchedTotal.WithLabelValues(topic).Add(float64(bytes))
}

func RecordRebalance(group string) { GroupRebalancesTotal.WithLabelValues(group).Inc() }

func RecordSend(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ProducerSendsTotal.WithLabelValues(topic, result).Inc()
}

func RecordDelivery(topic string) { ConsumerDeliveriesTotal.WithLabelValues(topic).Inc() }

// RecordProbe records one probe outcome; elapsed is observed only on success.
func RecordProbe(result string, elapsed time.Duration) {
	ProbeRunsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		ProbeDuration.Observe(elapsed.Seconds())
	}
}

func IncWSConnections() { wsConnections.Inc() }
func DecWSConnections() { wsConnections.Dec() }
func IncMsgIngested()   { msgIngested.Inc() }
func IncMsgBroadcast()  { msgBroadcast.Inc() }

func RecordAuthFailure(scheme string) { authFailures.WithLabelValues(scheme).Inc() }

func RecordOIDCInit(result string) { oidcInit.WithLabelValues(result).Inc() }

func RecordStoreInsert(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storeInserts.WithLabelValues(result).Inc()
}
