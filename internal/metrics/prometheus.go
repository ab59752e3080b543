package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	authAttemptsTotal *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	messagesFetchedTotal  prometheus.Counter
	messagesFetchedBytes  prometheus.Histogram
	messagesExpungedTotal prometheus.Counter
	storeErrorsTotal      *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector with all metrics registered
// on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_imap_connections_total",
			Help: "Total number of IMAP connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_imap_connections_active",
			Help: "Number of currently active IMAP connections.",
		}),
		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_auth_attempts_total",
			Help: "Total number of credential verifications against the store.",
		}, []string{"result"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_imap_commands_total",
			Help: "Total number of IMAP commands processed.",
		}, []string{"command"}),
		messagesFetchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_imap_messages_fetched_total",
			Help: "Total number of full message bodies served.",
		}),
		messagesFetchedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_imap_messages_fetched_bytes",
			Help:    "Size of served message bodies in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 52428800},
		}),
		messagesExpungedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_imap_messages_expunged_total",
			Help: "Total number of messages expunged.",
		}),
		storeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_store_errors_total",
			Help: "Total number of mailbox store failures.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.messagesFetchedTotal,
		c.messagesFetchedBytes,
		c.messagesExpungedTotal,
		c.storeErrorsTotal,
	)
	return c
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

func (c *PrometheusCollector) AuthAttempt(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

func (c *PrometheusCollector) MessageFetched(sizeBytes int64) {
	c.messagesFetchedTotal.Inc()
	c.messagesFetchedBytes.Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessagesExpunged(count int) {
	c.messagesExpungedTotal.Add(float64(count))
}

func (c *PrometheusCollector) StoreError(op string) {
	c.storeErrorsTotal.WithLabelValues(op).Inc()
}
