package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using
// Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal    *prometheus.CounterVec
	connectionsActive   *prometheus.GaugeVec
	tlsConnectionsTotal *prometheus.CounterVec

	authAttemptsTotal *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	messagesDeliveredTotal *prometheus.CounterVec
	messagesRetrievedTotal *prometheus.CounterVec
	messageBytesRetrieved  *prometheus.CounterVec
}

// NewPrometheusCollector creates a collector and registers its metrics
// with the given registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stubmail_connections_total",
			Help: "Total number of client connections accepted.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stubmail_connections_active",
			Help: "Number of currently active client connections.",
		}, []string{"protocol"}),
		tlsConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stubmail_tls_connections_total",
			Help: "Total number of TLS client connections accepted.",
		}, []string{"protocol"}),
		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stubmail_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"protocol", "mechanism", "result"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stubmail_commands_total",
			Help: "Total number of commands processed.",
		}, []string{"protocol", "command"}),
		messagesDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stubmail_messages_delivered_total",
			Help: "Total number of messages delivered to mailboxes.",
		}, []string{"protocol"}),
		messagesRetrievedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stubmail_messages_retrieved_total",
			Help: "Total number of messages retrieved by clients.",
		}, []string{"protocol"}),
		messageBytesRetrieved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stubmail_message_bytes_retrieved_total",
			Help: "Total number of message bytes retrieved by clients.",
		}, []string{"protocol"}),
	}
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionsTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.messagesDeliveredTotal,
		c.messagesRetrievedTotal,
		c.messageBytesRetrieved,
	)
	return c
}

// ConnectionOpened records an accepted connection.
func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

// ConnectionClosed records a closed connection.
func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

// TLSConnectionEstablished records a TLS connection.
func (c *PrometheusCollector) TLSConnectionEstablished(protocol string) {
	c.tlsConnectionsTotal.WithLabelValues(protocol).Inc()
}

// AuthAttempt records an authentication attempt and its outcome.
func (c *PrometheusCollector) AuthAttempt(protocol, mechanism string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(protocol, mechanism, result).Inc()
}

// CommandProcessed records a dispatched command.
func (c *PrometheusCollector) CommandProcessed(protocol, command string) {
	c.commandsTotal.WithLabelValues(protocol, command).Inc()
}

// MessageDelivered records a message delivered to a mailbox.
func (c *PrometheusCollector) MessageDelivered(protocol string) {
	c.messagesDeliveredTotal.WithLabelValues(protocol).Inc()
}

// MessageRetrieved records a message retrieved by a client.
func (c *PrometheusCollector) MessageRetrieved(protocol string, sizeBytes int64) {
	c.messagesRetrievedTotal.WithLabelValues(protocol).Inc()
	c.messageBytesRetrieved.WithLabelValues(protocol).Add(float64(sizeBytes))
}
