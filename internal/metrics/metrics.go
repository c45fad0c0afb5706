// Package metrics provides interfaces and implementations for collecting
// mail server metrics. The Collector interface is shared by the POP3 and
// SMTP servers; the protocol label keeps their series apart.
package metrics

// Collector defines the interface for recording server metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	TLSConnectionEstablished(protocol string)

	// Authentication metrics
	AuthAttempt(protocol, mechanism string, success bool)

	// Command metrics
	CommandProcessed(protocol, command string)

	// Message metrics
	MessageDelivered(protocol string)
	MessageRetrieved(protocol string, sizeBytes int64)
}
