// Package metrics provides the telemetry interface for the mail core and
// its Prometheus and no-op implementations.
package metrics

// Collector records protocol-level counters. Implementations must be safe
// for concurrent use.
type Collector interface {
	// Connection metrics.
	ConnectionOpened()
	ConnectionClosed()

	// Authentication metrics. result is recorded once per store-backed
	// verification; cache hits are not counted again.
	AuthAttempt(success bool)

	// Command metrics.
	CommandProcessed(command string)

	// Mailbox operation metrics.
	MessageFetched(sizeBytes int64)
	MessagesExpunged(count int)
	StoreError(op string)
}
