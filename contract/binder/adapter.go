package binder

// Adapter is a convenience interface for transports that both publish local events
// and deliver remote ones. Passing an Adapter to a relay wires both directions.
type Adapter interface {
	EventPublisher
	EventSubscriber
}
