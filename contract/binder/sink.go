package binder

import "github.com/google/uuid"

// EventRef identifies a live event on a local event bus.
type EventRef struct {
	ID   uint16
	Name string
}

// EventSink receives event notifications for a listener.
//
// The interface is append-only: new notifications are added as new methods on a
// separate interface detected with a type assertion, never by changing these signatures.
// Implementations must be safe for concurrent use; Push and Broadcast may be called
// from any goroutine while a watch is being added or removed.
type EventSink interface {
	// Push delivers data for an event the listener watches.
	Push(ev EventRef, data any)
	// Broadcast delivers data for an event sent to everyone. A sink that forwards the
	// broadcast elsewhere must keep origin and hop; the receiving side broadcasts it
	// again at hop+1.
	Broadcast(name string, data any, origin uuid.UUID, hop uint8)
	// Added reports that the listener started watching ev.
	Added(ev EventRef)
	// Removed reports that the listener stopped watching ev.
	Removed(ev EventRef)
}

// SinkFuncs adapts plain functions to EventSink. Nil fields are ignored.
type SinkFuncs struct {
	OnPush      func(ev EventRef, data any)
	OnBroadcast func(name string, data any, origin uuid.UUID, hop uint8)
	OnAdded     func(ev EventRef)
	OnRemoved   func(ev EventRef)
}

func (s SinkFuncs) Push(ev EventRef, data any) {
	if s.OnPush != nil {
		s.OnPush(ev, data)
	}
}

func (s SinkFuncs) Broadcast(name string, data any, origin uuid.UUID, hop uint8) {
	if s.OnBroadcast != nil {
		s.OnBroadcast(name, data, origin, hop)
	}
}

func (s SinkFuncs) Added(ev EventRef) {
	if s.OnAdded != nil {
		s.OnAdded(ev)
	}
}

func (s SinkFuncs) Removed(ev EventRef) {
	if s.OnRemoved != nil {
		s.OnRemoved(ev)
	}
}
