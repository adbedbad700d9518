package evbus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	cbind "github.com/next-trace/scg-binder/contract/binder"
	"github.com/next-trace/scg-binder/hooks"
	"github.com/next-trace/scg-binder/metrics"
)

// Event is a named notification channel. Its id stays stable until the last
// reference is released.
type Event struct {
	bus      *Bus
	id       uint16
	name     string
	fullName string
	refs     atomic.Int32

	mu       sync.RWMutex
	watchers map[*Listener]struct{}
	dead     bool
}

func (ev *Event) ID() uint16 { return ev.id }

// Name returns the name without its prefix.
func (ev *Event) Name() string { return ev.name }

// FullName returns prefix/name.
func (ev *Event) FullName() string { return ev.fullName }

func (ev *Event) ref() cbind.EventRef { return cbind.EventRef{ID: ev.id, Name: ev.fullName} }

func (ev *Event) AddRef() *Event {
	ev.refs.Add(1)
	return ev
}

// Unref releases a reference. The last one removes the event from the bus and
// detaches every watcher.
func (ev *Event) Unref() {
	if ev.refs.Add(-1) == 0 {
		ev.bus.release(ev)
	}
}

// Push delivers data to the listeners watching ev and returns their number.
// With no watcher nothing is called and 0 is returned.
func (ev *Event) Push(data any) int {
	ev.mu.RLock()
	n := len(ev.watchers)
	if n == 0 {
		ev.mu.RUnlock()
		return 0
	}
	sinks := make([]cbind.EventSink, 0, n)
	for l := range ev.watchers {
		sinks = append(sinks, l.sink)
	}
	ev.mu.RUnlock()

	if ev.bus.hooks.Active(hooks.EvtPush) {
		ev.bus.hooks.Fire(hooks.EvtPush, hooks.Pre, ev.fullName, data)
	}

	ref := ev.ref()
	for _, s := range sinks {
		s.Push(ref, data)
	}
	metrics.EventPushed()
	return len(sinks)
}

// Broadcast sends data under the full name of ev to every listener.
func (ev *Event) Broadcast(data any) int {
	return ev.bus.Broadcast(ev.fullName, data, uuid.Nil, 0)
}

// Watchers returns the number of listeners watching ev.
func (ev *Event) Watchers() int {
	ev.mu.RLock()
	defer ev.mu.RUnlock()
	return len(ev.watchers)
}
