package evbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	cbind "github.com/next-trace/scg-binder/contract/binder"
	berr "github.com/next-trace/scg-binder/contract/errors"
)

// Listener receives the pushes of the events it watches and every broadcast.
// It does not own the events it watches.
type Listener struct {
	bus     *Bus
	sink    cbind.EventSink
	closure any
	refs    atomic.Int32

	mu    sync.RWMutex
	watch map[uint16]*Event
}

// Closure returns the value given to NewListener.
func (l *Listener) Closure() any { return l.closure }

func (l *Listener) AddRef() *Listener {
	l.refs.Add(1)
	return l
}

// Unref releases a reference; the last one drops every watch and unregisters l.
func (l *Listener) Unref() {
	if l.refs.Add(-1) == 0 {
		l.UnwatchAll()
		l.bus.dropListener(l)
	}
}

// Watch subscribes l to ev. Watching an event twice is a no-op.
func (l *Listener) Watch(ev *Event) error {
	if ev == nil || ev.bus != l.bus {
		return fmt.Errorf("watch event: %w", berr.ErrInvalidArgument)
	}

	l.mu.Lock()
	if cur, ok := l.watch[ev.id]; ok && cur == ev {
		l.mu.Unlock()
		return nil
	}
	ev.mu.Lock()
	if ev.dead {
		ev.mu.Unlock()
		l.mu.Unlock()
		return fmt.Errorf("watch event %s: %w", ev.fullName, berr.ErrNotFound)
	}
	ev.watchers[l] = struct{}{}
	ev.mu.Unlock()
	l.watch[ev.id] = ev
	l.mu.Unlock()

	l.sink.Added(ev.ref())
	return nil
}

// Unwatch stops watching ev.
func (l *Listener) Unwatch(ev *Event) error {
	if ev == nil {
		return fmt.Errorf("unwatch event: %w", berr.ErrInvalidArgument)
	}
	return l.UnwatchID(ev.id)
}

// UnwatchID stops watching the event id. It fails with NotFound when l does not watch it.
func (l *Listener) UnwatchID(id uint16) error {
	l.mu.Lock()
	ev, ok := l.watch[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("unwatch event %d: %w", id, berr.ErrNotFound)
	}
	delete(l.watch, id)
	l.mu.Unlock()

	ev.mu.Lock()
	delete(ev.watchers, l)
	ev.mu.Unlock()

	l.sink.Removed(ev.ref())
	return nil
}

// UnwatchAll drops every watch of l.
func (l *Listener) UnwatchAll() {
	l.mu.Lock()
	watched := l.watch
	l.watch = make(map[uint16]*Event)
	l.mu.Unlock()

	for _, ev := range watched {
		ev.mu.Lock()
		delete(ev.watchers, l)
		ev.mu.Unlock()
		l.sink.Removed(ev.ref())
	}
}

// Watching reports whether l watches the event id.
func (l *Listener) Watching(id uint16) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.watch[id]
	return ok
}

// forget removes ev from the watch set when the event itself goes away.
func (l *Listener) forget(ev *Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.watch[ev.id]; ok && cur == ev {
		delete(l.watch, ev.id)
		return true
	}
	return false
}
