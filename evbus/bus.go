// Package evbus creates named events and delivers them to listeners: pushes go
// to the listeners watching an event, broadcasts go to every listener.
package evbus

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"unicode"

	"github.com/google/uuid"

	cbind "github.com/next-trace/scg-binder/contract/binder"
	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/hooks"
	"github.com/next-trace/scg-binder/logging"
	"github.com/next-trace/scg-binder/metrics"
)

const (
	// MaxHop bounds how many times a broadcast may be forwarded.
	MaxHop = 10

	originRing = 256
)

// Bus owns the event id space and the listeners.
type Bus struct {
	mu     sync.Mutex
	events map[uint16]*Event
	lastID uint16

	lmu       sync.RWMutex
	listeners map[*Listener]struct{}

	omu     sync.Mutex
	origins [originRing]uuid.UUID
	opos    int

	hooks  *hooks.Registry
	logger *slog.Logger
}

// New creates an empty bus. h may be nil.
func New(logger *slog.Logger, h *hooks.Registry) *Bus {
	return &Bus{
		events:    make(map[uint16]*Event),
		listeners: make(map[*Listener]struct{}),
		hooks:     h,
		logger:    logging.OrDiscard(logger),
	}
}

// ValidName reports whether name can be used as an event name.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
		switch r {
		case '*', '?', '[', ']', '"', '\\':
			return false
		}
	}
	return true
}

// Create makes the event prefix/name holding one reference.
func (b *Bus) Create(prefix, name string) (*Event, error) {
	if !ValidName(prefix) || !ValidName(name) {
		return nil, fmt.Errorf("create event %q/%q: %w", prefix, name, berr.ErrInvalidArgument)
	}

	ev := &Event{
		bus:      b,
		name:     name,
		fullName: prefix + "/" + name,
		watchers: make(map[*Listener]struct{}),
	}
	ev.refs.Store(1)

	b.mu.Lock()
	if len(b.events) >= math.MaxUint16 {
		b.mu.Unlock()
		return nil, fmt.Errorf("create event %s: %w", ev.fullName, berr.ErrResourceExhausted)
	}
	id := b.lastID
	for {
		id++
		if id == 0 {
			id = 1
		}
		if _, used := b.events[id]; !used {
			break
		}
	}
	b.lastID = id
	ev.id = id
	b.events[id] = ev
	b.mu.Unlock()

	if b.hooks.Active(hooks.EvtCreate) {
		b.hooks.Fire(hooks.EvtCreate, hooks.Post, ev.fullName, ev.id)
	}
	b.logger.Debug("event created", slog.String("event", ev.fullName), slog.Int("event_id", int(id)))
	return ev, nil
}

// Lookup returns the live event id. The caller must hold its own reference
// for the event to stay alive.
func (b *Bus) Lookup(id uint16) (*Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.events[id]
	return ev, ok
}

// Count returns the number of live events.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *Bus) release(ev *Event) {
	b.mu.Lock()
	if cur, ok := b.events[ev.id]; ok && cur == ev {
		delete(b.events, ev.id)
	}
	b.mu.Unlock()

	ev.mu.Lock()
	ev.dead = true
	watchers := ev.watchers
	ev.watchers = nil
	ev.mu.Unlock()

	ref := ev.ref()
	for l := range watchers {
		if l.forget(ev) {
			l.sink.Removed(ref)
		}
	}

	if b.hooks.Active(hooks.EvtDestroy) {
		b.hooks.Fire(hooks.EvtDestroy, hooks.Post, ev.fullName, ev.id)
	}
}

// Broadcast sends data under name to every listener and returns how many
// received it. A nil origin is replaced by a fresh one. Broadcasts whose origin
// was already seen, or whose hop exceeds MaxHop, are dropped and return 0.
func (b *Bus) Broadcast(name string, data any, origin uuid.UUID, hop uint8) int {
	if hop > MaxHop {
		b.logger.Debug("broadcast dropped: too many hops", slog.String("event", name), slog.Int("hop", int(hop)))
		return 0
	}
	if origin == uuid.Nil {
		origin = uuid.New()
	}
	if !b.remember(origin) {
		b.logger.Debug("broadcast dropped: origin already seen",
			slog.String("event", name),
			slog.String("origin", origin.String()),
		)
		return 0
	}

	if b.hooks.Active(hooks.EvtBroadcast) {
		b.hooks.Fire(hooks.EvtBroadcast, hooks.Pre, name, data)
	}

	b.lmu.RLock()
	sinks := make([]cbind.EventSink, 0, len(b.listeners))
	for l := range b.listeners {
		sinks = append(sinks, l.sink)
	}
	b.lmu.RUnlock()

	for _, s := range sinks {
		s.Broadcast(name, data, origin, hop)
	}
	metrics.EventBroadcast()
	return len(sinks)
}

// remember records origin and reports whether it was new.
func (b *Bus) remember(origin uuid.UUID) bool {
	b.omu.Lock()
	defer b.omu.Unlock()

	for _, o := range b.origins {
		if o == origin {
			return false
		}
	}
	b.origins[b.opos] = origin
	b.opos = (b.opos + 1) % originRing
	return true
}

// NewListener registers a listener delivering to sink. It holds one reference.
func (b *Bus) NewListener(sink cbind.EventSink, closure any) *Listener {
	l := &Listener{
		bus:     b,
		sink:    sink,
		closure: closure,
		watch:   make(map[uint16]*Event),
	}
	l.refs.Store(1)

	b.lmu.Lock()
	b.listeners[l] = struct{}{}
	b.lmu.Unlock()
	return l
}

// Listeners returns the number of registered listeners.
func (b *Bus) Listeners() int {
	b.lmu.RLock()
	defer b.lmu.RUnlock()
	return len(b.listeners)
}

func (b *Bus) dropListener(l *Listener) {
	b.lmu.Lock()
	delete(b.listeners, l)
	b.lmu.Unlock()
}
