package evbus_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	cbind "github.com/next-trace/scg-binder/contract/binder"
	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/evbus"
	"github.com/next-trace/scg-binder/hooks"
)

type fakeSink struct {
	mu         sync.Mutex
	pushes     []any
	broadcasts []string
	added      []uint16
	removed    []uint16
	lastHop    uint8
	lastOrigin uuid.UUID
}

func (s *fakeSink) Push(ev cbind.EventRef, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushes = append(s.pushes, data)
}

func (s *fakeSink) Broadcast(name string, _ any, origin uuid.UUID, hop uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts = append(s.broadcasts, name)
	s.lastOrigin = origin
	s.lastHop = hop
}

func (s *fakeSink) Added(ev cbind.EventRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, ev.ID)
}

func (s *fakeSink) Removed(ev cbind.EventRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, ev.ID)
}

func TestCreate_FullNameAndStableID(t *testing.T) {
	b := evbus.New(nil, nil)

	ev, err := b.Create("svc", "x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ev.FullName() != "svc/x" || ev.Name() != "x" {
		t.Fatalf("names: %q %q", ev.FullName(), ev.Name())
	}

	id := ev.ID()
	ev.AddRef()
	ev.Unref()
	if ev.ID() != id {
		t.Fatalf("id changed across addref/unref")
	}
	if got, ok := b.Lookup(id); !ok || got != ev {
		t.Fatalf("lookup lost a live event")
	}

	ev.Unref()
	if _, ok := b.Lookup(id); ok {
		t.Fatalf("released event still found")
	}
	if b.Count() != 0 {
		t.Fatalf("count=%d", b.Count())
	}
}

func TestCreate_RejectsBadNames(t *testing.T) {
	b := evbus.New(nil, nil)
	for _, name := range []string{"", "a b", "al*rm", "x?", "[x]", "tab\t"} {
		if _, err := b.Create("svc", name); !errors.Is(err, berr.ErrInvalidArgument) {
			t.Fatalf("name %q: want ErrInvalidArgument, got %v", name, err)
		}
	}
}

func TestCreate_IDsAreReusedAfterRelease(t *testing.T) {
	b := evbus.New(nil, nil)
	a, _ := b.Create("svc", "a")
	c, _ := b.Create("svc", "c")
	if a.ID() == 0 || a.ID() == c.ID() {
		t.Fatalf("ids a=%d c=%d", a.ID(), c.ID())
	}
	a.Unref()
	c.Unref()
	if b.Count() != 0 {
		t.Fatalf("count=%d", b.Count())
	}
}

func TestPush_AlarmScenario(t *testing.T) {
	b := evbus.New(nil, nil)
	ev, _ := b.Create("svc", "alarm")

	if n := ev.Push("ring"); n != 0 {
		t.Fatalf("push without listeners returned %d", n)
	}

	sink := &fakeSink{}
	l := b.NewListener(sink, nil)
	if err := l.Watch(ev); err != nil {
		t.Fatalf("watch: %v", err)
	}

	if n := ev.Push("ring"); n != 1 {
		t.Fatalf("push returned %d", n)
	}
	if len(sink.pushes) != 1 || sink.pushes[0] != "ring" {
		t.Fatalf("pushes=%v", sink.pushes)
	}
	if len(sink.added) != 1 || sink.added[0] != ev.ID() {
		t.Fatalf("added=%v", sink.added)
	}
}

func TestPush_NoWatcherDoesNotAllocate(t *testing.T) {
	b := evbus.New(nil, hooks.New(nil))
	ev, _ := b.Create("svc", "quiet")
	payload := any("p")

	allocs := testing.AllocsPerRun(100, func() { ev.Push(payload) })
	if allocs != 0 {
		t.Fatalf("push to nobody allocated %.0f times", allocs)
	}
}

func TestListener_Unwatch(t *testing.T) {
	b := evbus.New(nil, nil)
	ev, _ := b.Create("svc", "alarm")
	sink := &fakeSink{}
	l := b.NewListener(sink, "closure")

	if err := l.UnwatchID(ev.ID()); !errors.Is(err, berr.ErrNotFound) {
		t.Fatalf("never watched: want ErrNotFound, got %v", err)
	}

	_ = l.Watch(ev)
	_ = l.Watch(ev)
	if ev.Watchers() != 1 || len(sink.added) != 1 {
		t.Fatalf("double watch registered twice")
	}
	if !l.Watching(ev.ID()) {
		t.Fatalf("watching=false")
	}

	if err := l.Unwatch(ev); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if ev.Push(nil) != 0 {
		t.Fatalf("push reached an unwatched listener")
	}
	if err := l.Unwatch(ev); !errors.Is(err, berr.ErrNotFound) {
		t.Fatalf("second unwatch: want ErrNotFound, got %v", err)
	}
	if l.Closure() != "closure" {
		t.Fatalf("closure=%v", l.Closure())
	}
}

func TestEventRelease_DetachesWatchers(t *testing.T) {
	b := evbus.New(nil, nil)
	ev, _ := b.Create("svc", "gone")
	sink := &fakeSink{}
	l := b.NewListener(sink, nil)
	_ = l.Watch(ev)

	id := ev.ID()
	ev.Unref()

	if l.Watching(id) {
		t.Fatalf("listener still watches a released event")
	}
	if len(sink.removed) != 1 || sink.removed[0] != id {
		t.Fatalf("removed=%v", sink.removed)
	}
	if err := l.Watch(ev); !errors.Is(err, berr.ErrNotFound) {
		t.Fatalf("watch released event: want ErrNotFound, got %v", err)
	}
}

func TestListener_LastUnrefDropsWatches(t *testing.T) {
	b := evbus.New(nil, nil)
	ev, _ := b.Create("svc", "a")
	sink := &fakeSink{}
	l := b.NewListener(sink, nil)
	_ = l.Watch(ev)

	l.AddRef()
	l.Unref()
	if b.Listeners() != 1 || ev.Watchers() != 1 {
		t.Fatalf("released too early")
	}

	l.Unref()
	if b.Listeners() != 0 || ev.Watchers() != 0 {
		t.Fatalf("listeners=%d watchers=%d", b.Listeners(), ev.Watchers())
	}
	if b.Broadcast("svc/a", nil, uuid.Nil, 0) != 0 {
		t.Fatalf("broadcast reached a released listener")
	}
}

func TestBroadcast_ReachesEveryoneOnce(t *testing.T) {
	b := evbus.New(nil, nil)
	s1, s2 := &fakeSink{}, &fakeSink{}
	b.NewListener(s1, nil)
	b.NewListener(s2, nil)

	origin := uuid.New()
	if n := b.Broadcast("svc/hello", 1, origin, 0); n != 2 {
		t.Fatalf("broadcast returned %d", n)
	}
	if s1.lastOrigin != origin || len(s2.broadcasts) != 1 {
		t.Fatalf("sinks did not see the broadcast")
	}

	// the same origin coming back through a relay
	if n := b.Broadcast("svc/hello", 1, origin, 1); n != 0 {
		t.Fatalf("replayed origin delivered to %d", n)
	}
	if n := b.Broadcast("svc/hello", 1, uuid.New(), evbus.MaxHop+1); n != 0 {
		t.Fatalf("hop limit ignored, delivered to %d", n)
	}
}

func TestBroadcast_FreshOriginForNil(t *testing.T) {
	b := evbus.New(nil, nil)
	s := &fakeSink{}
	b.NewListener(s, nil)
	ev, _ := b.Create("svc", "tick")

	ev.Broadcast(nil)
	ev.Broadcast(nil)
	if len(s.broadcasts) != 2 || s.lastOrigin == uuid.Nil {
		t.Fatalf("broadcasts=%v origin=%v", s.broadcasts, s.lastOrigin)
	}
}

func TestHooksSeePushes(t *testing.T) {
	h := hooks.New(nil)
	var seen []string
	_, _ = h.Register(hooks.ObserverFunc(func(f hooks.Firing) { seen = append(seen, f.Point+" "+f.Target) }), hooks.EvtPush, "svc/*")

	b := evbus.New(nil, h)
	ev, _ := b.Create("svc", "alarm")
	l := b.NewListener(&fakeSink{}, nil)
	_ = l.Watch(ev)
	ev.Push(nil)

	if len(seen) != 1 || seen[0] != "evt.push svc/alarm" {
		t.Fatalf("seen=%v", seen)
	}
}
