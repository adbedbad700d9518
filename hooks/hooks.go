// Package hooks exposes the named pre/post points of the binder to external
// observers. Each point has a flag bit; an observer registers a bit mask and a
// name pattern and is told about every matching firing.
//
// Callers guard every firing with Active so that nothing is built when no
// observer wants the point:
//
//	if h.Active(hooks.EvtPush) {
//		h.Fire(hooks.EvtPush, hooks.Pre, ev.FullName(), payload)
//	}
package hooks

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/match"

	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/logging"
)

// Flag selects hook points. Bits can be combined into a mask.
type Flag uint32

const (
	EvtCreate Flag = 1 << iota
	EvtPush
	EvtBroadcast
	EvtDestroy
	ApiAddVerb
	ApiDelVerb
	ApiStart
	ReqBegin
	ReqEnd
	ReqReply
	ReqSubcall
	ReqSubscribe
	SessionCreate
	SessionClose

	Events   = EvtCreate | EvtPush | EvtBroadcast | EvtDestroy
	Apis     = ApiAddVerb | ApiDelVerb | ApiStart
	Requests = ReqBegin | ReqEnd | ReqReply | ReqSubcall | ReqSubscribe
	Sessions = SessionCreate | SessionClose
	All      = Events | Apis | Requests | Sessions
)

var pointNames = map[Flag]string{
	EvtCreate:     "evt.create",
	EvtPush:       "evt.push",
	EvtBroadcast:  "evt.broadcast",
	EvtDestroy:    "evt.destroy",
	ApiAddVerb:    "api.add_verb",
	ApiDelVerb:    "api.del_verb",
	ApiStart:      "api.start",
	ReqBegin:      "req.begin",
	ReqEnd:        "req.end",
	ReqReply:      "req.reply",
	ReqSubcall:    "req.subcall",
	ReqSubscribe:  "req.subscribe",
	SessionCreate: "session.create",
	SessionClose:  "session.close",
}

// String returns the point name of a single flag.
func (f Flag) String() string {
	if n, ok := pointNames[f]; ok {
		return n
	}
	return fmt.Sprintf("flags(%#x)", uint32(f))
}

// Phase tells whether a firing happens before or after the operation.
type Phase uint8

const (
	Pre Phase = iota
	Post
)

func (p Phase) String() string {
	if p == Post {
		return "post"
	}
	return "pre"
}

// Firing is what an observer receives.
type Firing struct {
	ID     uint64
	Time   time.Time
	Flag   Flag
	Phase  Phase
	Point  string
	Target string
	Detail any
}

// Observer receives firings. Observe is called synchronously on the goroutine
// running the operation and must not block.
type Observer interface {
	Observe(f Firing)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(f Firing)

func (fn ObserverFunc) Observe(f Firing) { fn(f) }

type registration struct {
	id      int
	obs     Observer
	mask    Flag
	pattern string
}

// Registry holds the observers of one binder. The zero value is not usable; a
// nil *Registry is, and is never active.
type Registry struct {
	mu     sync.RWMutex
	regs   []*registration
	nextID int

	// union of every registered mask, read on each hook point
	mask atomic.Uint32
	seq  atomic.Uint64

	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{logger: logging.OrDiscard(logger)}
}

// Register adds obs for the points in mask whose target matches pattern.
// An empty pattern matches every target.
func (r *Registry) Register(obs Observer, mask Flag, pattern string) (int, error) {
	if obs == nil || mask&All == 0 {
		return 0, fmt.Errorf("register hook: %w", berr.ErrInvalidArgument)
	}
	if pattern == "" {
		pattern = "*"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.regs = append(r.regs, &registration{id: r.nextID, obs: obs, mask: mask & All, pattern: pattern})
	r.recomputeLocked()

	r.logger.Debug("hook registered",
		slog.Int("hook_id", r.nextID),
		slog.String("pattern", pattern),
		slog.Uint64("mask", uint64(mask)),
	)
	return r.nextID, nil
}

// Unregister removes the observer registered under id.
func (r *Registry) Unregister(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, reg := range r.regs {
		if reg.id == id {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			r.recomputeLocked()
			return nil
		}
	}
	return fmt.Errorf("unregister hook %d: %w", id, berr.ErrNotFound)
}

func (r *Registry) recomputeLocked() {
	var m Flag
	for _, reg := range r.regs {
		m |= reg.mask
	}
	r.mask.Store(uint32(m))
}

// Active reports whether some observer wants flag.
func (r *Registry) Active(flag Flag) bool {
	return r != nil && Flag(r.mask.Load())&flag != 0
}

// Fire delivers one firing to every matching observer and returns its id, or 0
// when no observer matched.
func (r *Registry) Fire(flag Flag, phase Phase, target string, detail any) uint64 {
	if !r.Active(flag) {
		return 0
	}

	r.mu.RLock()
	var targets []Observer
	for _, reg := range r.regs {
		if reg.mask&flag != 0 && match.Match(target, reg.pattern) {
			targets = append(targets, reg.obs)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	f := Firing{
		ID:     r.seq.Add(1),
		Time:   time.Now(),
		Flag:   flag,
		Phase:  phase,
		Point:  flag.String(),
		Target: target,
		Detail: detail,
	}
	for _, obs := range targets {
		obs.Observe(f)
	}
	return f.ID
}
