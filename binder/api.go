package binder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/match"

	"github.com/next-trace/scg-binder/apiset"
	cbind "github.com/next-trace/scg-binder/contract/binder"
	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/evbus"
	"github.com/next-trace/scg-binder/hooks"
	"github.com/next-trace/scg-binder/jobs"
	"github.com/next-trace/scg-binder/logging"
	"github.com/next-trace/scg-binder/session"
)

// EventFunc receives an event delivered to an api. Calls made with ctx are
// checked for self-lock against the api's group.
type EventFunc func(ctx context.Context, a *Api, event string, data any)

// Descriptor is what a module supplies to declare its api.
type Descriptor struct {
	Name  string
	Info  string
	Verbs []Verb

	// PreInit runs during Declare. The api may still add verbs, aliases and
	// requirements there.
	PreInit func(a *Api) error
	// Init runs once every required api started, as a job in the api's group.
	Init func(ctx context.Context, a *Api) error
	// OnEvent receives events no handler pattern matched.
	OnEvent EventFunc

	Provide     []string
	Require     []string
	RequireApis []string

	// NoConcurrency runs every verb and job of the api one at a time.
	NoConcurrency bool
	UserData      any
}

type eventHandler struct {
	pattern string
	fn      EventFunc
}

// Api is a declared api. It is the apiset.Item stored in its declare set.
type Api struct {
	b          *Binder
	name       string
	info       string
	declareSet *apiset.Set
	callSet    *apiset.Set
	group      any
	userData   any
	init       func(ctx context.Context, a *Api) error
	onEvent    EventFunc

	mu       sync.RWMutex
	state    apiset.State
	sealed   bool
	starting chan struct{}
	startErr error
	static   []*Verb
	dynamic  []*Verb
	handlers []eventHandler
	listener *evbus.Listener

	session  *session.Session
	settings gjson.Result
	mask     *logging.Mask
	logger   *slog.Logger

	refs     atomic.Int32
	released atomic.Bool
}

func (b *Binder) newApi(declare, call *apiset.Set, d Descriptor) (*Api, error) {
	s, err := b.sessions.Shared()
	if err != nil {
		return nil, fmt.Errorf("declare api %s: session: %w", d.Name, err)
	}

	a := &Api{
		b:          b,
		name:       d.Name,
		info:       d.Info,
		declareSet: declare,
		callSet:    call,
		userData:   d.UserData,
		init:       d.Init,
		onEvent:    d.OnEvent,
		state:      apiset.StatePreInit,
		session:    s,
		settings:   b.settings.For(d.Name),
		mask:       logging.NewMask(b.maskFor(d.Name)),
	}
	if d.NoConcurrency {
		a.group = a
	}
	a.logger = slog.New(logging.NewHandler(b.logger.Handler(), a.mask)).With(slog.String("api", d.Name))
	return a, nil
}

// declare records the static part of d then runs PreInit.
func (a *Api) declare(d Descriptor) error {
	for i := range d.Verbs {
		v := d.Verbs[i]
		if err := validVerb(&v); err != nil {
			return err
		}
		a.static = append(a.static, &v)
	}

	if len(d.Provide) > 0 {
		if err := a.declareSet.ProvideClass(a.name, d.Provide...); err != nil {
			return err
		}
	}
	if len(d.Require) > 0 {
		if err := a.declareSet.RequireClass(a.name, d.Require...); err != nil {
			return err
		}
	}
	if len(d.RequireApis) > 0 {
		if err := a.declareSet.Require(a.name, d.RequireApis...); err != nil {
			return err
		}
	}

	if d.PreInit != nil {
		if err := d.PreInit(a); err != nil {
			return fmt.Errorf("preinit: %w", err)
		}
	}
	return nil
}

func (a *Api) Name() string { return a.name }

func (a *Api) Info() string { return a.info }

func (a *Api) UserData() any { return a.userData }

func (a *Api) Binder() *Binder { return a.b }

// Group returns the exclusion group of the api's jobs, nil when the api runs concurrently.
func (a *Api) Group() any { return a.group }

// Session returns the api's own session, used by subcalls made with SubcallApiSession.
func (a *Api) Session() *session.Session { return a.session }

// Settings returns the api's entry of the settings document.
func (a *Api) Settings() gjson.Result { return a.settings }

// Logger returns the api logger, gated by the api log mask.
func (a *Api) Logger() *slog.Logger { return a.logger }

func (a *Api) LogMask() uint32 { return a.mask.Load() }

func (a *Api) SetLogMask(bits uint32) { a.mask.Store(bits) }

func (a *Api) State() apiset.State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Api) Sealed() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sealed
}

// Seal forbids further declarations. Starting the api seals it.
func (a *Api) Seal() {
	a.mu.Lock()
	a.sealed = true
	a.mu.Unlock()
}

// declarableLocked fails once the api is sealed or past PreInit.
func (a *Api) declarableLocked(op string) error {
	if a.sealed || a.state != apiset.StatePreInit {
		return fmt.Errorf("api %s %s: sealed in state %s: %w", a.name, op, a.state, berr.ErrBadAPIState)
	}
	return nil
}

func validVerb(v *Verb) error {
	if v.Name == "" || strings.ContainsFunc(v.Name, func(r rune) bool { return r <= ' ' || r == '/' }) {
		return fmt.Errorf("verb %q: %w", v.Name, berr.ErrInvalidArgument)
	}
	if v.Callback == nil {
		return fmt.Errorf("verb %s: nil callback: %w", v.Name, berr.ErrInvalidArgument)
	}
	return nil
}

// AddVerb adds a dynamic verb. Dynamic verbs are matched before static ones.
func (a *Api) AddVerb(v Verb) error {
	if err := validVerb(&v); err != nil {
		return fmt.Errorf("api %s add %w", a.name, err)
	}

	a.mu.Lock()
	if err := a.declarableLocked("add verb"); err != nil {
		a.mu.Unlock()
		return err
	}
	if slices.ContainsFunc(a.dynamic, func(o *Verb) bool { return strings.EqualFold(o.Name, v.Name) }) {
		a.mu.Unlock()
		return fmt.Errorf("api %s add verb %s: %w", a.name, v.Name, berr.ErrAlreadyExists)
	}
	a.dynamic = append(a.dynamic, &v)
	a.mu.Unlock()

	if a.b.hooks.Active(hooks.ApiAddVerb) {
		a.b.hooks.Fire(hooks.ApiAddVerb, hooks.Post, a.name+"/"+v.Name, v.Info)
	}
	return nil
}

// DelVerb removes a dynamic verb.
func (a *Api) DelVerb(name string) error {
	a.mu.Lock()
	if err := a.declarableLocked("del verb"); err != nil {
		a.mu.Unlock()
		return err
	}
	i := slices.IndexFunc(a.dynamic, func(o *Verb) bool { return strings.EqualFold(o.Name, name) })
	if i < 0 {
		a.mu.Unlock()
		return fmt.Errorf("api %s del verb %s: %w", a.name, name, berr.ErrNotFound)
	}
	a.dynamic = slices.Delete(a.dynamic, i, i+1)
	a.mu.Unlock()

	if a.b.hooks.Active(hooks.ApiDelVerb) {
		a.b.hooks.Fire(hooks.ApiDelVerb, hooks.Post, a.name+"/"+name, nil)
	}
	return nil
}

// Verbs returns the verb names, dynamic ones first.
func (a *Api) Verbs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]string, 0, len(a.dynamic)+len(a.static))
	for _, v := range a.dynamic {
		out = append(out, v.Name)
	}
	for _, v := range a.static {
		out = append(out, v.Name)
	}
	return out
}

// findVerb looks an exact, case-insensitive name up first, then glob patterns.
// Dynamic verbs come before static ones in both passes.
func (a *Api) findVerb(name string) *Verb {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, list := range [][]*Verb{a.dynamic, a.static} {
		for _, v := range list {
			if strings.EqualFold(v.Name, name) {
				return v
			}
		}
	}
	lname := strings.ToLower(name)
	for _, list := range [][]*Verb{a.dynamic, a.static} {
		for _, v := range list {
			if v.glob() && match.Match(lname, strings.ToLower(v.Name)) {
				return v
			}
		}
	}
	return nil
}

// AddAlias makes the api reachable as as in its declare set.
func (a *Api) AddAlias(as string) error {
	a.mu.RLock()
	err := a.declarableLocked("add alias")
	a.mu.RUnlock()
	if err != nil {
		return err
	}
	return a.declareSet.Alias(a.name, as)
}

// ProvideClass declares the api as a provider of classes.
func (a *Api) ProvideClass(classes ...string) error {
	a.mu.RLock()
	err := a.declarableLocked("provide class")
	a.mu.RUnlock()
	if err != nil {
		return err
	}
	return a.declareSet.ProvideClass(a.name, classes...)
}

// RequireClass makes every provider of classes start before the api.
func (a *Api) RequireClass(classes ...string) error {
	a.mu.RLock()
	err := a.declarableLocked("require class")
	a.mu.RUnlock()
	if err != nil {
		return err
	}
	return a.declareSet.RequireClass(a.name, classes...)
}

// Require declares the space separated apis names as dependencies.
//
// With initialized false the names are recorded and started before the api;
// this is only possible before the api is sealed. With initialized true the
// apis are started now, which is only possible once PreInit is over.
func (a *Api) Require(ctx context.Context, names string, initialized bool) error {
	list := strings.Fields(names)
	if len(list) == 0 {
		return fmt.Errorf("api %s require: no name: %w", a.name, berr.ErrInvalidArgument)
	}

	a.mu.RLock()
	state := a.state
	err := a.declarableLocked("require")
	a.mu.RUnlock()

	if !initialized {
		if err != nil {
			return err
		}
		return a.declareSet.Require(a.name, list...)
	}

	if state == apiset.StatePreInit {
		return fmt.Errorf("api %s require %s initialized during preinit: %w", a.name, names, berr.ErrInvalidArgument)
	}

	var errs []error
	for _, n := range list {
		if _, err := a.callSet.Get(ctx, n, true, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start runs Init and moves the api to Run, or to Error when Init fails.
// Concurrent callers wait for the first one.
func (a *Api) Start(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case apiset.StateRun:
		a.mu.Unlock()
		return nil
	case apiset.StateError:
		err := a.startErr
		a.mu.Unlock()
		return fmt.Errorf("start api %s: %w: %w", a.name, berr.ErrBadAPIState, err)
	}

	if ch := a.starting; ch != nil {
		a.mu.Unlock()
		if a.b.chain.within(linkFrom(ctx), a) {
			return fmt.Errorf("start api %s: called from its own init: %w", a.name, berr.ErrBadAPIState)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
		return a.startResult()
	}

	a.starting = make(chan struct{})
	a.sealed = true
	a.state = apiset.StateInit
	a.mu.Unlock()

	if a.b.hooks.Active(hooks.ApiStart) {
		a.b.hooks.Fire(hooks.ApiStart, hooks.Pre, a.name, nil)
	}

	begin := time.Now()
	err := a.runInit(ctx)

	a.mu.Lock()
	if err != nil {
		a.state = apiset.StateError
		a.startErr = err
	} else {
		a.state = apiset.StateRun
	}
	close(a.starting)
	a.mu.Unlock()

	if a.b.hooks.Active(hooks.ApiStart) {
		a.b.hooks.Fire(hooks.ApiStart, hooks.Post, a.name, err)
	}

	if err != nil {
		a.logger.Error("api init failed", slog.Any("err", err))
		return fmt.Errorf("start api %s: %w", a.name, err)
	}
	a.logger.Debug("api started", slog.Duration("took", time.Since(begin)))
	return nil
}

func (a *Api) startResult() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.state == apiset.StateRun {
		return nil
	}
	return fmt.Errorf("start api %s: %w: %w", a.name, berr.ErrBadAPIState, a.startErr)
}

func (a *Api) runInit(ctx context.Context) error {
	if a.init == nil {
		return nil
	}

	var (
		once sync.Once
		err  error
	)
	set := func(e error) { once.Do(func() { err = e }) }

	parent := linkFrom(ctx)
	timeout := a.b.startTimeout
	cerr := a.b.sched.Call(ctx, a.group, timeout, func(jctx context.Context, sig jobs.Signal, _ any) {
		if sig != jobs.SigNone {
			set(fmt.Errorf("init %s: %w", sig, berr.ErrAborted))
			return
		}
		fl := a.b.chain.push(parent, a.group, a)
		defer a.b.chain.pop(fl)
		set(a.init(withLink(jctx, fl), a))
	}, nil)
	if cerr != nil {
		return cerr
	}
	return err
}

// InUse reports whether requests still reference the api.
func (a *Api) InUse() bool { return a.refs.Load() > 0 }

// Release is called once the api left its declare set.
func (a *Api) Release() { a.release() }

func (a *Api) release() {
	if !a.released.CompareAndSwap(false, true) {
		return
	}
	a.mu.Lock()
	l := a.listener
	a.listener = nil
	a.mu.Unlock()

	if l != nil {
		l.Unref()
	}
	a.session.Unref()
	a.b.forget(a)
	a.logger.Debug("api released")
}

// PostJob queues cb in the api's group. While it runs, calls made with its
// context are checked for self-lock against the api.
func (a *Api) PostJob(delay, timeout time.Duration, cb jobs.Callback, arg any) (jobs.ID, error) {
	if cb == nil {
		return 0, fmt.Errorf("api %s post job: %w", a.name, berr.ErrInvalidArgument)
	}
	return a.b.sched.Post(a.group, delay, timeout, func(ctx context.Context, sig jobs.Signal, arg any) {
		if sig != jobs.SigNone {
			cb(ctx, sig, arg)
			return
		}
		fl := a.b.chain.push(link{}, a.group, a)
		defer a.b.chain.pop(fl)
		cb(withLink(ctx, fl), sig, arg)
	}, arg)
}

// continueWith runs fn as a job in the api's group, or inline when it cannot
// be queued. fn runs under its own frame whose parent is parent, so calls it
// makes are checked for self-lock against the group it holds.
func (a *Api) continueWith(parent link, fn func(link)) {
	var once sync.Once
	run := func() {
		once.Do(func() {
			fl := a.b.chain.push(parent, a.group, a)
			defer a.b.chain.pop(fl)
			fn(fl)
		})
	}

	_, err := a.b.sched.Post(a.group, 0, -1, func(context.Context, jobs.Signal, any) { run() }, nil)
	if err != nil {
		a.logger.Warn("continuation run inline", slog.Any("err", err))
		run()
	}
}

// Call calls api/verb on behalf of the api itself. done runs once, as a job of
// the api's group; calls made with its ctx are checked for self-lock.
func (a *Api) Call(ctx context.Context, api, verb string, args any, done func(context.Context, Reply)) {
	if ctx == nil {
		ctx = context.Background()
	}
	a.refs.Add(1)
	r := a.b.newRequest(ctx, api, verb, args, &apiOrigin{api: a, done: func(rep Reply) {
		a.continueWith(linkFrom(ctx), func(fl link) {
			defer a.refs.Add(-1)
			if done != nil {
				done(withLink(ctx, fl), rep)
			}
		})
	}})
	r.setSession(a.session)
	r.callSet = a.callSet
	a.b.process(r)
}

// CallSync calls api/verb on behalf of the api and waits for the reply.
func (a *Api) CallSync(ctx context.Context, api, verb string, args any) Reply {
	box := newReplyBox()
	r := a.b.newRequest(ctx, api, verb, args, &apiOrigin{api: a, done: box.put})
	r.setSession(a.session)
	r.callSet = a.callSet
	a.b.process(r)
	return a.b.await(ctx, box)
}

// NewEvent creates the event api/name.
func (a *Api) NewEvent(name string) (*evbus.Event, error) {
	return a.b.bus.Create(a.name, name)
}

// Broadcast sends data as api/name to every listener of the binder.
func (a *Api) Broadcast(name string, data any) (int, error) {
	if !evbus.ValidName(name) {
		return 0, fmt.Errorf("api %s broadcast %q: %w", a.name, name, berr.ErrInvalidArgument)
	}
	return a.b.bus.Broadcast(a.name+"/"+name, data, uuid.Nil, 0), nil
}

// Listener returns the api's listener, creating it on first use. Events it
// receives go to the matching handler, or to OnEvent.
func (a *Api) Listener() *evbus.Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		a.listener = a.b.bus.NewListener(apiSink{a: a}, a)
	}
	return a.listener
}

// EventHandlerAdd routes events whose name matches pattern to fn.
func (a *Api) EventHandlerAdd(pattern string, fn EventFunc) error {
	if pattern == "" || fn == nil {
		return fmt.Errorf("api %s event handler: %w", a.name, berr.ErrInvalidArgument)
	}
	a.Listener()

	a.mu.Lock()
	defer a.mu.Unlock()
	if slices.ContainsFunc(a.handlers, func(h eventHandler) bool { return h.pattern == pattern }) {
		return fmt.Errorf("api %s event handler %s: %w", a.name, pattern, berr.ErrAlreadyExists)
	}
	a.handlers = append(a.handlers, eventHandler{pattern: pattern, fn: fn})
	return nil
}

// EventHandlerDel removes the handler registered for pattern.
func (a *Api) EventHandlerDel(pattern string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := slices.IndexFunc(a.handlers, func(h eventHandler) bool { return h.pattern == pattern })
	if i < 0 {
		return fmt.Errorf("api %s event handler %s: %w", a.name, pattern, berr.ErrNotFound)
	}
	a.handlers = slices.Delete(a.handlers, i, i+1)
	return nil
}

func (a *Api) deliver(event string, data any) {
	_, err := a.b.sched.Post(a.group, 0, 0, func(ctx context.Context, sig jobs.Signal, _ any) {
		if sig != jobs.SigNone {
			a.logger.Warn("event delivery aborted", slog.String("event", event), slog.String("signal", sig.String()))
			return
		}
		fl := a.b.chain.push(link{}, a.group, a)
		defer a.b.chain.pop(fl)
		a.routeEvent(withLink(ctx, fl), event, data)
	}, nil)
	if err != nil {
		a.logger.Warn("event dropped", slog.String("event", event), slog.Any("err", err))
	}
}

func (a *Api) routeEvent(ctx context.Context, event string, data any) {
	a.mu.RLock()
	var fn EventFunc
	for _, h := range a.handlers {
		if match.Match(event, h.pattern) {
			fn = h.fn
			break
		}
	}
	a.mu.RUnlock()

	if fn == nil {
		fn = a.onEvent
	}
	if fn == nil {
		a.logger.Debug("event ignored", slog.String("event", event))
		return
	}
	fn(ctx, a, event, data)
}

// apiSink turns listener notifications into jobs of the api.
type apiSink struct{ a *Api }

func (s apiSink) Push(ev cbind.EventRef, data any) { s.a.deliver(ev.Name, data) }

func (s apiSink) Broadcast(name string, data any, _ uuid.UUID, _ uint8) { s.a.deliver(name, data) }

func (s apiSink) Added(ev cbind.EventRef) {
	s.a.logger.Debug("watching event", slog.String("event", ev.Name))
}

func (s apiSink) Removed(ev cbind.EventRef) {
	s.a.logger.Debug("stopped watching event", slog.String("event", ev.Name))
}
