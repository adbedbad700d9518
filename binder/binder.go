// Package binder dispatches verb calls between apis: it resolves the api and
// the verb, checks the verb requirements, runs the verb as a job in the api's
// group and delivers exactly one reply to the caller.
package binder

// revive:disable:max-public-structs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/next-trace/scg-binder/apiset"
	cbind "github.com/next-trace/scg-binder/contract/binder"
	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/config"
	"github.com/next-trace/scg-binder/evbus"
	"github.com/next-trace/scg-binder/hooks"
	"github.com/next-trace/scg-binder/jobs"
	"github.com/next-trace/scg-binder/logging"
	"github.com/next-trace/scg-binder/session"
)

// Binder is the explicit context every api, request and event lives in.
// Several binders can coexist in one process.
//
// Binder is concurrency-safe and contains no global state.
type Binder struct {
	sched     *jobs.Scheduler
	schedOpts []jobs.Option
	bus       *evbus.Bus
	sessions  *session.Set
	hooks     *hooks.Registry
	perms     cbind.PermissionChecker
	settings  *config.Settings

	defaultMask uint32
	masks       map[string]uint32

	public  *apiset.Set
	private *apiset.Set

	// verb middleware executed in registration order
	verbMW []VerbMiddleware

	verbTimeout  time.Duration
	startTimeout time.Duration

	chain callChain

	mu   sync.Mutex
	apis map[*Api]struct{}

	logger *slog.Logger
}

// Option configures a Binder.
type Option func(*Binder)

// WithLogger sets the base logger. Api loggers derive from its handler.
func WithLogger(l *slog.Logger) Option {
	return func(b *Binder) { b.logger = l }
}

// WithScheduler replaces the default scheduler.
func WithScheduler(s *jobs.Scheduler) Option {
	return func(b *Binder) { b.sched = s }
}

// WithSchedulerOptions configures the default scheduler. It is ignored when
// WithScheduler is used.
func WithSchedulerOptions(opts ...jobs.Option) Option {
	return func(b *Binder) { b.schedOpts = append(b.schedOpts, opts...) }
}

// WithHooks installs the hook registry observers register with.
func WithHooks(h *hooks.Registry) Option {
	return func(b *Binder) { b.hooks = h }
}

// WithPermissionChecker sets the policy consulted by Permission requirements.
// Without one every permission is granted.
func WithPermissionChecker(p cbind.PermissionChecker) Option {
	return func(b *Binder) { b.perms = p }
}

// WithSettings provides the per-api settings document.
func WithSettings(s *config.Settings) Option {
	return func(b *Binder) { b.settings = s }
}

// WithLogMasks sets the default api log mask and per-api overrides.
func WithLogMasks(def uint32, perAPI map[string]uint32) Option {
	return func(b *Binder) {
		b.defaultMask = def
		for k, v := range perAPI {
			b.masks[k] = v
		}
	}
}

// WithVerbTimeout bounds every verb job. Zero keeps the scheduler default.
func WithVerbTimeout(d time.Duration) Option {
	return func(b *Binder) { b.verbTimeout = d }
}

// WithStartTimeout bounds each api init.
func WithStartTimeout(d time.Duration) Option {
	return func(b *Binder) { b.startTimeout = d }
}

// WithVerbMiddleware wraps every verb callback.
func WithVerbMiddleware(mw ...VerbMiddleware) Option {
	return func(b *Binder) { b.verbMW = append(b.verbMW, mw...) }
}

// WithSessionSet replaces the default session table.
func WithSessionSet(s *session.Set) Option {
	return func(b *Binder) { b.sessions = s }
}

// New builds a binder. Its scheduler is not started; see Start.
func New(opts ...Option) *Binder {
	b := &Binder{
		defaultMask: logging.DefaultMask,
		masks:       make(map[string]uint32),
		apis:        make(map[*Api]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.logger = logging.OrDiscard(b.logger)
	if b.hooks == nil {
		b.hooks = hooks.New(b.logger)
	}
	if b.sched == nil {
		b.sched = jobs.New(b.logger, b.schedOpts...)
	}
	if b.sessions == nil {
		b.sessions = session.NewSet(b.logger, session.WithObserver(b.sessionHook))
	}
	b.bus = evbus.New(b.logger, b.hooks)

	b.public = apiset.NewSet("public", b.logger)
	b.private = apiset.NewSet("private", b.logger)
	_ = b.private.SetSubset(b.public)

	return b
}

// FromConfig returns the options matching cfg and its settings document.
func FromConfig(cfg config.Config, settings *config.Settings) []Option {
	return []Option{
		WithSchedulerOptions(
			jobs.WithWorkers(cfg.Scheduler.Workers),
			jobs.WithMaxPending(cfg.Scheduler.MaxPending),
			jobs.WithDefaultTimeout(cfg.Scheduler.DefaultTimeout),
		),
		WithLogMasks(cfg.Log.DefaultMask, cfg.Log.Masks),
		WithSettings(settings),
		WithVerbTimeout(cfg.Scheduler.VerbTimeout),
		WithStartTimeout(cfg.Scheduler.StartTimeout),
	}
}

func (b *Binder) sessionHook(s *session.Session, created bool) {
	flag := hooks.SessionClose
	if created {
		flag = hooks.SessionCreate
	}
	if b.hooks.Active(flag) {
		b.hooks.Fire(flag, hooks.Post, s.UUID(), nil)
	}
}

func (b *Binder) Scheduler() *jobs.Scheduler { return b.sched }

func (b *Binder) Bus() *evbus.Bus { return b.bus }

func (b *Binder) Sessions() *session.Set { return b.sessions }

func (b *Binder) Hooks() *hooks.Registry { return b.hooks }

func (b *Binder) Logger() *slog.Logger { return b.logger }

// Public is the set apis are declared in by default.
func (b *Binder) Public() *apiset.Set { return b.public }

// Private is the set apis call through by default. It sees every public api.
func (b *Binder) Private() *apiset.Set { return b.private }

// Start launches the scheduler workers.
func (b *Binder) Start(ctx context.Context) error {
	return b.sched.Start(ctx)
}

// StartAll starts every api reachable from the private set.
func (b *Binder) StartAll(ctx context.Context) error {
	return b.private.StartAll(ctx)
}

// Stop stops the scheduler. Queued jobs are aborted, so pending requests get an
// aborted reply.
func (b *Binder) Stop(ctx context.Context) error {
	return b.sched.Stop(ctx)
}

func (b *Binder) maskFor(api string) uint32 {
	if m, ok := b.masks[api]; ok {
		return m
	}
	return b.defaultMask
}

// Declare creates the api described by d in declare, calling through call, and
// runs its PreInit. Nil sets select the public and private sets.
func (b *Binder) Declare(declare, call *apiset.Set, d Descriptor) (*Api, error) {
	if declare == nil {
		declare = b.public
	}
	if call == nil {
		call = b.private
	}
	if !apiset.ValidName(d.Name) {
		return nil, fmt.Errorf("declare api %q: %w", d.Name, berr.ErrInvalidArgument)
	}

	a, err := b.newApi(declare, call, d)
	if err != nil {
		return nil, err
	}
	if err := declare.Add(d.Name, a); err != nil {
		a.release()
		return nil, fmt.Errorf("declare api %s: %w", d.Name, err)
	}

	if err := a.declare(d); err != nil {
		_ = declare.Del(d.Name)
		return nil, fmt.Errorf("declare api %s: %w", d.Name, err)
	}

	b.mu.Lock()
	b.apis[a] = struct{}{}
	b.mu.Unlock()

	a.logger.Debug("api declared")
	return a, nil
}

func (b *Binder) forget(a *Api) {
	b.mu.Lock()
	delete(b.apis, a)
	b.mu.Unlock()
}

// Call describes an external verb call.
type Call struct {
	API         string
	Verb        string
	Args        any
	Session     *session.Session
	Credentials *cbind.Credentials
	// Listener receives the events the verb subscribes the caller to.
	Listener *evbus.Listener
}

// Call dispatches c from outside any api. done receives the reply exactly once.
// When ctx carries a running verb, self-lock is checked against its call chain.
func (b *Binder) Call(ctx context.Context, c Call, done func(Reply)) {
	if done == nil {
		done = func(Reply) {}
	}
	r := b.newRequest(ctx, c.API, c.Verb, c.Args, &clientOrigin{listener: c.Listener, done: done})
	r.setSession(c.Session)
	r.creds = c.Credentials
	b.process(r)
}

// CallSync dispatches c and waits for its reply or for ctx.
func (b *Binder) CallSync(ctx context.Context, c Call) Reply {
	box := newReplyBox()
	b.Call(ctx, c, box.put)
	return b.await(ctx, box)
}

// replyBox hands one reply to a synchronous waiter.
type replyBox struct {
	done chan struct{}
	rep  Reply
}

func newReplyBox() *replyBox { return &replyBox{done: make(chan struct{})} }

func (x *replyBox) put(rep Reply) {
	x.rep = rep
	close(x.done)
}

// await waits for the reply. Scheduler workers are compensated meanwhile, and
// without workers the waiter runs queued jobs itself.
func (b *Binder) await(ctx context.Context, box *replyBox) Reply {
	if err := b.sched.Await(ctx, box.done); err != nil {
		return Reply{Err: fmt.Errorf("wait reply: %w: %w", berr.ErrAborted, err)}
	}
	return box.rep
}
