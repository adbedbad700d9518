package binder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/next-trace/scg-binder/apiset"
	cbind "github.com/next-trace/scg-binder/contract/binder"
	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/evbus"
	"github.com/next-trace/scg-binder/hooks"
	"github.com/next-trace/scg-binder/jobs"
	"github.com/next-trace/scg-binder/metrics"
	"github.com/next-trace/scg-binder/session"
)

// Request is one verb invocation. It is shared by its caller and by the verb
// job; whoever drops the last reference releases it.
type Request struct {
	b        *Binder
	api      *Api
	apiName  string
	verbName string
	verb     *Verb
	args     any

	argsOnce sync.Once
	argsJSON string

	session *session.Session
	creds   *cbind.Credentials
	origin  origin
	callSet *apiset.Set

	ctx    context.Context
	parent link

	mu     sync.Mutex
	runCtx context.Context

	replied     atomic.Bool
	jobReleased atomic.Bool
	refs        atomic.Int32

	logger *slog.Logger
}

func (b *Binder) newRequest(ctx context.Context, api, verb string, args any, o origin) *Request {
	if ctx == nil {
		ctx = context.Background()
	}
	r := &Request{
		b:        b,
		apiName:  api,
		verbName: verb,
		args:     args,
		origin:   o,
		callSet:  b.private,
		ctx:      ctx,
		parent:   linkFrom(ctx),
		logger:   b.logger.With(slog.String("api", api), slog.String("verb", verb)),
	}
	r.refs.Store(1)
	return r
}

// process resolves, admits and schedules r. It consumes the caller reference.
func (b *Binder) process(r *Request) {
	defer r.Unref()

	if b.hooks.Active(hooks.ReqBegin) {
		b.hooks.Fire(hooks.ReqBegin, hooks.Pre, r.path(), r.args)
	}

	item, err := r.callSet.Get(r.ctx, r.apiName, true, true)
	if err != nil {
		r.fail(err)
		return
	}
	a, ok := item.(*Api)
	if !ok {
		r.fail(fmt.Errorf("call %s: foreign item %T: %w", r.path(), item, berr.ErrInternal))
		return
	}
	a.refs.Add(1)
	r.api = a
	r.logger = a.logger.With(slog.String("verb", r.verbName))

	v := a.findVerb(r.verbName)
	if v == nil {
		r.fail(fmt.Errorf("call %s: %w", r.path(), berr.ErrUnknownVerb))
		return
	}
	r.verb = v

	if holder, held := b.chain.holding(r.parent, a.group); held {
		r.logger.Warn("call would deadlock",
			slog.String("holder", holder.name),
			slog.Int("depth", b.chain.depth(r.parent)),
		)
		r.fail(fmt.Errorf("call %s: group held by %s: %w", r.path(), holder.name, berr.ErrWouldDeadlock))
		return
	}

	r.AddRef()
	b.checkAuth(r.ctx, r, v.Auth, func(err error) {
		if err != nil {
			r.fail(err)
			r.Unref()
			return
		}
		b.schedule(r)
	})
}

// schedule posts the verb job. The reference taken for admission now belongs
// to the job.
func (b *Binder) schedule(r *Request) {
	if _, err := b.sched.Post(r.api.group, 0, b.verbTimeout, b.runVerb, r); err != nil {
		r.fail(fmt.Errorf("call %s: %w", r.path(), err))
		r.releaseJob()
	}
}

func (b *Binder) runVerb(_ context.Context, sig jobs.Signal, arg any) {
	r, _ := arg.(*Request)
	if sig != jobs.SigNone {
		r.fail(fmt.Errorf("call %s: %s: %w", r.path(), sig, berr.ErrAborted))
		r.releaseJob()
		return
	}
	defer r.releaseJob()

	fl := b.chain.push(r.parent, r.api.group, r.api)
	defer b.chain.pop(fl)

	r.enter(fl)
	chain(r.verb.Callback, b.verbMW)(r)

	if r.verb.CloseSession {
		r.CloseSession()
	}
}

// releaseJob drops the job reference once, whether the body returned or the
// job was aborted.
func (r *Request) releaseJob() {
	if r.jobReleased.CompareAndSwap(false, true) {
		r.Unref()
	}
}

// enter makes fl the frame seen by calls made with r.Context(). The context
// derives from the caller's, not from the job, so it outlives the verb
// callback for replies and subcalls made later.
func (r *Request) enter(fl link) {
	r.mu.Lock()
	r.runCtx = withLink(r.ctx, fl)
	r.mu.Unlock()
}

// setSession makes r hold its own reference on s.
func (r *Request) setSession(s *session.Session) {
	if s != nil {
		s.AddRef()
	}
	if r.session != nil {
		r.session.Unref()
	}
	r.session = s
}

func (r *Request) path() string { return r.apiName + "/" + r.verbName }

func (r *Request) AddRef() *Request {
	r.refs.Add(1)
	return r
}

func (r *Request) Unref() {
	if r.refs.Add(-1) == 0 {
		r.destroy()
	}
}

func (r *Request) destroy() {
	if !r.replied.Load() {
		r.logger.Warn("request released without reply")
	}
	if r.api != nil {
		r.api.refs.Add(-1)
	}
	if r.session != nil {
		r.session.Unref()
	}
	if r.b.hooks.Active(hooks.ReqEnd) {
		r.b.hooks.Fire(hooks.ReqEnd, hooks.Post, r.path(), r.replied.Load())
	}
}

// Reply delivers the outcome to the caller. Only the first reply counts;
// later ones are logged and dropped.
func (r *Request) Reply(data any, err error, info string) {
	if !r.replied.CompareAndSwap(false, true) {
		r.logger.Warn("reply ignored, request already replied", slog.Any("err", err))
		return
	}
	rep := Reply{Data: data, Err: err, Info: info}
	metrics.RequestReplied(r.apiName, rep.Status())
	if r.b.hooks.Active(hooks.ReqReply) {
		r.b.hooks.Fire(hooks.ReqReply, hooks.Post, r.path(), rep)
	}
	if err != nil {
		r.logger.Debug("request failed", slog.Any("err", err))
	}
	r.origin.complete(r, rep)
}

func (r *Request) fail(err error) { r.Reply(nil, err, "") }

// Replied reports whether the request already got its reply.
func (r *Request) Replied() bool { return r.replied.Load() }

// Context returns the context of the running verb, or the caller context
// before the verb runs. Calls made with it are checked for self-lock.
func (r *Request) Context() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runCtx != nil {
		return r.runCtx
	}
	return r.ctx
}

// API returns the called api, nil until it is resolved.
func (r *Request) API() *Api { return r.api }

func (r *Request) APIName() string { return r.apiName }

func (r *Request) VerbName() string { return r.verbName }

// Verb returns the matched verb, nil until it is resolved.
func (r *Request) Verb() *Verb { return r.verb }

func (r *Request) Args() any { return r.args }

// Arg looks path up in the JSON form of the arguments.
func (r *Request) Arg(path string) gjson.Result {
	r.argsOnce.Do(func() {
		s, err := toJSON(r.args)
		if err != nil {
			r.logger.Warn("arguments are not JSON", slog.Any("err", err))
			return
		}
		r.argsJSON = s
	})
	return gjson.Get(r.argsJSON, path)
}

func (r *Request) Session() *session.Session { return r.session }

func (r *Request) Credentials() *cbind.Credentials { return r.creds }

// Logger returns the api logger with the verb attached.
func (r *Request) Logger() *slog.Logger { return r.logger }

// LOA returns the session level of assurance, 0 without session.
func (r *Request) LOA() int {
	if r.session == nil {
		return 0
	}
	return r.session.LOA()
}

func (r *Request) SetLOA(loa int) error {
	if r.session == nil {
		return fmt.Errorf("request %s set loa: no session: %w", r.path(), berr.ErrInvalidArgument)
	}
	return r.session.SetLOA(loa)
}

// CloseSession closes the caller session when it is closable.
func (r *Request) CloseSession() bool {
	if r.session == nil {
		return false
	}
	return r.session.Close()
}

func (r *Request) cookieSession(op string) (*session.Session, error) {
	if r.session == nil {
		return nil, fmt.Errorf("request %s %s: no session: %w", r.path(), op, berr.ErrInvalidArgument)
	}
	if r.api == nil {
		return nil, fmt.Errorf("request %s %s: api not resolved: %w", r.path(), op, berr.ErrBadAPIState)
	}
	return r.session, nil
}

// CookieGet returns the value the called api stored in the session.
func (r *Request) CookieGet() (any, bool) {
	s, err := r.cookieSession("cookie get")
	if err != nil {
		return nil, false
	}
	return s.CookieGet(r.api)
}

// CookieSet stores value for the called api, freeing the previous one. A nil
// value removes the cookie.
func (r *Request) CookieSet(value any, freer func(any)) error {
	s, err := r.cookieSession("cookie set")
	if err != nil {
		return err
	}
	return s.CookieSet(r.api, value, freer)
}

// CookieMake returns the cookie of the called api, creating it with maker when
// absent. Concurrent makers race; the loser's value goes to freer.
func (r *Request) CookieMake(maker func() (any, error), freer func(any)) (any, error) {
	s, err := r.cookieSession("cookie make")
	if err != nil {
		return nil, err
	}
	return s.CookieMake(r.api, maker, freer)
}

// Subscribe makes the caller receive pushes of ev. It must happen before the reply.
func (r *Request) Subscribe(ev *evbus.Event) error {
	if err := r.watch(ev, true); err != nil {
		return err
	}
	if r.b.hooks.Active(hooks.ReqSubscribe) {
		r.b.hooks.Fire(hooks.ReqSubscribe, hooks.Post, r.path(), ev.FullName())
	}
	return nil
}

// Unsubscribe stops the caller receiving pushes of ev.
func (r *Request) Unsubscribe(ev *evbus.Event) error {
	return r.watch(ev, false)
}

func (r *Request) watch(ev *evbus.Event, on bool) error {
	if ev == nil {
		return fmt.Errorf("request %s subscribe: nil event: %w", r.path(), berr.ErrInvalidArgument)
	}
	if r.replied.Load() {
		return fmt.Errorf("request %s subscribe %s: already replied: %w", r.path(), ev.FullName(), berr.ErrInvalidArgument)
	}
	return r.origin.watch(r, ev, on)
}
