package binder

import (
	"fmt"

	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/evbus"
)

// origin is what a request reports to: who gets the reply and which listener
// its subscriptions go to.
type origin interface {
	complete(r *Request, rep Reply)
	watch(r *Request, ev *evbus.Event, on bool) error
}

func toggle(l *evbus.Listener, ev *evbus.Event, on bool) error {
	if on {
		return l.Watch(ev)
	}
	return l.Unwatch(ev)
}

// clientOrigin is a call from outside any api.
type clientOrigin struct {
	listener *evbus.Listener
	done     func(Reply)
}

func (o *clientOrigin) complete(_ *Request, rep Reply) { o.done(rep) }

func (o *clientOrigin) watch(r *Request, ev *evbus.Event, on bool) error {
	if o.listener == nil {
		return fmt.Errorf("request %s subscribe %s: caller has no listener: %w", r.path(), ev.FullName(), berr.ErrInvalidArgument)
	}
	return toggle(o.listener, ev, on)
}

// apiOrigin is a call made by an api outside of a request.
type apiOrigin struct {
	api  *Api
	done func(Reply)
}

func (o *apiOrigin) complete(_ *Request, rep Reply) { o.done(rep) }

func (o *apiOrigin) watch(_ *Request, ev *evbus.Event, on bool) error {
	return toggle(o.api.Listener(), ev, on)
}

// subcallOrigin is a call made by a verb on behalf of its request.
type subcallOrigin struct {
	parent *Request
	caller *Api
	flags  SubcallFlags
	done   func(Reply)
}

func (o *subcallOrigin) complete(_ *Request, rep Reply) { o.done(rep) }

func (o *subcallOrigin) watch(r *Request, ev *evbus.Event, on bool) error {
	switch {
	case o.flags&SubcallCatchEvents != 0:
		return toggle(o.caller.Listener(), ev, on)
	case o.flags&SubcallPassEvents != 0:
		if on {
			return o.parent.Subscribe(ev)
		}
		return o.parent.Unsubscribe(ev)
	default:
		return fmt.Errorf("subcall %s subscribe %s: events neither caught nor passed: %w", r.path(), ev.FullName(), berr.ErrInvalidArgument)
	}
}
