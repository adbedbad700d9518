package binder

import (
	"strings"

	"github.com/next-trace/scg-binder/hooks"
)

// SubcallFlags select what a subcall inherits from its parent request.
type SubcallFlags uint8

const (
	// SubcallCatchEvents subscribes the calling api to events the callee subscribes to.
	SubcallCatchEvents SubcallFlags = 1 << iota
	// SubcallPassEvents forwards the callee subscriptions to the parent caller.
	SubcallPassEvents
	// SubcallOnBehalf runs the subcall with the parent credentials.
	SubcallOnBehalf
	// SubcallApiSession runs the subcall in the calling api's session instead of the caller's.
	SubcallApiSession
)

func (f SubcallFlags) String() string {
	var parts []string
	if f&SubcallCatchEvents != 0 {
		parts = append(parts, "catch-events")
	}
	if f&SubcallPassEvents != 0 {
		parts = append(parts, "pass-events")
	}
	if f&SubcallOnBehalf != 0 {
		parts = append(parts, "on-behalf")
	}
	if f&SubcallApiSession != 0 {
		parts = append(parts, "api-session")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Subcall calls api/verb from within the running verb of r. cont receives the
// reply as a job of the calling api's group; r stays alive until it returns,
// and calls cont makes through r are checked against that group.
func (r *Request) Subcall(api, verb string, args any, flags SubcallFlags, cont func(Reply)) {
	caller := r.api
	r.AddRef()
	sub := r.newSubcall(api, verb, args, flags, func(rep Reply) {
		caller.continueWith(r.parent, func(fl link) {
			defer r.Unref()
			r.enter(fl)
			if cont != nil {
				cont(rep)
			}
		})
	})
	r.b.process(sub)
}

// SubcallSync calls api/verb from within the running verb of r and waits for
// the reply. While it waits the worker is compensated.
func (r *Request) SubcallSync(api, verb string, args any, flags SubcallFlags) Reply {
	box := newReplyBox()
	sub := r.newSubcall(api, verb, args, flags, box.put)
	r.b.process(sub)
	return r.b.await(r.Context(), box)
}

func (r *Request) newSubcall(api, verb string, args any, flags SubcallFlags, done func(Reply)) *Request {
	caller := r.api
	sub := r.b.newRequest(r.Context(), api, verb, args, &subcallOrigin{
		parent: r,
		caller: caller,
		flags:  flags,
		done:   done,
	})
	sub.callSet = caller.callSet
	if flags&SubcallApiSession != 0 {
		sub.setSession(caller.session)
	} else {
		sub.setSession(r.session)
	}
	if flags&SubcallOnBehalf != 0 {
		sub.creds = r.creds
	}

	if r.b.hooks.Active(hooks.ReqSubcall) {
		r.b.hooks.Fire(hooks.ReqSubcall, hooks.Pre, r.path(), sub.path()+" "+flags.String())
	}
	return sub
}
