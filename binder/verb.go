package binder

import "strings"

// VerbFunc is the body of a verb. It must reply to r exactly once, possibly
// later from another job.
type VerbFunc func(r *Request)

// VerbMiddleware wraps a verb callback, for instance to time or trace it.
type VerbMiddleware func(next VerbFunc) VerbFunc

// Verb is a named operation of an api. Names containing glob characters
// ('*' or '?') match any verb the exact lookup missed.
type Verb struct {
	Name     string
	Info     string
	Callback VerbFunc
	// Auth must be satisfied before Callback runs. Nil grants.
	Auth *Auth
	// CloseSession closes the caller session once the callback returns.
	CloseSession bool
	UserData     any
}

func (v *Verb) glob() bool { return strings.ContainsAny(v.Name, "*?") }

// chain applies mw so the first registered middleware runs outermost.
func chain(fn VerbFunc, mw []VerbMiddleware) VerbFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		fn = mw[i](fn)
	}
	return fn
}
