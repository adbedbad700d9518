package binder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	cbind "github.com/next-trace/scg-binder/contract/binder"
	berr "github.com/next-trace/scg-binder/contract/errors"
)

type authKind uint8

const (
	authYes authKind = iota
	authNo
	authPermission
	authLOA
	authToken
	authAllOf
	authAnyOf
	authNot
)

// Auth is a requirement tree checked before a verb runs.
// A nil *Auth always grants.
type Auth struct {
	kind       authKind
	permission string
	loa        int
	children   []*Auth
}

func Yes() *Auth { return &Auth{kind: authYes} }

func No() *Auth { return &Auth{kind: authNo} }

// Permission requires the permission checker to grant p.
func Permission(p string) *Auth { return &Auth{kind: authPermission, permission: p} }

// LOA requires the session level of assurance to be at least n.
func LOA(n int) *Auth { return &Auth{kind: authLOA, loa: n} }

// Token requires a valid, open session.
func Token() *Auth { return &Auth{kind: authToken} }

func AllOf(children ...*Auth) *Auth { return &Auth{kind: authAllOf, children: children} }

func AnyOf(children ...*Auth) *Auth { return &Auth{kind: authAnyOf, children: children} }

func Not(a *Auth) *Auth { return &Auth{kind: authNot, children: []*Auth{a}} }

func (a *Auth) String() string {
	if a == nil {
		return "yes"
	}
	switch a.kind {
	case authYes:
		return "yes"
	case authNo:
		return "no"
	case authPermission:
		return fmt.Sprintf("permission(%s)", a.permission)
	case authLOA:
		return fmt.Sprintf("loa(%d)", a.loa)
	case authToken:
		return "token"
	case authNot:
		return "not(" + a.children[0].String() + ")"
	}
	parts := make([]string, len(a.children))
	for i, c := range a.children {
		parts[i] = c.String()
	}
	op := " and "
	if a.kind == authAnyOf {
		op = " or "
	}
	return "(" + strings.Join(parts, op) + ")"
}

// checkAuth resolves a for r and calls done exactly once, possibly from
// another goroutine when the permission checker answers asynchronously.
func (b *Binder) checkAuth(ctx context.Context, r *Request, a *Auth, done func(err error)) {
	var once sync.Once
	b.evalAuth(ctx, r, a, func(err error) {
		once.Do(func() { done(err) })
	})
}

func (b *Binder) evalAuth(ctx context.Context, r *Request, a *Auth, done func(err error)) {
	if a == nil {
		done(nil)
		return
	}

	switch a.kind {
	case authYes:
		done(nil)

	case authNo:
		done(fmt.Errorf("auth %s: %w", a, berr.ErrForbidden))

	case authLOA:
		if r.LOA() >= a.loa {
			done(nil)
			return
		}
		done(fmt.Errorf("auth %s: loa %d: %w", a, r.LOA(), berr.ErrInsufficientScope))

	case authToken:
		if r.session != nil && !r.session.Closed() {
			done(nil)
			return
		}
		done(fmt.Errorf("auth token: no valid session: %w", berr.ErrForbidden))

	case authPermission:
		b.checkPermission(ctx, r, a, done)

	case authNot:
		b.evalAuth(ctx, r, a.children[0], func(err error) {
			if err == nil {
				done(fmt.Errorf("auth %s: %w", a, berr.ErrForbidden))
				return
			}
			done(nil)
		})

	case authAllOf:
		b.evalSequence(ctx, r, a.children, 0, false, nil, done)

	case authAnyOf:
		b.evalSequence(ctx, r, a.children, 0, true, nil, done)

	default:
		done(fmt.Errorf("auth: unknown node: %w", berr.ErrInternal))
	}
}

// evalSequence walks children one after the other. For AnyOf the first grant
// wins and the last denial is reported; for AllOf the first denial wins.
func (b *Binder) evalSequence(ctx context.Context, r *Request, children []*Auth, i int, anyOf bool, last error, done func(error)) {
	if i == len(children) {
		if anyOf {
			if last == nil {
				last = fmt.Errorf("auth: empty alternative: %w", berr.ErrForbidden)
			}
			done(last)
			return
		}
		done(nil)
		return
	}
	b.evalAuth(ctx, r, children[i], func(err error) {
		switch {
		case anyOf && err == nil:
			done(nil)
		case !anyOf && err != nil:
			done(err)
		default:
			b.evalSequence(ctx, r, children, i+1, anyOf, err, done)
		}
	})
}

func (b *Binder) checkPermission(ctx context.Context, r *Request, a *Auth, done func(error)) {
	if b.perms == nil {
		b.logger.Debug("no permission checker, granting",
			slog.String("permission", a.permission),
			slog.String("api", r.apiName),
			slog.String("verb", r.verbName),
		)
		done(nil)
		return
	}

	q := cbind.PermissionQuery{
		Permission:  a.permission,
		API:         r.apiName,
		Verb:        r.verbName,
		Credentials: r.creds,
	}
	if r.session != nil {
		q.Session = r.session.UUID()
	}
	b.perms.CheckPermission(ctx, q, func(granted bool, err error) {
		switch {
		case err != nil:
			done(fmt.Errorf("auth %s: %w: %w", a, berr.ErrForbidden, err))
		case !granted:
			done(fmt.Errorf("auth %s: denied: %w", a, berr.ErrForbidden))
		default:
			done(nil)
		}
	})
}
