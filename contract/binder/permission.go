package binder

import "context"

// Credentials describe the peer a request acts for.
type Credentials struct {
	UID   int
	GID   int
	PID   int
	User  string
	Label string
	ID    string
}

// PermissionQuery is one permission decision requested while admitting a request.
type PermissionQuery struct {
	Permission  string
	Session     string
	API         string
	Verb        string
	Credentials *Credentials
}

// PermissionChecker decides permissions asynchronously. done must be called exactly
// once, from any goroutine. A non-nil err is treated as a denial.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, q PermissionQuery, done func(granted bool, err error))
}

// PermissionFunc adapts a synchronous function to PermissionChecker.
type PermissionFunc func(ctx context.Context, q PermissionQuery) (bool, error)

func (f PermissionFunc) CheckPermission(ctx context.Context, q PermissionQuery, done func(bool, error)) {
	done(f(ctx, q))
}
