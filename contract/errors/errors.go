package errors

import stderrors "errors"

// Error codes for the binder contracts. Keep stable; status strings derived from them
// end up in reply envelopes seen by transports.
const (
	ErrCodeInvalidArgument   = "binder.invalid_argument"
	ErrCodeUnknownAPI        = "binder.unknown_api"
	ErrCodeUnknownVerb       = "binder.unknown_verb"
	ErrCodeForbidden         = "binder.forbidden"
	ErrCodeInsufficientScope = "binder.insufficient_scope"
	ErrCodeBadAPIState       = "binder.bad_api_state"
	ErrCodeAlreadyExists     = "binder.already_exists"
	ErrCodeNotFound          = "binder.not_found"
	ErrCodeResourceExhausted = "binder.resource_exhausted"
	ErrCodeWouldDeadlock     = "binder.would_deadlock"
	ErrCodeAborted           = "binder.aborted"
	ErrCodeBusy              = "binder.busy"
	ErrCodeInternal          = "binder.internal_error"

	// relay codes, inherited from the bus adapters.
	ErrCodePublishFailed       = "binder.publish_failed"
	ErrCodeSerializationFailed = "binder.serialization_failed"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrInvalidArgument   = Code(ErrCodeInvalidArgument)
	ErrUnknownAPI        = Code(ErrCodeUnknownAPI)
	ErrUnknownVerb       = Code(ErrCodeUnknownVerb)
	ErrForbidden         = Code(ErrCodeForbidden)
	ErrInsufficientScope = Code(ErrCodeInsufficientScope)
	ErrBadAPIState       = Code(ErrCodeBadAPIState)
	ErrAlreadyExists     = Code(ErrCodeAlreadyExists)
	ErrNotFound          = Code(ErrCodeNotFound)
	ErrResourceExhausted = Code(ErrCodeResourceExhausted)
	ErrWouldDeadlock     = Code(ErrCodeWouldDeadlock)
	ErrAborted           = Code(ErrCodeAborted)
	ErrBusy              = Code(ErrCodeBusy)
	ErrInternal          = Code(ErrCodeInternal)

	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
)

var statuses = []struct {
	err    error
	status string
}{
	{ErrUnknownAPI, "unknown-api"},
	{ErrUnknownVerb, "unknown-verb"},
	{ErrForbidden, "forbidden"},
	{ErrInsufficientScope, "insufficient-scope"},
	{ErrBadAPIState, "bad-api-state"},
	{ErrInvalidArgument, "invalid-argument"},
	{ErrAlreadyExists, "already-exists"},
	{ErrNotFound, "not-found"},
	{ErrResourceExhausted, "resource-exhausted"},
	{ErrWouldDeadlock, "would-deadlock"},
	{ErrAborted, "aborted"},
	{ErrBusy, "busy"},
	{ErrInternal, "internal-error"},
}

// Status maps an error to the reply status string. A nil error is "success";
// errors carrying no known code report "failed".
func Status(err error) string {
	if err == nil {
		return "success"
	}

	for _, s := range statuses {
		if stderrors.Is(err, s.err) {
			return s.status
		}
	}

	return "failed"
}
