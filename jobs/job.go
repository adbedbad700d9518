package jobs

import (
	"context"
	"strconv"
	"time"
)

// Signal tells a callback why it is invoked. Zero is a normal run; any other
// value is the single abort invocation that follows a cancel, a timeout or a fault.
type Signal int

const (
	SigNone Signal = iota
	SigCancel
	SigTimeout
	SigFault
)

func (s Signal) String() string {
	switch s {
	case SigNone:
		return "none"
	case SigCancel:
		return "cancel"
	case SigTimeout:
		return "timeout"
	case SigFault:
		return "fault"
	default:
		return "signal(" + strconv.Itoa(int(s)) + ")"
	}
}

// Callback is the body of a job. When sig is non-zero the callback must only
// clean up or report the error; ctx is already cancelled in that case.
type Callback func(ctx context.Context, sig Signal, arg any)

// ID identifies a job for Abort. IDs are positive.
type ID int64

// State of a job.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Job is a unit of deferred work owned by the scheduler from Post until it completes.
type Job struct {
	id        ID
	group     any
	cb        Callback
	arg       any
	timeout   time.Duration
	notBefore time.Time
	state     State
	done      chan struct{}
}

func (j *Job) ID() ID { return j.id }

// Group returns the exclusion key of the job, nil when it has none.
func (j *Job) Group() any { return j.group }

func (j *Job) Arg() any { return j.arg }

func (j *Job) Timeout() time.Duration { return j.timeout }

// Done is closed once the job completed or was aborted.
func (j *Job) Done() <-chan struct{} { return j.done }
