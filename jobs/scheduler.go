// Package jobs runs deferred callbacks on a worker pool with group exclusion,
// delays, timeouts and fault recovery.
//
// Jobs sharing a non-nil group run one at a time, in submission order. Jobs of
// different groups, and jobs without a group, run in parallel.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/logging"
	"github.com/next-trace/scg-binder/metrics"
)

const defaultMaxPending = 1000

// Scheduler queues jobs and runs them on a pool of worker goroutines.
//
// Scheduler is concurrency-safe and contains no global state.
type Scheduler struct {
	mu      sync.Mutex
	queue   []*Job
	byID    map[ID]*Job
	running map[any]struct{}
	active  int
	nextID  ID

	maxPending     int
	workers        int
	defaultTimeout time.Duration

	// closed and replaced to wake every parked worker
	wake     chan struct{}
	stopCh   chan struct{}
	started  bool
	stopping bool
	surplus  int
	wg       sync.WaitGroup

	logger *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxPending sets the number of queued jobs above which Post fails.
func WithMaxPending(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxPending = n
		}
	}
}

// WithWorkers sets the nominal size of the worker pool.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithDefaultTimeout sets the timeout used by jobs posted with a zero timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.defaultTimeout = d }
}

// New creates a stopped scheduler.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		byID:       make(map[ID]*Job),
		running:    make(map[any]struct{}),
		maxPending: defaultMaxPending,
		workers:    runtime.NumCPU(),
		wake:       make(chan struct{}),
		stopCh:     make(chan struct{}),
		logger:     logging.OrDiscard(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Post enqueues cb to run with arg once delay elapsed and no other job of group runs.
// A zero timeout selects the scheduler default, a negative one disables the timeout.
func (s *Scheduler) Post(group any, delay, timeout time.Duration, cb Callback, arg any) (ID, error) {
	j, err := s.post(group, delay, timeout, cb, arg)
	if err != nil {
		return 0, err
	}
	return j.id, nil
}

func (s *Scheduler) post(group any, delay, timeout time.Duration, cb Callback, arg any) (*Job, error) {
	if cb == nil {
		return nil, fmt.Errorf("post job: nil callback: %w", berr.ErrInvalidArgument)
	}
	if group != nil && !reflect.TypeOf(group).Comparable() {
		return nil, fmt.Errorf("post job: group %T is not comparable: %w", group, berr.ErrInvalidArgument)
	}

	switch {
	case timeout == 0:
		timeout = s.defaultTimeout
	case timeout < 0:
		timeout = 0
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, fmt.Errorf("post job: scheduler stopped: %w", berr.ErrAborted)
	}
	if len(s.queue) >= s.maxPending {
		s.mu.Unlock()
		return nil, fmt.Errorf("post job: %d pending: %w", s.maxPending, berr.ErrResourceExhausted)
	}

	s.nextID++
	if s.nextID <= 0 {
		s.nextID = 1
	}
	j := &Job{
		id:      s.nextID,
		group:   group,
		cb:      cb,
		arg:     arg,
		timeout: timeout,
		state:   StateQueued,
		done:    make(chan struct{}),
	}
	if delay > 0 {
		j.notBefore = time.Now().Add(delay)
	}
	s.queue = append(s.queue, j)
	s.byID[j.id] = j
	s.broadcastLocked()
	s.mu.Unlock()

	metrics.JobPosted()
	return j, nil
}

// Dequeue removes and marks running the oldest job that may run now. When none
// can, it returns a nil job and how long to wait before one becomes eligible;
// a negative wait means only a new Post can change the answer.
func (s *Scheduler) Dequeue() (*Job, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dequeueLocked(time.Now())
}

func (s *Scheduler) dequeueLocked(now time.Time) (*Job, time.Duration) {
	wait := time.Duration(-1)

	// groups holding back later jobs because an earlier one is still delayed
	var held map[any]struct{}

	for i, j := range s.queue {
		if j.group != nil {
			if _, busy := s.running[j.group]; busy {
				continue
			}
			if _, h := held[j.group]; h {
				continue
			}
		}

		if !j.notBefore.IsZero() && now.Before(j.notBefore) {
			if d := j.notBefore.Sub(now); wait < 0 || d < wait {
				wait = d
			}
			if j.group != nil {
				if held == nil {
					held = make(map[any]struct{})
				}
				held[j.group] = struct{}{}
			}
			continue
		}

		copy(s.queue[i:], s.queue[i+1:])
		s.queue[len(s.queue)-1] = nil
		s.queue = s.queue[:len(s.queue)-1]

		j.state = StateRunning
		if j.group != nil {
			s.running[j.group] = struct{}{}
		}
		s.active++
		return j, 0
	}

	return nil, wait
}

// Run executes a dequeued job under the fault and timeout monitor, then completes it.
func (s *Scheduler) Run(j *Job) {
	metrics.JobStarted()
	outcome, held := s.execute(j)
	s.finish(j, StateCompleted, held)
	metrics.JobFinished(outcome, true)
}

// execute reports whether the job's group is still held by a timed-out body.
func (s *Scheduler) execute(j *Job) (string, bool) {
	if j.timeout <= 0 {
		ctx, cancel := context.WithCancel(context.Background())
		sig := s.attempt(ctx, j)
		cancel()
		return s.outcome(j, sig), false
	}

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result := make(chan Signal, 1)
	go func() { result <- s.attempt(ctx, j) }()

	select {
	case sig := <-result:
		return s.outcome(j, sig), false
	case <-ctx.Done():
	}

	select {
	case sig := <-result:
		return s.outcome(j, sig), false
	default:
	}

	// the body keeps its goroutine until it notices ctx; its group stays
	// busy until then so no other job of the group overlaps it
	s.logger.Warn("job timed out",
		slog.Int64("job_id", int64(j.id)),
		slog.Duration("timeout", j.timeout),
	)
	go func() {
		<-result
		s.releaseGroup(j)
	}()
	s.signal(j, SigTimeout)
	return "timeout", j.group != nil
}

func (s *Scheduler) outcome(j *Job, sig Signal) string {
	if sig != SigNone {
		s.signal(j, sig)
		return "fault"
	}
	return "completed"
}

func (s *Scheduler) attempt(ctx context.Context, j *Job) (sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job fault",
				slog.Int64("job_id", int64(j.id)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			sig = SigFault
		}
	}()
	j.cb(ctx, SigNone, j.arg)
	return SigNone
}

// signal invokes the callback once more with sig. A fault there is only logged.
func (s *Scheduler) signal(j *Job, sig Signal) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(fmt.Errorf("job %d %s: %w", j.id, sig, berr.ErrAborted))

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job fault while handling signal",
				slog.Int64("job_id", int64(j.id)),
				slog.String("signal", sig.String()),
				slog.Any("panic", r),
			)
		}
	}()
	j.cb(ctx, sig, j.arg)
}

// finish completes j. held keeps its group busy for releaseGroup.
func (s *Scheduler) finish(j *Job, st State, held bool) {
	s.mu.Lock()
	if j.group != nil && !held {
		delete(s.running, j.group)
	}
	delete(s.byID, j.id)
	s.active--
	j.state = st
	close(j.done)
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *Scheduler) releaseGroup(j *Job) {
	if j.group == nil {
		return
	}
	s.mu.Lock()
	delete(s.running, j.group)
	s.broadcastLocked()
	s.mu.Unlock()
}

// Cancel aborts j if it has not started yet.
func (s *Scheduler) Cancel(j *Job) error {
	return s.Abort(j.id)
}

// Abort delivers SigCancel to the queued job id without running its body.
func (s *Scheduler) Abort(id ID) error {
	s.mu.Lock()
	j, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("abort job %d: %w", id, berr.ErrNotFound)
	}
	if j.state != StateQueued {
		s.mu.Unlock()
		return fmt.Errorf("abort job %d: %w", id, berr.ErrBusy)
	}
	s.unqueueLocked(j)
	s.mu.Unlock()

	s.signal(j, SigCancel)
	s.aborted(j)
	return nil
}

func (s *Scheduler) unqueueLocked(j *Job) {
	for i, q := range s.queue {
		if q == j {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	delete(s.byID, j.id)
	// a later job of the same group may have been held behind this one
	s.broadcastLocked()
}

func (s *Scheduler) aborted(j *Job) {
	s.mu.Lock()
	j.state = StateAborted
	close(j.done)
	s.mu.Unlock()
	metrics.JobFinished("aborted", false)
}

// State reports the state of job id, and false when the scheduler forgot it.
func (s *Scheduler) State(id ID) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[id]
	if !ok {
		return 0, false
	}
	return j.state, true
}

func (s *Scheduler) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Start launches the worker goroutines. It returns immediately.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.stopping {
		return fmt.Errorf("start scheduler: stopped: %w", berr.ErrBadAPIState)
	}
	s.started = true

	s.logger.Info("scheduler starting",
		slog.Int("workers", s.workers),
		slog.Int("max_pending", s.maxPending),
	)

	for range s.workers {
		s.wg.Add(1)
		go s.worker()
	}
	return nil
}

// Stop signals the workers to stop and waits for running jobs, or for ctx.
// Jobs still queued afterwards receive SigCancel.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with jobs still running")
		err = ctx.Err()
	}

	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	for _, j := range pending {
		delete(s.byID, j.id)
	}
	s.mu.Unlock()

	for _, j := range pending {
		s.signal(j, SigCancel)
		s.aborted(j)
	}
	return err
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return
		}
		if s.surplus > 0 {
			s.surplus--
			s.mu.Unlock()
			return
		}
		j, wait := s.dequeueLocked(time.Now())
		wake := s.wake
		s.mu.Unlock()

		if j == nil {
			s.park(context.Background(), wake, nil, wait)
			continue
		}
		s.Run(j)
	}
}

func (s *Scheduler) park(ctx context.Context, wake, done <-chan struct{}, wait time.Duration) {
	var timeout <-chan time.Time
	if wait >= 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-wake:
	case <-timeout:
	case <-s.stopCh:
	case <-done:
	case <-ctx.Done():
	}
}

// Blocking runs fn, which is expected to wait, while an extra worker keeps the
// pool at its nominal size.
func (s *Scheduler) Blocking(fn func()) {
	s.mu.Lock()
	compensate := s.started && !s.stopping
	if compensate {
		s.wg.Add(1)
		go s.worker()
	}
	s.mu.Unlock()

	defer func() {
		if compensate {
			s.mu.Lock()
			s.surplus++
			s.broadcastLocked()
			s.mu.Unlock()
		}
	}()
	fn()
}

// Call posts a job and waits until it completed or was aborted.
// Without running workers the caller runs queued jobs itself while it waits.
func (s *Scheduler) Call(ctx context.Context, group any, timeout time.Duration, cb Callback, arg any) error {
	j, err := s.post(group, 0, timeout, cb, arg)
	if err != nil {
		return err
	}
	return s.Await(ctx, j.done)
}

// Wait blocks until j is done or ctx ends.
func (s *Scheduler) Wait(ctx context.Context, j *Job) error {
	return s.Await(ctx, j.done)
}

// Await blocks until done is closed or ctx ends. With running workers the pool
// is compensated meanwhile; without, the caller runs queued jobs itself.
func (s *Scheduler) Await(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	default:
	}

	s.mu.Lock()
	pooled := s.started && !s.stopping
	s.mu.Unlock()

	if !pooled {
		return s.help(ctx, done)
	}

	var err error
	s.Blocking(func() {
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

func (s *Scheduler) help(ctx context.Context, done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return nil
		default:
		}

		s.mu.Lock()
		next, wait := s.dequeueLocked(time.Now())
		wake := s.wake
		s.mu.Unlock()

		if next != nil {
			s.Run(next)
			continue
		}

		select {
		case <-s.stopCh:
			// Stop aborts whatever is still queued
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
		}

		s.park(ctx, wake, done, wait)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Stats is a snapshot of the scheduler load.
type Stats struct {
	Pending int
	Running int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Pending: len(s.queue), Running: s.active}
}
