// Package inmemory is an in-process event broker. Binders sharing one Adapter
// exchange relayed events without any network.
package inmemory

import (
	"context"
	"sync"

	cbind "github.com/next-trace/scg-binder/contract/binder"
)

// DefaultSubject is used when PublishOptions carry no TopicOverride.
const DefaultSubject = "binder.events"

// Adapter records published messages and delivers them synchronously to the
// subscribers of their subject.
//
// Adapter is concurrency-safe and contains no global state.
type Adapter struct {
	mu       sync.Mutex
	messages []cbind.Message
	subs     map[string]map[uint64]func(cbind.Message)
	next     uint64
}

// Ensure Adapter implements the combined contract.
var _ cbind.Adapter = (*Adapter)(nil)

// New creates a new in-memory adapter instance.
func New() *Adapter {
	return &Adapter{subs: make(map[string]map[uint64]func(cbind.Message))}
}

func subjectFor(o cbind.PublishOptions) string {
	if o.TopicOverride != "" {
		return o.TopicOverride
	}
	return DefaultSubject
}

func (a *Adapter) PublishEvent(ctx context.Context, msg cbind.Message, opts cbind.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := subjectFor(opts)

	a.mu.Lock()
	a.messages = append(a.messages, msg)
	fns := make([]func(cbind.Message), 0, len(a.subs[subject]))
	for _, fn := range a.subs[subject] {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
	return nil
}

func (a *Adapter) SubscribeEvents(ctx context.Context, subject string, fn func(cbind.Message)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if subject == "" {
		subject = DefaultSubject
	}

	a.mu.Lock()
	a.next++
	id := a.next
	if a.subs[subject] == nil {
		a.subs[subject] = make(map[uint64]func(cbind.Message))
	}
	a.subs[subject][id] = fn
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs[subject], id)
			a.mu.Unlock()
		})
	}, nil
}

// Messages returns a copy of everything published so far.
func (a *Adapter) Messages() []cbind.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]cbind.Message, len(a.messages))
	copy(out, a.messages)
	return out
}
