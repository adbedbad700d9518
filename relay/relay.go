// Package relay connects the event bus of a binder to a broker. Pushes of
// forwarded events and every broadcast are published; messages published by
// other binders are broadcast locally one hop further.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	cbind "github.com/next-trace/scg-binder/contract/binder"
	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/evbus"
	"github.com/next-trace/scg-binder/jobs"
	"github.com/next-trace/scg-binder/logging"
	"github.com/next-trace/scg-binder/metrics"
)

// DefaultPublishTimeout bounds one publish job.
const DefaultPublishTimeout = 5 * time.Second

// Relay is concurrency-safe and contains no global state.
type Relay struct {
	id      uuid.UUID
	bus     *evbus.Bus
	sched   *jobs.Scheduler
	pub     cbind.EventPublisher
	sub     cbind.EventSubscriber
	prop    cbind.HeaderPropagator
	subject string
	timeout time.Duration
	logger  *slog.Logger

	listener *evbus.Listener

	// origins being injected from the broker, not to be published back
	injecting sync.Map

	mu     sync.Mutex
	cancel func()
	closed bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithSubject sets the subject, topic or routing key used both ways.
// Empty keeps the adapter default.
func WithSubject(s string) Option {
	return func(r *Relay) { r.subject = s }
}

// WithSubscriber sets the inbound side. By default the publisher is used when
// it also implements cbind.EventSubscriber.
func WithSubscriber(s cbind.EventSubscriber) Option {
	return func(r *Relay) { r.sub = s }
}

// WithPropagator injects the publishing context into message headers.
func WithPropagator(p cbind.HeaderPropagator) Option {
	return func(r *Relay) { r.prop = p }
}

// WithPublishTimeout bounds each publish. Negative disables the bound.
func WithPublishTimeout(d time.Duration) Option {
	return func(r *Relay) { r.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// New attaches a relay to bus. Publishing runs as jobs of sched.
func New(bus *evbus.Bus, sched *jobs.Scheduler, pub cbind.EventPublisher, opts ...Option) (*Relay, error) {
	if bus == nil || sched == nil || pub == nil {
		return nil, fmt.Errorf("relay: bus, scheduler and publisher required: %w", berr.ErrInvalidArgument)
	}

	r := &Relay{
		id:      uuid.New(),
		bus:     bus,
		sched:   sched,
		pub:     pub,
		timeout: DefaultPublishTimeout,
		prop:    cbind.NopHeaderPropagator{},
	}
	if s, ok := pub.(cbind.EventSubscriber); ok {
		r.sub = s
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDiscard(r.logger).With(slog.String("component", "relay"))
	r.listener = bus.NewListener(r, r)
	return r, nil
}

// Start subscribes to the broker when an inbound side is available.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("relay start: closed: %w", berr.ErrBadAPIState)
	}
	if r.sub == nil || r.cancel != nil {
		return nil
	}

	cancel, err := r.sub.SubscribeEvents(ctx, r.subject, r.receive)
	if err != nil {
		return fmt.Errorf("relay start: %w", err)
	}
	r.cancel = cancel
	r.logger.Info("relay subscribed", slog.String("subject", r.subject))
	return nil
}

// Close stops the inbound subscription and detaches from the bus.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.listener.Unref()
}

// ID identifies the messages published by r.
func (r *Relay) ID() uuid.UUID { return r.id }

// Forward publishes every push of ev until Drop.
func (r *Relay) Forward(ev *evbus.Event) error {
	return r.listener.Watch(ev)
}

// Drop stops forwarding pushes of ev.
func (r *Relay) Drop(ev *evbus.Event) error {
	return r.listener.Unwatch(ev)
}

func (r *Relay) Push(ev cbind.EventRef, data any) {
	r.publish(cbind.Message{Kind: cbind.KindPush, Event: ev.Name, Data: data, Origin: uuid.New(), Sender: r.id})
}

func (r *Relay) Broadcast(name string, data any, origin uuid.UUID, hop uint8) {
	if _, ok := r.injecting.Load(origin); ok {
		return
	}
	if hop >= evbus.MaxHop {
		metrics.EventRelayed("dropped")
		return
	}
	r.publish(cbind.Message{Kind: cbind.KindBroadcast, Event: name, Data: data, Origin: origin, Hop: hop, Sender: r.id})
}

func (r *Relay) Added(ev cbind.EventRef) {
	r.logger.Debug("forwarding event", slog.String("event", ev.Name))
}

func (r *Relay) Removed(ev cbind.EventRef) {
	r.logger.Debug("stopped forwarding event", slog.String("event", ev.Name))
}

// publish hands msg to a group-less job so slow brokers never hold the
// pushing goroutine.
func (r *Relay) publish(msg cbind.Message) {
	_, err := r.sched.Post(nil, 0, -1, func(ctx context.Context, sig jobs.Signal, _ any) {
		if sig != jobs.SigNone {
			metrics.EventRelayed("dropped")
			r.logger.Warn("relay publish aborted", slog.String("event", msg.Event), slog.String("signal", sig.String()))
			return
		}
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}

		opts := cbind.PublishOptions{TopicOverride: r.subject, Key: msg.Event, Headers: map[string]string{}}
		r.prop.Inject(ctx, opts.Headers)

		if err := r.pub.PublishEvent(ctx, msg, opts); err != nil {
			metrics.EventRelayed("dropped")
			r.logger.Warn("relay publish failed", slog.String("event", msg.Event), slog.Any("err", err))
			return
		}
		metrics.EventRelayed("out")
	}, nil)
	if err != nil {
		metrics.EventRelayed("dropped")
		r.logger.Warn("relay publish not queued", slog.String("event", msg.Event), slog.Any("err", err))
	}
}

// receive broadcasts a message of another binder locally, one hop further.
func (r *Relay) receive(msg cbind.Message) {
	if msg.Sender == r.id {
		return
	}
	if msg.Origin == uuid.Nil || msg.Event == "" {
		metrics.EventRelayed("dropped")
		r.logger.Debug("relay message without origin or event dropped")
		return
	}

	r.injecting.Store(msg.Origin, struct{}{})
	n := r.bus.Broadcast(msg.Event, msg.Data, msg.Origin, msg.Hop+1)
	r.injecting.Delete(msg.Origin)

	if n == 0 {
		metrics.EventRelayed("dropped")
		return
	}
	metrics.EventRelayed("in")
}
