package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	cbind "github.com/next-trace/scg-binder/contract/binder"
	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/logging"
)

// DefaultExchange is the topic exchange relayed events are published to.
const DefaultExchange = "binder.events"

type PubMsg struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, m PubMsg) error
}

// Consumer binds a private queue to exchange with bindingKey and passes every
// delivery body to fn until the returned function is called.
type Consumer interface {
	Consume(exchange, bindingKey string, fn func(body []byte)) (func(), error)
}

type Adapter struct {
	Publisher  Publisher
	Consumer   Consumer               // optional, enables SubscribeEvents
	Propagator cbind.HeaderPropagator // optional, for context propagation into headers
	Exchange   string
	Logger     *slog.Logger
}

var _ cbind.Adapter = (*Adapter)(nil)

func New(p Publisher) *Adapter { return &Adapter{Publisher: p, Exchange: DefaultExchange} }

// NewWithPropagator allows configuring a HeaderPropagator for context propagation.
func NewWithPropagator(p Publisher, hp cbind.HeaderPropagator) *Adapter {
	return &Adapter{Publisher: p, Propagator: hp, Exchange: DefaultExchange}
}

func (a *Adapter) PublishEvent(ctx context.Context, msg cbind.Message, opts cbind.PublishOptions) error {
	if err := a.ready(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("rabbitmq publish serialize: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	return a.publish(ctx, &publishArgs{
		exchange:   a.exchange(),
		routingKey: routingFor(msg, opts),
		body:       body,
		headers:    cbind.Headers(msg, opts),
	})
}

// SubscribeEvents receives the messages whose routing key matches subject,
// "#" (everything) when empty.
func (a *Adapter) SubscribeEvents(ctx context.Context, subject string, fn func(cbind.Message)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if a.Consumer == nil {
		return nil, fmt.Errorf("rabbitmq subscribe: no consumer: %w", berr.ErrInvalidArgument)
	}

	if subject == "" {
		subject = "#"
	}

	logger := logging.OrDiscard(a.Logger)
	cancel, err := a.Consumer.Consume(a.exchange(), subject, func(body []byte) {
		var msg cbind.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			logger.Warn("rabbitmq delivery dropped", slog.String("binding", subject), slog.Any("err", err))
			return
		}
		fn(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq subscribe %s: %w", subject, errors.Join(berr.ErrPublishFailed, err))
	}

	return cancel, nil
}

func (a *Adapter) exchange() string {
	if a.Exchange == "" {
		return DefaultExchange
	}

	return a.Exchange
}

// routingFor uses the message kind ("push" or "broadcast") as routing key
// unless the options override it.
func routingFor(msg cbind.Message, o cbind.PublishOptions) string {
	if o.TopicOverride != "" {
		return o.TopicOverride
	}

	return string(msg.Kind)
}

type publishArgs struct {
	exchange   string
	routingKey string
	body       []byte
	headers    map[string]string
}

func (a *Adapter) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Publisher == nil {
		return fmt.Errorf("rabbitmq publish: %w", berr.ErrPublishFailed)
	}

	return nil
}

func (a *Adapter) publish(ctx context.Context, args *publishArgs) error {
	// Inject tracing context via configured propagator (keeps adapter decoupled)
	if a.Propagator != nil {
		a.Propagator.Inject(ctx, args.headers)
	}

	msg := PubMsg{
		Exchange:   args.exchange,
		RoutingKey: args.routingKey,
		Body:       args.body,
		Headers:    args.headers,
	}
	if err := a.Publisher.Publish(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("rabbitmq publish: %w", errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func amqpHeaders(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}

	h := amqp.Table{}
	for k, v := range headers {
		h[k] = v
	}

	return h
}

type amqpChannelPublisher struct{ ch *amqp.Channel }

func (p amqpChannelPublisher) Publish(ctx context.Context, m PubMsg) error {
	return p.ch.PublishWithContext(
		ctx,
		m.Exchange,
		m.RoutingKey,
		false,
		false,
		amqp.Publishing{
			Headers:     amqpHeaders(m.Headers),
			Body:        m.Body,
			ContentType: "application/json",
		},
	)
}

// NewWithAMQPChannel publishes on an existing channel. The exchange must exist.
func NewWithAMQPChannel(ch *amqp.Channel) *Adapter {
	return New(amqpChannelPublisher{ch: ch})
}
