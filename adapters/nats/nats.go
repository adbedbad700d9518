package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	cbind "github.com/next-trace/scg-binder/contract/binder"
	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/logging"
)

// DefaultPrefix starts every subject the adapter derives.
const DefaultPrefix = "binder.events"

// Client is a minimal NATS-like client interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// Subscribe delivers every message body published on subject to fn until
	// the returned function is called.
	Subscribe(subject string, fn func(data []byte)) (func() error, error)
}

// Adapter implements cbind.Adapter using an injected NATS-like Client.
type Adapter struct {
	Client Client
	// Prefix replaces DefaultPrefix. Subjects are <prefix>.<kind>.
	Prefix string
	// Logger reports inbound messages that cannot be decoded. Optional.
	Logger *slog.Logger
}

// Ensure Adapter implements the combined contract.
var _ cbind.Adapter = (*Adapter)(nil)

// New creates a new NATS adapter instance with the provided client.
func New(c Client) *Adapter { return &Adapter{Client: c} }

func (a *Adapter) PublishEvent(ctx context.Context, msg cbind.Message, opts cbind.PublishOptions) error {
	if err := a.ready(ctx, "publish"); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("nats publish serialize: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	if err := a.Client.Publish(a.subjectFor(msg, opts), body, cbind.Headers(msg, opts)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats publish: %w", errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (a *Adapter) SubscribeEvents(ctx context.Context, subject string, fn func(cbind.Message)) (func(), error) {
	if err := a.ready(ctx, "subscribe"); err != nil {
		return nil, err
	}
	if subject == "" {
		subject = a.prefix() + ".>"
	}

	logger := logging.OrDiscard(a.Logger)
	unsub, err := a.Client.Subscribe(subject, func(data []byte) {
		var msg cbind.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("nats message dropped", slog.String("subject", subject), slog.Any("err", err))
			return
		}
		fn(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, errors.Join(berr.ErrPublishFailed, err))
	}

	return func() {
		if err := unsub(); err != nil {
			logger.Warn("nats unsubscribe failed", slog.String("subject", subject), slog.Any("err", err))
		}
	}, nil
}

func (a *Adapter) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Client == nil {
		return fmt.Errorf("nats %s: %w", label, berr.ErrPublishFailed)
	}

	return nil
}

func (a *Adapter) prefix() string {
	if a.Prefix == "" {
		return DefaultPrefix
	}

	return a.Prefix
}

// subjectFor derives <prefix>.<kind> unless the options override it.
func (a *Adapter) subjectFor(msg cbind.Message, o cbind.PublishOptions) string {
	if o.TopicOverride != "" {
		return o.TopicOverride
	}

	return a.prefix() + "." + string(msg.Kind)
}
