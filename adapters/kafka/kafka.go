package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	cbind "github.com/next-trace/scg-binder/contract/binder"
	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/logging"
)

// DefaultTopic carries every relayed event; records are keyed by event name.
const DefaultTopic = "binder.events"

// Writer is a minimal Kafka-like writer interface.
// Users can adapt segmentio/kafka-go or any other client to this.
type Writer interface {
	Write(topic string, key, value []byte, headers map[string]string) error
}

// Reader consumes a topic. Consume blocks, passing record values to fn, until
// ctx ends.
type Reader interface {
	Consume(ctx context.Context, topic string, fn func(value []byte)) error
}

// Adapter implements cbind.Adapter using an injected Writer and, for the
// inbound direction, an optional Reader.
type Adapter struct {
	Writer Writer
	Reader Reader
	Logger *slog.Logger
}

var _ cbind.Adapter = (*Adapter)(nil)

// New creates a new Kafka adapter instance with the provided writer.
func New(w Writer) *Adapter { return &Adapter{Writer: w} }

func (a *Adapter) PublishEvent(ctx context.Context, msg cbind.Message, opts cbind.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Writer == nil {
		return fmt.Errorf("kafka publish: %w", berr.ErrPublishFailed)
	}

	val, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("kafka publish serialize: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	topic := topicFor(opts)
	key := []byte(msg.Event)
	if opts.Key != "" {
		key = []byte(opts.Key)
	}

	if err = a.Writer.Write(topic, key, val, cbind.Headers(msg, opts)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// separate return from preceding multi-line block (wsl)
		return fmt.Errorf("kafka publish write: %w", errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

// SubscribeEvents consumes subject (DefaultTopic when empty) on its own
// goroutine until the returned function is called. The subscription outlives ctx.
func (a *Adapter) SubscribeEvents(ctx context.Context, subject string, fn func(cbind.Message)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if a.Reader == nil {
		return nil, fmt.Errorf("kafka subscribe: no reader: %w", berr.ErrInvalidArgument)
	}

	if subject == "" {
		subject = DefaultTopic
	}

	logger := logging.OrDiscard(a.Logger).With(slog.String("topic", subject))
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)

		err := a.Reader.Consume(cctx, subject, func(value []byte) {
			var msg cbind.Message
			if err := json.Unmarshal(value, &msg); err != nil {
				logger.Warn("kafka record dropped", slog.Any("err", err))
				return
			}
			fn(msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("kafka consume stopped", slog.Any("err", err))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

func topicFor(o cbind.PublishOptions) string {
	if o.TopicOverride != "" {
		return o.TopicOverride
	}

	return DefaultTopic
}
