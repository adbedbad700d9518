//go:build franz

package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	berr "github.com/next-trace/scg-binder/contract/errors"
)

// Concrete franz-go based constructor with writer and reader wrappers.

type Config struct {
	Brokers  []string
	ClientID string
	TLS      *tls.Config
	// Acks overrides the producer default (all ISR acks). Anything but
	// kgo.AllISRAcks needs DisableIdempotency.
	Acks               *kgo.Acks
	DisableIdempotency bool
	Compression        []kgo.CompressionCodec
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	if err := w.cl.ProduceSync(context.Background(), rec).FirstErr(); err != nil {
		return wrapProduceErr(topic, err)
	}
	return nil
}

type kgoReader struct{ cl *kgo.Client }

func (r kgoReader) Consume(ctx context.Context, topic string, fn func(value []byte)) error {
	r.cl.AddConsumeTopics(topic)
	for {
		fetches := r.cl.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var ferr error
		fetches.EachError(func(t string, p int32, err error) {
			ferr = errors.Join(ferr, fmt.Errorf("fetch %s[%d]: %w", t, p, err))
		})
		if ferr != nil && !errors.Is(ferr, context.Canceled) {
			return ferr
		}
		fetches.EachRecord(func(rec *kgo.Record) { fn(rec.Value) })
	}
}

// NewWithKgo builds a franz-go client based Adapter. The returned cleanup should be called to close the client.
func NewWithKgo(cfg Config) (*Adapter, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrPublishFailed)
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.DisableIdempotency {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if cfg.Acks != nil {
		opts = append(opts, kgo.RequiredAcks(*cfg.Acks))
	}
	if len(cfg.Compression) > 0 {
		opts = append(opts, kgo.ProducerBatchCompression(cfg.Compression...))
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrPublishFailed, err)
	}
	ad := New(kgoWriter{cl: cl})
	ad.Reader = kgoReader{cl: cl}
	cleanup := func() { cl.Close() }
	return ad, cleanup, nil
}

// wrapProduceErr keeps context errors untouched.
func wrapProduceErr(topic string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: kafka publish to %q: %w", berr.ErrPublishFailed, topic, err)
}
