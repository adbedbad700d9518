// Package memory builds a ready-to-use binder for tests and single-process
// programs: workers started and events relayed through an in-memory broker.
package memory

import (
	"context"
	"fmt"

	"github.com/next-trace/scg-binder/adapters/inmemory"
	"github.com/next-trace/scg-binder/binder"
	"github.com/next-trace/scg-binder/relay"
)

// Binder bundles a started binder with its relay and broker.
type Binder struct {
	*binder.Binder

	Relay  *relay.Relay
	Broker *inmemory.Adapter
}

// New starts a binder relaying to a fresh in-memory broker. The returned cleanup
// closes the relay and stops the workers.
func New(ctx context.Context, opts ...binder.Option) (*Binder, func(), error) {
	return Join(ctx, inmemory.New(), opts...)
}

// Join is New on a broker shared with other binders, so they see each other's
// broadcasts.
func Join(ctx context.Context, broker *inmemory.Adapter, opts ...binder.Option) (*Binder, func(), error) {
	b := binder.New(opts...)
	if err := b.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("memory binder: %w", err)
	}

	r, err := relay.New(b.Bus(), b.Scheduler(), broker, relay.WithLogger(b.Logger()))
	if err != nil {
		_ = b.Stop(context.WithoutCancel(ctx))
		return nil, nil, fmt.Errorf("memory binder: %w", err)
	}
	if err := r.Start(ctx); err != nil {
		r.Close()
		_ = b.Stop(context.WithoutCancel(ctx))
		return nil, nil, fmt.Errorf("memory binder: %w", err)
	}

	cleanup := func() {
		r.Close()
		_ = b.Stop(context.Background())
	}
	return &Binder{Binder: b, Relay: r, Broker: broker}, cleanup, nil
}
