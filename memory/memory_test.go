package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/next-trace/scg-binder/adapters/inmemory"
	"github.com/next-trace/scg-binder/binder"
	"github.com/next-trace/scg-binder/jobs"
	"github.com/next-trace/scg-binder/memory"
)

func TestNewMemoryBinder_BasicFlow(t *testing.T) {
	b, cleanup, err := memory.New(t.Context(), binder.WithSchedulerOptions(jobs.WithWorkers(2)))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer cleanup()

	if _, err := b.Declare(nil, nil, binder.Descriptor{
		Name: "echo",
		Verbs: []binder.Verb{{Name: "ping", Callback: func(r *binder.Request) {
			r.Reply(r.Arg("msg").String(), nil, "")
		}}},
	}); err != nil {
		t.Fatalf("declare: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	rep := b.CallSync(ctx, binder.Call{API: "echo", Verb: "ping", Args: `{"msg":"pong"}`})
	if !rep.OK() || rep.Data != "pong" {
		t.Fatalf("reply %+v", rep)
	}
}

func TestJoin_SharesBroadcasts(t *testing.T) {
	broker := inmemory.New()

	left, cleanupLeft, err := memory.Join(t.Context(), broker)
	if err != nil {
		t.Fatalf("left: %v", err)
	}
	defer cleanupLeft()

	right, cleanupRight, err := memory.Join(t.Context(), broker)
	if err != nil {
		t.Fatalf("right: %v", err)
	}
	defer cleanupRight()

	got := make(chan string, 4)
	if _, err := right.Declare(nil, nil, binder.Descriptor{
		Name:    "watcher",
		OnEvent: func(_ context.Context, _ *binder.Api, event string, _ any) { got <- event },
		PreInit: func(a *binder.Api) error {
			a.Listener()
			return nil
		},
	}); err != nil {
		t.Fatalf("declare watcher: %v", err)
	}

	sender, err := left.Declare(nil, nil, binder.Descriptor{Name: "sender"})
	if err != nil {
		t.Fatalf("declare sender: %v", err)
	}
	if _, err := sender.Broadcast("hello", "world"); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case ev := <-got:
		if ev != "sender/hello" {
			t.Fatalf("event %q", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast did not cross binders")
	}

	if n := len(broker.Messages()); n != 1 {
		t.Fatalf("messages on broker: %d", n)
	}
}
