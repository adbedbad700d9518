package nats_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/next-trace/scg-binder/adapters/nats"
	cbind "github.com/next-trace/scg-binder/contract/binder"
	berr "github.com/next-trace/scg-binder/contract/errors"
)

type fakeClient struct {
	calls []struct {
		subject string
		data    []byte
		headers map[string]string
	}
	subs         map[string]func([]byte)
	unsubscribed int
	err          error
}

func (f *fakeClient) Publish(subject string, data []byte, headers map[string]string) error {
	f.calls = append(f.calls, struct {
		subject string
		data    []byte
		headers map[string]string
	}{subject, data, headers})

	return f.err
}

func (f *fakeClient) Subscribe(subject string, fn func([]byte)) (func() error, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.subs == nil {
		f.subs = map[string]func([]byte){}
	}
	f.subs[subject] = fn

	return func() error {
		f.unsubscribed++
		delete(f.subs, subject)
		return nil
	}, nil
}

func TestNATS_PublishEvent_SubjectAndHeaders(t *testing.T) {
	fc := &fakeClient{}
	ad := nats.New(fc)

	origin := uuid.New()
	msg := cbind.Message{Kind: cbind.KindBroadcast, Event: "svc/alarm", Data: map[string]int{"level": 3}, Origin: origin, Hop: 2}
	if err := ad.PublishEvent(t.Context(), msg, cbind.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	po := cbind.PublishOptions{TopicOverride: "orders", Key: "k", Headers: map[string]string{"ph": "pv"}}
	if err := ad.PublishEvent(t.Context(), msg, po); err != nil {
		t.Fatalf("publish override: %v", err)
	}

	if len(fc.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(fc.calls))
	}

	c := fc.calls[0]
	if c.subject != "binder.events.broadcast" {
		t.Fatalf("subject mismatch: %s", c.subject)
	}
	if c.headers[cbind.HeaderOrigin] != origin.String() || c.headers[cbind.HeaderHop] != "2" || c.headers[cbind.HeaderEvent] != "svc/alarm" {
		t.Fatalf("headers missing or wrong: %+v", c.headers)
	}

	var decoded cbind.Message
	if err := json.Unmarshal(c.data, &decoded); err != nil {
		t.Fatalf("body: %v", err)
	}
	if decoded.Origin != origin || decoded.Event != "svc/alarm" {
		t.Fatalf("decoded = %+v", decoded)
	}

	p := fc.calls[1]
	if p.subject != "orders" || p.headers["key"] != "k" || p.headers["ph"] != "pv" {
		t.Fatalf("override mismatch: %s %+v", p.subject, p.headers)
	}
}

func TestNATS_SubscribeEvents_DecodesAndCancels(t *testing.T) {
	fc := &fakeClient{}
	ad := nats.New(fc)

	var got []cbind.Message
	cancel, err := ad.SubscribeEvents(t.Context(), "", func(m cbind.Message) { got = append(got, m) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	deliver := fc.subs["binder.events.>"]
	if deliver == nil {
		t.Fatalf("no subscription on default subject: %v", fc.subs)
	}
	deliver([]byte(`{"kind":"push","event":"svc/tick","hop":1,"origin":"` + uuid.NewString() + `"}`))
	deliver([]byte(`not json`))

	if len(got) != 1 || got[0].Kind != cbind.KindPush || got[0].Hop != 1 {
		t.Fatalf("got = %+v", got)
	}

	cancel()
	if fc.unsubscribed != 1 {
		t.Fatalf("unsubscribed = %d", fc.unsubscribed)
	}
}

func TestNATS_Prefix(t *testing.T) {
	fc := &fakeClient{}
	ad := nats.New(fc)
	ad.Prefix = "acme.binder"

	if err := ad.PublishEvent(t.Context(), cbind.Message{Kind: cbind.KindPush}, cbind.PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if fc.calls[0].subject != "acme.binder.push" {
		t.Fatalf("subject = %q", fc.calls[0].subject)
	}

	if _, err := ad.SubscribeEvents(t.Context(), "", func(cbind.Message) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if fc.subs["acme.binder.>"] == nil {
		t.Fatalf("subscriptions = %v", fc.subs)
	}
}

func TestNATS_NilClientError(t *testing.T) {
	ad := nats.New(nil)

	if err := ad.PublishEvent(t.Context(), cbind.Message{}, cbind.PublishOptions{}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("expected error for nil client, got %v", err)
	}

	if _, err := ad.SubscribeEvents(t.Context(), "x", func(cbind.Message) {}); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestNATS_Publish_ErrorWrapping_And_ContextCancel(t *testing.T) {
	fc := &fakeClient{err: errors.New("boom")}
	ad := nats.New(fc)

	if err := ad.PublishEvent(t.Context(), cbind.Message{}, cbind.PublishOptions{}); !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	fc2 := &fakeClient{err: context.Canceled}
	ad2 := nats.New(fc2)

	err := ad2.PublishEvent(t.Context(), cbind.Message{}, cbind.PublishOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
