package nats

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
)

type fakeConn struct {
	published []*nats.Msg
	flushes   int
	subject   string
	handler   nats.MsgHandler
	pubErr    error
	subErr    error
}

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, m)
	return nil
}

func (f *fakeConn) Flush() error {
	f.flushes++
	return nil
}

func (f *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.subject, f.handler = subject, cb
	return &nats.Subscription{Subject: subject}, nil
}

func TestNatsClient_SubscribeDeliversData(t *testing.T) {
	fc := &fakeConn{}
	c := natsClient{nc: fc}

	var got [][]byte
	unsubscribe, err := c.Subscribe("binder.>", func(data []byte) { got = append(got, data) })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if unsubscribe == nil {
		t.Fatalf("no unsubscribe func")
	}
	if fc.subject != "binder.>" || fc.handler == nil {
		t.Fatalf("subscribed %q handler=%v", fc.subject, fc.handler != nil)
	}

	fc.handler(&nats.Msg{Subject: "binder.push", Data: []byte(`{"event":"svc/tick"}`)})
	fc.handler(nil)

	if len(got) != 1 || string(got[0]) != `{"event":"svc/tick"}` {
		t.Fatalf("delivered %q", got)
	}
}

func TestNatsClient_SubscribeError(t *testing.T) {
	fc := &fakeConn{subErr: errors.New("bad subject")}
	c := natsClient{nc: fc}

	if _, err := c.Subscribe("", func([]byte) {}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNatsClient_PublishCopiesHeadersAndFlushes(t *testing.T) {
	fc := &fakeConn{}
	c := natsClient{nc: fc}

	if err := c.Publish("binder.broadcast", []byte("x"), map[string]string{"traceparent": "00-abc"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := c.Publish("binder.push", []byte("y"), nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(fc.published) != 2 || fc.flushes != 2 {
		t.Fatalf("published=%d flushes=%d", len(fc.published), fc.flushes)
	}
	if h := fc.published[0].Header.Get("traceparent"); h != "00-abc" {
		t.Fatalf("header = %q", h)
	}
	if fc.published[1].Header != nil {
		t.Fatalf("unexpected header %v", fc.published[1].Header)
	}

	fc.pubErr = errors.New("closed")
	if err := c.Publish("binder.push", nil, nil); err == nil {
		t.Fatalf("expected publish error")
	}
	if fc.flushes != 2 {
		t.Fatalf("flushed after failed publish")
	}
}
