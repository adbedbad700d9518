package binder_test

import (
	"testing"

	"github.com/google/uuid"

	cbind "github.com/next-trace/scg-binder/contract/binder"
)

func TestHeaders(t *testing.T) {
	origin, sender := uuid.New(), uuid.New()
	msg := cbind.Message{Kind: cbind.KindPush, Event: "svc/tick", Origin: origin, Hop: 3, Sender: sender}
	opts := cbind.PublishOptions{Key: "svc/tick", Headers: map[string]string{"traceparent": "00-abc"}}

	h := cbind.Headers(msg, opts)

	want := map[string]string{
		"traceparent":      "00-abc",
		"key":              "svc/tick",
		cbind.HeaderKind:   "push",
		cbind.HeaderEvent:  "svc/tick",
		cbind.HeaderOrigin: origin.String(),
		cbind.HeaderHop:    "3",
		cbind.HeaderSender: sender.String(),
	}
	if len(h) != len(want) {
		t.Fatalf("headers = %v", h)
	}
	for k, v := range want {
		if h[k] != v {
			t.Fatalf("header %s = %q, want %q", k, h[k], v)
		}
	}

	h["traceparent"] = "changed"
	if opts.Headers["traceparent"] != "00-abc" {
		t.Fatalf("option headers were shared")
	}
}

func TestHeaders_NoSender(t *testing.T) {
	h := cbind.Headers(cbind.Message{Kind: cbind.KindBroadcast}, cbind.PublishOptions{})
	if _, ok := h[cbind.HeaderSender]; ok {
		t.Fatalf("sender header without sender: %v", h)
	}
	if _, ok := h["key"]; ok {
		t.Fatalf("key header without key: %v", h)
	}
}
