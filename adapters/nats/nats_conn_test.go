package nats_test

import (
	"errors"
	"testing"
	"time"

	"github.com/next-trace/scg-binder/adapters/nats"
	berr "github.com/next-trace/scg-binder/contract/errors"
)

func TestNewWithNATS_ConnectFailures(t *testing.T) {
	tests := []struct {
		name string
		cfg  nats.Config
	}{
		{name: "empty url", cfg: nats.Config{}},
		{name: "nothing listening", cfg: nats.Config{URL: "nats://127.0.0.1:1", Name: "binder-test", ConnTimeout: 100 * time.Millisecond, MaxReconnects: -1}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ad, cleanup, err := nats.NewWithNATS(tc.cfg)
			if !errors.Is(err, berr.ErrPublishFailed) {
				t.Fatalf("want ErrPublishFailed, got %v", err)
			}
			if ad != nil || cleanup != nil {
				t.Fatalf("adapter returned on failure")
			}
		})
	}
}
