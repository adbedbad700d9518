package hooks_test

import (
	"errors"
	"testing"

	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/hooks"
)

type recorder struct {
	got []hooks.Firing
}

func (r *recorder) Observe(f hooks.Firing) { r.got = append(r.got, f) }

func TestNilRegistryIsInactive(t *testing.T) {
	var r *hooks.Registry
	if r.Active(hooks.All) {
		t.Fatalf("nil registry must never be active")
	}
	if id := r.Fire(hooks.EvtPush, hooks.Pre, "x", nil); id != 0 {
		t.Fatalf("fire on nil registry returned %d", id)
	}
}

func TestActiveFollowsRegistrations(t *testing.T) {
	r := hooks.New(nil)
	if r.Active(hooks.EvtPush) {
		t.Fatalf("empty registry is active")
	}

	id, err := r.Register(&recorder{}, hooks.Events, "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.Active(hooks.EvtPush) || r.Active(hooks.ReqBegin) {
		t.Fatalf("mask not applied")
	}

	if err := r.Unregister(id); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if r.Active(hooks.EvtPush) {
		t.Fatalf("still active after unregister")
	}
	if err := r.Unregister(id); !errors.Is(err, berr.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestFirePatternAndMonotonicIDs(t *testing.T) {
	r := hooks.New(nil)
	svc := &recorder{}
	all := &recorder{}
	_, _ = r.Register(svc, hooks.EvtPush|hooks.EvtBroadcast, "svc/*")
	_, _ = r.Register(all, hooks.All, "*")

	r.Fire(hooks.EvtPush, hooks.Pre, "svc/alarm", 1)
	r.Fire(hooks.EvtPush, hooks.Post, "other/alarm", 2)
	r.Fire(hooks.ReqBegin, hooks.Pre, "svc/ping", 3)

	if len(svc.got) != 1 || svc.got[0].Target != "svc/alarm" || svc.got[0].Point != "evt.push" {
		t.Fatalf("svc observer got %+v", svc.got)
	}
	if len(all.got) != 3 {
		t.Fatalf("catch-all observer got %d firings", len(all.got))
	}
	for i := 1; i < len(all.got); i++ {
		if all.got[i].ID <= all.got[i-1].ID {
			t.Fatalf("ids not increasing: %d then %d", all.got[i-1].ID, all.got[i].ID)
		}
		if all.got[i].Time.Before(all.got[i-1].Time) {
			t.Fatalf("timestamps going backwards")
		}
	}
	if all.got[1].Phase != hooks.Post {
		t.Fatalf("phase=%s", all.got[1].Phase)
	}
}

func TestRegisterRejectsEmptyMask(t *testing.T) {
	r := hooks.New(nil)
	if _, err := r.Register(&recorder{}, 0, ""); !errors.Is(err, berr.ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
}

func TestActiveDoesNotAllocate(t *testing.T) {
	r := hooks.New(nil)
	allocs := testing.AllocsPerRun(100, func() {
		if r.Active(hooks.EvtPush) {
			r.Fire(hooks.EvtPush, hooks.Pre, "svc/alarm", nil)
		}
	})
	if allocs != 0 {
		t.Fatalf("inactive hook point allocated %.0f times", allocs)
	}
}
