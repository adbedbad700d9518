package session_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/session"
)

func TestSet_CreateGetClose(t *testing.T) {
	var created, closed int
	st := session.NewSet(nil, session.WithObserver(func(_ *session.Session, c bool) {
		if c {
			created++
		} else {
			closed++
		}
	}))

	s, err := st.Create()
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := st.Get(s.UUID())
	if err != nil || got != s {
		t.Fatalf("get: %v %p != %p", err, got, s)
	}
	got.Unref()

	if _, err := st.Get("not-a-uuid"); !errors.Is(err, berr.ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}

	if !s.Close() {
		t.Fatalf("close returned false")
	}
	if s.Close() {
		t.Fatalf("second close must report false")
	}
	if _, err := st.Get(s.UUID()); !errors.Is(err, berr.ErrNotFound) {
		t.Fatalf("closed session still found: %v", err)
	}
	if created != 1 || closed != 1 {
		t.Fatalf("created=%d closed=%d", created, closed)
	}
}

func TestSession_LOA(t *testing.T) {
	st := session.NewSet(nil)
	s, _ := st.Create()

	if err := s.SetLOA(2); err != nil || s.LOA() != 2 {
		t.Fatalf("set loa: %v loa=%d", err, s.LOA())
	}
	if err := s.SetLOA(session.MaxLOA + 1); !errors.Is(err, berr.ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}

	s.Close()
	if s.LOA() != 0 {
		t.Fatalf("close must reset loa")
	}
	if err := s.SetLOA(1); !errors.Is(err, berr.ErrForbidden) {
		t.Fatalf("want ErrForbidden on closed session, got %v", err)
	}
}

func TestSession_SharedIsNotClosable(t *testing.T) {
	st := session.NewSet(nil)
	s, _ := st.Shared()
	if s.Closable() || s.Close() {
		t.Fatalf("shared sessions must not close")
	}
}

func TestSession_CookieMakeIsFirstWriterWins(t *testing.T) {
	st := session.NewSet(nil)
	s, _ := st.Create()
	key := new(int)

	var made, freed atomic.Int32
	var wg sync.WaitGroup
	results := make([]any, 16)

	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.CookieMake(key, func() (any, error) {
				made.Add(1)
				return new(string), nil
			}, func(any) { freed.Add(1) })
			if err != nil {
				t.Errorf("make: %v", err)
			}
			results[i] = v
		}()
	}
	wg.Wait()

	for _, v := range results[1:] {
		if v != results[0] {
			t.Fatalf("creators saw different cookies")
		}
	}
	// every losing creation is freed; the kept one is freed on close
	if made.Load()-freed.Load() != 1 {
		t.Fatalf("made=%d freed=%d", made.Load(), freed.Load())
	}

	s.Close()
	if made.Load() != freed.Load() {
		t.Fatalf("close must free the kept cookie: made=%d freed=%d", made.Load(), freed.Load())
	}
}

func TestSession_CookieSetReplacesAndFrees(t *testing.T) {
	st := session.NewSet(nil)
	s, _ := st.Create()

	var freed []any
	free := func(v any) { freed = append(freed, v) }

	_ = s.CookieSet("k", 1, free)
	_ = s.CookieSet("k", 2, free)
	if v, ok := s.CookieGet("k"); !ok || v != 2 {
		t.Fatalf("get=%v,%v", v, ok)
	}
	_ = s.CookieSet("k", nil, nil)
	if _, ok := s.CookieGet("k"); ok {
		t.Fatalf("nil value must remove the cookie")
	}
	if len(freed) != 2 || freed[0] != 1 || freed[1] != 2 {
		t.Fatalf("freed=%v", freed)
	}
}

func TestSet_MaxSessions(t *testing.T) {
	st := session.NewSet(nil, session.WithMaxSessions(1))
	if _, err := st.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Create(); !errors.Is(err, berr.ErrResourceExhausted) {
		t.Fatalf("want ErrResourceExhausted, got %v", err)
	}
}

func TestSet_GetOrCreateKeepsID(t *testing.T) {
	st := session.NewSet(nil)
	id := "6f1c2a58-8d0e-4b59-9c4e-4b7c0f3d2a11"

	s, err := st.GetOrCreate(id)
	if err != nil || s.UUID() != id {
		t.Fatalf("get or create: %v %s", err, s.UUID())
	}
	again, _ := st.GetOrCreate(id)
	if again != s {
		t.Fatalf("second lookup must return the same session")
	}
}
