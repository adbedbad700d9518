package apiset_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/next-trace/scg-binder/apiset"
	berr "github.com/next-trace/scg-binder/contract/errors"
)

// fakeItem records its start into a shared log.
type fakeItem struct {
	name     string
	state    apiset.State
	startErr error
	inUse    bool
	released bool
	log      *[]string
}

func (f *fakeItem) Name() string        { return f.name }
func (f *fakeItem) State() apiset.State { return f.state }
func (f *fakeItem) InUse() bool         { return f.inUse }
func (f *fakeItem) Release()            { f.released = true }

func (f *fakeItem) Start(context.Context) error {
	if f.log != nil {
		*f.log = append(*f.log, f.name)
	}
	if f.startErr != nil {
		f.state = apiset.StateError
		return f.startErr
	}
	f.state = apiset.StateRun
	return nil
}

func TestAdd_DuplicateAndInvalid(t *testing.T) {
	s := apiset.NewSet("main", nil)
	if err := s.Add("demo", &fakeItem{name: "demo"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add("DEMO", &fakeItem{name: "DEMO"}); !errors.Is(err, berr.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists, got %v", err)
	}
	for _, bad := range []string{"", "a b", "a/b", "x?"} {
		if err := s.Add(bad, &fakeItem{}); !errors.Is(err, berr.ErrInvalidArgument) {
			t.Fatalf("name %q: want ErrInvalidArgument, got %v", bad, err)
		}
	}
}

func TestGet_UnknownAndLookup(t *testing.T) {
	s := apiset.NewSet("main", nil)
	item := &fakeItem{name: "demo"}
	_ = s.Add("demo", item)

	if _, err := s.Get(t.Context(), "nope", false, false); !errors.Is(err, berr.ErrUnknownAPI) {
		t.Fatalf("want ErrUnknownAPI, got %v", err)
	}

	got, err := s.Lookup(t.Context(), "Demo")
	if err != nil || got != item {
		t.Fatalf("lookup: %v", err)
	}
	if item.State() != apiset.StatePreInit {
		t.Fatalf("lookup must not start the api")
	}

	if _, err := s.Get(t.Context(), "demo", false, true); err != nil {
		t.Fatalf("get initialized: %v", err)
	}
	if item.State() != apiset.StateRun {
		t.Fatalf("state=%s", item.State())
	}
}

func TestGet_RequireInitializedFailsOnStartError(t *testing.T) {
	s := apiset.NewSet("main", nil)
	_ = s.Add("broken", &fakeItem{name: "broken", startErr: errors.New("init failed")})

	if _, err := s.Get(t.Context(), "broken", true, true); !errors.Is(err, berr.ErrBadAPIState) {
		t.Fatalf("want ErrBadAPIState, got %v", err)
	}
	// autostart alone still hands the api out
	if _, err := s.Get(t.Context(), "broken", true, false); err != nil {
		t.Fatalf("autostart: %v", err)
	}
}

func TestAliasAndDel(t *testing.T) {
	s := apiset.NewSet("main", nil)
	item := &fakeItem{name: "demo"}
	_ = s.Add("demo", item)

	if err := s.Alias("demo", "d"); err != nil {
		t.Fatalf("alias: %v", err)
	}
	if err := s.Alias("demo", "d"); !errors.Is(err, berr.ErrAlreadyExists) {
		t.Fatalf("dup alias: want ErrAlreadyExists, got %v", err)
	}
	if err := s.Alias("demo", "bad name"); !errors.Is(err, berr.ErrInvalidArgument) {
		t.Fatalf("bad alias: want ErrInvalidArgument, got %v", err)
	}
	if err := s.Alias("ghost", "g"); !errors.Is(err, berr.ErrUnknownAPI) {
		t.Fatalf("alias unknown: want ErrUnknownAPI, got %v", err)
	}

	if got, _ := s.Lookup(t.Context(), "d"); got != item {
		t.Fatalf("alias does not reach the item")
	}

	if err := s.Del("d"); err != nil || item.released {
		t.Fatalf("del alias: %v released=%v", err, item.released)
	}

	_ = s.Alias("demo", "d")
	item.inUse = true
	if err := s.Del("demo"); !errors.Is(err, berr.ErrBusy) {
		t.Fatalf("in use: want ErrBusy, got %v", err)
	}
	item.inUse = false
	if err := s.Del("demo"); err != nil || !item.released {
		t.Fatalf("del: %v released=%v", err, item.released)
	}
	if names := s.Names(); len(names) != 0 {
		t.Fatalf("aliases survived their api: %v", names)
	}
	if err := s.Del("demo"); !errors.Is(err, berr.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStart_RequirementsThenClassProvidersThenSelf(t *testing.T) {
	var order []string
	s := apiset.NewSet("main", nil)
	for _, n := range []string{"app", "svc1", "svc2", "store"} {
		_ = s.Add(n, &fakeItem{name: n, log: &order})
	}

	if err := s.Require("app", "svc1", "svc2"); err != nil {
		t.Fatalf("require: %v", err)
	}
	if err := s.ProvideClass("store", "persist"); err != nil {
		t.Fatalf("provide: %v", err)
	}
	if err := s.RequireClass("svc1", "persist"); err != nil {
		t.Fatalf("require class: %v", err)
	}

	if err := s.Start(t.Context(), "app"); err != nil {
		t.Fatalf("start: %v", err)
	}
	want := []string{"store", "svc1", "svc2", "app"}
	if !slices.Equal(order, want) {
		t.Fatalf("order=%v want %v", order, want)
	}
}

func TestStart_Cycle(t *testing.T) {
	s := apiset.NewSet("main", nil)
	_ = s.Add("a", &fakeItem{name: "a"})
	_ = s.Add("b", &fakeItem{name: "b"})
	_ = s.Require("a", "b")
	_ = s.Require("b", "a")

	if err := s.Start(t.Context(), "a"); !errors.Is(err, berr.ErrBadAPIState) {
		t.Fatalf("want ErrBadAPIState, got %v", err)
	}
}

func TestRequire_RejectedOnceStarted(t *testing.T) {
	s := apiset.NewSet("main", nil)
	item := &fakeItem{name: "a", state: apiset.StateRun}
	_ = s.Add("a", item)

	if err := s.Require("a", "b"); !errors.Is(err, berr.ErrBadAPIState) {
		t.Fatalf("want ErrBadAPIState, got %v", err)
	}
	if err := s.Require("a", "a"); !errors.Is(err, berr.ErrInvalidArgument) {
		t.Fatalf("self requirement: want ErrInvalidArgument, got %v", err)
	}
}

func TestSubsetAndOnLack(t *testing.T) {
	public := apiset.NewSet("public", nil)
	private := apiset.NewSet("private", nil)
	if err := private.SetSubset(public); err != nil {
		t.Fatalf("subset: %v", err)
	}
	if err := public.SetSubset(private); !errors.Is(err, berr.ErrInvalidArgument) {
		t.Fatalf("cycle: want ErrInvalidArgument, got %v", err)
	}

	shared := &fakeItem{name: "shared"}
	_ = public.Add("shared", shared)
	if got, err := private.Lookup(t.Context(), "shared"); err != nil || got != shared {
		t.Fatalf("private must see public apis: %v", err)
	}
	if _, err := public.Lookup(t.Context(), "hidden"); !errors.Is(err, berr.ErrUnknownAPI) {
		t.Fatalf("want ErrUnknownAPI, got %v", err)
	}

	var asked []string
	public.SetOnLack(func(_ context.Context, set *apiset.Set, name string) bool {
		asked = append(asked, name)
		return set.Add(name, &fakeItem{name: name}) == nil
	})
	if _, err := private.Lookup(t.Context(), "lazy"); err != nil {
		t.Fatalf("on-lack: %v", err)
	}
	if len(asked) != 1 || asked[0] != "lazy" {
		t.Fatalf("asked=%v", asked)
	}

	var names []string
	private.Enumerate(func(name string, _ apiset.Item, _ bool) { names = append(names, name) })
	if !slices.Equal(names, []string{"lazy", "shared"}) {
		t.Fatalf("names=%v", names)
	}
}

func TestStartAll_ReportsEveryFailure(t *testing.T) {
	s := apiset.NewSet("main", nil)
	_ = s.Add("ok", &fakeItem{name: "ok"})
	_ = s.Add("bad1", &fakeItem{name: "bad1", startErr: errors.New("boom1")})
	_ = s.Add("bad2", &fakeItem{name: "bad2", startErr: errors.New("boom2")})

	err := s.StartAll(t.Context())
	if err == nil {
		t.Fatalf("want an error")
	}
	if got := err.Error(); !strings.Contains(got, "boom1") || !strings.Contains(got, "boom2") {
		t.Fatalf("err=%v", err)
	}
}
