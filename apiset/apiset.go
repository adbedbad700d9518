// Package apiset is the directory of apis: names and aliases mapped to items,
// declared requirements and classes, and the start ordering they imply.
//
// A process usually keeps two sets: the one apis are declared in and a larger
// one they call through, chained with SetSubset.
package apiset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"unicode"

	berr "github.com/next-trace/scg-binder/contract/errors"
	"github.com/next-trace/scg-binder/logging"
)

// State of an api. It only moves PreInit -> Init -> Run or Error.
type State int32

const (
	StatePreInit State = iota
	StateInit
	StateRun
	StateError
)

func (s State) String() string {
	switch s {
	case StatePreInit:
		return "preinit"
	case StateInit:
		return "init"
	case StateRun:
		return "run"
	case StateError:
		return "error"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Item is what a set holds for an api.
type Item interface {
	Name() string
	// Start drives the api to Run. It is called after everything the api requires started.
	Start(ctx context.Context) error
	State() State
	// Release is called once the item left its set.
	Release()
	// InUse reports whether something still references the api.
	InUse() bool
}

// LackFunc is called when a name is not found. Returning true retries the lookup once.
type LackFunc func(ctx context.Context, set *Set, name string) bool

type entry struct {
	name     string
	item     Item
	aliasOf  *entry
	requires []string
	classes  []string
}

// Set maps api names to items. Names compare case-insensitively.
type Set struct {
	name string

	mu       sync.RWMutex
	entries  map[string]*entry
	provides map[string][]*entry
	subset   *Set
	onLack   LackFunc

	logger *slog.Logger
}

func NewSet(name string, logger *slog.Logger) *Set {
	return &Set{
		name:     name,
		entries:  make(map[string]*entry),
		provides: make(map[string][]*entry),
		logger:   logging.OrDiscard(logger).With(slog.String("apiset", name)),
	}
}

func (s *Set) Name() string { return s.name }

// SetSubset chains sub after s: lookups missing in s continue in sub.
func (s *Set) SetSubset(sub *Set) error {
	for p := sub; p != nil; p = p.Subset() {
		if p == s {
			return fmt.Errorf("apiset %s subset %s: cycle: %w", s.name, sub.name, berr.ErrInvalidArgument)
		}
	}
	s.mu.Lock()
	s.subset = sub
	s.mu.Unlock()
	return nil
}

func (s *Set) Subset() *Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subset
}

// SetOnLack installs the resolver used for unknown names.
func (s *Set) SetOnLack(fn LackFunc) {
	s.mu.Lock()
	s.onLack = fn
	s.mu.Unlock()
}

// ValidName reports whether name can name an api or an alias.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return false
		}
		if strings.ContainsRune(`"#%&'/?*[]\`+"`", r) {
			return false
		}
	}
	return true
}

func key(name string) string { return strings.ToLower(name) }

// Add registers item under name.
func (s *Set) Add(name string, item Item) error {
	if !ValidName(name) || item == nil {
		return fmt.Errorf("add api %q: %w", name, berr.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.entries[key(name)]; dup {
		return fmt.Errorf("add api %s: %w", name, berr.ErrAlreadyExists)
	}
	s.entries[key(name)] = &entry{name: name, item: item}
	s.logger.Debug("api added", slog.String("api", name))
	return nil
}

// Alias makes item name also reachable as as.
func (s *Set) Alias(name, as string) error {
	if !ValidName(as) {
		return fmt.Errorf("alias api %s as %q: %w", name, as, berr.ErrInvalidArgument)
	}

	target, _ := s.find(name)
	if target == nil {
		return fmt.Errorf("alias api %s: %w", name, berr.ErrUnknownAPI)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.entries[key(as)]; dup {
		return fmt.Errorf("alias api %s as %s: %w", name, as, berr.ErrAlreadyExists)
	}
	s.entries[key(as)] = &entry{name: as, item: target.item, aliasOf: target}
	return nil
}

// Del removes name from s. Removing an alias only drops the alias; removing a
// main name drops its aliases too and releases the item.
func (s *Set) Del(name string) error {
	s.mu.Lock()
	e, ok := s.entries[key(name)]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("del api %s: %w", name, berr.ErrNotFound)
	}
	if e.aliasOf != nil {
		delete(s.entries, key(name))
		s.mu.Unlock()
		return nil
	}
	if e.item.InUse() {
		s.mu.Unlock()
		return fmt.Errorf("del api %s: %w", name, berr.ErrBusy)
	}

	delete(s.entries, key(name))
	for k, other := range s.entries {
		if other.aliasOf == e {
			delete(s.entries, k)
		}
	}
	for class, providers := range s.provides {
		s.provides[class] = slices.DeleteFunc(providers, func(p *entry) bool { return p == e })
	}
	s.mu.Unlock()

	s.logger.Debug("api removed", slog.String("api", name))
	e.item.Release()
	return nil
}

// find looks name up in s then in its subsets, without the lack resolver.
// It also returns the set holding the main entry.
func (s *Set) find(name string) (*entry, *Set) {
	for set := s; set != nil; set = set.Subset() {
		set.mu.RLock()
		e, ok := set.entries[key(name)]
		set.mu.RUnlock()
		if ok {
			if e.aliasOf != nil {
				e = e.aliasOf
				// the alias may live in a different set than its target
				if owner := s.owner(e); owner != nil {
					return e, owner
				}
			}
			return e, set
		}
	}
	return nil, nil
}

func (s *Set) owner(e *entry) *Set {
	for set := s; set != nil; set = set.Subset() {
		set.mu.RLock()
		cur, ok := set.entries[key(e.name)]
		set.mu.RUnlock()
		if ok && cur == e {
			return set
		}
	}
	return nil
}

func (s *Set) resolve(ctx context.Context, name string) (*entry, *Set) {
	if e, owner := s.find(name); e != nil {
		return e, owner
	}
	for set := s; set != nil; set = set.Subset() {
		set.mu.RLock()
		fn := set.onLack
		set.mu.RUnlock()
		if fn != nil && fn(ctx, set, name) {
			return s.find(name)
		}
	}
	return nil, nil
}

// Lookup returns the item named name without starting it.
func (s *Set) Lookup(ctx context.Context, name string) (Item, error) {
	return s.Get(ctx, name, false, false)
}

// Get returns the item named name. With autostart the api is started when it is
// not running yet; with requireInitialized Get fails unless the api reaches Run.
func (s *Set) Get(ctx context.Context, name string, autostart, requireInitialized bool) (Item, error) {
	e, owner := s.resolve(ctx, name)
	if e == nil {
		return nil, fmt.Errorf("get api %s: %w", name, berr.ErrUnknownAPI)
	}

	if (autostart || requireInitialized) && e.item.State() != StateRun {
		err := owner.start(ctx, e, nil)
		if err != nil && requireInitialized {
			return nil, fmt.Errorf("get api %s: %w", name, asBadState(err))
		}
	}
	if requireInitialized && e.item.State() != StateRun {
		return nil, fmt.Errorf("get api %s: %s: %w", name, e.item.State(), berr.ErrBadAPIState)
	}
	return e.item, nil
}

// asBadState keeps the error chain while making sure it reports BadApiState.
func asBadState(err error) error {
	if errors.Is(err, berr.ErrBadAPIState) {
		return err
	}
	return fmt.Errorf("%w: %w", berr.ErrBadAPIState, err)
}

// Require records that declarer needs the apis names started before it.
func (s *Set) Require(declarer string, names ...string) error {
	for _, n := range names {
		if !ValidName(n) {
			return fmt.Errorf("api %s require %q: %w", declarer, n, berr.ErrInvalidArgument)
		}
		if key(n) == key(declarer) {
			return fmt.Errorf("api %s requires itself: %w", declarer, berr.ErrInvalidArgument)
		}
	}
	return s.update(declarer, "require", func(e *entry) {
		for _, n := range names {
			if !slices.Contains(e.requires, n) {
				e.requires = append(e.requires, n)
			}
		}
	})
}

// RequireClass records that api needs every provider of classes started before it.
func (s *Set) RequireClass(api string, classes ...string) error {
	return s.update(api, "require class", func(e *entry) {
		for _, c := range classes {
			if !slices.Contains(e.classes, key(c)) {
				e.classes = append(e.classes, key(c))
			}
		}
	})
}

// ProvideClass declares api as a provider of classes.
func (s *Set) ProvideClass(api string, classes ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key(api)]
	if !ok || e.aliasOf != nil {
		return fmt.Errorf("api %s provide class: %w", api, berr.ErrUnknownAPI)
	}
	for _, c := range classes {
		if c == "" {
			return fmt.Errorf("api %s provide class: empty name: %w", api, berr.ErrInvalidArgument)
		}
		if !slices.Contains(s.provides[key(c)], e) {
			s.provides[key(c)] = append(s.provides[key(c)], e)
		}
	}
	return nil
}

func (s *Set) update(api, op string, fn func(e *entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key(api)]
	if !ok || e.aliasOf != nil {
		return fmt.Errorf("api %s %s: %w", api, op, berr.ErrUnknownAPI)
	}
	if st := e.item.State(); st != StatePreInit {
		return fmt.Errorf("api %s %s: %s: %w", api, op, st, berr.ErrBadAPIState)
	}
	fn(e)
	return nil
}

func (s *Set) providers(class string) []*entry {
	var out []*entry
	for set := s; set != nil; set = set.Subset() {
		set.mu.RLock()
		out = append(out, set.provides[class]...)
		set.mu.RUnlock()
	}
	return out
}

// Start starts api name after everything it requires.
func (s *Set) Start(ctx context.Context, name string) error {
	e, owner := s.resolve(ctx, name)
	if e == nil {
		return fmt.Errorf("start api %s: %w", name, berr.ErrUnknownAPI)
	}
	return owner.start(ctx, e, nil)
}

// StartAll starts every api of s and its subsets. All failures are reported.
func (s *Set) StartAll(ctx context.Context) error {
	var errs []error
	for set := s; set != nil; set = set.Subset() {
		for _, e := range set.mains() {
			if err := set.start(ctx, e, nil); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// start walks requirements depth first; path holds the apis being started
// on this call path and detects cycles.
func (s *Set) start(ctx context.Context, e *entry, path []*entry) error {
	switch e.item.State() {
	case StateRun:
		return nil
	case StateError:
		return fmt.Errorf("start api %s: %w", e.name, berr.ErrBadAPIState)
	}
	if slices.Contains(path, e) {
		return fmt.Errorf("start api %s: requirement cycle: %w", e.name, berr.ErrBadAPIState)
	}
	path = append(path, e)

	s.mu.RLock()
	requires := slices.Clone(e.requires)
	classes := slices.Clone(e.classes)
	s.mu.RUnlock()

	for _, n := range requires {
		dep, owner := s.resolve(ctx, n)
		if dep == nil {
			return fmt.Errorf("start api %s: requires %s: %w", e.name, n, berr.ErrUnknownAPI)
		}
		if err := owner.start(ctx, dep, path); err != nil {
			return fmt.Errorf("start api %s: %w", e.name, err)
		}
	}
	for _, c := range classes {
		for _, p := range s.providers(c) {
			if p == e {
				continue
			}
			owner := s.owner(p)
			if owner == nil {
				continue
			}
			if err := owner.start(ctx, p, path); err != nil {
				return fmt.Errorf("start api %s: class %s: %w", e.name, c, err)
			}
		}
	}

	s.logger.Debug("api starting", slog.String("api", e.name))
	if err := e.item.Start(ctx); err != nil {
		return fmt.Errorf("start api %s: %w", e.name, err)
	}
	return nil
}

func (s *Set) mains() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.aliasOf == nil {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b *entry) int { return strings.Compare(key(a.name), key(b.name)) })
	return out
}

// Names returns the names and aliases of s, sorted, without its subsets.
func (s *Set) Names() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.name)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b string) int { return strings.Compare(key(a), key(b)) })
	return out
}

// Enumerate calls fn for each name of s and its subsets, in name order.
func (s *Set) Enumerate(fn func(name string, item Item, alias bool)) {
	seen := make(map[string]bool)
	for set := s; set != nil; set = set.Subset() {
		set.mu.RLock()
		names := make([]*entry, 0, len(set.entries))
		for k, e := range set.entries {
			if !seen[k] {
				seen[k] = true
				names = append(names, e)
			}
		}
		set.mu.RUnlock()

		slices.SortFunc(names, func(a, b *entry) int { return strings.Compare(key(a.name), key(b.name)) })
		for _, e := range names {
			fn(e.name, e.item, e.aliasOf != nil)
		}
	}
}
