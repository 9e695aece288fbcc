package keys

import (
	"sort"

	"github.com/gdamore/tcell/v2"
)

// Action is one key binding.
type Action struct {
	Key         tcell.Key
	Rune        rune
	Description string
	Handler     func()
	Visible     bool
}

// Matches reports whether ev triggers the action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// Registry holds global bindings and per-focus bindings.
type Registry struct {
	global map[string]*Action
	scoped map[string]map[string]*Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		global: make(map[string]*Action),
		scoped: make(map[string]map[string]*Action),
	}
}

// AddGlobal registers a binding active in every scope.
func (r *Registry) AddGlobal(name string, a *Action) {
	r.global[name] = a
}

// Add registers a binding active only in scope.
func (r *Registry) Add(scope, name string, a *Action) {
	if r.scoped[scope] == nil {
		r.scoped[scope] = make(map[string]*Action)
	}
	r.scoped[scope][name] = a
}

// Hints returns the visible descriptions for scope, sorted.
func (r *Registry) Hints(scope string) []string {
	var hints []string
	for _, a := range r.global {
		if a.Visible {
			hints = append(hints, a.Description)
		}
	}
	for _, a := range r.scoped[scope] {
		if a.Visible {
			hints = append(hints, a.Description)
		}
	}
	sort.Strings(hints)
	return hints
}

// HandleEvent runs the first binding matching ev, scoped bindings first.
// Returns true if one matched.
func (r *Registry) HandleEvent(scope string, ev *tcell.EventKey) bool {
	for _, a := range r.scoped[scope] {
		if a.Matches(ev) {
			a.Handler()
			return true
		}
	}
	for _, a := range r.global {
		if a.Matches(ev) {
			a.Handler()
			return true
		}
	}
	return false
}
