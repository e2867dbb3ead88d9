// Package selection keeps the set of tests marked for bulk action and derives
// folder checkbox states from it.
package selection

import (
	"fmt"
	"sync"

	"github.com/hochfrequenz/testrun-launcher/internal/domain"
	"github.com/hochfrequenz/testrun-launcher/internal/tree"
)

// State is a folder checkbox state
type State int

const (
	None State = iota
	Partial
	All
)

func (s State) String() string {
	switch s {
	case Partial:
		return "partial"
	case All:
		return "all"
	default:
		return "none"
	}
}

// MarshalText renders the state as none, partial or all
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses none, partial or all
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "none":
		*s = None
	case "partial":
		*s = Partial
	case "all":
		*s = All
	default:
		return fmt.Errorf("unknown selection state %q", text)
	}
	return nil
}

// Registry holds the selected test ids. Only automatable tests of the
// currently loaded list can be members.
type Registry struct {
	mu       sync.RWMutex
	tests    map[domain.TestID]domain.Test
	order    []domain.TestID
	forest   *tree.Forest
	selected map[domain.TestID]struct{}
}

// New creates a registry for the loaded tests and their forest
func New(tests []domain.Test, forest *tree.Forest) *Registry {
	r := &Registry{selected: make(map[domain.TestID]struct{})}
	r.load(tests, forest)
	return r
}

func (r *Registry) load(tests []domain.Test, forest *tree.Forest) {
	r.tests = make(map[domain.TestID]domain.Test, len(tests))
	r.order = r.order[:0]
	for _, t := range tests {
		if _, dup := r.tests[t.ID]; !dup {
			r.order = append(r.order, t.ID)
		}
		r.tests[t.ID] = t
	}
	if forest == nil {
		forest = tree.Build(tests, nil, nil)
	}
	r.forest = forest
}

// Toggle flips membership of one test. Unknown or non-automatable tests
// are ignored. It reports whether the test is selected afterwards.
func (r *Registry) Toggle(id domain.TestID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tests[id]
	if !ok || !t.Automatable() {
		return false
	}
	if _, on := r.selected[id]; on {
		delete(r.selected, id)
		return false
	}
	r.selected[id] = struct{}{}
	return true
}

// Set forces the membership of one test, with the same guard as Toggle
func (r *Registry) Set(id domain.TestID, checked bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set(id, checked)
}

func (r *Registry) set(id domain.TestID, checked bool) bool {
	t, ok := r.tests[id]
	if !ok || !t.Automatable() {
		return false
	}
	_, on := r.selected[id]
	if checked == on {
		return false
	}
	if checked {
		r.selected[id] = struct{}{}
	} else {
		delete(r.selected, id)
	}
	return true
}

// ToggleFolder applies checked to every automatable test in the folder's
// full subtree and returns how many memberships changed.
func (r *Registry) ToggleFolder(id domain.FolderID, checked bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.forest.Find(id)
	if !ok {
		return 0
	}
	changed := 0
	for _, tid := range n.AutomatableIDs() {
		if r.set(tid, checked) {
			changed++
		}
	}
	return changed
}

// TriState summarizes the selection over tests: None when nothing is
// selected or nothing is automatable, All when every automatable test is
// selected, Partial otherwise.
func (r *Registry) TriState(tests []domain.Test) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.triState(tests)
}

func (r *Registry) triState(tests []domain.Test) State {
	automatable, selected := 0, 0
	for _, t := range tests {
		if !t.Automatable() {
			continue
		}
		automatable++
		if _, on := r.selected[t.ID]; on {
			selected++
		}
	}
	switch {
	case selected == 0:
		return None
	case selected == automatable:
		return All
	default:
		return Partial
	}
}

// FolderState is TriState over the folder's subtree
func (r *Registry) FolderState(id domain.FolderID) State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.forest.Find(id)
	if !ok {
		return None
	}
	return r.triState(n.AllTests())
}

// Inert reports whether a checkbox over tests has nothing to act on
func Inert(tests []domain.Test) bool {
	for _, t := range tests {
		if t.Automatable() {
			return false
		}
	}
	return true
}

// IsSelected reports membership of one test
func (r *Registry) IsSelected(id domain.TestID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, on := r.selected[id]
	return on
}

// Selected returns the selected ids in test list order
func (r *Registry) Selected() []domain.TestID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.TestID, 0, len(r.selected))
	for _, id := range r.order {
		if _, on := r.selected[id]; on {
			ids = append(ids, id)
		}
	}
	return ids
}

// SelectedTests returns the selected tests in list order
func (r *Registry) SelectedTests() []domain.Test {
	ids := r.Selected()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Test, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.tests[id])
	}
	return out
}

// Len returns the number of selected tests
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.selected)
}

// Clear deselects everything
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selected = make(map[domain.TestID]struct{})
}

// Reconcile swaps in a freshly loaded test list and forest and drops
// selected ids that are gone or no longer automatable. It must run before
// the new data is rendered. It returns the number of pruned ids.
func (r *Registry) Reconcile(tests []domain.Test, forest *tree.Forest) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.load(tests, forest)
	removed := 0
	for id := range r.selected {
		if t, ok := r.tests[id]; !ok || !t.Automatable() {
			delete(r.selected, id)
			removed++
		}
	}
	return removed
}
