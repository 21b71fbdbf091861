package button

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Change describes what an Upsert did to the registry.
type Change int

const (
	ChangeNone Change = iota
	ChangeAdded
	ChangeState
	ChangeName
)

func (c Change) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeState:
		return "state"
	case ChangeName:
		return "name"
	default:
		return "none"
	}
}

// Registry is the authoritative collection of known buttons keyed by normalized id.
// Entries keep their registration order. All methods are thread-safe and exchange
// Button values, never references into the registry.
type Registry struct {
	mu      sync.RWMutex
	buttons *orderedmap.OrderedMap[string, Button]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		buttons: orderedmap.New[string, Button](),
	}
}

// Upsert inserts b if its id is unseen, otherwise updates the mutable fields in place.
// An empty DisplayName or StateUnknown on b leaves the stored value untouched.
func (r *Registry) Upsert(b Button) (Button, Change) {
	b.ID = NormalizeID(b.ID)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.buttons.Get(b.ID)
	if !ok {
		r.buttons.Set(b.ID, b)
		return b, ChangeAdded
	}

	change := ChangeNone
	if b.DisplayName != "" && b.DisplayName != existing.DisplayName {
		existing.DisplayName = b.DisplayName
		change = ChangeName
	}
	if b.State != StateUnknown && b.State != existing.State {
		existing.State = b.State
		change = ChangeState
	}
	r.buttons.Set(existing.ID, existing)

	return existing, change
}

// SetState transitions the button with the given id. It returns false if the id is unknown.
func (r *Registry) SetState(id string, state ConnectionState) (Button, bool) {
	id = NormalizeID(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buttons.Get(id)
	if !ok {
		return Button{}, false
	}
	b.State = state
	r.buttons.Set(id, b)
	return b, true
}

// Find looks a button up by id.
func (r *Registry) Find(id string) (Button, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buttons.Get(NormalizeID(id))
}

// List returns a snapshot of all buttons in registration order.
func (r *Registry) List() []Button {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Button, 0, r.buttons.Len())
	for pair := r.buttons.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Value)
	}
	return result
}

// Len returns the number of registered buttons.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buttons.Len()
}

// Remove deletes a single button.
func (r *Registry) Remove(id string) (Button, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buttons.Delete(NormalizeID(id))
}

// RemoveAll calls onRemoved for every entry in list order and then clears the registry.
// onRemoved runs under the registry lock and must not call back into the registry.
func (r *Registry) RemoveAll(onRemoved func(Button)) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.buttons.Len()
	if onRemoved != nil {
		for pair := r.buttons.Oldest(); pair != nil; pair = pair.Next() {
			onRemoved(pair.Value)
		}
	}
	r.buttons = orderedmap.New[string, Button]()
	return n
}
