package renewal

import "weak"

// Ref is a non-owning reference to a Manager.
type Ref interface {
	// Manager returns the referenced manager, or false once it was reclaimed
	// or reports itself dead through Liveness.
	Manager() (Manager, bool)
}

// WeakRef returns a Ref that does not keep m reachable.
func WeakRef[T any, P interface {
	*T
	Manager
}](m P) Ref {
	return weakRef[T, P]{ptr: weak.Make((*T)(m))}
}

type weakRef[T any, P interface {
	*T
	Manager
}] struct {
	ptr weak.Pointer[T]
}

func (r weakRef[T, P]) Manager() (Manager, bool) {
	p := r.ptr.Value()
	if p == nil {
		return nil, false
	}

	m := P(p)
	if l, ok := any(m).(Liveness); ok && !l.Alive() {
		return nil, false
	}
	return m, true
}

// registrations maps connection IDs to weakly referenced managers.
// Not safe for concurrent use; the scheduler serializes access.
type registrations struct {
	refs map[string]Ref
}

func newRegistrations() *registrations {
	return &registrations{refs: make(map[string]Ref)}
}

// set inserts or replaces the registration for id.
func (r *registrations) set(id string, ref Ref) {
	r.refs[id] = ref
}

// remove deletes the registration for id and reports whether it existed.
func (r *registrations) remove(id string) bool {
	if _, ok := r.refs[id]; !ok {
		return false
	}
	delete(r.refs, id)
	return true
}

func (r *registrations) len() int {
	return len(r.refs)
}

func (r *registrations) clear() {
	clear(r.refs)
}

// live resolves every registration, dropping the ones whose manager is gone.
func (r *registrations) live() (managers []Manager, pruned int) {
	managers = make([]Manager, 0, len(r.refs))
	for id, ref := range r.refs {
		m, ok := ref.Manager()
		if !ok {
			delete(r.refs, id)
			pruned++
			continue
		}
		managers = append(managers, m)
	}
	return managers, pruned
}
