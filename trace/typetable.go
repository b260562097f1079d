package trace

import (
	"honnef.co/go/qmltrace/mysync"
)

// Resolver looks up the source text at a location, for example the expression of a binding. RequestResolve
// must not block; it calls done exactly once, from any goroutine, when the lookup has finished.
type Resolver interface {
	RequestResolve(loc Location, done func(text string, ok bool))
}

// TypeTable is the append-only table of event types. Indices are stable for the lifetime of a trace. It is
// safe for concurrent use.
type TypeTable struct {
	state *mysync.Mutex[*typeTableState]
}

type typeTableState struct {
	types     []EventType
	keys      map[typeKey]int32
	listeners []func(idx int32)
	resolver  Resolver
	// pending maps locations with an outstanding resolve request to the types waiting for the result.
	pending map[Location][]int32
	// gen is incremented by Reset so that late resolver callbacks for a previous trace are ignored.
	gen uint64
}

func NewTypeTable() *TypeTable {
	return &TypeTable{
		state: mysync.NewMutex(&typeTableState{
			keys:    map[typeKey]int32{},
			pending: map[Location][]int32{},
		}),
	}
}

// SetResolver sets the collaborator that source locations of bindings and signal handlers are resolved with.
// Types appended before the resolver was set are not resolved.
func (tt *TypeTable) SetResolver(r Resolver) {
	tt.state.With(func(st *typeTableState) { st.resolver = r })
}

// OnChange registers fn to be called with the index of every type that got rewritten. Callbacks run outside
// of the table's lock, possibly on the resolver's goroutine.
func (tt *TypeTable) OnChange(fn func(idx int32)) {
	tt.state.With(func(st *typeTableState) { st.listeners = append(st.listeners, fn) })
}

// Append adds t to the table and returns its index. It doesn't deduplicate; use Intern for that.
func (tt *TypeTable) Append(t EventType) int32 {
	st, unlock := tt.state.Lock()
	idx, req := st.append(t)
	resolver := st.resolver
	gen := st.gen
	unlock.Unlock()

	if req != nil {
		tt.requestResolve(resolver, gen, *req)
	}
	return idx
}

// Intern returns the index of the type identical to t, appending t if no such type exists yet. Identity is
// determined by message, range type, detail, location and data. Display names don't take part.
func (tt *TypeTable) Intern(t EventType) int32 {
	st, unlock := tt.state.Lock()
	if idx, ok := st.keys[keyOf(&t)]; ok {
		unlock.Unlock()
		return idx
	}
	idx, req := st.append(t)
	resolver := st.resolver
	gen := st.gen
	unlock.Unlock()

	if req != nil {
		tt.requestResolve(resolver, gen, *req)
	}
	return idx
}

func (st *typeTableState) append(t EventType) (int32, *Location) {
	if t.DisplayName == "" {
		t.DisplayName = t.DefaultDisplayName()
	}
	idx := int32(len(st.types))
	st.types = append(st.types, t)
	key := keyOf(&t)
	if _, ok := st.keys[key]; !ok {
		st.keys[key] = idx
	}

	if st.resolver == nil || (t.RangeType != RangeBinding && t.RangeType != RangeHandlingSignal) {
		return idx, nil
	}
	loc, ok := t.Location.Get()
	if !ok || loc.File == "" {
		return idx, nil
	}
	if waiting, ok := st.pending[loc]; ok {
		// A request for this location is already in flight.
		st.pending[loc] = append(waiting, idx)
		return idx, nil
	}
	st.pending[loc] = []int32{idx}
	return idx, &loc
}

func (tt *TypeTable) requestResolve(r Resolver, gen uint64, loc Location) {
	r.RequestResolve(loc, func(text string, ok bool) {
		st, unlock := tt.state.Lock()
		if st.gen != gen {
			unlock.Unlock()
			return
		}
		idxs := st.pending[loc]
		delete(st.pending, loc)
		if !ok {
			unlock.Unlock()
			return
		}
		for _, idx := range idxs {
			st.types[idx].Data = text
		}
		listeners := st.listeners
		unlock.Unlock()

		for _, idx := range idxs {
			for _, fn := range listeners {
				fn(idx)
			}
		}
	})
}

// Get returns the type at index idx.
func (tt *TypeTable) Get(idx int32) (EventType, error) {
	st, unlock := tt.state.RLock()
	defer unlock.RUnlock()
	if idx < 0 || int(idx) >= len(st.types) {
		return EventType{}, ErrOutOfRange.WithMessagef("type index %d, have %d types", idx, len(st.types))
	}
	return st.types[idx], nil
}

// Rewrite replaces the display name and data of the type at idx and notifies listeners.
func (tt *TypeTable) Rewrite(idx int32, displayName, data string) error {
	st, unlock := tt.state.Lock()
	if idx < 0 || int(idx) >= len(st.types) {
		n := len(st.types)
		unlock.Unlock()
		return ErrOutOfRange.WithMessagef("type index %d, have %d types", idx, n)
	}
	st.types[idx].DisplayName = displayName
	st.types[idx].Data = data
	listeners := st.listeners
	unlock.Unlock()

	for _, fn := range listeners {
		fn(idx)
	}
	return nil
}

// Len returns the number of types.
func (tt *TypeTable) Len() (n int) {
	tt.state.RWith(func(st *typeTableState) { n = len(st.types) })
	return n
}

// All returns a copy of all types, in index order.
func (tt *TypeTable) All() (out []EventType) {
	tt.state.RWith(func(st *typeTableState) {
		out = make([]EventType, len(st.types))
		copy(out, st.types)
	})
	return out
}

// Reset removes all types. Listeners and the resolver stay registered; outstanding resolve requests are
// discarded when they complete.
func (tt *TypeTable) Reset() {
	tt.state.With(func(st *typeTableState) {
		st.types = nil
		st.keys = map[typeKey]int32{}
		st.pending = map[Location][]int32{}
		st.gen++
	})
}
