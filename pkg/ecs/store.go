package ecs

// Store maps (entity, component) pairs to float32 values, with a
// per-component presence set for fast filtering. Absence is
// indistinguishable from a stored zero; Get never fails.
//
// The store is deliberately unsynchronized. The owning container's tick
// executor is the sole writer; readers on other goroutines must go through
// the container's mailbox.
type Store struct {
	values   map[uint64]map[Entity]float32
	presence map[uint64]map[Entity]struct{}
}

// NewStore creates an empty component store.
func NewStore() *Store {
	return &Store{
		values:   make(map[uint64]map[Entity]float32),
		presence: make(map[uint64]map[Entity]struct{}),
	}
}

// Attach sets the value for (entity, component), overwriting any previous
// value and marking presence.
func (s *Store) Attach(e Entity, c *Component, value float32) {
	vals, ok := s.values[c.ID]
	if !ok {
		vals = make(map[Entity]float32)
		s.values[c.ID] = vals
	}
	vals[e] = value

	pres, ok := s.presence[c.ID]
	if !ok {
		pres = make(map[Entity]struct{})
		s.presence[c.ID] = pres
	}
	pres[e] = struct{}{}
}

// AttachMany attaches several components to one entity in a single call.
// Extra values beyond len(components) are ignored; missing values default
// to zero.
func (s *Store) AttachMany(e Entity, components []*Component, values []float32) {
	for i, c := range components {
		var v float32
		if i < len(values) {
			v = values[i]
		}
		s.Attach(e, c, v)
	}
}

// Remove clears both the value and the presence bit. Removal is idempotent.
func (s *Store) Remove(e Entity, c *Component) {
	if vals, ok := s.values[c.ID]; ok {
		delete(vals, e)
	}
	if pres, ok := s.presence[c.ID]; ok {
		delete(pres, e)
	}
}

// RemoveEntity removes every component attached to the entity.
func (s *Store) RemoveEntity(e Entity) {
	for id := range s.presence {
		delete(s.presence[id], e)
		if vals, ok := s.values[id]; ok {
			delete(vals, e)
		}
	}
}

// Get returns the stored value, or 0 when absent.
func (s *Store) Get(e Entity, c *Component) float32 {
	if vals, ok := s.values[c.ID]; ok {
		return vals[e]
	}
	return 0
}

// Exists reports whether the component has been attached and not removed.
func (s *Store) Exists(e Entity, c *Component) bool {
	pres, ok := s.presence[c.ID]
	if !ok {
		return false
	}
	_, ok = pres[e]
	return ok
}

// EntitiesWith returns the set of entities carrying the component.
func (s *Store) EntitiesWith(c *Component) map[Entity]struct{} {
	out := make(map[Entity]struct{}, len(s.presence[c.ID]))
	for e := range s.presence[c.ID] {
		out[e] = struct{}{}
	}
	return out
}

// EntitiesWithAll returns the intersection of the per-component presence
// sets. An empty component list yields an empty set.
func (s *Store) EntitiesWithAll(components []*Component) map[Entity]struct{} {
	if len(components) == 0 {
		return map[Entity]struct{}{}
	}

	// Iterate the smallest presence set and probe the rest.
	smallest := components[0]
	for _, c := range components[1:] {
		if len(s.presence[c.ID]) < len(s.presence[smallest.ID]) {
			smallest = c
		}
	}

	out := make(map[Entity]struct{})
	for e := range s.presence[smallest.ID] {
		all := true
		for _, c := range components {
			if c.ID == smallest.ID {
				continue
			}
			if _, ok := s.presence[c.ID][e]; !ok {
				all = false
				break
			}
		}
		if all {
			out[e] = struct{}{}
		}
	}
	return out
}
