package sim

import (
	"sort"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/ecs"
)

// Snapshot is a structured readout of a match's component values at one
// tick. Per component, the value list is index-aligned with Entities, the
// match's entity ids in ascending order at capture time.
type Snapshot struct {
	MatchID  uint64                          `json:"matchId"`
	Tick     uint64                          `json:"tick"`
	Entities []Entity                        `json:"entities"`
	Data     map[string]map[string][]float32 `json:"data"`
}

// IndexChange is one sparse delta entry: the index (into the target
// snapshot's entity ordering) whose value changed, and the new value.
type IndexChange struct {
	Index int     `json:"index"`
	Value float32 `json:"value"`
}

// Delta is the minimal diff between two recorded snapshots of one match.
// Bandwidth is proportional to change, not to state size.
type Delta struct {
	MatchID         uint64                              `json:"matchId"`
	FromTick        uint64                              `json:"fromTick"`
	ToTick          uint64                              `json:"toTick"`
	AddedEntities   []Entity                            `json:"addedEntities"`
	RemovedEntities []Entity                            `json:"removedEntities"`
	Changes         map[string]map[string][]IndexChange `json:"changes"`
}

// HistoryInfo describes a match's recorded snapshot ring.
type HistoryInfo struct {
	Count       int    `json:"count"`
	OldestTick  uint64 `json:"oldestTick"`
	NewestTick  uint64 `json:"newestTick"`
	CurrentTick uint64 `json:"currentTick"`
}

// snapshotHistory is a bounded ring of recorded snapshots indexed by tick.
type snapshotHistory struct {
	size  int
	ring  []*Snapshot
	next  int
	count int
}

func newSnapshotHistory(size int) *snapshotHistory {
	if size <= 0 {
		size = 256
	}
	return &snapshotHistory{size: size, ring: make([]*Snapshot, size)}
}

func (h *snapshotHistory) push(s *Snapshot) {
	h.ring[h.next] = s
	h.next = (h.next + 1) % h.size
	if h.count < h.size {
		h.count++
	}
}

func (h *snapshotHistory) at(tick uint64) (*Snapshot, bool) {
	for _, s := range h.ring {
		if s != nil && s.Tick == tick {
			return s, true
		}
	}
	return nil, false
}

func (h *snapshotHistory) newest() *Snapshot {
	if h.count == 0 {
		return nil
	}
	idx := (h.next - 1 + h.size) % h.size
	return h.ring[idx]
}

func (h *snapshotHistory) oldest() *Snapshot {
	if h.count == 0 {
		return nil
	}
	if h.count < h.size {
		return h.ring[0]
	}
	return h.ring[h.next]
}

func (h *snapshotHistory) clear() {
	h.ring = make([]*Snapshot, h.size)
	h.next = 0
	h.count = 0
}

// captureSnapshot walks the match's enabled modules in container
// registration order and collects, for each non-PRIVATE component, the
// value for every entity the match owns, ascending by id. Missing values
// are zero. When forPlayer is true, OWNER components are omitted as well —
// players see only what modules expose.
func captureSnapshot(m *Match, set *ecs.ModuleSet, store *ecs.Store, tick uint64, forPlayer bool) *Snapshot {
	entities := m.orderedEntities()
	snap := &Snapshot{
		MatchID:  m.ID,
		Tick:     tick,
		Entities: append([]Entity(nil), entities...),
		Data:     make(map[string]map[string][]float32),
	}

	enabled := make(map[string]struct{}, len(m.EnabledModules))
	for _, name := range m.EnabledModules {
		enabled[name] = struct{}{}
	}

	for _, mod := range set.Modules() {
		if _, ok := enabled[mod.Name]; !ok {
			continue
		}
		modData := make(map[string][]float32)
		for _, c := range mod.Components {
			if c.Permission == ecs.PermissionPrivate {
				continue
			}
			if forPlayer && c.Permission == ecs.PermissionOwner {
				continue
			}
			values := make([]float32, len(entities))
			for i, e := range entities {
				values[i] = store.Get(e, c)
			}
			modData[c.Name] = values
		}
		snap.Data[mod.Name] = modData
	}
	return snap
}

// computeDelta encodes the change from snapshot a to snapshot b. Changed
// indices refer to b's entity ordering; an entity present only in b
// contributes changes for every non-zero value.
func computeDelta(a, b *Snapshot) *Delta {
	d := &Delta{
		MatchID:  b.MatchID,
		FromTick: a.Tick,
		ToTick:   b.Tick,
		Changes:  make(map[string]map[string][]IndexChange),
	}

	inA := make(map[Entity]int, len(a.Entities))
	for i, e := range a.Entities {
		inA[e] = i
	}
	inB := make(map[Entity]struct{}, len(b.Entities))
	for _, e := range b.Entities {
		inB[e] = struct{}{}
	}
	for _, e := range b.Entities {
		if _, ok := inA[e]; !ok {
			d.AddedEntities = append(d.AddedEntities, e)
		}
	}
	for _, e := range a.Entities {
		if _, ok := inB[e]; !ok {
			d.RemovedEntities = append(d.RemovedEntities, e)
		}
	}

	for modName, comps := range b.Data {
		aComps := a.Data[modName]
		for compName, bVals := range comps {
			var aVals []float32
			if aComps != nil {
				aVals = aComps[compName]
			}
			var changes []IndexChange
			for i, e := range b.Entities {
				var prev float32
				if ai, ok := inA[e]; ok && aVals != nil && ai < len(aVals) {
					prev = aVals[ai]
				}
				if bVals[i] != prev {
					changes = append(changes, IndexChange{Index: i, Value: bVals[i]})
				}
			}
			if changes != nil {
				if d.Changes[modName] == nil {
					d.Changes[modName] = make(map[string][]IndexChange)
				}
				d.Changes[modName][compName] = changes
			}
		}
	}
	return d
}

// ApplyDelta reconstructs the target snapshot from a base snapshot and the
// delta between them. Inverse of computeDelta; used by incremental clients
// and the delta law tests.
func ApplyDelta(base *Snapshot, d *Delta) (*Snapshot, error) {
	if base.Tick != d.FromTick {
		return nil, apierrors.Validation("delta starts at tick %d, snapshot is at %d", d.FromTick, base.Tick)
	}

	removed := make(map[Entity]struct{}, len(d.RemovedEntities))
	for _, e := range d.RemovedEntities {
		removed[e] = struct{}{}
	}
	var entities []Entity
	for _, e := range base.Entities {
		if _, gone := removed[e]; !gone {
			entities = append(entities, e)
		}
	}
	entities = append(entities, d.AddedEntities...)
	sort.Slice(entities, func(i, j int) bool { return entities[i] < entities[j] })

	baseIdx := make(map[Entity]int, len(base.Entities))
	for i, e := range base.Entities {
		baseIdx[e] = i
	}

	out := &Snapshot{
		MatchID:  base.MatchID,
		Tick:     d.ToTick,
		Entities: entities,
		Data:     make(map[string]map[string][]float32),
	}
	for modName, comps := range base.Data {
		outComps := make(map[string][]float32, len(comps))
		for compName, baseVals := range comps {
			vals := make([]float32, len(entities))
			for i, e := range entities {
				if bi, ok := baseIdx[e]; ok && bi < len(baseVals) {
					vals[i] = baseVals[bi]
				}
			}
			outComps[compName] = vals
		}
		out.Data[modName] = outComps
	}

	for modName, comps := range d.Changes {
		if out.Data[modName] == nil {
			out.Data[modName] = make(map[string][]float32)
		}
		for compName, changes := range comps {
			vals := out.Data[modName][compName]
			if vals == nil {
				vals = make([]float32, len(entities))
			}
			for _, ch := range changes {
				if ch.Index < 0 || ch.Index >= len(vals) {
					return nil, apierrors.Validation("delta index %d out of range", ch.Index)
				}
				vals[ch.Index] = ch.Value
			}
			out.Data[modName][compName] = vals
		}
	}
	return out, nil
}
