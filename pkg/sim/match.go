package sim

import (
	"sort"
	"time"

	"github.com/simforge/simforge/pkg/ecs"
)

// Match is an independent simulation context inside a container: its own
// entity id set, enabled modules, and players. All mutation happens on the
// owning container's tick executor.
type Match struct {
	ID             uint64    `json:"id"`
	ContainerID    uint64    `json:"containerId"`
	EnabledModules []string  `json:"enabledModules"`
	CurrentTick    uint64    `json:"currentTick"`
	CreatedAt      time.Time `json:"createdAt"`
	Finished       bool      `json:"finished"`

	players  map[uint64]*Player
	entities map[Entity]struct{}
	ordered  []Entity // ascending id cache, rebuilt on mutation
	dirty    bool
	deleted  bool

	history *snapshotHistory
	lastPush map[uint64]uint64 // subscriber id → last pushed tick
}

// Entity aliases the ecs entity id for the simulation-facing types.
type Entity = ecs.Entity

func newMatch(id, containerID uint64, modules []string, historySize int) *Match {
	return &Match{
		ID:             id,
		ContainerID:    containerID,
		EnabledModules: append([]string(nil), modules...),
		CreatedAt:      time.Now(),
		players:        make(map[uint64]*Player),
		entities:       make(map[Entity]struct{}),
		history:        newSnapshotHistory(historySize),
		lastPush:       make(map[uint64]uint64),
	}
}

// addEntity records ownership of a freshly allocated entity.
func (m *Match) addEntity(e Entity) {
	m.entities[e] = struct{}{}
	m.dirty = true
}

// removeEntity drops ownership after a cleanup sweep.
func (m *Match) removeEntity(e Entity) {
	delete(m.entities, e)
	m.dirty = true
}

// owns reports whether the entity belongs to this match.
func (m *Match) owns(e Entity) bool {
	_, ok := m.entities[e]
	return ok
}

// orderedEntities returns the match's entity ids in ascending order.
// Snapshot component lists are index-aligned with this ordering.
func (m *Match) orderedEntities() []Entity {
	if m.dirty {
		m.ordered = m.ordered[:0]
		for e := range m.entities {
			m.ordered = append(m.ordered, e)
		}
		sort.Slice(m.ordered, func(i, j int) bool { return m.ordered[i] < m.ordered[j] })
		m.dirty = false
	}
	return m.ordered
}

// PlayerIDs returns the ids of players currently in the match.
func (m *Match) PlayerIDs() []uint64 {
	out := make([]uint64, 0, len(m.players))
	for id := range m.players {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Player is a participant identity inside a match.
type Player struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

// MatchState is the serializable view of a match used by the API and the
// persisted match_state documents.
type MatchState struct {
	ID             uint64   `json:"id"`
	ContainerID    uint64   `json:"containerId"`
	EnabledModules []string `json:"enabledModules"`
	Players        []uint64 `json:"players"`
	EntityCount    int      `json:"entityCount"`
	CurrentTick    uint64   `json:"currentTick"`
	Finished       bool     `json:"finished"`
}

func (m *Match) state() MatchState {
	return MatchState{
		ID:             m.ID,
		ContainerID:    m.ContainerID,
		EnabledModules: append([]string(nil), m.EnabledModules...),
		Players:        m.PlayerIDs(),
		EntityCount:    len(m.entities),
		CurrentTick:    m.CurrentTick,
		Finished:       m.Finished,
	}
}
