package sim

import (
	"sort"

	"github.com/google/uuid"

	"github.com/simforge/simforge/pkg/apierrors"
)

// ── Modules ───────────────────────────────────────────────────────

// InstallModules enables modules from the process catalog. Enabling stops
// at the first failure; already-enabled modules are left in place.
func (c *Container) InstallModules(names ...string) error {
	return c.do(func() error {
		for _, name := range names {
			if _, ok := c.set.Module(name); ok {
				continue
			}
			if _, err := c.set.Enable(name); err != nil {
				return err
			}
		}
		c.notifyChange()
		return nil
	})
}

// UninstallModule disables a module and queues component cleanup for every
// entity carrying its flag, processed in the next tick's sweep.
func (c *Container) UninstallModule(name string) error {
	return c.do(func() error {
		mod, err := c.set.Disable(name)
		if err != nil {
			return err
		}
		for e := range c.store.EntitiesWith(mod.Flag) {
			c.queueDestroy(e)
		}
		c.notifyChange()
		return nil
	})
}

// InstalledModules returns the enabled module names in registration order.
func (c *Container) InstalledModules() []string {
	var out []string
	c.do(func() error {
		for _, m := range c.set.Modules() {
			out = append(out, m.Name)
		}
		return nil
	})
	return out
}

// CommandNames lists every command registered by enabled modules.
func (c *Container) CommandNames() []string {
	var out []string
	c.do(func() error {
		out = c.set.CommandNames()
		return nil
	})
	sort.Strings(out)
	return out
}

// ── Matches ───────────────────────────────────────────────────────

// CreateMatch creates a match with the given enabled modules, installing
// any the container does not yet have.
func (c *Container) CreateMatch(moduleNames []string) (MatchState, error) {
	var state MatchState
	err := c.do(func() error {
		if len(moduleNames) == 0 {
			return apierrors.Validation("a match needs at least one enabled module")
		}
		for _, name := range moduleNames {
			if _, ok := c.set.Module(name); ok {
				continue
			}
			if _, err := c.set.Enable(name); err != nil {
				return err
			}
		}
		c.nextMatchID++
		m := newMatch(c.nextMatchID, c.ID, moduleNames, c.opts.HistorySize)
		m.CurrentTick = c.tick.Load()
		c.matches[m.ID] = m
		c.logger.Info("match created", "match_id", m.ID, "modules", moduleNames)
		state = m.state()
		c.notifyChange()
		return nil
	})
	return state, err
}

// Match returns a match's serializable state.
func (c *Container) Match(id uint64) (MatchState, error) {
	var state MatchState
	err := c.do(func() error {
		m, err := c.matchLocked(id)
		if err != nil {
			return err
		}
		state = m.state()
		return nil
	})
	return state, err
}

// Matches lists the container's live matches.
func (c *Container) Matches() []MatchState {
	var out []MatchState
	c.do(func() error {
		for _, m := range c.matches {
			if !m.deleted {
				out = append(out, m.state())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FinishMatch sets the match's terminal flag. Systems skip it and further
// commands are refused, but snapshots stay readable until deletion.
func (c *Container) FinishMatch(id uint64) error {
	return c.do(func() error {
		m, err := c.matchLocked(id)
		if err != nil {
			return err
		}
		m.Finished = true
		c.logger.Info("match finished", "match_id", id)
		c.notifyChange()
		return nil
	})
}

// DeleteMatch marks the match terminal, removes its entities from the
// store, and drops its snapshot subscribers.
func (c *Container) DeleteMatch(id uint64) error {
	return c.do(func() error {
		m, err := c.matchLocked(id)
		if err != nil {
			return err
		}
		m.deleted = true
		for e := range m.entities {
			c.store.RemoveEntity(e)
			delete(c.entityOwner, e)
			delete(c.destroyQ, e)
			c.entityCount--
		}
		delete(c.matches, id)
		c.bcast.dropMatch(id)
		c.logger.Info("match deleted", "match_id", id)
		c.notifyChange()
		return nil
	})
}

func (c *Container) matchLocked(id uint64) (*Match, error) {
	m, ok := c.matches[id]
	if !ok || m.deleted {
		return nil, apierrors.NotFound("match", id)
	}
	return m, nil
}

// ── Players and sessions ──────────────────────────────────────────

// JoinMatch adds a player to a match and opens a session with the given
// scopes (defaults when empty).
func (c *Container) JoinMatch(matchID uint64, playerName string, scopes []string) (*Player, *Session, error) {
	var (
		player  *Player
		session *Session
	)
	err := c.do(func() error {
		m, err := c.matchLocked(matchID)
		if err != nil {
			return err
		}
		if m.Finished {
			return apierrors.InvalidState("match %d is finished", matchID)
		}
		c.nextPlayer++
		player = &Player{ID: c.nextPlayer, Name: playerName}
		c.players[player.ID] = player
		m.players[player.ID] = player
		session = c.sessions.create(player.ID, matchID, c.ID, scopes, c.opts.SessionExpiry)
		c.logger.Info("player joined", "match_id", matchID, "player_id", player.ID, "player", playerName)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return player, session, nil
}

// Session looks up a session by id.
func (c *Container) Session(id uuid.UUID) (*Session, error) {
	return c.sessions.get(id)
}

// RevokeSession revokes a session.
func (c *Container) RevokeSession(id uuid.UUID) error {
	return c.sessions.revoke(id)
}

// Errors returns the player's command-error channel.
func (c *Container) Errors(playerID uint64) <-chan CommandError {
	return c.sessions.errors(playerID)
}

// ── Commands ──────────────────────────────────────────────────────

// Enqueue appends a command for execution on a future tick. Rejects with
// NOT_FOUND for unknown or deleted matches and QUEUE_FULL on overflow.
func (c *Container) Enqueue(cmd QueuedCommand) error {
	if c.Status() == StatusDeleted {
		return apierrors.NotFound("container", c.ID)
	}
	if err := c.do(func() error {
		_, err := c.matchLocked(cmd.MatchID)
		return err
	}); err != nil {
		return err
	}
	return c.queue.Enqueue(cmd)
}

// ── Snapshots ─────────────────────────────────────────────────────

// Snapshot captures the match's current state. With playerID > 0 the
// capture is filtered: OWNER components are omitted alongside PRIVATE.
func (c *Container) Snapshot(matchID uint64, playerID uint64) (*Snapshot, error) {
	var snap *Snapshot
	err := c.do(func() error {
		m, err := c.matchLocked(matchID)
		if err != nil {
			return err
		}
		snap = captureSnapshot(m, c.set, c.store, c.tick.Load(), playerID > 0)
		return nil
	})
	return snap, err
}

// RecordSnapshot captures the match and pushes it into its history ring.
func (c *Container) RecordSnapshot(matchID uint64) (*Snapshot, error) {
	var snap *Snapshot
	err := c.do(func() error {
		m, err := c.matchLocked(matchID)
		if err != nil {
			return err
		}
		snap = captureSnapshot(m, c.set, c.store, c.tick.Load(), false)
		m.history.push(snap)
		return nil
	})
	return snap, err
}

// HistoryInfo describes the match's snapshot ring.
func (c *Container) HistoryInfo(matchID uint64) (HistoryInfo, error) {
	var info HistoryInfo
	err := c.do(func() error {
		m, err := c.matchLocked(matchID)
		if err != nil {
			return err
		}
		info = HistoryInfo{Count: m.history.count, CurrentTick: c.tick.Load()}
		if oldest := m.history.oldest(); oldest != nil {
			info.OldestTick = oldest.Tick
		}
		if newest := m.history.newest(); newest != nil {
			info.NewestTick = newest.Tick
		}
		return nil
	})
	return info, err
}

// Delta computes the change between two recorded ticks. toTick of zero
// selects the newest recording. Both endpoints must be present in the
// ring; otherwise MISSING_HISTORY.
func (c *Container) Delta(matchID, fromTick, toTick uint64) (*Delta, error) {
	var delta *Delta
	err := c.do(func() error {
		m, err := c.matchLocked(matchID)
		if err != nil {
			return err
		}
		from, ok := m.history.at(fromTick)
		if !ok {
			return apierrors.New(apierrors.KindMissingHistory, "tick %d is not in history", fromTick)
		}
		var to *Snapshot
		if toTick == 0 {
			if to = m.history.newest(); to == nil {
				return apierrors.New(apierrors.KindMissingHistory, "no recorded snapshots")
			}
		} else if to, ok = m.history.at(toTick); !ok {
			return apierrors.New(apierrors.KindMissingHistory, "tick %d is not in history", toTick)
		}
		if to.Tick < from.Tick {
			return apierrors.Validation("delta range %d..%d is inverted", from.Tick, to.Tick)
		}
		delta = computeDelta(from, to)
		return nil
	})
	return delta, err
}

// ClearHistory empties the match's snapshot ring.
func (c *Container) ClearHistory(matchID uint64) error {
	return c.do(func() error {
		m, err := c.matchLocked(matchID)
		if err != nil {
			return err
		}
		m.history.clear()
		return nil
	})
}

// SnapshotAt returns a recorded snapshot by tick.
func (c *Container) SnapshotAt(matchID, tick uint64) (*Snapshot, error) {
	var snap *Snapshot
	err := c.do(func() error {
		m, err := c.matchLocked(matchID)
		if err != nil {
			return err
		}
		s, ok := m.history.at(tick)
		if !ok {
			return apierrors.New(apierrors.KindMissingHistory, "tick %d is not in history", tick)
		}
		snap = s
		return nil
	})
	return snap, err
}

// Subscribe attaches a push-snapshot consumer to a match.
func (c *Container) Subscribe(matchID uint64) (*Subscription, error) {
	if err := c.do(func() error {
		_, err := c.matchLocked(matchID)
		return err
	}); err != nil {
		return nil, err
	}
	return c.bcast.subscribe(matchID), nil
}

// Unsubscribe detaches a push-snapshot consumer.
func (c *Container) Unsubscribe(sub *Subscription) {
	c.bcast.unsubscribe(sub)
}

// ── State ─────────────────────────────────────────────────────────

// State returns the container's serializable view.
func (c *Container) State() ContainerState {
	var state ContainerState
	if err := c.do(func() error {
		state = c.stateLocked()
		return nil
	}); err != nil {
		// Deleted container: synthesize a terminal view.
		state = ContainerState{
			ID: c.ID, Name: c.Name, Status: StatusDeleted,
			CreatedAt: c.CreatedAt, CurrentTick: c.tick.Load(),
		}
	}
	return state
}

func (c *Container) stateLocked() ContainerState {
	installed := make([]string, 0, len(c.set.Modules()))
	for _, m := range c.set.Modules() {
		installed = append(installed, m.Name)
	}
	matches := make([]uint64, 0, len(c.matches))
	for id := range c.matches {
		matches = append(matches, id)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] < matches[j] })

	state := ContainerState{
		ID:               c.ID,
		Name:             c.Name,
		Status:           c.Status(),
		CreatedAt:        c.CreatedAt,
		MaxEntities:      c.opts.MaxEntities,
		InstalledModules: installed,
		Matches:          matches,
		CurrentTick:      c.tick.Load(),
		AutoAdvanceMs:    c.autoEvery.Milliseconds(),
	}
	if c.startedAt != nil {
		t := *c.startedAt
		state.StartedAt = &t
	}
	if c.stoppedAt != nil {
		t := *c.stoppedAt
		state.StoppedAt = &t
	}
	return state
}

// SetOnChange registers a write-through persistence hook invoked after
// lifecycle and match mutations, on the executor goroutine.
func (c *Container) SetOnChange(fn func(ContainerState)) {
	c.do(func() error {
		c.onChange = fn
		return nil
	})
}
