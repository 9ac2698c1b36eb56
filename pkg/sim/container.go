// Package sim implements the container runtime: the bounded execution
// environment that hosts matches, drains player commands, runs module
// systems over the component store, and emits snapshots.
//
// Concurrency model: each container owns one executor goroutine that is
// the sole writer to its component store, module set, and match table.
// Other goroutines interact through mailboxes — the command queue, the
// control channel, and snapshot subscriptions.
package sim

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/ecs"
)

// Status is a container lifecycle state.
type Status string

const (
	StatusCreated Status = "CREATED"
	StatusRunning Status = "RUNNING"
	StatusPaused  Status = "PAUSED"
	StatusStopped Status = "STOPPED"
	StatusDeleted Status = "DELETED"
)

// DefaultAutoAdvanceInterval applies when play is requested without an
// explicit interval.
const DefaultAutoAdvanceInterval = 10 * time.Millisecond

// Options bound a container's resources.
type Options struct {
	MaxEntities       int
	QueueCapacity     int
	TickCommandBudget int
	HistorySize       int
	StopTimeout       time.Duration
	SessionExpiry     time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxEntities <= 0 {
		o.MaxEntities = 100000
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 1024
	}
	if o.TickCommandBudget <= 0 {
		o.TickCommandBudget = 256
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 256
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.SessionExpiry <= 0 {
		o.SessionExpiry = 24 * time.Hour
	}
}

// ContainerState is the serializable container view.
type ContainerState struct {
	ID               uint64     `json:"id"`
	Name             string     `json:"name"`
	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	StoppedAt        *time.Time `json:"stoppedAt,omitempty"`
	MaxEntities      int        `json:"maxEntities"`
	InstalledModules []string   `json:"installedModules"`
	Matches          []uint64   `json:"matches"`
	CurrentTick      uint64     `json:"currentTick"`
	AutoAdvanceMs    int64      `json:"autoAdvanceMs"` // 0 = off
}

// Container hosts matches on a discrete tick clock.
type Container struct {
	ID        uint64
	Name      string
	CreatedAt time.Time

	opts   Options
	rt     *ecs.Runtime
	logger *slog.Logger

	status atomic.Value // Status
	tick   atomic.Uint64

	store    *ecs.Store
	set      *ecs.ModuleSet
	queue    *commandQueue
	sessions *sessionManager
	bcast    *broadcaster

	// Executor-owned state below. Touched only on the run goroutine.
	startedAt   *time.Time
	stoppedAt   *time.Time
	matches     map[uint64]*Match
	entityOwner map[Entity]uint64 // entity → match id
	nextMatchID uint64
	entityCount int
	destroyQ    map[Entity]struct{}
	autoEvery   time.Duration
	ticker      *time.Ticker
	players     map[uint64]*Player
	nextPlayer  uint64

	nextEntity atomic.Uint64

	ctrl      chan ctrlReq
	done      chan struct{}
	forceStop atomic.Bool

	// onChange, when set, receives the container state after every
	// lifecycle or match mutation. Used for write-through persistence.
	onChange func(ContainerState)
}

type ctrlReq struct {
	fn    func() error
	reply chan error
}

// NewContainer creates a container in CREATED and starts its executor
// goroutine. The runtime context supplies the module catalog and the
// component id generator.
func NewContainer(id uint64, name string, rt *ecs.Runtime, opts Options, logger *slog.Logger) *Container {
	opts.withDefaults()
	c := &Container{
		ID:          id,
		Name:        name,
		CreatedAt:   time.Now(),
		opts:        opts,
		rt:          rt,
		logger:      logger.With("container_id", id, "container", name),
		store:       ecs.NewStore(),
		queue:       newCommandQueue(opts.QueueCapacity),
		sessions:    newSessionManager(),
		bcast:       newBroadcaster(),
		matches:     make(map[uint64]*Match),
		entityOwner: make(map[Entity]uint64),
		destroyQ:    make(map[Entity]struct{}),
		players:     make(map[uint64]*Player),
		ctrl:        make(chan ctrlReq),
		done:        make(chan struct{}),
	}
	c.set = ecs.NewModuleSet(rt)
	c.status.Store(StatusCreated)
	go c.run()
	return c
}

// Status returns the current lifecycle state without blocking.
func (c *Container) Status() Status { return c.status.Load().(Status) }

// CurrentTick returns the tick counter. Monotonically non-decreasing.
func (c *Container) CurrentTick() uint64 { return c.tick.Load() }

// QueueLen returns the number of pending commands.
func (c *Container) QueueLen() int { return c.queue.Len() }

func (c *Container) run() {
	for {
		var tickC <-chan time.Time
		if c.ticker != nil {
			tickC = c.ticker.C
		}
		select {
		case req := <-c.ctrl:
			req.reply <- req.fn()
			if c.Status() == StatusDeleted {
				return
			}
		case <-tickC:
			if c.forceStop.Load() {
				c.ticker.Stop()
				c.ticker = nil
				continue
			}
			if c.Status() == StatusRunning {
				if err := c.doTick(); err != nil {
					c.logger.Error("auto tick failed", "error", err)
				}
			}
		}
	}
}

// do runs fn on the executor goroutine and waits for it.
func (c *Container) do(fn func() error) error {
	req := ctrlReq{fn: fn, reply: make(chan error, 1)}
	select {
	case c.ctrl <- req:
	case <-c.done:
		return apierrors.InvalidState("container %s is deleted", c.Name)
	}
	// The executor always replies to an accepted request, even while
	// processing its own deletion.
	return <-req.reply
}

// doWait is do with a deadline; used by Stop to bound the wait on a tick
// in progress.
func (c *Container) doWait(fn func() error, timeout time.Duration) error {
	req := ctrlReq{fn: fn, reply: make(chan error, 1)}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c.ctrl <- req:
	case <-c.done:
		return apierrors.InvalidState("container %s is deleted", c.Name)
	case <-timer.C:
		return apierrors.New(apierrors.KindTimeout, "container %s did not accept stop in %v", c.Name, timeout)
	}
	select {
	case err := <-req.reply:
		return err
	case <-timer.C:
		return apierrors.New(apierrors.KindTimeout, "container %s stop timed out after %v", c.Name, timeout)
	}
}

func (c *Container) setStatus(s Status) {
	c.status.Store(s)
}

func (c *Container) notifyChange() {
	if c.onChange != nil {
		c.onChange(c.stateLocked())
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────

// Start transitions CREATED → RUNNING.
func (c *Container) Start() error {
	return c.do(func() error {
		if c.Status() != StatusCreated {
			return apierrors.InvalidState("cannot start container in %s", c.Status())
		}
		now := time.Now()
		c.startedAt = &now
		c.setStatus(StatusRunning)
		c.logger.Info("container started")
		c.notifyChange()
		return nil
	})
}

// Pause transitions RUNNING → PAUSED. The auto-advance ticker, if any,
// keeps its interval but stops firing until resume.
func (c *Container) Pause() error {
	return c.do(func() error {
		if c.Status() != StatusRunning {
			return apierrors.InvalidState("cannot pause container in %s", c.Status())
		}
		c.setStatus(StatusPaused)
		c.logger.Info("container paused")
		c.notifyChange()
		return nil
	})
}

// Resume transitions PAUSED → RUNNING. Resuming a RUNNING container is a
// no-op.
func (c *Container) Resume() error {
	return c.do(func() error {
		switch c.Status() {
		case StatusPaused:
			c.setStatus(StatusRunning)
			c.logger.Info("container resumed")
			c.notifyChange()
			return nil
		case StatusRunning:
			return nil
		default:
			return apierrors.InvalidState("cannot resume container in %s", c.Status())
		}
	})
}

// Stop transitions RUNNING → STOPPED, waiting for the tick in progress up
// to the configured stop timeout. On timeout the container is force-marked
// STOPPED; the executor notices at its next scheduling point.
func (c *Container) Stop() error {
	err := c.doWait(func() error {
		if c.Status() != StatusRunning {
			return apierrors.InvalidState("cannot stop container in %s", c.Status())
		}
		c.stopLocked()
		return nil
	}, c.opts.StopTimeout)
	if apierrors.KindOf(err) == apierrors.KindTimeout {
		c.logger.Warn("stop timed out, force-stopping", "timeout", c.opts.StopTimeout)
		c.forceStop.Store(true)
		c.setStatus(StatusStopped)
		return nil
	}
	return err
}

func (c *Container) stopLocked() {
	now := time.Now()
	c.stoppedAt = &now
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.autoEvery = 0
	c.setStatus(StatusStopped)
	c.logger.Info("container stopped")
	c.notifyChange()
}

// Delete transitions CREATED or STOPPED → DELETED and terminates the
// executor goroutine. Deletion is terminal.
func (c *Container) Delete() error {
	return c.do(func() error {
		switch c.Status() {
		case StatusCreated, StatusStopped:
		default:
			return apierrors.InvalidState("cannot delete container in %s", c.Status())
		}
		if c.ticker != nil {
			c.ticker.Stop()
			c.ticker = nil
		}
		for id := range c.matches {
			c.bcast.dropMatch(id)
		}
		c.setStatus(StatusDeleted)
		close(c.done)
		c.logger.Info("container deleted")
		c.notifyChange()
		return nil
	})
}

// ── Tick control ──────────────────────────────────────────────────

// Tick advances the simulation by one step. Legal only in RUNNING,
// regardless of auto-advance.
func (c *Container) Tick() error {
	return c.do(func() error {
		if c.Status() != StatusRunning {
			return apierrors.InvalidState("cannot tick container in %s", c.Status())
		}
		return c.doTick()
	})
}

// Play starts (or retunes) the auto-advance ticker. An interval of zero
// selects the default. Legal in RUNNING and PAUSED; while PAUSED the
// ticker does not fire until resume.
func (c *Container) Play(interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultAutoAdvanceInterval
	}
	return c.do(func() error {
		switch c.Status() {
		case StatusRunning, StatusPaused:
		default:
			return apierrors.InvalidState("cannot play container in %s", c.Status())
		}
		if c.ticker != nil {
			c.ticker.Stop()
		}
		c.ticker = time.NewTicker(interval)
		c.autoEvery = interval
		c.logger.Info("auto-advance started", "interval", interval)
		return nil
	})
}

// StopAuto halts the auto-advance ticker.
func (c *Container) StopAuto() error {
	return c.do(func() error {
		if c.ticker != nil {
			c.ticker.Stop()
			c.ticker = nil
		}
		c.autoEvery = 0
		c.logger.Info("auto-advance stopped")
		return nil
	})
}

// doTick runs one tick on the executor goroutine:
// command drain, systems, cleanup sweep, tick increment, broadcast.
func (c *Container) doTick() (err error) {
	// 1. Drain commands up to the per-tick budget. Executor failures are
	// captured per command and routed to the submitter; they never abort
	// the tick.
	for _, cmd := range c.queue.drain(c.opts.TickCommandBudget) {
		c.executeCommand(cmd)
	}

	// 2. Systems, in module registration order then system registration
	// order. A system panic aborts the tick; the container stays RUNNING
	// and the counter advances on the next call.
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("system panic aborted tick",
				"tick", c.tick.Load(), "panic", r, "stack", string(debug.Stack()))
			err = apierrors.Internal("system panic: %v", r)
		}
	}()
	for _, mod := range c.set.Modules() {
		view := ecs.NewView(c.store, c.set, mod, ecs.ViewHooks{
			Owns:    c.entityActive,
			Destroy: c.queueDestroy,
		})
		for _, system := range mod.Systems {
			if sysErr := system(view); sysErr != nil {
				c.logger.Warn("system error", "module", mod.Name, "error", sysErr)
			}
		}
	}

	// 3. Cleanup sweep.
	for e := range c.destroyQ {
		c.store.RemoveEntity(e)
		if matchID, ok := c.entityOwner[e]; ok {
			if m, ok := c.matches[matchID]; ok {
				m.removeEntity(e)
			}
			delete(c.entityOwner, e)
		}
		c.entityCount--
		delete(c.destroyQ, e)
	}

	// 4. Advance the clock.
	tick := c.tick.Add(1)
	for _, m := range c.matches {
		if !m.Finished && !m.deleted {
			m.CurrentTick = tick
		}
	}

	// 5. Push snapshots to subscribed matches.
	for id, m := range c.matches {
		if m.deleted || !c.bcast.hasSubscribers(id) {
			continue
		}
		c.bcast.publish(captureSnapshot(m, c.set, c.store, tick, true))
	}
	return nil
}

func (c *Container) executeCommand(cmd QueuedCommand) {
	m, ok := c.matches[cmd.MatchID]
	if !ok || m.deleted {
		c.sessions.report(CommandError{
			MatchID: cmd.MatchID, PlayerID: cmd.PlayerID, Command: cmd.Name,
			Tick: c.tick.Load(), Kind: string(apierrors.KindNotFound),
			Message: fmt.Sprintf("match %d not found", cmd.MatchID),
		})
		return
	}
	if m.Finished {
		c.reportCommandError(cmd, apierrors.InvalidState("match %d is finished", m.ID))
		return
	}

	mod, def, err := c.set.Command(cmd.Name)
	if err != nil {
		c.reportCommandError(cmd, err)
		return
	}
	if err := ecs.ValidatePayload(def.Schema, cmd.Payload); err != nil {
		c.reportCommandError(cmd, err)
		return
	}

	view := ecs.NewView(c.store, c.set, mod, ecs.ViewHooks{
		Spawn:   func() (Entity, error) { return c.spawnEntity(m) },
		Owns:    m.owns,
		Destroy: c.queueDestroy,
	})

	// A panicking executor is isolated to its command.
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("command executor panic",
					"command", cmd.Name, "match_id", m.ID, "panic", r)
				c.reportCommandError(cmd, apierrors.Internal("command panic: %v", r))
			}
		}()
		if execErr := def.Execute(view, cmd.Payload); execErr != nil {
			c.reportCommandError(cmd, execErr)
		}
	}()
}

func (c *Container) reportCommandError(cmd QueuedCommand, err error) {
	apiErr := apierrors.AsError(err)
	c.sessions.report(CommandError{
		MatchID:  cmd.MatchID,
		PlayerID: cmd.PlayerID,
		Command:  cmd.Name,
		Tick:     c.tick.Load(),
		Kind:     string(apiErr.Kind),
		Message:  apiErr.Message,
	})
}

func (c *Container) spawnEntity(m *Match) (Entity, error) {
	if c.entityCount >= c.opts.MaxEntities {
		return 0, apierrors.Validation("container %s entity limit %d reached", c.Name, c.opts.MaxEntities)
	}
	e := Entity(c.nextEntity.Add(1))
	c.entityCount++
	m.addEntity(e)
	c.entityOwner[e] = m.ID
	return e, nil
}

func (c *Container) queueDestroy(e Entity) {
	c.destroyQ[e] = struct{}{}
}

// entityActive is the system-view ownership predicate: entities of
// finished or deleted matches are invisible to systems, which is how a
// finished match is skipped while its snapshots stay readable.
func (c *Container) entityActive(e Entity) bool {
	matchID, ok := c.entityOwner[e]
	if !ok {
		return true
	}
	m, ok := c.matches[matchID]
	if !ok {
		return false
	}
	return !m.Finished && !m.deleted
}
