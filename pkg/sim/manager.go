package sim

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/simforge/simforge/pkg/apierrors"
	"github.com/simforge/simforge/pkg/ecs"
)

// ManagerOptions bound a node's container fleet.
type ManagerOptions struct {
	MaxContainers int
	Container     Options
}

func (o *ManagerOptions) withDefaults() {
	if o.MaxContainers <= 0 {
		o.MaxContainers = 32
	}
}

// Manager owns the containers hosted by one node. Names are unique among
// live containers; deleted names are free for reuse.
type Manager struct {
	rt     *ecs.Runtime
	opts   ManagerOptions
	logger *slog.Logger

	// onChange, when set, is installed on every new container for
	// write-through persistence.
	onChange func(ContainerState)

	mu         sync.RWMutex
	containers map[uint64]*Container
	byName     map[string]*Container
	nextID     uint64
}

// NewManager creates an empty container manager bound to the process
// runtime.
func NewManager(rt *ecs.Runtime, opts ManagerOptions, logger *slog.Logger) *Manager {
	opts.withDefaults()
	return &Manager{
		rt:         rt,
		opts:       opts,
		logger:     logger,
		containers: make(map[uint64]*Container),
		byName:     make(map[string]*Container),
	}
}

// SetOnChange installs the persistence hook applied to containers created
// afterwards.
func (m *Manager) SetOnChange(fn func(ContainerState)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Create allocates a container in CREATED, optionally pre-installing
// modules and starting it. A duplicate live name is a CONFLICT; the node
// container quota is enforced here.
func (m *Manager) Create(name string, modules []string, autoStart bool) (*Container, error) {
	if name == "" {
		return nil, apierrors.Validation("container name must not be empty")
	}

	m.mu.Lock()
	if _, ok := m.byName[name]; ok {
		m.mu.Unlock()
		return nil, apierrors.Conflict("container %s already exists", name)
	}
	if len(m.containers) >= m.opts.MaxContainers {
		m.mu.Unlock()
		return nil, apierrors.Validation("node container limit %d reached", m.opts.MaxContainers)
	}
	m.nextID++
	id := m.nextID
	c := NewContainer(id, name, m.rt, m.opts.Container, m.logger)
	m.containers[id] = c
	m.byName[name] = c
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		c.SetOnChange(onChange)
	}
	if len(modules) > 0 {
		if err := c.InstallModules(modules...); err != nil {
			m.remove(c)
			c.Delete()
			return nil, err
		}
	}
	if autoStart {
		if err := c.Start(); err != nil {
			m.remove(c)
			c.Delete()
			return nil, err
		}
	}
	m.logger.Info("container created", "container_id", id, "container", name, "auto_start", autoStart)
	return c, nil
}

// Get returns a container by id.
func (m *Manager) Get(id uint64) (*Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, apierrors.NotFound("container", id)
	}
	return c, nil
}

// GetByName returns a live container by name.
func (m *Manager) GetByName(name string) (*Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byName[name]
	if !ok {
		return nil, apierrors.NotFound("container", name)
	}
	return c, nil
}

// List returns the states of all live containers, ordered by id.
func (m *Manager) List() []ContainerState {
	m.mu.RLock()
	containers := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		containers = append(containers, c)
	}
	m.mu.RUnlock()

	sort.Slice(containers, func(i, j int) bool { return containers[i].ID < containers[j].ID })
	out := make([]ContainerState, 0, len(containers))
	for _, c := range containers {
		out = append(out, c.State())
	}
	return out
}

// Count returns the number of live containers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.containers)
}

// Delete tears a container down. Deletion is only legal from CREATED or
// STOPPED; RUNNING and PAUSED containers are an INVALID_STATE error and
// must be stopped explicitly first.
func (m *Manager) Delete(id uint64) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := c.Delete(); err != nil {
		return err
	}
	m.remove(c)
	m.logger.Info("container deleted", "container_id", id, "container", c.Name)
	return nil
}

// Shutdown stops and deletes every container. Used by node drain and
// process exit; unlike Delete it takes running containers down itself.
func (m *Manager) Shutdown() {
	for _, cs := range m.List() {
		c, err := m.Get(cs.ID)
		if err != nil {
			continue
		}
		if c.Status() == StatusPaused {
			if err := c.Resume(); err != nil {
				m.logger.Warn("container shutdown failed", "container_id", cs.ID, "error", err)
				continue
			}
		}
		if c.Status() == StatusRunning {
			if err := c.Stop(); err != nil {
				m.logger.Warn("container shutdown failed", "container_id", cs.ID, "error", err)
				continue
			}
		}
		if err := m.Delete(cs.ID); err != nil {
			m.logger.Warn("container shutdown failed", "container_id", cs.ID, "error", err)
		}
	}
}

func (m *Manager) remove(c *Container) {
	m.mu.Lock()
	delete(m.containers, c.ID)
	if m.byName[c.Name] == c {
		delete(m.byName, c.Name)
	}
	m.mu.Unlock()
}
