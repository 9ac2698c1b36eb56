package auth

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/simforge/simforge/pkg/apierrors"
)

// Store persists the auth model. Implementations must be safe for
// concurrent use; the memory store backs tests and single-node setups,
// document stores back deployments (see pkg/state).
type Store interface {
	CreateUser(u *User) error
	UserByID(id uuid.UUID) (*User, error)
	UserByName(username string) (*User, error)
	UpdateUser(u *User) error

	CreateRole(r *Role) error
	RoleByID(id uuid.UUID) (*Role, error)
	RoleByName(name string) (*Role, error)
	UpdateRole(r *Role) error
	Roles() ([]*Role, error)

	CreateApiToken(t *ApiToken) error
	ApiTokenByHash(hash string) (*ApiToken, error)
	UpdateApiToken(t *ApiToken) error

	CreateMatchToken(t *MatchToken) error
	MatchTokenByID(id uuid.UUID) (*MatchToken, error)
	UpdateMatchToken(t *MatchToken) error
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[uuid.UUID]*User
	usersByName map[string]uuid.UUID
	roles       map[uuid.UUID]*Role
	rolesByName map[string]uuid.UUID
	apiTokens   map[uuid.UUID]*ApiToken
	byHash      map[string]uuid.UUID
	matchTokens map[uuid.UUID]*MatchToken
}

// NewMemoryStore creates an empty in-memory auth store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[uuid.UUID]*User),
		usersByName: make(map[string]uuid.UUID),
		roles:       make(map[uuid.UUID]*Role),
		rolesByName: make(map[string]uuid.UUID),
		apiTokens:   make(map[uuid.UUID]*ApiToken),
		byHash:      make(map[string]uuid.UUID),
		matchTokens: make(map[uuid.UUID]*MatchToken),
	}
}

func normalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (s *MemoryStore) CreateUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := normalizeUsername(u.Username)
	if _, ok := s.usersByName[key]; ok {
		return apierrors.Conflict("user %s already exists", u.Username)
	}
	cp := *u
	s.users[u.ID] = &cp
	s.usersByName[key] = u.ID
	return nil
}

func (s *MemoryStore) UserByID(id uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apierrors.NotFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) UserByName(username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByName[normalizeUsername(username)]
	if !ok {
		return nil, apierrors.NotFound("user", username)
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateUser(u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.users[u.ID]
	if !ok {
		return apierrors.NotFound("user", u.ID)
	}
	if old.Username != u.Username {
		delete(s.usersByName, normalizeUsername(old.Username))
		s.usersByName[normalizeUsername(u.Username)] = u.ID
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateRole(r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rolesByName[r.Name]; ok {
		return apierrors.Conflict("role %s already exists", r.Name)
	}
	cp := *r
	s.roles[r.ID] = &cp
	s.rolesByName[r.Name] = r.ID
	return nil
}

func (s *MemoryStore) RoleByID(id uuid.UUID) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[id]
	if !ok {
		return nil, apierrors.NotFound("role", id)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) RoleByName(name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.rolesByName[name]
	if !ok {
		return nil, apierrors.NotFound("role", name)
	}
	cp := *s.roles[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateRole(r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.roles[r.ID]
	if !ok {
		return apierrors.NotFound("role", r.ID)
	}
	if old.Name != r.Name {
		if _, taken := s.rolesByName[r.Name]; taken {
			return apierrors.Conflict("role %s already exists", r.Name)
		}
		delete(s.rolesByName, old.Name)
		s.rolesByName[r.Name] = r.ID
	}
	cp := *r
	s.roles[r.ID] = &cp
	return nil
}

func (s *MemoryStore) Roles() ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles))
	for _, r := range s.roles {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CreateApiToken(t *ApiToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.apiTokens[t.ID] = &cp
	s.byHash[t.TokenHash] = t.ID
	return nil
}

func (s *MemoryStore) ApiTokenByHash(hash string) (*ApiToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, apierrors.NotFound("api token", "by hash")
	}
	cp := *s.apiTokens[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateApiToken(t *ApiToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiTokens[t.ID]; !ok {
		return apierrors.NotFound("api token", t.ID)
	}
	cp := *t
	s.apiTokens[t.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateMatchToken(t *MatchToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.matchTokens[t.ID] = &cp
	return nil
}

func (s *MemoryStore) MatchTokenByID(id uuid.UUID) (*MatchToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.matchTokens[id]
	if !ok {
		return nil, apierrors.NotFound("match token", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateMatchToken(t *MatchToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matchTokens[t.ID]; !ok {
		return apierrors.NotFound("match token", t.ID)
	}
	cp := *t
	s.matchTokens[t.ID] = &cp
	return nil
}
