package sim

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simforge/simforge/pkg/apierrors"
)

// Match-scoped session scopes. Issued by default when a player joins;
// overridable at session creation.
const (
	ScopeSubmitCommands = "submit_commands"
	ScopeViewSnapshots  = "view_snapshots"
	ScopeReceiveErrors  = "receive_errors"
)

// DefaultSessionScopes returns the default scope set for a new session.
func DefaultSessionScopes() []string {
	return []string{ScopeSubmitCommands, ScopeViewSnapshots, ScopeReceiveErrors}
}

// Session ties a player to a match with credentials. Expiry enforcement
// lives in the auth core; the session records the window.
type Session struct {
	ID          uuid.UUID  `json:"id"`
	PlayerID    uint64     `json:"playerId"`
	MatchID     uint64     `json:"matchId"`
	ContainerID uint64     `json:"containerId"`
	Scopes      []string   `json:"scopes"`
	IssuedAt    time.Time  `json:"issuedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
}

// Active reports whether the session is neither revoked nor expired.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// HasScope reports whether the session carries the exact scope.
func (s *Session) HasScope(scope string) bool {
	for _, sc := range s.Scopes {
		if sc == scope {
			return true
		}
	}
	return false
}

const sessionErrorBuffer = 64

// sessionManager tracks sessions for one container and fans executor
// errors out to the submitting player's error channel. Channels are
// bounded; when a consumer lags, the oldest error is dropped.
type sessionManager struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	errs     map[uint64]chan CommandError // player id → error channel
}

func newSessionManager() *sessionManager {
	return &sessionManager{
		sessions: make(map[uuid.UUID]*Session),
		errs:     make(map[uint64]chan CommandError),
	}
}

func (sm *sessionManager) create(playerID, matchID, containerID uint64, scopes []string, expiry time.Duration) *Session {
	if len(scopes) == 0 {
		scopes = DefaultSessionScopes()
	}
	now := time.Now()
	s := &Session{
		ID:          uuid.New(),
		PlayerID:    playerID,
		MatchID:     matchID,
		ContainerID: containerID,
		Scopes:      scopes,
		IssuedAt:    now,
		ExpiresAt:   now.Add(expiry),
	}
	sm.mu.Lock()
	sm.sessions[s.ID] = s
	if _, ok := sm.errs[playerID]; !ok {
		sm.errs[playerID] = make(chan CommandError, sessionErrorBuffer)
	}
	sm.mu.Unlock()
	return s
}

func (sm *sessionManager) get(id uuid.UUID) (*Session, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, apierrors.NotFound("session", id)
	}
	return s, nil
}

func (sm *sessionManager) revoke(id uuid.UUID) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok {
		return apierrors.NotFound("session", id)
	}
	now := time.Now()
	s.RevokedAt = &now
	return nil
}

// errors returns the player's error channel, creating it on first use.
func (sm *sessionManager) errors(playerID uint64) <-chan CommandError {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ch, ok := sm.errs[playerID]
	if !ok {
		ch = make(chan CommandError, sessionErrorBuffer)
		sm.errs[playerID] = ch
	}
	return ch
}

// report delivers an executor error, dropping the oldest entry when the
// consumer is behind.
func (sm *sessionManager) report(e CommandError) {
	sm.mu.RLock()
	ch, ok := sm.errs[e.PlayerID]
	sm.mu.RUnlock()
	if !ok {
		return
	}
	for {
		select {
		case ch <- e:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
