package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/recall/internal/reliability"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrEnded        = errors.New("session ended")
	ErrTurnInFlight = errors.New("a turn is already in flight for this session")
)

type Session struct {
	ID             string        `json:"session_id"`
	UserID         string        `json:"user_id"`
	Status         Status        `json:"status"`
	Config         BackendConfig `json:"config"`
	Generation     uint64        `json:"generation"`
	Transcript     []Turn        `json:"transcript"`
	ActiveTurnID   string        `json:"active_turn_id"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
}

type entry struct {
	s          Session
	bindings   *Bindings
	cancelTurn context.CancelFunc
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	binder            Binder
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(binder Binder, inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		binder:            binder,
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Connect validates cfg, binds its backends and opens a session for userID.
func (m *Manager) Connect(ctx context.Context, userID string, cfg BackendConfig) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, reliability.InvalidConfig("user id is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := m.binder(ctx, cfg)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &entry{
		s: Session{
			ID:             uuid.NewString(),
			UserID:         userID,
			Status:         StatusActive,
			Config:         cfg,
			Generation:     1,
			StartedAt:      now,
			LastActivityAt: now,
		},
		bindings: b,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[e.s.ID] = e
	return clone(&e.s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(&e.s), nil
}

// Bindings returns the live backend handle of an active session.
func (m *Manager) Bindings(sessionID string) (*Bindings, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.activeLocked(sessionID)
	if err != nil {
		return nil, "", err
	}
	return e.bindings, e.s.UserID, nil
}

// SwitchUser rebinds the session to another user: the in-flight turn is canceled, the
// backend handle is rebuilt and the transcript starts empty.
func (m *Manager) SwitchUser(ctx context.Context, sessionID, userID string) (*Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, reliability.InvalidConfig("user id is required")
	}
	cfg, err := m.configOf(sessionID)
	if err != nil {
		return nil, err
	}
	b, err := m.binder(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	e, err := m.activeLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		_ = b.Close()
		return nil, err
	}
	old := m.resetLocked(e, b)
	e.s.UserID = userID
	e.s.Transcript = nil
	snapshot := clone(&e.s)
	m.mu.Unlock()

	closeBindings(old)
	return snapshot, nil
}

// Rebind applies a new backend configuration and cancels any in-flight turn.
func (m *Manager) Rebind(ctx context.Context, sessionID string, cfg BackendConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := m.configOf(sessionID); err != nil {
		return nil, err
	}
	b, err := m.binder(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	e, err := m.activeLocked(sessionID)
	if err != nil {
		m.mu.Unlock()
		_ = b.Close()
		return nil, err
	}
	old := m.resetLocked(e, b)
	e.s.Config = cfg
	snapshot := clone(&e.s)
	m.mu.Unlock()

	closeBindings(old)
	return snapshot, nil
}

// StartTurn reserves the session for one turn. The returned context derives from ctx and
// is also canceled by SwitchUser, Rebind and End.
func (m *Manager) StartTurn(ctx context.Context, sessionID string) (*ActiveTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.activeLocked(sessionID)
	if err != nil {
		return nil, err
	}
	if e.s.ActiveTurnID != "" {
		return nil, ErrTurnInFlight
	}

	turnCtx, cancel := context.WithCancel(ctx)
	e.cancelTurn = cancel
	e.s.ActiveTurnID = uuid.NewString()
	e.s.LastActivityAt = time.Now().UTC()
	return &ActiveTurn{
		ID:         e.s.ActiveTurnID,
		SessionID:  e.s.ID,
		UserID:     e.s.UserID,
		Generation: e.s.Generation,
		Config:     e.s.Config,
		Bindings:   e.bindings,
		Ctx:        turnCtx,
	}, nil
}

// Append adds a transcript entry unless the session moved to a newer generation since
// the turn began. It reports whether the entry was kept.
func (m *Manager) Append(sessionID string, generation uint64, turn Turn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.s.Status != StatusActive || e.s.Generation != generation {
		return false
	}
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	e.s.Transcript = append(e.s.Transcript, turn)
	e.s.LastActivityAt = turn.At
	return true
}

// FinishTurn releases the session for the next turn and returns the transcript.
func (m *Manager) FinishTurn(sessionID, turnID string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	if e.s.ActiveTurnID == turnID {
		e.s.ActiveTurnID = ""
		if e.cancelTurn != nil {
			e.cancelTurn()
			e.cancelTurn = nil
		}
	}
	e.s.LastActivityAt = time.Now().UTC()
	return cloneTranscript(e.s.Transcript)
}

func (m *Manager) ClearTranscript(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.activeLocked(sessionID)
	if err != nil {
		return err
	}
	e.s.Transcript = nil
	e.s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	old := m.endLocked(e, time.Now().UTC())
	snapshot := clone(&e.s)
	m.mu.Unlock()

	closeBindings(old)
	return snapshot, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.s.Status == StatusActive {
			count++
		}
	}
	return count
}

// CloseAll ends every session; used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	var old []*Bindings
	now := time.Now().UTC()
	for _, e := range m.sessions {
		if e.s.Status == StatusActive {
			old = append(old, m.endLocked(e, now))
		}
	}
	m.mu.Unlock()

	for _, b := range old {
		closeBindings(b)
	}
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session
	var old []*Bindings

	m.mu.Lock()
	for _, e := range m.sessions {
		if e.s.Status != StatusActive || e.s.ActiveTurnID != "" {
			continue
		}
		if now.Sub(e.s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		old = append(old, m.endLocked(e, now))
		expired = append(expired, clone(&e.s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, b := range old {
		closeBindings(b)
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) activeLocked(sessionID string) (*entry, error) {
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if e.s.Status != StatusActive {
		return nil, ErrEnded
	}
	return e, nil
}

func (m *Manager) configOf(sessionID string) (BackendConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, err := m.activeLocked(sessionID)
	if err != nil {
		return BackendConfig{}, err
	}
	return e.s.Config, nil
}

// resetLocked cancels the in-flight turn, swaps in b and bumps the generation so late
// writes from the old turn are dropped. It returns the previous bindings.
func (m *Manager) resetLocked(e *entry, b *Bindings) *Bindings {
	if e.cancelTurn != nil {
		e.cancelTurn()
		e.cancelTurn = nil
	}
	old := e.bindings
	e.bindings = b
	e.s.ActiveTurnID = ""
	e.s.Generation++
	e.s.LastActivityAt = time.Now().UTC()
	return old
}

func (m *Manager) endLocked(e *entry, now time.Time) *Bindings {
	if e.cancelTurn != nil {
		e.cancelTurn()
		e.cancelTurn = nil
	}
	old := e.bindings
	e.bindings = nil
	e.s.Status = StatusEnded
	e.s.ActiveTurnID = ""
	e.s.Generation++
	e.s.LastActivityAt = now
	return old
}

func closeBindings(b *Bindings) {
	if err := b.Close(); err != nil {
		log.Printf("session: close backend bindings: %v", err)
	}
}

func clone(s *Session) *Session {
	c := *s
	c.Transcript = cloneTranscript(s.Transcript)
	return &c
}

func cloneTranscript(in []Turn) []Turn {
	if len(in) == 0 {
		return nil
	}
	out := make([]Turn, len(in))
	copy(out, in)
	return out
}
