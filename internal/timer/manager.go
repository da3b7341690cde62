// Package timer implements the Timer Manager (C5): short-duration cooldown timers with
// auto-release, independent of lockouts. The Manager itself never closes a position; while
// any cooldown is active, the Pre-Trade Gate treats new positions and orders as it does
// under a lockout and closes or cancels them.
package timer

import (
	"sync"
	"time"

	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/store"

	"github.com/rs/zerolog/log"
)

type key struct {
	account riskmodel.AccountId
	tag     string
}

// Manager holds active cooldown timers for one engine process.
type Manager struct {
	mu       sync.RWMutex
	store    *store.Store
	byKey    map[key]riskmodel.Timer
	hydrated map[riskmodel.AccountId]bool
}

// New constructs a Manager backed by s.
func New(s *store.Store) *Manager {
	return &Manager{store: s, byKey: make(map[key]riskmodel.Timer), hydrated: make(map[riskmodel.AccountId]bool)}
}

// Hydrate restores active timers for the given accounts from the store.
func (m *Manager) Hydrate(accounts []riskmodel.AccountId) error {
	for _, acc := range accounts {
		if err := m.EnsureHydrated(acc); err != nil {
			return err
		}
	}
	return nil
}

// EnsureHydrated restores accountID's active timers from the store the first time it is
// seen; subsequent calls are no-ops.
func (m *Manager) EnsureHydrated(accountID riskmodel.AccountId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hydrated[accountID] {
		return nil
	}
	rows, err := m.store.ListTimers(accountID)
	if err != nil {
		return err
	}
	for _, t := range rows {
		m.byKey[key{t.AccountID, t.Tag}] = t
	}
	m.hydrated[accountID] = true
	return nil
}

// Start arms a cooldown, overwriting any existing timer with the same tag, per
// spec.md §4.5.
func (m *Manager) Start(accountID riskmodel.AccountId, tag string, duration time.Duration, now time.Time) error {
	t := riskmodel.Timer{AccountID: accountID, Tag: tag, ExpiresAt: now.Add(duration)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.PutTimer(t); err != nil {
		return err
	}
	m.byKey[key{accountID, tag}] = t

	log.Info().Str("account", string(accountID)).Str("tag", tag).Dur("duration", duration).Msg("cooldown timer armed")
	return nil
}

// Cancel disarms a timer before it expires — used by RULE-008 to disarm its no-stop-loss
// grace timer when a stop order arrives for the same (account, symbol).
func (m *Manager) Cancel(accountID riskmodel.AccountId, tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[key{accountID, tag}]; !ok {
		return nil
	}
	if err := m.store.DeleteTimer(accountID, tag); err != nil {
		return err
	}
	delete(m.byKey, key{accountID, tag})
	return nil
}

// Active reports whether a cooldown with the given tag is currently running.
func (m *Manager) Active(accountID riskmodel.AccountId, tag string, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byKey[key{accountID, tag}]
	if !ok {
		return false
	}
	return now.Before(t.ExpiresAt)
}

// ActiveAny reports whether any cooldown is active for the account — used by the
// Pre-Trade Gate, which rejects new orders while any cooldown is running.
func (m *Manager) ActiveAny(accountID riskmodel.AccountId, now time.Time) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, t := range m.byKey {
		if k.account == accountID && now.Before(t.ExpiresAt) {
			return true
		}
	}
	return false
}

// AllFor returns every currently active (unexpired) timer for accountID, for the
// read-only admin dashboard (spec.md §6 "Supplemented Features").
func (m *Manager) AllFor(accountID riskmodel.AccountId, now time.Time) []riskmodel.Timer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []riskmodel.Timer
	for k, t := range m.byKey {
		if k.account == accountID && now.Before(t.ExpiresAt) {
			out = append(out, t)
		}
	}
	return out
}

// Tick expires timers whose ExpiresAt has passed, clearing them from the store, and
// returns the expired timers so callers can emit TimerExpired on the bus.
func (m *Manager) Tick(now time.Time) ([]riskmodel.Timer, error) {
	m.mu.Lock()
	var expired []riskmodel.Timer
	for k, t := range m.byKey {
		if !now.Before(t.ExpiresAt) {
			expired = append(expired, t)
			delete(m.byKey, k)
		}
	}
	m.mu.Unlock()

	for _, t := range expired {
		if err := m.store.DeleteTimer(t.AccountID, t.Tag); err != nil {
			return nil, err
		}
		log.Info().Str("account", string(t.AccountID)).Str("tag", t.Tag).Msg("cooldown timer expired")
	}
	return expired, nil
}
