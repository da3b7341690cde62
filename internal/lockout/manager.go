// Package lockout implements the Lockout Manager (C4): holds active lockouts, keyed by
// (account, rule_id, scope), and answers is_locked queries. There is no manual unlock
// path — every lockout releases only by timer (UntilInstant), external flag
// (UntilFlag), or never (Permanent), per spec.md §9.
package lockout

import (
	"sync"
	"time"

	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/store"

	"github.com/rs/zerolog/log"
)

type key struct {
	account riskmodel.AccountId
	ruleID  string
	scope   string
}

// Manager is the in-memory, store-backed lockout manager for one engine process.
type Manager struct {
	mu    sync.RWMutex
	store *store.Store
	byKey map[key]riskmodel.Lockout
	// byAccount indexes active lockouts per account for is_locked lookups.
	byAccount map[riskmodel.AccountId][]key
	hydrated  map[riskmodel.AccountId]bool
}

// New constructs an empty Manager backed by s. Persisted lockouts are loaded per account
// by Hydrate or EnsureHydrated, so a restart restores the active lockouts.
func New(s *store.Store) (*Manager, error) {
	m := &Manager{
		store:     s,
		byKey:     make(map[key]riskmodel.Lockout),
		byAccount: make(map[riskmodel.AccountId][]key),
		hydrated:  make(map[riskmodel.AccountId]bool),
	}
	return m, nil
}

// Hydrate loads all persisted lockouts for the given accounts into memory. Call once at
// startup for any accounts known in advance; accounts discovered later (a new SDK
// account stream) are hydrated lazily via EnsureHydrated.
func (m *Manager) Hydrate(accounts []riskmodel.AccountId) error {
	for _, acc := range accounts {
		if err := m.EnsureHydrated(acc); err != nil {
			return err
		}
	}
	return nil
}

// EnsureHydrated loads accountID's persisted lockouts into memory the first time it is
// seen; subsequent calls are no-ops. This lets the engine worker hydrate an account's
// state lazily on its first event rather than requiring a static account list upfront.
func (m *Manager) EnsureHydrated(accountID riskmodel.AccountId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hydrated[accountID] {
		return nil
	}
	rows, err := m.store.ListLockouts(accountID)
	if err != nil {
		return err
	}
	for _, l := range rows {
		k := key{l.AccountID, l.RuleID, l.Scope.String()}
		m.byKey[k] = l
		m.byAccount[accountID] = append(m.byAccount[accountID], k)
	}
	m.hydrated[accountID] = true
	return nil
}

func (m *Manager) indexLocked(k key, acc riskmodel.AccountId) {
	for _, existing := range m.byAccount[acc] {
		if existing == k {
			return
		}
	}
	m.byAccount[acc] = append(m.byAccount[acc], k)
}

func (m *Manager) deindexLocked(k key, acc riskmodel.AccountId) {
	keys := m.byAccount[acc]
	for i, existing := range keys {
		if existing == k {
			m.byAccount[acc] = append(keys[:i], keys[i+1:]...)
			return
		}
	}
}

// Set installs (or replaces) a lockout. Idempotent for identical triples; a later Set
// with a strictly later UntilInstant release replaces the earlier one, matching
// spec.md §4.4. Other release kinds always overwrite (a rule re-firing a FlattenAndLock
// on the same triple is the same enforcement repeated, not a new one).
func (m *Manager) Set(l riskmodel.Lockout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{l.AccountID, l.RuleID, l.Scope.String()}
	if existing, ok := m.byKey[k]; ok && existing.Release.Kind == riskmodel.ReleaseUntilInstant &&
		l.Release.Kind == riskmodel.ReleaseUntilInstant && !l.Release.Instant.After(existing.Release.Instant) {
		// Not strictly later: keep the existing, more restrictive (or equal) lockout.
		return nil
	}

	if err := m.store.PutLockout(l); err != nil {
		return err
	}
	m.byKey[k] = l
	m.indexLocked(k, l.AccountID)

	log.Warn().
		Str("account", string(l.AccountID)).
		Str("rule", l.RuleID).
		Str("scope", l.Scope.String()).
		Str("reason", l.Reason).
		Msg("lockout installed")
	return nil
}

// Clear removes a lockout. Used only by Tick's auto-release and by UntilFlag release —
// never by an administrative action (spec.md §9: "no manual unlock path").
func (m *Manager) Clear(accountID riskmodel.AccountId, ruleID string, scope riskmodel.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{accountID, ruleID, scope.String()}
	if _, ok := m.byKey[k]; !ok {
		return nil
	}
	if err := m.store.DeleteLockout(accountID, ruleID, scope); err != nil {
		return err
	}
	delete(m.byKey, k)
	m.deindexLocked(k, accountID)
	return nil
}

// IsLocked returns the most restrictive lockout matching (account, symbol): an
// account-scoped lockout dominates a symbol-scoped one, per spec.md §4.4. symbol may be
// empty to query account-wide locks only.
func (m *Manager) IsLocked(accountID riskmodel.AccountId, symbol riskmodel.Symbol) (riskmodel.Lockout, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var accountLock, symbolLock *riskmodel.Lockout
	for _, k := range m.byAccount[accountID] {
		l := m.byKey[k]
		if l.Scope.Account {
			v := l
			accountLock = &v
			continue
		}
		if symbol != "" && l.Scope.Symbol == symbol {
			v := l
			symbolLock = &v
		}
	}
	if accountLock != nil {
		return *accountLock, true
	}
	if symbolLock != nil {
		return *symbolLock, true
	}
	return riskmodel.Lockout{}, false
}

// AllFor returns every currently active lockout for accountID, for the read-only admin
// dashboard (spec.md §6 "Supplemented Features").
func (m *Manager) AllFor(accountID riskmodel.AccountId) []riskmodel.Lockout {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]riskmodel.Lockout, 0, len(m.byAccount[accountID]))
	for _, k := range m.byAccount[accountID] {
		out = append(out, m.byKey[k])
	}
	return out
}

// OnAccountFlagTrue releases every UntilFlag lockout for accountID — the auto-release
// path for RULE-010 (spec.md §4.10 category C).
func (m *Manager) OnAccountFlagTrue(accountID riskmodel.AccountId) error {
	m.mu.Lock()
	var toClear []key
	for _, k := range m.byAccount[accountID] {
		if l := m.byKey[k]; l.Release.Kind == riskmodel.ReleaseUntilFlag {
			toClear = append(toClear, k)
		}
	}
	m.mu.Unlock()

	for _, k := range toClear {
		l := m.byKey[k]
		if err := m.Clear(l.AccountID, l.RuleID, l.Scope); err != nil {
			return err
		}
		log.Info().Str("account", string(accountID)).Str("rule", l.RuleID).Msg("lockout released: can_trade=true")
	}
	return nil
}

// Tick releases every lockout whose UntilInstant has passed. Returns the released
// lockouts so callers can emit a LockoutReleased event on the bus.
func (m *Manager) Tick(now time.Time) ([]riskmodel.Lockout, error) {
	m.mu.RLock()
	var expired []riskmodel.Lockout
	for _, l := range m.byKey {
		if l.Release.Kind == riskmodel.ReleaseUntilInstant && !now.Before(l.Release.Instant) {
			expired = append(expired, l)
		}
	}
	m.mu.RUnlock()

	for _, l := range expired {
		if err := m.Clear(l.AccountID, l.RuleID, l.Scope); err != nil {
			return nil, err
		}
		log.Info().Str("account", string(l.AccountID)).Str("rule", l.RuleID).Msg("lockout released: until_instant reached")
	}
	return expired, nil
}
