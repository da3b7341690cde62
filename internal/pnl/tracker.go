// Package pnl implements the daily realized-PnL tracker (C3): accumulates realized
// daily P&L per account and resets it at the configured reset boundary.
package pnl

import (
	"sync"

	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/store"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Tracker accumulates realized P&L per account, persisting every update so a restart
// mid-day preserves the total (spec.md §8 R1).
type Tracker struct {
	mu    sync.Mutex
	store *store.Store
	// cache holds the in-memory total per (account, date) so reads don't round-trip
	// the store; the store remains the durable source of truth.
	cache map[riskmodel.AccountId]riskmodel.DailyPnL
}

// New constructs a Tracker backed by s.
func New(s *store.Store) *Tracker {
	return &Tracker{store: s, cache: make(map[riskmodel.AccountId]riskmodel.DailyPnL)}
}

// loadLocked lazily hydrates the cache entry for account/date from the store. Caller
// must hold t.mu.
func (t *Tracker) loadLocked(accountID riskmodel.AccountId, date string) (riskmodel.DailyPnL, error) {
	if cur, ok := t.cache[accountID]; ok && cur.Date == date {
		return cur, nil
	}
	row, ok, err := t.store.GetDailyPnL(accountID, date)
	if err != nil {
		return riskmodel.DailyPnL{}, err
	}
	if !ok {
		row = riskmodel.DailyPnL{AccountID: accountID, Date: date, RealizedPnL: decimal.Zero}
	}
	t.cache[accountID] = row
	return row, nil
}

// AddRealized adds pnl (the broker-reported realized P&L of one full-turn fill) to the
// account's running total for `date` and returns the new total. Must only be called
// with a non-nil trade.realized_pnl per spec.md §4.3. Rounds half-to-even to cents.
func (t *Tracker) AddRealized(accountID riskmodel.AccountId, date string, pnl decimal.Decimal) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, err := t.loadLocked(accountID, date)
	if err != nil {
		return decimal.Zero, err
	}
	cur.RealizedPnL = cur.RealizedPnL.Add(pnl).RoundBank(2)
	if err := t.store.PutDailyPnL(cur); err != nil {
		return decimal.Zero, err
	}
	t.cache[accountID] = cur

	log.Debug().
		Str("account", string(accountID)).
		Str("date", date).
		Str("added", pnl.String()).
		Str("daily_total", cur.RealizedPnL.String()).
		Msg("pnl tracker: realized pnl added")

	return cur.RealizedPnL, nil
}

// GetDaily returns the current daily total for (account, date), zero if no row exists.
func (t *Tracker) GetDaily(accountID riskmodel.AccountId, date string) (decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, err := t.loadLocked(accountID, date)
	if err != nil {
		return decimal.Zero, err
	}
	return cur.RealizedPnL, nil
}

// Reset zeroes the account's running total for newDate. The previous day's row is left
// untouched in the store (archived for audit), per spec.md §4.3.
func (t *Tracker) Reset(accountID riskmodel.AccountId, newDate string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	fresh := riskmodel.DailyPnL{AccountID: accountID, Date: newDate, RealizedPnL: decimal.Zero}
	if err := t.store.PutDailyPnL(fresh); err != nil {
		return err
	}
	t.cache[accountID] = fresh

	log.Info().Str("account", string(accountID)).Str("new_date", newDate).Msg("pnl tracker: daily reset")
	return nil
}
