// Package extremes implements the Position-Extremes Tracker (C7): per-(account, symbol)
// high/low since position open, feeding RULE-012's trailing-stop automation.
package extremes

import (
	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/store"

	"github.com/shopspring/decimal"
)

// Tracker holds the running high/low for open positions.
type Tracker struct {
	store *store.Store
}

// New constructs a Tracker backed by s.
func New(s *store.Store) *Tracker {
	return &Tracker{store: s}
}

// OnOpened resets the tracked extremes to the entry price, per spec.md §4.7.
func (t *Tracker) OnOpened(accountID riskmodel.AccountId, symbol riskmodel.Symbol, entry decimal.Decimal) error {
	return t.store.PutPositionExtremes(riskmodel.PositionExtremes{
		AccountID: accountID, Symbol: symbol, High: entry, Low: entry,
	})
}

// OnQuote updates the tracked high/low on a market-data tick while the position is open.
// Returns ok=false if no position is currently tracked for (account, symbol).
func (t *Tracker) OnQuote(accountID riskmodel.AccountId, symbol riskmodel.Symbol, last decimal.Decimal) (riskmodel.PositionExtremes, bool, error) {
	cur, ok, err := t.store.GetPositionExtremes(accountID, symbol)
	if err != nil {
		return riskmodel.PositionExtremes{}, false, err
	}
	if !ok {
		return riskmodel.PositionExtremes{}, false, nil
	}
	if last.GreaterThan(cur.High) {
		cur.High = last
	}
	if last.LessThan(cur.Low) {
		cur.Low = last
	}
	if err := t.store.PutPositionExtremes(cur); err != nil {
		return riskmodel.PositionExtremes{}, false, err
	}
	return cur, true, nil
}

// OnClosed deletes the tracked extremes, per spec.md §4.7.
func (t *Tracker) OnClosed(accountID riskmodel.AccountId, symbol riskmodel.Symbol) error {
	return t.store.DeletePositionExtremes(accountID, symbol)
}

// Get returns the current tracked extremes, if any.
func (t *Tracker) Get(accountID riskmodel.AccountId, symbol riskmodel.Symbol) (riskmodel.PositionExtremes, bool, error) {
	return t.store.GetPositionExtremes(accountID, symbol)
}
