// Package freq implements the Trade-Frequency Counter (C6): rolling-window trade counts
// per account, plus a per-session count anchored to the account's most recent
// ScheduledReset (spec.md §9 open question (b): session start = last reset).
package freq

import (
	"sync"
	"time"

	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/store"
)

// Counter records every TradeExecuted event and answers windowed counts.
type Counter struct {
	mu           sync.Mutex
	store        *store.Store
	sessionStart map[riskmodel.AccountId]time.Time
	widestWindow time.Duration
}

// New constructs a Counter. widestWindow bounds how far back rows are retained; entries
// older than it may be pruned per spec.md §4.6.
func New(s *store.Store, widestWindow time.Duration) *Counter {
	return &Counter{store: s, sessionStart: make(map[riskmodel.AccountId]time.Time), widestWindow: widestWindow}
}

// RecordTrade appends one trade-count row for accountID at ts, then opportunistically
// prunes rows older than the widest configured window.
func (c *Counter) RecordTrade(accountID riskmodel.AccountId, ts time.Time) error {
	if err := c.store.InsertTradeCount(riskmodel.TradeCountEntry{AccountID: accountID, Ts: ts}); err != nil {
		return err
	}
	if c.widestWindow > 0 {
		_ = c.store.PruneTradeCountsBefore(accountID, ts.Add(-c.widestWindow))
	}
	return nil
}

// CountIn returns the number of trades for accountID within the last window, measured
// back from now.
func (c *Counter) CountIn(accountID riskmodel.AccountId, now time.Time, window time.Duration) (int, error) {
	return c.store.CountTradesSince(accountID, now.Add(-window))
}

// OnScheduledReset records the session-start boundary for accountID — the account's
// most recent reset instant.
func (c *Counter) OnScheduledReset(accountID riskmodel.AccountId, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionStart[accountID] = at
}

// CountSinceSessionStart returns the trade count since the account's most recent
// ScheduledReset. If no reset has been observed yet, counts from the zero time (i.e.
// all recorded trades).
func (c *Counter) CountSinceSessionStart(accountID riskmodel.AccountId) (int, error) {
	c.mu.Lock()
	start := c.sessionStart[accountID]
	c.mu.Unlock()
	return c.store.CountTradesSince(accountID, start)
}
