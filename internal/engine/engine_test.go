package engine

import (
	"context"
	"testing"
	"time"

	"github.com/topstepx/riskguard/internal/audit"
	"github.com/topstepx/riskguard/internal/bus"
	"github.com/topstepx/riskguard/internal/cfg"
	"github.com/topstepx/riskguard/internal/clock"
	"github.com/topstepx/riskguard/internal/dispatch"
	"github.com/topstepx/riskguard/internal/extremes"
	"github.com/topstepx/riskguard/internal/freq"
	"github.com/topstepx/riskguard/internal/gate"
	"github.com/topstepx/riskguard/internal/lockout"
	"github.com/topstepx/riskguard/internal/pnl"
	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/rules"
	"github.com/topstepx/riskguard/internal/store"
	"github.com/topstepx/riskguard/internal/timer"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type noopCommander struct{}

func (noopCommander) CloseAllPositions(ctx context.Context, account riskmodel.AccountId) error {
	return nil
}
func (noopCommander) ClosePosition(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol) error {
	return nil
}
func (noopCommander) PartialClosePosition(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol, targetSize int64) error {
	return nil
}
func (noopCommander) CancelAllOrders(ctx context.Context, account riskmodel.AccountId) error {
	return nil
}
func (noopCommander) PlaceOrder(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol, kind riskmodel.OrderKind, side riskmodel.Side, size int64, price *float64) error {
	return nil
}

// testEngine wires a real Engine against a temp-dir store and every manager, with an
// empty rule set (no rule enabled in cfg.Settings{}) so Dispatch never fires — isolating
// the Engine's own state-application and dedup behavior from rule evaluation.
func testEngine(t *testing.T) (*Engine, *pnl.Tracker, *freq.Counter, *store.Store) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	lockouts, err := lockout.New(s)
	require.NoError(t, err)
	timers := timer.New(s)
	pnlTracker := pnl.New(s)
	freqCounter := freq.New(s, 24*time.Hour)
	extremesTracker := extremes.New(s)
	rec := audit.New(s, nil)
	realClock := clock.RealClock{}
	loc := time.UTC

	g := gate.New(lockouts, timers, noopCommander{}, rec, realClock)
	d := dispatch.New(noopCommander{}, lockouts, timers, rec, realClock, map[string]cfg.SymbolConfig{})
	ruleSet := rules.NewSet(rules.Deps{
		PnL: pnlTracker, Extremes: extremesTracker, Freq: freqCounter, Timers: timers,
		Clock: realClock, Config: cfg.Settings{}, ResetLoc: loc,
	})

	e := New(Deps{
		Bus: bus.New(16), PnL: pnlTracker, Lockouts: lockouts, Timers: timers, Freq: freqCounter,
		Extremes: extremesTracker, Clock: realClock, ResetLoc: loc, ResetTime: "17:00",
		Rules: ruleSet, Gate: g, Dispatcher: d, Store: s,
	})
	return e, pnlTracker, freqCounter, s
}

func tradeEvent(acc riskmodel.AccountId, eventID, tradeID string, ts time.Time, pnlAmount decimal.Decimal) riskmodel.RiskEvent {
	return riskmodel.RiskEvent{
		Kind: riskmodel.EventTradeExecuted, EventID: eventID, AccountID: acc, Ts: ts,
		Trade: &riskmodel.Trade{TradeID: tradeID, Symbol: "MNQ", Size: 1, ExecutedAt: ts, RealizedPnL: &pnlAmount},
	}
}

func TestIngest_DuplicateEventIDDoesNotDoubleCountPnLOrFrequency(t *testing.T) {
	e, pnlTracker, freqCounter, _ := testEngine(t)
	ctx := context.Background()
	acc := riskmodel.AccountId("ACC1")
	ts := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	loss := decimal.NewFromInt(-100)

	ev := tradeEvent(acc, "evt-1", "T1", ts, loss)
	e.Ingest(ctx, ev)
	e.Ingest(ctx, ev)

	require.Eventually(t, func() bool {
		count, err := freqCounter.CountIn(acc, ts.Add(time.Minute), time.Hour)
		require.NoError(t, err)
		return count == 1
	}, time.Second, 5*time.Millisecond, "a re-delivered event with the same id must not double-count trade frequency")

	dateKey := clock.DateKey(ts, time.UTC, "17:00")
	total, err := pnlTracker.GetDaily(acc, dateKey)
	require.NoError(t, err)
	require.True(t, total.Equal(loss), "a re-delivered event with the same id must not double-count realized pnl")
}

func TestIngest_DistinctEventsAccumulate(t *testing.T) {
	e, pnlTracker, freqCounter, _ := testEngine(t)
	ctx := context.Background()
	acc := riskmodel.AccountId("ACC1")
	ts := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	e.Ingest(ctx, tradeEvent(acc, "evt-1", "T1", ts, decimal.NewFromInt(-100)))
	e.Ingest(ctx, tradeEvent(acc, "evt-2", "T2", ts.Add(time.Second), decimal.NewFromInt(-50)))

	require.Eventually(t, func() bool {
		count, err := freqCounter.CountIn(acc, ts.Add(time.Minute), time.Hour)
		require.NoError(t, err)
		return count == 2
	}, time.Second, 5*time.Millisecond)

	dateKey := clock.DateKey(ts, time.UTC, "17:00")
	total, err := pnlTracker.GetDaily(acc, dateKey)
	require.NoError(t, err)
	require.True(t, total.Equal(decimal.NewFromInt(-150)))
}

func TestIngest_AppliesEventsInStrictPerAccountOrder(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()
	acc := riskmodel.AccountId("ACC1")
	avg := decimal.NewFromInt(21000)

	open := riskmodel.RiskEvent{
		Kind: riskmodel.EventPositionUpdated, EventID: "pos-1", AccountID: acc,
		Position: &riskmodel.Position{Symbol: "MNQ", Size: 2, AveragePrice: avg, OpenedAt: time.Now()},
	}
	update := riskmodel.RiskEvent{
		Kind: riskmodel.EventPositionUpdated, EventID: "pos-2", AccountID: acc,
		Position: &riskmodel.Position{Symbol: "MNQ", Size: 5, AveragePrice: avg, OpenedAt: time.Now()},
	}
	closeEv := riskmodel.RiskEvent{
		Kind: riskmodel.EventPositionUpdated, EventID: "pos-3", AccountID: acc,
		Position: &riskmodel.Position{Symbol: "MNQ", Size: 0, AveragePrice: avg, OpenedAt: time.Now()},
	}

	// Ingested strictly in this order; if the worker ever applied them out of order or
	// concurrently, the final snapshot could show a stale or partially-updated position
	// instead of "closed".
	e.Ingest(ctx, open)
	e.Ingest(ctx, update)
	e.Ingest(ctx, closeEv)

	require.Eventually(t, func() bool {
		snap, ok := e.Snapshot(acc)
		if !ok {
			return false
		}
		_, stillOpen := snap.Positions["MNQ"]
		return !stillOpen
	}, time.Second, 5*time.Millisecond, "events for one account must apply in strict FIFO order")
}

func TestAccounts_ReturnsEverySpawnedWorker(t *testing.T) {
	e, _, _, _ := testEngine(t)
	ctx := context.Background()

	e.Ingest(ctx, riskmodel.RiskEvent{Kind: riskmodel.EventMarketDataUpdated, AccountID: "ACC1", Quote: &riskmodel.Quote{Symbol: "MNQ", LastPrice: decimal.NewFromInt(21000), Ts: time.Now()}})
	e.Ingest(ctx, riskmodel.RiskEvent{Kind: riskmodel.EventMarketDataUpdated, AccountID: "ACC2", Quote: &riskmodel.Quote{Symbol: "MNQ", LastPrice: decimal.NewFromInt(21000), Ts: time.Now()}})

	require.Eventually(t, func() bool {
		return len(e.Accounts()) == 2
	}, time.Second, 5*time.Millisecond)
}
