package gate

import (
	"context"
	"testing"
	"time"

	"github.com/topstepx/riskguard/internal/audit"
	"github.com/topstepx/riskguard/internal/lockout"
	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/store"
	"github.com/topstepx/riskguard/internal/timer"

	"github.com/stretchr/testify/require"
)

type fakeCommander struct {
	closedAll    []riskmodel.AccountId
	closedSymbol []riskmodel.Symbol
	cancelledAll []riskmodel.AccountId
}

func (f *fakeCommander) CloseAllPositions(ctx context.Context, account riskmodel.AccountId) error {
	f.closedAll = append(f.closedAll, account)
	return nil
}

func (f *fakeCommander) ClosePosition(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol) error {
	f.closedSymbol = append(f.closedSymbol, symbol)
	return nil
}

func (f *fakeCommander) PartialClosePosition(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol, targetSize int64) error {
	return nil
}

func (f *fakeCommander) CancelAllOrders(ctx context.Context, account riskmodel.AccountId) error {
	f.cancelledAll = append(f.cancelledAll, account)
	return nil
}

func (f *fakeCommander) PlaceOrder(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol, kind riskmodel.OrderKind, side riskmodel.Side, size int64, price *float64) error {
	return nil
}

type fixedClock struct{ at time.Time }

func (c fixedClock) NowUTC() time.Time { return c.at }

func newTestGate(t *testing.T, cmd *fakeCommander, now time.Time) (*Gate, *lockout.Manager, *timer.Manager) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	lockouts, err := lockout.New(s)
	require.NoError(t, err)
	timers := timer.New(s)
	rec := audit.New(s, nil)

	g := New(lockouts, timers, cmd, rec, fixedClock{at: now})
	return g, lockouts, timers
}

func TestShouldShortCircuit_IgnoresNonTradeEntryEvents(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	g, lockouts, _ := newTestGate(t, &fakeCommander{}, now)
	acc := riskmodel.AccountId("ACC1")
	require.NoError(t, lockouts.Set(riskmodel.Lockout{
		AccountID: acc, RuleID: "RULE-003", Scope: riskmodel.AccountScope(),
		Reason: "daily realized loss", LockedAt: now, Release: riskmodel.UntilInstant(now.Add(time.Hour)),
	}))

	ev := riskmodel.RiskEvent{Kind: riskmodel.EventMarketDataUpdated, AccountID: acc}
	require.False(t, g.ShouldShortCircuit(ev, &riskmodel.Snapshot{}),
		"a non-trade-entry event must never be short-circuited, even under an active lockout")
}

func TestShouldShortCircuit_AccountLockoutBlocksNewPosition(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	g, lockouts, _ := newTestGate(t, &fakeCommander{}, now)
	acc := riskmodel.AccountId("ACC1")
	require.NoError(t, lockouts.Set(riskmodel.Lockout{
		AccountID: acc, RuleID: "RULE-003", Scope: riskmodel.AccountScope(),
		Reason: "daily realized loss", LockedAt: now, Release: riskmodel.UntilInstant(now.Add(time.Hour)),
	}))

	ev := riskmodel.RiskEvent{
		Kind: riskmodel.EventPositionOpened, AccountID: acc,
		Position: &riskmodel.Position{Symbol: "MNQ", Size: 1},
	}
	require.True(t, g.ShouldShortCircuit(ev, &riskmodel.Snapshot{}))
}

func TestShouldShortCircuit_CooldownBlocksNewOrder(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	g, _, timers := newTestGate(t, &fakeCommander{}, now)
	acc := riskmodel.AccountId("ACC1")
	require.NoError(t, timers.Start(acc, "cooldown", time.Minute, now))

	ev := riskmodel.RiskEvent{
		Kind: riskmodel.EventOrderPlaced, AccountID: acc,
		Order: &riskmodel.Order{Symbol: "MNQ"},
	}
	require.True(t, g.ShouldShortCircuit(ev, &riskmodel.Snapshot{}))
}

func TestShouldShortCircuit_NoLockoutOrCooldownPassesThrough(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	g, _, _ := newTestGate(t, &fakeCommander{}, now)
	acc := riskmodel.AccountId("ACC1")

	ev := riskmodel.RiskEvent{
		Kind: riskmodel.EventPositionUpdated, AccountID: acc,
		Position: &riskmodel.Position{Symbol: "MNQ", Size: 2},
	}
	require.False(t, g.ShouldShortCircuit(ev, &riskmodel.Snapshot{}))
}

func TestShouldShortCircuit_ExpiredCooldownDoesNotBlock(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	g, _, timers := newTestGate(t, &fakeCommander{}, now)
	acc := riskmodel.AccountId("ACC1")
	require.NoError(t, timers.Start(acc, "cooldown", time.Minute, now.Add(-2*time.Minute)))

	ev := riskmodel.RiskEvent{
		Kind: riskmodel.EventOrderPlaced, AccountID: acc,
		Order: &riskmodel.Order{Symbol: "MNQ"},
	}
	require.False(t, g.ShouldShortCircuit(ev, &riskmodel.Snapshot{}))
}

func TestEnforce_ClosesSymbolAndAuditsUnderSymbolLockout(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	cmd := &fakeCommander{}
	g, lockouts, _ := newTestGate(t, cmd, now)
	acc := riskmodel.AccountId("ACC1")
	require.NoError(t, lockouts.Set(riskmodel.Lockout{
		AccountID: acc, RuleID: "RULE-011", Scope: riskmodel.SymbolScope("MNQ"),
		Reason: "per-symbol loss limit", LockedAt: now, Release: riskmodel.UntilInstant(now.Add(time.Hour)),
	}))

	ev := riskmodel.RiskEvent{
		Kind: riskmodel.EventPositionOpened, AccountID: acc,
		Position: &riskmodel.Position{Symbol: "MNQ", Size: 1},
	}
	g.Enforce(context.Background(), ev, &riskmodel.Snapshot{})

	require.ElementsMatch(t, []riskmodel.Symbol{"MNQ"}, cmd.closedSymbol)
	require.Empty(t, cmd.closedAll, "a symbol-scoped lockout must not flatten the whole account")
}

func TestEnforce_CancelsOrderUnderCooldown(t *testing.T) {
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	cmd := &fakeCommander{}
	g, _, timers := newTestGate(t, cmd, now)
	acc := riskmodel.AccountId("ACC1")
	require.NoError(t, timers.Start(acc, "cooldown", time.Minute, now))

	ev := riskmodel.RiskEvent{
		Kind: riskmodel.EventOrderPlaced, AccountID: acc,
		Order: &riskmodel.Order{Symbol: "MNQ"},
	}
	g.Enforce(context.Background(), ev, &riskmodel.Snapshot{})

	require.Len(t, cmd.cancelledAll, 1, "a resting order under an active cooldown must be cancelled")
}
