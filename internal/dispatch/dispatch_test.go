package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/topstepx/riskguard/internal/audit"
	"github.com/topstepx/riskguard/internal/cfg"
	"github.com/topstepx/riskguard/internal/lockout"
	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/store"
	"github.com/topstepx/riskguard/internal/timer"

	"github.com/stretchr/testify/require"
)

// fakeCommander records every SDK command issued against it, for assertions, without
// talking to a real broker.
type fakeCommander struct {
	closedAll     []riskmodel.AccountId
	closedSymbol  []riskmodel.Symbol
	partialClosed []riskmodel.Symbol
	cancelledAll  []riskmodel.AccountId
	placedOrders  []riskmodel.Symbol
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
	f.partialClosed = append(f.partialClosed, symbol)
	return nil
}

func (f *fakeCommander) CancelAllOrders(ctx context.Context, account riskmodel.AccountId) error {
	f.cancelledAll = append(f.cancelledAll, account)
	return nil
}

func (f *fakeCommander) PlaceOrder(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol, kind riskmodel.OrderKind, side riskmodel.Side, size int64, price *float64) error {
	f.placedOrders = append(f.placedOrders, symbol)
	return nil
}

type fixedClock struct{ at time.Time }

func (c fixedClock) NowUTC() time.Time { return c.at }

func newTestDispatcher(t *testing.T, cmd *fakeCommander) (*Dispatcher, *lockout.Manager, *timer.Manager) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	lockouts, err := lockout.New(s)
	require.NoError(t, err)
	timers := timer.New(s)
	rec := audit.New(s, nil)
	now := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

	d := New(cmd, lockouts, timers, rec, fixedClock{at: now}, map[string]cfg.SymbolConfig{})
	return d, lockouts, timers
}

func baseEvent(acc riskmodel.AccountId) riskmodel.RiskEvent {
	return riskmodel.RiskEvent{Kind: riskmodel.EventTradeExecuted, AccountID: acc, Ts: time.Now()}
}

// FlattenAndLock must win over any FlattenAndCooldown or per-symbol verdict present on
// the same event, per the three-way subsumption order (spec.md §4.10).
func TestDispatch_FlattenAndLockSubsumesCooldownAndPerSymbol(t *testing.T) {
	cmd := &fakeCommander{}
	d, lockouts, timers := newTestDispatcher(t, cmd)
	acc := riskmodel.AccountId("ACC1")
	snap := riskmodel.Snapshot{AccountID: acc, Positions: map[riskmodel.Symbol]riskmodel.Position{}, Orders: map[string]riskmodel.Order{}, Quotes: map[riskmodel.Symbol]riskmodel.Quote{}}

	verdicts := []riskmodel.Verdict{
		{Kind: riskmodel.VerdictReduceToLimit, RuleID: "RULE-001", Symbol: "MNQ", TargetSize: 1},
		{Kind: riskmodel.VerdictFlattenAndCooldown, RuleID: "RULE-004", CooldownTag: "cooldown", CooldownDuration: time.Minute},
		{Kind: riskmodel.VerdictFlattenAndLock, RuleID: "RULE-003", Release: riskmodel.UntilInstant(time.Now().Add(time.Hour))},
	}

	d.Dispatch(context.Background(), baseEvent(acc), &snap, verdicts)

	require.Len(t, cmd.closedAll, 1, "FlattenAndLock must flatten the whole account")
	require.Empty(t, cmd.partialClosed, "ReduceToLimit must not run once FlattenAndLock wins")

	l, locked := lockouts.IsLocked(acc, "")
	require.True(t, locked)
	require.Equal(t, "RULE-003", l.RuleID)

	require.False(t, timers.ActiveAny(acc, time.Now()), "FlattenAndCooldown must not arm a timer once FlattenAndLock wins")
}

// FlattenAndCooldown must win over per-symbol ReduceToLimit/ClosePosition and Automation
// verdicts when no FlattenAndLock is present.
func TestDispatch_FlattenAndCooldownSubsumesPerSymbol(t *testing.T) {
	cmd := &fakeCommander{}
	d, lockouts, timers := newTestDispatcher(t, cmd)
	acc := riskmodel.AccountId("ACC1")
	snap := riskmodel.Snapshot{AccountID: acc, Positions: map[riskmodel.Symbol]riskmodel.Position{}, Orders: map[string]riskmodel.Order{}, Quotes: map[riskmodel.Symbol]riskmodel.Quote{}}

	verdicts := []riskmodel.Verdict{
		{Kind: riskmodel.VerdictClosePosition, RuleID: "RULE-011", Symbol: "MNQ"},
		{Kind: riskmodel.VerdictFlattenAndCooldown, RuleID: "RULE-004", CooldownTag: "cooldown", CooldownDuration: 2 * time.Minute},
	}

	d.Dispatch(context.Background(), baseEvent(acc), &snap, verdicts)

	require.Len(t, cmd.closedAll, 1)
	require.Empty(t, cmd.closedSymbol, "per-symbol ClosePosition must not run once FlattenAndCooldown wins")
	require.True(t, timers.ActiveAny(acc, time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)))

	_, locked := lockouts.IsLocked(acc, "")
	require.False(t, locked, "FlattenAndCooldown must not install a lockout")
}

// With neither FlattenAndLock nor FlattenAndCooldown present, per-symbol verdicts apply
// independently and a full close wins a tie over a partial reduce on the same symbol.
func TestDispatch_PerSymbolCloseWinsOverReduce(t *testing.T) {
	cmd := &fakeCommander{}
	d, _, _ := newTestDispatcher(t, cmd)
	acc := riskmodel.AccountId("ACC1")
	snap := riskmodel.Snapshot{AccountID: acc, Positions: map[riskmodel.Symbol]riskmodel.Position{}, Orders: map[string]riskmodel.Order{}, Quotes: map[riskmodel.Symbol]riskmodel.Quote{}}

	verdicts := []riskmodel.Verdict{
		{Kind: riskmodel.VerdictReduceToLimit, RuleID: "RULE-001", Symbol: "MNQ", TargetSize: 1},
		{Kind: riskmodel.VerdictClosePosition, RuleID: "RULE-011", Symbol: "MNQ"},
	}

	d.Dispatch(context.Background(), baseEvent(acc), &snap, verdicts)

	require.Len(t, cmd.closedSymbol, 1)
	require.Empty(t, cmd.partialClosed, "a full close must win the per-symbol tie over a partial reduce")
}

// Per-symbol verdicts on different symbols apply independently of one another.
func TestDispatch_PerSymbolAppliesIndependentlyAcrossSymbols(t *testing.T) {
	cmd := &fakeCommander{}
	d, _, _ := newTestDispatcher(t, cmd)
	acc := riskmodel.AccountId("ACC1")
	snap := riskmodel.Snapshot{AccountID: acc, Positions: map[riskmodel.Symbol]riskmodel.Position{}, Orders: map[string]riskmodel.Order{}, Quotes: map[riskmodel.Symbol]riskmodel.Quote{}}

	verdicts := []riskmodel.Verdict{
		{Kind: riskmodel.VerdictClosePosition, RuleID: "RULE-011", Symbol: "MNQ"},
		{Kind: riskmodel.VerdictReduceToLimit, RuleID: "RULE-001", Symbol: "ES", TargetSize: 2},
	}

	d.Dispatch(context.Background(), baseEvent(acc), &snap, verdicts)

	require.ElementsMatch(t, []riskmodel.Symbol{"MNQ"}, cmd.closedSymbol)
	require.ElementsMatch(t, []riskmodel.Symbol{"ES"}, cmd.partialClosed)
}
