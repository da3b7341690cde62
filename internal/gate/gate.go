// Package gate implements the Pre-Trade Gate (C12): a fast check applied before rule
// evaluation that short-circuits enforcement for an account or symbol already under
// lockout or cooldown, rather than letting a new position slip through and then be
// unwound a moment later by the rule set (spec.md §4.11).
package gate

import (
	"context"

	"github.com/topstepx/riskguard/internal/audit"
	"github.com/topstepx/riskguard/internal/clock"
	"github.com/topstepx/riskguard/internal/lockout"
	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/sdk"
	"github.com/topstepx/riskguard/internal/timer"

	"github.com/rs/zerolog/log"
)

// tradeEntryKinds are the events that open new risk — a locked or cooling-down account
// must never be allowed to add to a position through one of these.
var tradeEntryKinds = map[riskmodel.EventKind]bool{
	riskmodel.EventPositionOpened:  true,
	riskmodel.EventPositionUpdated: true,
	riskmodel.EventOrderPlaced:     true,
}

// Gate checks lockout/cooldown state ahead of rule evaluation.
type Gate struct {
	lockouts *lockout.Manager
	timers   *timer.Manager
	cmd      sdk.Commander
	audit    *audit.Recorder
	clock    clock.Clock
}

func New(lockouts *lockout.Manager, timers *timer.Manager, cmd sdk.Commander, rec *audit.Recorder, c clock.Clock) *Gate {
	return &Gate{lockouts: lockouts, timers: timers, cmd: cmd, audit: rec, clock: c}
}

// ShouldShortCircuit reports whether ev represents new trade entry into an account or
// symbol currently under an active lockout or cooldown. The event is still recorded
// (spec.md §4.11: "the event is audited; the lockout is not cleared, extended, or
// otherwise modified by having been observed") but never reaches the rule set.
func (g *Gate) ShouldShortCircuit(ev riskmodel.RiskEvent, snap *riskmodel.Snapshot) bool {
	if !tradeEntryKinds[ev.Kind] {
		return false
	}
	sym := ev.EffectiveSymbol()
	if _, locked := g.lockouts.IsLocked(ev.AccountID, sym); locked {
		return true
	}
	return g.timers.ActiveAny(ev.AccountID, g.clock.NowUTC())
}

// Enforce re-asserts the active lockout or cooldown against the event that tried to slip
// past it: a new order cancels every open order of the account, a new or changed position
// closes that symbol (or every position when the event carries no symbol). The gate never
// places orders.
func (g *Gate) Enforce(ctx context.Context, ev riskmodel.RiskEvent, snap *riskmodel.Snapshot) {
	sym := ev.EffectiveSymbol()
	l, locked := g.lockouts.IsLocked(ev.AccountID, sym)

	var err error
	switch {
	case ev.Kind == riskmodel.EventOrderPlaced:
		// The order was already accepted by the broker; cancel it rather than leave
		// it resting against a locked account.
		if ev.Order != nil {
			err = g.cmd.CancelAllOrders(ctx, ev.AccountID)
		}
	case sym != "":
		err = g.cmd.ClosePosition(ctx, ev.AccountID, sym)
	default:
		err = g.cmd.CloseAllPositions(ctx, ev.AccountID)
	}

	reason := "pre-trade gate: cooldown active"
	ruleID := ""
	if locked {
		reason = "pre-trade gate: " + l.Reason
		ruleID = l.RuleID
	}
	if err != nil {
		log.Error().Err(err).Str("account", string(ev.AccountID)).Msg("pre-trade gate enforcement command failed")
	}
	g.audit.Record(audit.Entry{
		AccountID: ev.AccountID, RuleID: ruleID, EventKind: ev.Kind, Symbol: sym, Reason: reason,
		CommandSucceeded: err == nil, CommandError: errString(err), EnforcementFailed: err != nil,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
