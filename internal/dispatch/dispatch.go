// Package dispatch implements the Enforcement Dispatcher (C11): merges the Verdict list
// one event produced across the rule set, maps the surviving actions to SDK commands,
// and persists lockout/timer rows before acknowledging the event as processed
// (spec.md §4.10).
package dispatch

import (
	"context"
	"sort"

	"github.com/topstepx/riskguard/internal/audit"
	"github.com/topstepx/riskguard/internal/cfg"
	"github.com/topstepx/riskguard/internal/clock"
	"github.com/topstepx/riskguard/internal/lockout"
	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/sdk"
	"github.com/topstepx/riskguard/internal/timer"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Dispatcher merges verdicts and drives the SDK Commander, the lockout/timer managers,
// and the audit trail.
type Dispatcher struct {
	cmd      sdk.Commander
	lockouts *lockout.Manager
	timers   *timer.Manager
	audit    *audit.Recorder
	clock    clock.Clock
	symbols  map[string]cfg.SymbolConfig
}

func New(cmd sdk.Commander, lockouts *lockout.Manager, timers *timer.Manager, rec *audit.Recorder, c clock.Clock, symbols map[string]cfg.SymbolConfig) *Dispatcher {
	return &Dispatcher{cmd: cmd, lockouts: lockouts, timers: timers, audit: rec, clock: c, symbols: symbols}
}

// Dispatch applies verdicts to account snap.AccountID, per spec.md §4.10's three-step
// subsumption: a FlattenAndLock always wins; otherwise a FlattenAndCooldown flattens and
// drops any Automation; otherwise each symbol's ReduceToLimit/ClosePosition applies
// (smallest surviving size wins a tie), followed by Automation for positions that still
// exist.
func (d *Dispatcher) Dispatch(ctx context.Context, ev riskmodel.RiskEvent, snap *riskmodel.Snapshot, verdicts []riskmodel.Verdict) {
	verdicts = stableOrder(verdicts)

	if locks := filterKind(verdicts, riskmodel.VerdictFlattenAndLock); len(locks) > 0 {
		d.applyFlattenAndLock(ctx, ev, snap, locks)
		return
	}
	if cooldowns := filterKind(verdicts, riskmodel.VerdictFlattenAndCooldown); len(cooldowns) > 0 {
		d.applyFlattenAndCooldown(ctx, ev, snap, cooldowns)
		return
	}

	closed := d.applyPerSymbol(ctx, ev, snap, verdicts)
	for _, v := range filterKind(verdicts, riskmodel.VerdictAutomation) {
		if closed[v.Symbol] {
			continue
		}
		d.applyAutomation(ctx, ev, snap, v)
	}
}

// stableOrder sorts by RuleID to make ties (e.g. two FlattenAndLock verdicts) resolve
// deterministically; rules.Set already stamps RuleID before handing verdicts here.
func stableOrder(verdicts []riskmodel.Verdict) []riskmodel.Verdict {
	out := make([]riskmodel.Verdict, len(verdicts))
	copy(out, verdicts)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

func filterKind(verdicts []riskmodel.Verdict, kind riskmodel.VerdictKind) []riskmodel.Verdict {
	var out []riskmodel.Verdict
	for _, v := range verdicts {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

// applyFlattenAndLock closes what the verdict scopes (one symbol, or the whole account
// when Symbol is empty — RULE-011's per-symbol block vs. every other rule's account-wide
// flatten), cancels resting orders, and installs the lockout.
func (d *Dispatcher) applyFlattenAndLock(ctx context.Context, ev riskmodel.RiskEvent, snap *riskmodel.Snapshot, locks []riskmodel.Verdict) {
	v := locks[0]
	scope := riskmodel.AccountScope()
	var err error
	if v.Symbol != "" {
		scope = riskmodel.SymbolScope(v.Symbol)
		err = d.cmd.ClosePosition(ctx, ev.AccountID, v.Symbol)
	} else {
		err = d.cmd.CloseAllPositions(ctx, ev.AccountID)
	}
	if cancelErr := d.cmd.CancelAllOrders(ctx, ev.AccountID); cancelErr != nil && err == nil {
		err = cancelErr
	}

	lockoutErr := d.lockouts.Set(riskmodel.Lockout{
		AccountID: ev.AccountID, RuleID: v.RuleID, Scope: scope, Reason: v.Reason,
		LockedAt: d.clock.NowUTC(), Release: v.Release,
	})
	if lockoutErr != nil {
		log.Error().Err(lockoutErr).Str("account", string(ev.AccountID)).Str("rule", v.RuleID).Msg("failed to persist lockout")
	}
	d.record(ev, v, "flatten_and_lock", err)
}

// applyFlattenAndCooldown flattens the whole account and arms the single longest
// requested cooldown; multiple cooldown verdicts on one event collapse to one timer.
func (d *Dispatcher) applyFlattenAndCooldown(ctx context.Context, ev riskmodel.RiskEvent, snap *riskmodel.Snapshot, cooldowns []riskmodel.Verdict) {
	longest := cooldowns[0]
	for _, v := range cooldowns[1:] {
		if v.CooldownDuration > longest.CooldownDuration {
			longest = v
		}
	}

	err := d.cmd.CloseAllPositions(ctx, ev.AccountID)
	if cancelErr := d.cmd.CancelAllOrders(ctx, ev.AccountID); cancelErr != nil && err == nil {
		err = cancelErr
	}

	if timerErr := d.timers.Start(ev.AccountID, longest.CooldownTag, longest.CooldownDuration, d.clock.NowUTC()); timerErr != nil {
		log.Error().Err(timerErr).Str("account", string(ev.AccountID)).Msg("failed to arm cooldown timer")
	}
	d.record(ev, longest, "flatten_and_cooldown", err)
}

// applyPerSymbol applies at most one ReduceToLimit/ClosePosition per symbol (the
// smallest surviving TargetSize wins a tie) and returns the set of symbols fully closed,
// so Automation verdicts for those symbols can be skipped.
func (d *Dispatcher) applyPerSymbol(ctx context.Context, ev riskmodel.RiskEvent, snap *riskmodel.Snapshot, verdicts []riskmodel.Verdict) map[riskmodel.Symbol]bool {
	winners := make(map[riskmodel.Symbol]riskmodel.Verdict)
	for _, v := range verdicts {
		if v.Kind != riskmodel.VerdictReduceToLimit && v.Kind != riskmodel.VerdictClosePosition {
			continue
		}
		cur, ok := winners[v.Symbol]
		if !ok || winnerWins(v, cur) {
			winners[v.Symbol] = v
		}
	}

	closed := make(map[riskmodel.Symbol]bool)
	for sym, v := range winners {
		var err error
		switch v.Kind {
		case riskmodel.VerdictClosePosition:
			err = d.cmd.ClosePosition(ctx, ev.AccountID, sym)
			closed[sym] = true
		case riskmodel.VerdictReduceToLimit:
			err = d.cmd.PartialClosePosition(ctx, ev.AccountID, sym, v.TargetSize)
			if v.TargetSize == 0 {
				closed[sym] = true
			}
		}
		d.record(ev, v, string(v.Kind), err)
	}
	return closed
}

// winnerWins reports whether candidate should replace incumbent as the per-symbol
// action: a full close always wins over a partial reduce, and between two reduces the
// smaller surviving size wins, per spec.md §4.10.
func winnerWins(candidate, incumbent riskmodel.Verdict) bool {
	if candidate.Kind == riskmodel.VerdictClosePosition {
		return true
	}
	if incumbent.Kind == riskmodel.VerdictClosePosition {
		return false
	}
	return candidate.TargetSize < incumbent.TargetSize
}

func (d *Dispatcher) applyAutomation(ctx context.Context, ev riskmodel.RiskEvent, snap *riskmodel.Snapshot, v riskmodel.Verdict) {
	pos, open := snap.Positions[v.Symbol]
	if !open && v.AutomationAction != riskmodel.AutomationAdjustTrailingStop {
		return
	}
	symCfg := d.symbols[string(v.Symbol)]

	var err error
	switch v.AutomationAction {
	case riskmodel.AutomationPlaceStop:
		err = d.placeProtective(ctx, ev, v.Symbol, pos, symCfg, riskmodel.OrderKindStop, v.Payload["stop_ticks"])
	case riskmodel.AutomationPlaceTakeProfit:
		err = d.placeProtective(ctx, ev, v.Symbol, pos, symCfg, riskmodel.OrderKindTakeProfit, v.Payload["take_profit_ticks"])
	case riskmodel.AutomationPlaceBracket:
		if stopErr := d.placeProtective(ctx, ev, v.Symbol, pos, symCfg, riskmodel.OrderKindStop, v.Payload["stop_ticks"]); stopErr != nil {
			err = stopErr
		}
		if tpErr := d.placeProtective(ctx, ev, v.Symbol, pos, symCfg, riskmodel.OrderKindTakeProfit, v.Payload["take_profit_ticks"]); tpErr != nil && err == nil {
			err = tpErr
		}
	case riskmodel.AutomationAdjustTrailingStop:
		price, _ := v.NewStopPrice.Float64()
		err = d.cmd.PlaceOrder(ctx, ev.AccountID, v.Symbol, riskmodel.OrderKindStop, protectiveSide(pos), 0, &price)
	}
	d.record(ev, v, "automation:"+string(v.AutomationAction), err)
}

// placeProtective issues a stop/take-profit order tickOffset ticks away from pos's entry
// price, on the opposite side of the position.
func (d *Dispatcher) placeProtective(ctx context.Context, ev riskmodel.RiskEvent, sym riskmodel.Symbol, pos riskmodel.Position, symCfg cfg.SymbolConfig, kind riskmodel.OrderKind, ticks decimal.Decimal) error {
	if symCfg.TickSize.IsZero() || ticks.IsZero() {
		return nil
	}
	offset := symCfg.TickSize.Mul(ticks)
	var price decimal.Decimal
	long := pos.Size > 0
	switch {
	case kind == riskmodel.OrderKindStop && long:
		price = pos.AveragePrice.Sub(offset)
	case kind == riskmodel.OrderKindStop && !long:
		price = pos.AveragePrice.Add(offset)
	case kind == riskmodel.OrderKindTakeProfit && long:
		price = pos.AveragePrice.Add(offset)
	default:
		price = pos.AveragePrice.Sub(offset)
	}
	f, _ := price.Float64()
	return d.cmd.PlaceOrder(ctx, ev.AccountID, sym, kind, protectiveSide(pos), 0, &f)
}

// protectiveSide returns the side a protective (stop/take-profit) order must be placed
// on: the opposite of the position's own side.
func protectiveSide(pos riskmodel.Position) riskmodel.Side {
	if pos.Size < 0 {
		return riskmodel.SideBuy
	}
	return riskmodel.SideSell
}

func (d *Dispatcher) record(ev riskmodel.RiskEvent, v riskmodel.Verdict, command string, err error) {
	entry := audit.Entry{
		AccountID: ev.AccountID, RuleID: v.RuleID, EventKind: ev.Kind, Verdict: v.Kind,
		Symbol: v.Symbol, Reason: v.Reason, Command: command,
		CommandSucceeded: err == nil, EnforcementFailed: err != nil,
	}
	if err != nil {
		entry.CommandError = err.Error()
		log.Error().Err(err).Str("account", string(ev.AccountID)).Str("rule", v.RuleID).Str("command", command).Msg("enforcement command failed")
	}
	d.audit.Record(entry)
}
