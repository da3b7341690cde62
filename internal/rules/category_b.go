package rules

import (
	"fmt"
	"time"

	"github.com/topstepx/riskguard/internal/riskmodel"
)

// rule006 is Trade Frequency: per-minute, per-hour, then per-session counts are checked
// in that order: the first exceeded tier wins (spec.md §4.9 "evaluate in order").
type rule006 struct{ d Deps }

func newRule006(d Deps) Rule  { return &rule006{d} }
func (r *rule006) ID() string { return "RULE-006" }

func (r *rule006) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	if ev.Kind != riskmodel.EventTradeExecuted {
		return nil
	}
	cfg := r.d.Config.Rules.Rule006

	if cfg.PerMinuteLimit > 0 {
		n, err := r.d.Freq.CountIn(ev.AccountID, ev.Ts, time.Minute)
		if err == nil && n > cfg.PerMinuteLimit {
			return cooldownVerdict("freq_min", cfg.PerMinuteCool, fmt.Sprintf("%d trades in last minute exceeds %d", n, cfg.PerMinuteLimit))
		}
	}
	if cfg.PerHourLimit > 0 {
		n, err := r.d.Freq.CountIn(ev.AccountID, ev.Ts, time.Hour)
		if err == nil && n > cfg.PerHourLimit {
			return cooldownVerdict("freq_hour", cfg.PerHourCool, fmt.Sprintf("%d trades in last hour exceeds %d", n, cfg.PerHourLimit))
		}
	}
	if cfg.PerSessionLimit > 0 {
		n, err := r.d.Freq.CountSinceSessionStart(ev.AccountID)
		if err == nil && n > cfg.PerSessionLimit {
			return cooldownVerdict("freq_session", cfg.PerSessionCool, fmt.Sprintf("%d trades this session exceeds %d", n, cfg.PerSessionLimit))
		}
	}
	return nil
}

func cooldownVerdict(tag string, d time.Duration, reason string) *riskmodel.Verdict {
	return &riskmodel.Verdict{
		Kind: riskmodel.VerdictFlattenAndCooldown, CooldownTag: tag, CooldownDuration: d, Reason: reason,
	}
}

// rule007 is Cooldown After Loss: a realized loss maps to a tiered, ascending cooldown
// duration and flattens every open position.
type rule007 struct{ d Deps }

func newRule007(d Deps) Rule  { return &rule007{d} }
func (r *rule007) ID() string { return "RULE-007" }

func (r *rule007) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	if ev.Kind != riskmodel.EventTradeExecuted || ev.Trade.RealizedPnL == nil {
		return nil
	}
	loss := *ev.Trade.RealizedPnL
	if !loss.IsNegative() {
		return nil
	}
	magnitude := loss.Abs()

	var chosen *time.Duration
	for _, tier := range r.d.Config.Rules.Rule007.Tiers {
		if magnitude.GreaterThanOrEqual(tier.ThresholdAbs) {
			d := tier.Cooldown
			chosen = &d
		}
	}
	if chosen == nil {
		return nil
	}
	return &riskmodel.Verdict{
		Kind: riskmodel.VerdictFlattenAndCooldown, CooldownTag: "loss_cooldown", CooldownDuration: *chosen,
		Reason: fmt.Sprintf("realized loss %s triggers cooldown tier", loss.String()),
	}
}
