package rules

import (
	"fmt"
	"time"

	"github.com/topstepx/riskguard/internal/clock"
	"github.com/topstepx/riskguard/internal/riskmodel"
)

// rule003 is Daily Realized Loss: a hard lockout until the next configured reset.
type rule003 struct{ d Deps }

func newRule003(d Deps) Rule  { return &rule003{d} }
func (r *rule003) ID() string { return "RULE-003" }

func (r *rule003) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	if ev.Kind != riskmodel.EventTradeExecuted || ev.Trade.RealizedPnL == nil {
		return nil
	}
	daily, err := r.d.PnL.GetDaily(ev.AccountID, clock.DateKey(ev.Ts, r.d.ResetLoc, r.d.Config.ResetTime))
	if err != nil {
		return nil
	}
	limit := r.d.Config.Rules.Rule003.Limit
	if daily.GreaterThan(limit) {
		return nil
	}
	next, err := clock.NextOccurrence(r.d.Config.ResetTime, r.d.ResetLoc, ev.Ts)
	if err != nil {
		return nil
	}
	return &riskmodel.Verdict{
		Kind: riskmodel.VerdictFlattenAndLock, Release: riskmodel.UntilInstant(next),
		Reason: fmt.Sprintf("daily realized %s breaches limit %s", daily.String(), limit.String()),
	}
}

// rule013 is Daily Realized Profit, symmetric to RULE-003.
type rule013 struct{ d Deps }

func newRule013(d Deps) Rule  { return &rule013{d} }
func (r *rule013) ID() string { return "RULE-013" }

func (r *rule013) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	if ev.Kind != riskmodel.EventTradeExecuted || ev.Trade.RealizedPnL == nil {
		return nil
	}
	daily, err := r.d.PnL.GetDaily(ev.AccountID, clock.DateKey(ev.Ts, r.d.ResetLoc, r.d.Config.ResetTime))
	if err != nil {
		return nil
	}
	target := r.d.Config.Rules.Rule013.Target
	if daily.LessThan(target) {
		return nil
	}
	next, err := clock.NextOccurrence(r.d.Config.ResetTime, r.d.ResetLoc, ev.Ts)
	if err != nil {
		return nil
	}
	return &riskmodel.Verdict{
		Kind: riskmodel.VerdictFlattenAndLock, Release: riskmodel.UntilInstant(next),
		Reason: fmt.Sprintf("daily realized %s reaches target %s", daily.String(), target.String()),
	}
}

// rule009 is Session Block Outside: lock whenever now falls outside the configured
// trading session window in its own timezone.
type rule009 struct{ d Deps }

func newRule009(d Deps) Rule  { return &rule009{d} }
func (r *rule009) ID() string { return "RULE-009" }

func (r *rule009) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	switch ev.Kind {
	case riskmodel.EventScheduledReset, riskmodel.EventPositionUpdated, riskmodel.EventPositionOpened, riskmodel.EventOrderPlaced:
	default:
		return nil
	}
	cfg := r.d.Config.Rules.Rule009
	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		return nil
	}
	local := ev.Ts.In(loc)

	openHH, openMM, err := parseHHMM(cfg.SessionOpen)
	if err != nil {
		return nil
	}
	closeHH, closeMM, err := parseHHMM(cfg.SessionClose)
	if err != nil {
		return nil
	}
	openT := time.Date(local.Year(), local.Month(), local.Day(), openHH, openMM, 0, 0, loc)
	closeT := time.Date(local.Year(), local.Month(), local.Day(), closeHH, closeMM, 0, 0, loc)
	if closeT.Before(openT) {
		closeT = closeT.AddDate(0, 0, 1) // overnight session
	}
	if !local.Before(openT) && !local.After(closeT) {
		return nil
	}

	nextOpen := openT
	if !local.Before(openT) {
		nextOpen = openT.AddDate(0, 0, 1)
	}
	return &riskmodel.Verdict{
		Kind: riskmodel.VerdictFlattenAndLock, Release: riskmodel.UntilInstant(nextOpen),
		Reason: "outside configured trading session",
	}
}

func parseHHMM(v string) (int, int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(v, "%d:%d", &hh, &mm); err != nil {
		return 0, 0, err
	}
	return hh, mm, nil
}

// rule010 is Auth Loss Guard: can_trade=false locks until the flag flips back.
type rule010 struct{ d Deps }

func newRule010(d Deps) Rule  { return &rule010{d} }
func (r *rule010) ID() string { return "RULE-010" }

func (r *rule010) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	if ev.Kind != riskmodel.EventAccountUpdated || ev.Flags == nil || ev.Flags.CanTrade {
		return nil
	}
	return &riskmodel.Verdict{
		Kind: riskmodel.VerdictFlattenAndLock, Release: riskmodel.UntilFlag(),
		Reason: "broker reports can_trade=false",
	}
}
