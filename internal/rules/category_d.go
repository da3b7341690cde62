package rules

import (
	"github.com/topstepx/riskguard/internal/riskmodel"

	"github.com/shopspring/decimal"
)

// rule012 is Trade Management: automation suggestions only, never enforcement. It tracks
// the last stop price it emitted per (account, symbol) so trailing-stop adjustments are
// monotonic (I4: never worse for the trader than the prior emission).
type rule012 struct {
	d            Deps
	lastStop     map[string]decimal.Decimal
}

func newRule012(d Deps) Rule { return &rule012{d: d, lastStop: make(map[string]decimal.Decimal)} }
func (r *rule012) ID() string { return "RULE-012" }

func (r *rule012) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	cfg := r.d.Config.Rules.Rule012

	switch ev.Kind {
	case riskmodel.EventPositionOpened:
		symCfg := r.d.Config.Symbols[string(ev.Position.Symbol)]
		if symCfg.TickSize.IsZero() {
			return nil
		}
		delete(r.lastStop, stopKey(ev.AccountID, ev.Position.Symbol))

		switch {
		case cfg.Bracket:
			return &riskmodel.Verdict{
				Kind: riskmodel.VerdictAutomation, Symbol: ev.Position.Symbol,
				AutomationAction: riskmodel.AutomationPlaceBracket,
				Payload: map[string]decimal.Decimal{
					"stop_ticks":        decimal.NewFromInt(cfg.StopTicks),
					"take_profit_ticks": decimal.NewFromInt(cfg.TakeProfitTicks),
				},
			}
		case cfg.StopTicks > 0:
			return &riskmodel.Verdict{
				Kind: riskmodel.VerdictAutomation, Symbol: ev.Position.Symbol,
				AutomationAction: riskmodel.AutomationPlaceStop,
				Payload:          map[string]decimal.Decimal{"stop_ticks": decimal.NewFromInt(cfg.StopTicks)},
			}
		case cfg.TakeProfitTicks > 0:
			return &riskmodel.Verdict{
				Kind: riskmodel.VerdictAutomation, Symbol: ev.Position.Symbol,
				AutomationAction: riskmodel.AutomationPlaceTakeProfit,
				Payload:          map[string]decimal.Decimal{"take_profit_ticks": decimal.NewFromInt(cfg.TakeProfitTicks)},
			}
		}
		return nil

	case riskmodel.EventMarketDataUpdated:
		if !cfg.TrailingStop.Enabled || ev.Quote == nil {
			return nil
		}
		sym := ev.Quote.Symbol
		pos, open := snap.Positions[sym]
		if !open {
			return nil
		}
		symCfg := r.d.Config.Symbols[string(sym)]
		if symCfg.TickSize.IsZero() {
			return nil
		}
		extremes, ok, err := r.d.Extremes.Get(ev.AccountID, sym)
		if err != nil || !ok {
			return nil
		}
		trail := symCfg.TickSize.Mul(decimal.NewFromInt(cfg.TrailingStop.TrailTicks))

		var proposed decimal.Decimal
		if pos.Size > 0 {
			proposed = extremes.High.Sub(trail)
		} else {
			proposed = extremes.Low.Add(trail)
		}

		k := stopKey(ev.AccountID, sym)
		prior, hadPrior := r.lastStop[k]
		if hadPrior {
			if pos.Size > 0 && !proposed.GreaterThan(prior) {
				return nil
			}
			if pos.Size < 0 && !proposed.LessThan(prior) {
				return nil
			}
		}
		r.lastStop[k] = proposed
		return &riskmodel.Verdict{
			Kind: riskmodel.VerdictAutomation, Symbol: sym,
			AutomationAction: riskmodel.AutomationAdjustTrailingStop, NewStopPrice: proposed,
		}

	case riskmodel.EventPositionClosed:
		if ev.Position != nil {
			delete(r.lastStop, stopKey(ev.AccountID, ev.Position.Symbol))
		}
		return nil
	}
	return nil
}
