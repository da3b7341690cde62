package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/topstepx/riskguard/internal/riskmodel"

	"github.com/shopspring/decimal"
)

// rule001 is the Max Contracts rule: total |size| across all open positions must not
// exceed a configured cap.
type rule001 struct{ d Deps }

func newRule001(d Deps) Rule { return &rule001{d} }
func (r *rule001) ID() string { return "RULE-001" }

func (r *rule001) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	if ev.Kind != riskmodel.EventPositionUpdated && ev.Kind != riskmodel.EventPositionOpened {
		return nil
	}
	limit := r.d.Config.Rules.Rule001.MaxContracts
	total := totalAbsSize(snap)
	if total <= limit {
		return nil
	}
	excess := total - limit
	target := abs64(ev.Position.Size) - excess
	if target < 0 {
		target = 0
	}
	return &riskmodel.Verdict{
		Kind: riskmodel.VerdictReduceToLimit, Symbol: ev.Position.Symbol,
		TargetSize: target, Reason: fmt.Sprintf("total contracts %d exceeds limit %d", total, limit),
	}
}

// rule002 is Max Contracts Per Instrument.
type rule002 struct{ d Deps }

func newRule002(d Deps) Rule { return &rule002{d} }
func (r *rule002) ID() string { return "RULE-002" }

func (r *rule002) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	if ev.Kind != riskmodel.EventPositionUpdated && ev.Kind != riskmodel.EventPositionOpened {
		return nil
	}
	sym := ev.Position.Symbol
	pos, ok := snap.Positions[sym]
	if !ok {
		return nil
	}
	size := abs64(pos.Size)

	limitCfg, known := r.d.Config.Rules.Rule002.PerInstrument[string(sym)]
	if !known {
		return r.evaluateUnknownSymbol(sym, size)
	}
	if size <= limitCfg.Limit {
		return nil
	}
	if limitCfg.Mode == "reduce_to_limit" {
		return &riskmodel.Verdict{
			Kind: riskmodel.VerdictReduceToLimit, Symbol: sym, TargetSize: limitCfg.Limit,
			Reason: fmt.Sprintf("%s size %d exceeds per-instrument limit %d", sym, size, limitCfg.Limit),
		}
	}
	return &riskmodel.Verdict{Kind: riskmodel.VerdictClosePosition, Symbol: sym, Reason: "per-instrument limit exceeded"}
}

func (r *rule002) evaluateUnknownSymbol(sym riskmodel.Symbol, size int64) *riskmodel.Verdict {
	policy := r.d.Config.Rules.Rule002.UnknownSymbolPolicy
	switch {
	case policy == "" || policy == "allow":
		return nil
	case policy == "block":
		return &riskmodel.Verdict{Kind: riskmodel.VerdictClosePosition, Symbol: sym, Reason: "unknown symbol blocked"}
	case strings.HasPrefix(policy, "allow_with_limit:"):
		n, err := strconv.ParseInt(strings.TrimPrefix(policy, "allow_with_limit:"), 10, 64)
		if err != nil || size <= n {
			return nil
		}
		return &riskmodel.Verdict{
			Kind: riskmodel.VerdictReduceToLimit, Symbol: sym, TargetSize: n,
			Reason: "unknown symbol exceeds allow_with_limit",
		}
	}
	return nil
}

// rule004 is Daily Unrealized Loss.
type rule004 struct{ d Deps }

func newRule004(d Deps) Rule { return &rule004{d} }
func (r *rule004) ID() string { return "RULE-004" }

func (r *rule004) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	sym, last, pos, ok := unrealizedInputs(ev, snap)
	if !ok {
		return nil
	}
	symCfg := r.d.Config.Symbols[string(sym)]
	u := unrealizedPnL(pos, last, symCfg)
	limit := r.d.Config.Rules.Rule004.Limit
	if u.GreaterThan(limit) {
		return nil
	}
	return &riskmodel.Verdict{Kind: riskmodel.VerdictClosePosition, Symbol: sym, Reason: "unrealized loss breach"}
}

// rule005 is Max Unrealized Profit — the symmetric take-profit rule to RULE-004.
type rule005 struct{ d Deps }

func newRule005(d Deps) Rule { return &rule005{d} }
func (r *rule005) ID() string { return "RULE-005" }

func (r *rule005) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	sym, last, pos, ok := unrealizedInputs(ev, snap)
	if !ok {
		return nil
	}
	symCfg := r.d.Config.Symbols[string(sym)]
	u := unrealizedPnL(pos, last, symCfg)
	target := r.d.Config.Rules.Rule005.Target
	if u.LessThan(target) {
		return nil
	}
	return &riskmodel.Verdict{Kind: riskmodel.VerdictClosePosition, Symbol: sym, Reason: "unrealized profit target reached"}
}

// unrealizedInputs extracts (symbol, last price, open position) common to RULE-004/005,
// triggered by MarketDataUpdated or PositionUpdated, ok=false if there's no open
// position in the relevant symbol to evaluate.
func unrealizedInputs(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) (riskmodel.Symbol, decimal.Decimal, riskmodel.Position, bool) {
	var sym riskmodel.Symbol
	var last decimal.Decimal

	switch ev.Kind {
	case riskmodel.EventMarketDataUpdated:
		if ev.Quote == nil {
			return "", decimal.Zero, riskmodel.Position{}, false
		}
		sym, last = ev.Quote.Symbol, ev.Quote.LastPrice
	case riskmodel.EventPositionUpdated, riskmodel.EventPositionOpened:
		if ev.Position == nil {
			return "", decimal.Zero, riskmodel.Position{}, false
		}
		sym = ev.Position.Symbol
		q, ok := snap.Quotes[sym]
		if !ok {
			return "", decimal.Zero, riskmodel.Position{}, false
		}
		last = q.LastPrice
	default:
		return "", decimal.Zero, riskmodel.Position{}, false
	}

	pos, ok := snap.Positions[sym]
	if !ok {
		return "", decimal.Zero, riskmodel.Position{}, false
	}
	return sym, last, pos, true
}

// rule008 is the No-Stop-Loss Grace rule. It owns its grace timer directly (tag
// "grace:<symbol>") rather than through a Verdict, since it is rule-private bookkeeping,
// not dispatcher-merged enforcement — see package doc.
type rule008 struct {
	d        Deps
	hasStop  map[string]bool // keyed "account:symbol"
}

func newRule008(d Deps) Rule { return &rule008{d: d, hasStop: make(map[string]bool)} }
func (r *rule008) ID() string { return "RULE-008" }

func graceTag(symbol riskmodel.Symbol) string { return "grace:" + string(symbol) }
func stopKey(account riskmodel.AccountId, symbol riskmodel.Symbol) string {
	return string(account) + ":" + string(symbol)
}

func (r *rule008) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	switch ev.Kind {
	case riskmodel.EventPositionOpened:
		k := stopKey(ev.AccountID, ev.Position.Symbol)
		delete(r.hasStop, k)
		_ = r.d.Timers.Start(ev.AccountID, graceTag(ev.Position.Symbol), r.d.Config.Rules.Rule008.Grace, ev.Ts)
		return nil

	case riskmodel.EventOrderPlaced:
		if ev.Order.Kind != riskmodel.OrderKindStop {
			return nil
		}
		k := stopKey(ev.AccountID, ev.Order.Symbol)
		r.hasStop[k] = true
		_ = r.d.Timers.Cancel(ev.AccountID, graceTag(ev.Order.Symbol))
		return nil

	case riskmodel.EventTimerExpired:
		if !strings.HasPrefix(ev.Tag, "grace:") {
			return nil
		}
		sym := riskmodel.Symbol(strings.TrimPrefix(ev.Tag, "grace:"))
		if _, open := snap.Positions[sym]; !open {
			return nil
		}
		if r.hasStop[stopKey(ev.AccountID, sym)] {
			return nil
		}
		return &riskmodel.Verdict{Kind: riskmodel.VerdictClosePosition, Symbol: sym, Reason: "no stop-loss placed within grace period"}
	}
	return nil
}

// rule011 is Symbol Blocks: configured symbols (including simple globs) are closed and
// permanently locked at the symbol scope.
type rule011 struct{ d Deps }

func newRule011(d Deps) Rule { return &rule011{d} }
func (r *rule011) ID() string { return "RULE-011" }

func (r *rule011) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict {
	if ev.Kind != riskmodel.EventPositionUpdated && ev.Kind != riskmodel.EventPositionOpened {
		return nil
	}
	sym := ev.Position.Symbol
	for _, pattern := range r.d.Config.Rules.Rule011.BlockedSymbols {
		if matchesGlob(pattern, string(sym)) {
			return &riskmodel.Verdict{
				Kind: riskmodel.VerdictFlattenAndLock, Symbol: sym,
				Release: riskmodel.Permanent(), Reason: "symbol " + string(sym) + " is blocked",
			}
		}
	}
	return nil
}
