// Package rules implements the Rule Set (C10): thirteen pure functions of
// (event, snapshot) -> optional Verdict, grouped into the four enforcement categories
// spec.md §4.9 defines. Every rule is a pure reader of engine state — PnL, trade-frequency,
// and position-extremes bookkeeping is performed by the Engine before rules run (spec.md
// §3: "rules never mutate state directly"); the one exception is RULE-008's internal grace
// timer, which is a rule-private scheduling detail rather than an enforcement Verdict, so
// the rule owns it directly.
package rules

import (
	"path"
	"time"

	"github.com/topstepx/riskguard/internal/cfg"
	"github.com/topstepx/riskguard/internal/clock"
	"github.com/topstepx/riskguard/internal/extremes"
	"github.com/topstepx/riskguard/internal/freq"
	"github.com/topstepx/riskguard/internal/pnl"
	"github.com/topstepx/riskguard/internal/riskmodel"
	"github.com/topstepx/riskguard/internal/timer"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Deps bundles the state managers and config a rule needs to evaluate. All fields are
// read-only from a rule's point of view except Timers, used solely by RULE-008's grace
// timer.
type Deps struct {
	PnL      *pnl.Tracker
	Extremes *extremes.Tracker
	Freq     *freq.Counter
	Timers   *timer.Manager
	Clock    clock.Clock
	Config   cfg.Settings

	ResetLoc *time.Location
}

// Rule is one of the thirteen risk rules.
type Rule interface {
	ID() string
	Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) *riskmodel.Verdict
}

// Set evaluates enabled rules in config order (spec.md §4.10: "rules run in a
// deterministic order listed in config; ties broken by rule id").
type Set struct {
	rules []Rule
}

// NewSet constructs the full rule set from deps, ordered per deps.Config.Rules.Order. Any
// rule id absent from Order but enabled in config still runs, appended after the
// configured order, sorted by id, so a forgotten config entry doesn't silently disable a
// rule — but deterministic ordering for the rules the operator did order always wins.
func NewSet(d Deps) *Set {
	all := map[string]Rule{
		"RULE-001": newRule001(d),
		"RULE-002": newRule002(d),
		"RULE-003": newRule003(d),
		"RULE-004": newRule004(d),
		"RULE-005": newRule005(d),
		"RULE-006": newRule006(d),
		"RULE-007": newRule007(d),
		"RULE-008": newRule008(d),
		"RULE-009": newRule009(d),
		"RULE-010": newRule010(d),
		"RULE-011": newRule011(d),
		"RULE-012": newRule012(d),
		"RULE-013": newRule013(d),
	}
	enabled := map[string]bool{
		"RULE-001": d.Config.Rules.Rule001.Enabled,
		"RULE-002": d.Config.Rules.Rule002.Enabled,
		"RULE-003": d.Config.Rules.Rule003.Enabled,
		"RULE-004": d.Config.Rules.Rule004.Enabled,
		"RULE-005": d.Config.Rules.Rule005.Enabled,
		"RULE-006": d.Config.Rules.Rule006.Enabled,
		"RULE-007": d.Config.Rules.Rule007.Enabled,
		"RULE-008": d.Config.Rules.Rule008.Enabled,
		"RULE-009": d.Config.Rules.Rule009.Enabled,
		"RULE-010": d.Config.Rules.Rule010.Enabled,
		"RULE-011": d.Config.Rules.Rule011.Enabled,
		"RULE-012": d.Config.Rules.Rule012.Enabled,
		"RULE-013": d.Config.Rules.Rule013.Enabled,
	}

	s := &Set{}
	seen := make(map[string]bool)
	for _, id := range d.Config.Rules.Order {
		if enabled[id] {
			s.rules = append(s.rules, all[id])
		}
		seen[id] = true
	}
	for _, id := range sortedRuleIDs(all) {
		if !seen[id] && enabled[id] {
			s.rules = append(s.rules, all[id])
		}
	}
	return s
}

func sortedRuleIDs(all map[string]Rule) []string {
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// Evaluate runs every enabled rule against ev/snap in order, collecting verdicts and
// stamping each with its rule's id. A rule that panics is recovered and logged and yields
// no verdict, so one rule fault never aborts the rest.
func (s *Set) Evaluate(ev riskmodel.RiskEvent, snap riskmodel.Snapshot) []riskmodel.Verdict {
	var out []riskmodel.Verdict
	for _, r := range s.rules {
		v := s.safeEvaluate(r, ev, snap)
		if v != nil {
			v.RuleID = r.ID()
			out = append(out, *v)
		}
	}
	return out
}

func (s *Set) safeEvaluate(r Rule, ev riskmodel.RiskEvent, snap riskmodel.Snapshot) (v *riskmodel.Verdict) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("account", string(ev.AccountID)).Str("rule", r.ID()).
				Str("event", string(ev.Kind)).Interface("panic", rec).Msg("rule panicked; verdict dropped")
			v = nil
		}
	}()
	return r.Evaluate(ev, snap)
}

// totalAbsSize sums |size| across every open position in the account.
func totalAbsSize(snap riskmodel.Snapshot) int64 {
	var total int64
	for _, p := range snap.Positions {
		total += abs64(p.Size)
	}
	return total
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// unrealizedPnL computes (last-avg)*size*tick_value/tick_size, sign-correct for shorts
// (size already carries the sign), per spec.md §4.9 RULE-004/005.
func unrealizedPnL(pos riskmodel.Position, last decimal.Decimal, sym cfg.SymbolConfig) decimal.Decimal {
	if sym.TickSize.IsZero() {
		return decimal.Zero
	}
	diff := last.Sub(pos.AveragePrice)
	return diff.Mul(decimal.NewFromInt(pos.Size)).Mul(sym.TickValue).Div(sym.TickSize)
}

// matchesGlob implements the simple "*" glob spec.md §9 Open Question (a) settles on:
// '*' means any suffix/prefix, delegated to stdlib path.Match which gives exactly that
// behavior for patterns without path separators.
func matchesGlob(pattern, symbol string) bool {
	ok, err := path.Match(pattern, symbol)
	return err == nil && ok
}
