package rules

import (
	"testing"
	"time"

	"github.com/topstepx/riskguard/internal/cfg"
	"github.com/topstepx/riskguard/internal/riskmodel"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRule002UnknownSymbolPolicies(t *testing.T) {
	d := newTestDeps(t, baseConfig())
	acc := riskmodel.AccountId("ACC1")

	cases := []struct {
		name   string
		policy string
		size   int64
		want   riskmodel.VerdictKind
		isNil  bool
	}{
		{"allow default", "", 50, "", true},
		{"allow explicit", "allow", 50, "", true},
		{"block", "block", 1, riskmodel.VerdictClosePosition, false},
		{"allow_with_limit under", "allow_with_limit:5", 3, "", true},
		{"allow_with_limit over", "allow_with_limit:5", 9, riskmodel.VerdictReduceToLimit, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d.Config.Rules.Rule002 = cfg.Rule002Config{Enabled: true, UnknownSymbolPolicy: tc.policy}
			r := newRule002(d)
			pos := riskmodel.Position{AccountID: acc, Symbol: "NQ", Size: tc.size, AveragePrice: decimal.NewFromInt(100)}
			snap := snapWith(acc, map[riskmodel.Symbol]riskmodel.Position{"NQ": pos}, nil)
			ev := riskmodel.RiskEvent{Kind: riskmodel.EventPositionOpened, AccountID: acc, Position: &pos}

			v := r.Evaluate(ev, snap)
			if tc.isNil {
				require.Nil(t, v)
				return
			}
			require.NotNil(t, v)
			require.Equal(t, tc.want, v.Kind)
		})
	}
}

func TestRule007AscendingTierPicksHighestMatching(t *testing.T) {
	d := newTestDeps(t, baseConfig())
	d.Config.Rules.Rule007 = cfg.Rule007Config{
		Enabled: true,
		Tiers: []cfg.LossTier{
			{ThresholdAbs: decimal.NewFromInt(50), Cooldown: 5 * time.Minute},
			{ThresholdAbs: decimal.NewFromInt(150), Cooldown: 20 * time.Minute},
		},
	}
	r := newRule007(d)
	acc := riskmodel.AccountId("ACC1")

	loss := decimal.NewFromInt(-200)
	ev := riskmodel.RiskEvent{Kind: riskmodel.EventTradeExecuted, AccountID: acc, Trade: &riskmodel.Trade{RealizedPnL: &loss}}
	v := r.Evaluate(ev, snapWith(acc, nil, nil))
	require.NotNil(t, v)
	require.Equal(t, 20*time.Minute, v.CooldownDuration)

	smallLoss := decimal.NewFromInt(-60)
	ev2 := riskmodel.RiskEvent{Kind: riskmodel.EventTradeExecuted, AccountID: acc, Trade: &riskmodel.Trade{RealizedPnL: &smallLoss}}
	v2 := r.Evaluate(ev2, snapWith(acc, nil, nil))
	require.NotNil(t, v2)
	require.Equal(t, 5*time.Minute, v2.CooldownDuration)

	tinyLoss := decimal.NewFromInt(-10)
	ev3 := riskmodel.RiskEvent{Kind: riskmodel.EventTradeExecuted, AccountID: acc, Trade: &riskmodel.Trade{RealizedPnL: &tinyLoss}}
	require.Nil(t, r.Evaluate(ev3, snapWith(acc, nil, nil)))
}

func TestRule009LocksOutsideSession(t *testing.T) {
	d := newTestDeps(t, baseConfig())
	d.Config.Rules.Rule009 = cfg.Rule009Config{
		Enabled: true, SessionOpen: "09:30", SessionClose: "16:00", TZ: "America/New_York",
	}
	r := newRule009(d)
	acc := riskmodel.AccountId("ACC1")
	ny, _ := time.LoadLocation("America/New_York")

	outside := time.Date(2026, 7, 30, 20, 0, 0, 0, ny)
	ev := riskmodel.RiskEvent{Kind: riskmodel.EventScheduledReset, AccountID: acc, Ts: outside}
	v := r.Evaluate(ev, snapWith(acc, nil, nil))
	require.NotNil(t, v)
	require.Equal(t, riskmodel.VerdictFlattenAndLock, v.Kind)

	inside := time.Date(2026, 7, 30, 11, 0, 0, 0, ny)
	ev2 := riskmodel.RiskEvent{Kind: riskmodel.EventScheduledReset, AccountID: acc, Ts: inside}
	require.Nil(t, r.Evaluate(ev2, snapWith(acc, nil, nil)))
}

func TestRule008ClosesOnGraceExpiryWithoutStop(t *testing.T) {
	d := newTestDeps(t, baseConfig())
	d.Config.Rules.Rule008 = cfg.Rule008Config{Enabled: true, Grace: 2 * time.Minute}
	r := newRule008(d)
	acc := riskmodel.AccountId("ACC1")
	sym := riskmodel.Symbol("MNQ")

	now := time.Now()
	pos := riskmodel.Position{AccountID: acc, Symbol: sym, Size: 1, AveragePrice: decimal.NewFromInt(21000)}
	opened := riskmodel.RiskEvent{Kind: riskmodel.EventPositionOpened, AccountID: acc, Ts: now, Position: &pos}
	require.Nil(t, r.Evaluate(opened, snapWith(acc, map[riskmodel.Symbol]riskmodel.Position{sym: pos}, nil)))

	expired := riskmodel.RiskEvent{Kind: riskmodel.EventTimerExpired, AccountID: acc, Tag: "grace:MNQ"}
	v := r.Evaluate(expired, snapWith(acc, map[riskmodel.Symbol]riskmodel.Position{sym: pos}, nil))
	require.NotNil(t, v)
	require.Equal(t, riskmodel.VerdictClosePosition, v.Kind)
}

func TestRule008NoCloseWhenStopPlacedBeforeExpiry(t *testing.T) {
	d := newTestDeps(t, baseConfig())
	d.Config.Rules.Rule008 = cfg.Rule008Config{Enabled: true, Grace: 2 * time.Minute}
	r := newRule008(d)
	acc := riskmodel.AccountId("ACC1")
	sym := riskmodel.Symbol("MNQ")
	now := time.Now()

	pos := riskmodel.Position{AccountID: acc, Symbol: sym, Size: 1, AveragePrice: decimal.NewFromInt(21000)}
	opened := riskmodel.RiskEvent{Kind: riskmodel.EventPositionOpened, AccountID: acc, Ts: now, Position: &pos}
	require.Nil(t, r.Evaluate(opened, snapWith(acc, map[riskmodel.Symbol]riskmodel.Position{sym: pos}, nil)))

	stopOrder := riskmodel.Order{AccountID: acc, Symbol: sym, Kind: riskmodel.OrderKindStop}
	placed := riskmodel.RiskEvent{Kind: riskmodel.EventOrderPlaced, AccountID: acc, Order: &stopOrder}
	require.Nil(t, r.Evaluate(placed, snapWith(acc, map[riskmodel.Symbol]riskmodel.Position{sym: pos}, nil)))

	expired := riskmodel.RiskEvent{Kind: riskmodel.EventTimerExpired, AccountID: acc, Tag: "grace:MNQ"}
	require.Nil(t, r.Evaluate(expired, snapWith(acc, map[riskmodel.Symbol]riskmodel.Position{sym: pos}, nil)))
}
