package sdk

import (
	"testing"

	"github.com/topstepx/riskguard/internal/riskmodel"

	"github.com/stretchr/testify/require"
)

func TestToRiskEventPositionUpdate(t *testing.T) {
	size := int64(3)
	avg := 21000.0
	w := wireEvent{
		Type: "position_update", AccountID: "ACC1", Ts: 1000,
		ContractID: "CON.F.US.MNQ.U25", Size: &size, AveragePrice: &avg,
	}
	ev, ok := w.ToRiskEvent()
	require.True(t, ok)
	require.Equal(t, riskmodel.EventPositionUpdated, ev.Kind)
	require.Equal(t, riskmodel.Symbol("MNQ"), ev.Position.Symbol)
}

func TestToRiskEventPositionClosedOnZeroSize(t *testing.T) {
	size := int64(0)
	avg := 21000.0
	w := wireEvent{Type: "position_update", AccountID: "ACC1", ContractID: "CON.F.US.MNQ.U25", Size: &size, AveragePrice: &avg}
	ev, ok := w.ToRiskEvent()
	require.True(t, ok)
	require.Equal(t, riskmodel.EventPositionClosed, ev.Kind)
}

func TestToRiskEventMalformedContractID(t *testing.T) {
	size := int64(3)
	avg := 21000.0
	w := wireEvent{Type: "position_update", AccountID: "ACC1", ContractID: "bad", Size: &size, AveragePrice: &avg}
	_, ok := w.ToRiskEvent()
	require.False(t, ok)
}

func TestToRiskEventMissingAccountID(t *testing.T) {
	w := wireEvent{Type: "account_update"}
	_, ok := w.ToRiskEvent()
	require.False(t, ok)
}

func TestToRiskEventTradeWithRealizedPnL(t *testing.T) {
	size := int64(2)
	price := 21010.0
	pnl := -200.0
	w := wireEvent{Type: "trade_update", AccountID: "ACC1", ContractID: "CON.F.US.MNQ.U25", Size: &size, Price: &price, ProfitAndLoss: &pnl}
	ev, ok := w.ToRiskEvent()
	require.True(t, ok)
	require.Equal(t, riskmodel.EventTradeExecuted, ev.Kind)
	require.NotNil(t, ev.Trade.RealizedPnL)
	require.True(t, ev.Trade.RealizedPnL.Equal(ev.Trade.RealizedPnL.Abs().Neg()))
}

func TestToRiskEventAccountUpdate(t *testing.T) {
	canTrade := false
	w := wireEvent{Type: "account_update", AccountID: "ACC1", CanTrade: &canTrade}
	ev, ok := w.ToRiskEvent()
	require.True(t, ok)
	require.Equal(t, riskmodel.EventAccountUpdated, ev.Kind)
	require.False(t, ev.Flags.CanTrade)
}

func TestToRiskEventUnknownType(t *testing.T) {
	w := wireEvent{Type: "unknown_thing", AccountID: "ACC1"}
	_, ok := w.ToRiskEvent()
	require.False(t, ok)
}

func TestToRiskEvent_UsesWireEventID(t *testing.T) {
	canTrade := true
	w := wireEvent{Type: "account_update", EventID: "wire-123", AccountID: "ACC1", CanTrade: &canTrade}
	ev, ok := w.ToRiskEvent()
	require.True(t, ok)
	require.Equal(t, "wire-123", ev.EventID)
}

func TestToRiskEvent_RedeliveryWithoutWireIDYieldsSameEventID(t *testing.T) {
	size := int64(2)
	price := 21010.0
	pnl := -200.0
	w := wireEvent{
		Type: "trade_update", AccountID: "ACC1", Ts: 5000, TradeID: "T1",
		ContractID: "CON.F.US.MNQ.U25", Size: &size, Price: &price, ProfitAndLoss: &pnl,
	}
	first, ok := w.ToRiskEvent()
	require.True(t, ok)
	second, ok := w.ToRiskEvent()
	require.True(t, ok)
	require.NotEmpty(t, first.EventID)
	require.Equal(t, first.EventID, second.EventID,
		"re-parsing the same wire message must yield the same dedup key, not a fresh one each time")
}

func TestToRiskEvent_DistinctTradesYieldDistinctEventIDs(t *testing.T) {
	size := int64(2)
	price := 21010.0
	w1 := wireEvent{Type: "trade_update", AccountID: "ACC1", Ts: 5000, TradeID: "T1", ContractID: "CON.F.US.MNQ.U25", Size: &size, Price: &price}
	w2 := wireEvent{Type: "trade_update", AccountID: "ACC1", Ts: 5000, TradeID: "T2", ContractID: "CON.F.US.MNQ.U25", Size: &size, Price: &price}
	ev1, _ := w1.ToRiskEvent()
	ev2, _ := w2.ToRiskEvent()
	require.NotEqual(t, ev1.EventID, ev2.EventID)
}
