// Package riskmodel holds the data model shared by every component of the risk engine:
// the event and verdict tagged unions, and the Position/Order/Trade/Quote/AccountFlags
// records the Engine owns in memory.
package riskmodel

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountId identifies a prop-trading account, e.g. "PRAC-V2-126244".
type AccountId string

// Symbol is a root symbol extracted from a broker contract id, e.g. "MNQ".
type Symbol string

// SymbolFromContractID extracts the root symbol from a broker contract id by
// splitting on "." and taking the fourth field (index 3), e.g.
// "CON.F.US.MNQ.U25" -> "MNQ". Returns ("", false) for malformed ids.
func SymbolFromContractID(contractID string) (Symbol, bool) {
	parts := strings.Split(contractID, ".")
	if len(parts) < 4 {
		return "", false
	}
	if parts[3] == "" {
		return "", false
	}
	return Symbol(parts[3]), true
}

// OrderKind enumerates the order types the engine reasons about.
type OrderKind string

const (
	OrderKindMarket      OrderKind = "market"
	OrderKindLimit       OrderKind = "limit"
	OrderKindStop        OrderKind = "stop"
	OrderKindTakeProfit  OrderKind = "take_profit"
)

// OrderState enumerates order lifecycle states.
type OrderState string

const (
	OrderStatePlaced    OrderState = "placed"
	OrderStateFilled    OrderState = "filled"
	OrderStateCancelled OrderState = "cancelled"
)

// Side is the trading side of an order or position.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Position is created on the first non-zero size event for (account, symbol), updated on
// each PositionUpdated event, and destroyed when size transitions to zero.
type Position struct {
	AccountID    AccountId
	Symbol       Symbol
	ContractID   string
	Size         int64 // signed: +long / -short
	AveragePrice decimal.Decimal
	OpenedAt     time.Time
}

// Order mirrors a broker order.
type Order struct {
	OrderID   string
	AccountID AccountId
	Symbol    Symbol
	Kind      OrderKind
	Side      Side
	Size      int64
	Price     *decimal.Decimal
	PlacedAt  time.Time
	State     OrderState
}

// Trade is a fill report. RealizedPnL is nil on half-turn opening fills; only non-nil
// values contribute to the daily total.
type Trade struct {
	TradeID     string
	AccountID   AccountId
	Symbol      Symbol
	Size        int64
	Price       decimal.Decimal
	RealizedPnL *decimal.Decimal
	ExecutedAt  time.Time
}

// Quote is the latest tick for a symbol; latest wins.
type Quote struct {
	Symbol    Symbol
	LastPrice decimal.Decimal
	Ts        time.Time
}

// AccountFlags carries the broker's can_trade permission flag.
type AccountFlags struct {
	AccountID AccountId
	CanTrade  bool
	UpdatedAt time.Time
}

// DailyPnL is the unique-per-(account,date) realized P&L accumulator.
type DailyPnL struct {
	AccountID   AccountId
	Date        string // YYYY-MM-DD in the configured reset timezone
	RealizedPnL decimal.Decimal
}

// ReleaseKind tags a ReleaseSpec variant.
type ReleaseKind string

const (
	ReleaseUntilInstant ReleaseKind = "until_instant"
	ReleaseUntilFlag    ReleaseKind = "until_flag"
	ReleaseManual       ReleaseKind = "manual" // reserved, never producible by a rule
	ReleasePermanent    ReleaseKind = "permanent"
)

// ReleaseSpec is a tagged union describing how a Lockout auto-releases.
type ReleaseSpec struct {
	Kind    ReleaseKind
	Instant time.Time // valid when Kind == ReleaseUntilInstant
}

func UntilInstant(t time.Time) ReleaseSpec { return ReleaseSpec{Kind: ReleaseUntilInstant, Instant: t} }
func UntilFlag() ReleaseSpec               { return ReleaseSpec{Kind: ReleaseUntilFlag} }
func Permanent() ReleaseSpec               { return ReleaseSpec{Kind: ReleasePermanent} }

// Scope identifies what a Lockout restricts: the whole account, or one symbol within it.
type Scope struct {
	Account bool
	Symbol  Symbol // valid when !Account
}

func AccountScope() Scope            { return Scope{Account: true} }
func SymbolScope(sym Symbol) Scope   { return Scope{Account: false, Symbol: sym} }

func (s Scope) String() string {
	if s.Account {
		return "account"
	}
	return "symbol:" + string(s.Symbol)
}

// Lockout prevents new positions/orders for an account (or symbol) until Release fires.
type Lockout struct {
	AccountID AccountId
	RuleID    string
	Scope     Scope
	Reason    string
	LockedAt  time.Time
	Release   ReleaseSpec
}

// Timer is a cooldown: at most one active timer per (account, tag).
type Timer struct {
	AccountID AccountId
	Tag       string
	ExpiresAt time.Time
}

// TradeCountEntry is one row per trade, used for rolling-window frequency counting.
type TradeCountEntry struct {
	AccountID AccountId
	Ts        time.Time
}

// PositionExtremes tracks the high/low seen since a position was opened, for trailing
// stops. Reset to the entry price on each new opening.
type PositionExtremes struct {
	AccountID AccountId
	Symbol    Symbol
	High      decimal.Decimal
	Low       decimal.Decimal
}

// EventKind tags a RiskEvent variant.
type EventKind string

const (
	EventPositionOpened    EventKind = "position_opened"
	EventPositionUpdated   EventKind = "position_updated"
	EventPositionClosed    EventKind = "position_closed"
	EventOrderPlaced       EventKind = "order_placed"
	EventOrderFilled       EventKind = "order_filled"
	EventOrderCancelled    EventKind = "order_cancelled"
	EventTradeExecuted     EventKind = "trade_executed"
	EventMarketDataUpdated EventKind = "market_data_updated"
	EventAccountUpdated    EventKind = "account_updated"
	EventScheduledReset    EventKind = "scheduled_reset"
	EventTimerExpired      EventKind = "timer_expired"
	EventLockoutReleased   EventKind = "lockout_released"
)

// RiskEvent is the tagged union the Engine dispatches to rules. EventID is the SDK's
// idempotence key (used for R2 dedup); zero value means the source didn't supply one.
type RiskEvent struct {
	Kind      EventKind
	EventID   string
	AccountID AccountId
	Ts        time.Time

	Position *Position
	Order    *Order
	Trade    *Trade
	Quote    *Quote
	Flags    *AccountFlags

	// Symbol and Tag carry context for the synthetic events the Engine's background
	// ticker publishes (EventTimerExpired, EventLockoutReleased) that have no
	// Position/Order/Trade/Quote payload of their own.
	Symbol Symbol
	Tag    string

	// ResetTime is set on EventScheduledReset.
	ResetTime time.Time
}

// EffectiveSymbol returns the symbol an event pertains to, regardless of which payload
// variant carries it; synthetic events (ScheduledReset, TimerExpired, LockoutReleased)
// use the Symbol field directly.
func (e RiskEvent) EffectiveSymbol() Symbol {
	switch {
	case e.Position != nil:
		return e.Position.Symbol
	case e.Order != nil:
		return e.Order.Symbol
	case e.Trade != nil:
		return e.Trade.Symbol
	case e.Quote != nil:
		return e.Quote.Symbol
	default:
		return e.Symbol
	}
}

// VerdictKind tags a Verdict variant.
type VerdictKind string

const (
	VerdictAutomation         VerdictKind = "automation"
	VerdictClosePosition      VerdictKind = "close_position"
	VerdictReduceToLimit      VerdictKind = "reduce_to_limit"
	VerdictRejectOrder        VerdictKind = "reject_order"
	VerdictFlattenAndLock     VerdictKind = "flatten_and_lock"
	VerdictFlattenAndCooldown VerdictKind = "flatten_and_cooldown"
)

// AutomationAction enumerates RULE-012's order-placement suggestions.
type AutomationAction string

const (
	AutomationPlaceStop          AutomationAction = "place_stop"
	AutomationPlaceTakeProfit    AutomationAction = "place_take_profit"
	AutomationPlaceBracket       AutomationAction = "place_bracket"
	AutomationAdjustTrailingStop AutomationAction = "adjust_trailing_stop"
)

// Verdict is the tagged union a rule emits. RuleID is stamped by rules.Set.Evaluate,
// not by the rule itself, so rules stay pure functions of (event, snapshot).
type Verdict struct {
	Kind   VerdictKind
	RuleID string
	Symbol Symbol
	Reason string

	// ReduceToLimit
	TargetSize int64

	// RejectOrder
	OrderID string

	// FlattenAndLock
	Release ReleaseSpec

	// FlattenAndCooldown
	CooldownTag      string
	CooldownDuration time.Duration

	// Automation
	AutomationAction AutomationAction
	NewStopPrice     decimal.Decimal
	Payload          map[string]decimal.Decimal
}

// Snapshot is the Engine's authoritative, point-in-time view of one account, handed to
// every rule after an event has been applied. Rules never mutate it; the Engine owns the
// only writable copy.
type Snapshot struct {
	AccountID AccountId
	Positions map[Symbol]Position
	Orders    map[string]Order
	Quotes    map[Symbol]Quote
	Flags     AccountFlags
}

// Clone returns a deep-enough copy for safe concurrent reads by rules: callers may not
// mutate the maps they receive from the Engine, but Clone exists for tests and for any
// future consumer (e.g. the dashboard) that wants its own copy to hold across a lock.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{AccountID: s.AccountID, Flags: s.Flags}
	out.Positions = make(map[Symbol]Position, len(s.Positions))
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	out.Orders = make(map[string]Order, len(s.Orders))
	for k, v := range s.Orders {
		out.Orders[k] = v
	}
	out.Quotes = make(map[Symbol]Quote, len(s.Quotes))
	for k, v := range s.Quotes {
		out.Quotes[k] = v
	}
	return out
}
