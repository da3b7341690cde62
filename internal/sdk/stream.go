package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/topstepx/riskguard/internal/riskmodel"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// wireEvent is the duck-typed broker payload (spec.md §6, §9 "duck-typed SDK events in
// the source become tagged variants here"). Fields absent for a given type are left
// zero; ToRiskEvent validates only what that type requires.
type wireEvent struct {
	Type      string  `json:"type"`
	EventID   string  `json:"eventId"`
	AccountID string  `json:"accountId"`
	Ts        int64   `json:"ts"` // unix millis

	ContractID     string   `json:"contractId"`
	Size           *int64   `json:"size"`
	AveragePrice   *float64 `json:"averagePrice"`
	OrderID        string   `json:"orderId"`
	OrderKind      string   `json:"orderType"`
	Side           string   `json:"side"`
	Price          *float64 `json:"price"`
	Status         string   `json:"status"`
	TradeID        string   `json:"tradeId"`
	ProfitAndLoss  *float64 `json:"profitAndLoss"`
	Last           *float64 `json:"last"`
	CanTrade       *bool    `json:"canTrade"`
}

// dedupKey returns the SDK's own event id if it sent one, otherwise a key derived from
// the fields that uniquely identify a re-delivery of the same wire message — never a
// freshly minted id, which would make every delivery look distinct and defeat R2 dedup
// entirely (spec.md §8 R2).
func (w wireEvent) dedupKey() string {
	if w.EventID != "" {
		return w.EventID
	}
	discriminator := w.TradeID
	if discriminator == "" {
		discriminator = w.OrderID
	}
	if discriminator == "" {
		discriminator = w.ContractID
	}
	return fmt.Sprintf("%s:%s:%d:%s", w.Type, w.AccountID, w.Ts, discriminator)
}

// ToRiskEvent translates a wire event into riskmodel.RiskEvent. It returns ok=false for
// malformed events (spec.md §7 EventMalformed: drop and audit), never an error — the
// caller logs and counts drops itself.
func (w wireEvent) ToRiskEvent() (riskmodel.RiskEvent, bool) {
	if w.AccountID == "" {
		return riskmodel.RiskEvent{}, false
	}
	ts := time.UnixMilli(w.Ts)
	base := riskmodel.RiskEvent{
		EventID:   w.dedupKey(),
		AccountID: riskmodel.AccountId(w.AccountID),
		Ts:        ts,
	}

	switch w.Type {
	case "position_update":
		sym, ok := riskmodel.SymbolFromContractID(w.ContractID)
		if !ok || w.Size == nil || w.AveragePrice == nil {
			return riskmodel.RiskEvent{}, false
		}
		pos := riskmodel.Position{
			Symbol: sym, ContractID: w.ContractID, Size: *w.Size,
			AveragePrice: decimal.NewFromFloat(*w.AveragePrice), OpenedAt: ts,
		}
		base.Position = &pos
		if *w.Size == 0 {
			base.Kind = riskmodel.EventPositionClosed
		} else {
			base.Kind = riskmodel.EventPositionUpdated
		}
		return base, true

	case "order_update":
		sym, ok := riskmodel.SymbolFromContractID(w.ContractID)
		if !ok || w.Size == nil {
			return riskmodel.RiskEvent{}, false
		}
		order := riskmodel.Order{
			OrderID: w.OrderID, Symbol: sym, Kind: riskmodel.OrderKind(w.OrderKind),
			Side: riskmodel.Side(w.Side), Size: *w.Size, PlacedAt: ts, State: riskmodel.OrderState(w.Status),
		}
		if w.Price != nil {
			p := decimal.NewFromFloat(*w.Price)
			order.Price = &p
		}
		base.Order = &order
		switch w.Status {
		case "filled":
			base.Kind = riskmodel.EventOrderFilled
		case "cancelled":
			base.Kind = riskmodel.EventOrderCancelled
		default:
			base.Kind = riskmodel.EventOrderPlaced
		}
		return base, true

	case "trade_update":
		sym, ok := riskmodel.SymbolFromContractID(w.ContractID)
		if !ok || w.Size == nil || w.Price == nil {
			return riskmodel.RiskEvent{}, false
		}
		trade := riskmodel.Trade{
			TradeID: w.TradeID, Symbol: sym, Size: *w.Size,
			Price: decimal.NewFromFloat(*w.Price), ExecutedAt: ts,
		}
		if w.ProfitAndLoss != nil {
			pnl := decimal.NewFromFloat(*w.ProfitAndLoss)
			trade.RealizedPnL = &pnl
		}
		base.Trade = &trade
		base.Kind = riskmodel.EventTradeExecuted
		return base, true

	case "quote_update":
		sym, ok := riskmodel.SymbolFromContractID(w.ContractID)
		if !ok || w.Last == nil {
			return riskmodel.RiskEvent{}, false
		}
		base.Quote = &riskmodel.Quote{Symbol: sym, LastPrice: decimal.NewFromFloat(*w.Last), Ts: ts}
		base.Kind = riskmodel.EventMarketDataUpdated
		return base, true

	case "account_update":
		if w.CanTrade == nil {
			return riskmodel.RiskEvent{}, false
		}
		base.Flags = &riskmodel.AccountFlags{
			AccountID: riskmodel.AccountId(w.AccountID), CanTrade: *w.CanTrade, UpdatedAt: ts,
		}
		base.Kind = riskmodel.EventAccountUpdated
		return base, true
	}
	return riskmodel.RiskEvent{}, false
}

// Stream reconnects to the broker's WebSocket feed with exponential backoff, translates
// every message to a RiskEvent, and delivers it on events. Malformed messages are logged
// and dropped, not surfaced as stream errors. Uses the same reconnect-with-backoff loop
// shape as the exchange websocket readers this codebase grew up with, simplified to this
// domain's single JSON-object-per-message protocol.
type Stream struct {
	url  string
	ping time.Duration
}

func NewStream(url string, ping time.Duration) *Stream {
	return &Stream{url: url, ping: ping}
}

func (s *Stream) Run(ctx context.Context, events chan<- riskmodel.RiskEvent, malformed chan<- string) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.runOnce(ctx, events, malformed); err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("sdk stream disconnected, reconnecting")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (s *Stream) runOnce(ctx context.Context, events chan<- riskmodel.RiskEvent, malformed chan<- string) error {
	url := strings.TrimRight(s.url, "/")
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			var w wireEvent
			if err := json.Unmarshal(msg, &w); err != nil {
				select {
				case malformed <- string(msg):
				default:
				}
				continue
			}
			ev, ok := w.ToRiskEvent()
			if !ok {
				select {
				case malformed <- string(msg):
				default:
				}
				continue
			}
			events <- ev
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return err
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
