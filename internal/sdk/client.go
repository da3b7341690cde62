// Package sdk is the narrow boundary between the risk engine and the TopstepX brokerage
// SDK: a Commander that issues enforcement commands over REST (signed the way the
// teacher's bitunix REST client signs requests) and a Stream that turns the broker's
// WebSocket event feed into riskmodel.RiskEvent values, per spec.md §6.
package sdk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/topstepx/riskguard/internal/riskmodel"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Commander is the narrow outbound command surface the Dispatcher and Pre-Trade Gate
// depend on (spec.md §6). Every call returns an error on failure; the caller decides
// whether to retry.
type Commander interface {
	CloseAllPositions(ctx context.Context, account riskmodel.AccountId) error
	ClosePosition(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol) error
	PartialClosePosition(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol, targetSize int64) error
	CancelAllOrders(ctx context.Context, account riskmodel.AccountId) error
	PlaceOrder(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol, kind riskmodel.OrderKind, side riskmodel.Side, size int64, price *float64) error
}

// Client is the resty-backed Commander implementation. Each account gets its own
// golang.org/x/time/rate limiter so one noisy account's retries cannot starve another's
// enforcement commands against the broker's per-account rate limit.
type Client struct {
	key, secret, base string
	rest              *resty.Client

	mu       sync.Mutex
	limiters map[riskmodel.AccountId]*rate.Limiter
}

// NewClient builds a Commander against baseURL, signing every request with key/secret.
func NewClient(key, secret, baseURL string, timeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	r := resty.New()
	r.SetTransport(transport)
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second)
	}
	r.SetRetryCount(3)
	r.SetRetryWaitTime(1 * time.Second)
	r.SetRetryMaxWaitTime(5 * time.Second)

	return &Client{
		key: key, secret: secret, base: baseURL,
		rest:     r,
		limiters: make(map[riskmodel.AccountId]*rate.Limiter),
	}
}

// sign computes the double SHA-256 request signature, with the account id as an
// extra signed field so a leaked signature for one account cannot be replayed against
// another.
func sign(secret, nonce, apiKey, ts, account string) string {
	h1 := sha256.Sum256([]byte(nonce + ts + apiKey + account))
	h2 := sha256.Sum256([]byte(hex.EncodeToString(h1[:]) + secret))
	return hex.EncodeToString(h2[:])
}

// limiterFor returns (creating if absent) accountID's command rate limiter: 5 commands/sec
// with a burst of 5, generous enough for enforcement bursts (flatten + cancel-all) while
// still bounding a misbehaving retry loop.
func (c *Client) limiterFor(accountID riskmodel.AccountId) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[accountID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(5), 5)
	c.limiters[accountID] = l
	return l
}

func (c *Client) req(ctx context.Context, accountID riskmodel.AccountId) (*resty.Request, error) {
	if err := c.limiterFor(accountID).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := ts
	return c.rest.R().
		SetContext(ctx).
		SetHeader("api-key", c.key).
		SetHeader("nonce", nonce).
		SetHeader("timestamp", ts).
		SetHeader("sign", sign(c.secret, nonce, c.key, ts, string(accountID))).
		SetHeader("account-id", string(accountID)), nil
}

type commandResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *Client) post(ctx context.Context, accountID riskmodel.AccountId, path string, body any) error {
	req, err := c.req(ctx, accountID)
	if err != nil {
		return err
	}
	resp := &commandResp{}
	httpResp, err := req.SetBody(body).SetResult(resp).Post(c.base + path)
	if err != nil {
		return fmt.Errorf("sdk command %s: %w", path, err)
	}
	if httpResp.StatusCode() != 200 || resp.Code != 0 {
		return fmt.Errorf("sdk command %s rejected: code=%d msg=%s", path, resp.Code, resp.Msg)
	}
	log.Debug().Str("account", string(accountID)).Str("path", path).Msg("sdk command acknowledged")
	return nil
}

func (c *Client) CloseAllPositions(ctx context.Context, account riskmodel.AccountId) error {
	return c.post(ctx, account, "/api/v1/accounts/positions/close_all", map[string]string{"accountId": string(account)})
}

func (c *Client) ClosePosition(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol) error {
	return c.post(ctx, account, "/api/v1/accounts/positions/close", map[string]string{
		"accountId": string(account), "symbol": string(symbol),
	})
}

func (c *Client) PartialClosePosition(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol, targetSize int64) error {
	return c.post(ctx, account, "/api/v1/accounts/positions/partial_close", map[string]any{
		"accountId": string(account), "symbol": string(symbol), "targetSize": targetSize,
	})
}

func (c *Client) CancelAllOrders(ctx context.Context, account riskmodel.AccountId) error {
	return c.post(ctx, account, "/api/v1/accounts/orders/cancel_all", map[string]string{"accountId": string(account)})
}

func (c *Client) PlaceOrder(ctx context.Context, account riskmodel.AccountId, symbol riskmodel.Symbol, kind riskmodel.OrderKind, side riskmodel.Side, size int64, price *float64) error {
	body := map[string]any{
		"accountId": string(account), "symbol": string(symbol),
		"orderType": string(kind), "side": string(side), "size": size,
	}
	if price != nil {
		body["price"] = *price
	}
	return c.post(ctx, account, "/api/v1/accounts/orders/place", body)
}
