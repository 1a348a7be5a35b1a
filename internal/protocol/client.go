// Package protocol is the HTTP client for the CDP protocol service. The
// service owns vault health computation and auction mechanics; this client
// only moves requests and responses. Mutating calls return a TxHandle that
// must be confirmed separately via Confirm.
package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// APIError is a non-2xx response from the protocol service. Remote
// rejections (stale auction, insufficient coins) surface as APIError and
// are recoverable per vault.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("protocol api: status %d: %s", e.Status, e.Body)
}

// Client talks to one protocol service instance.
type Client struct {
	host        string
	httpClient  *http.Client
	log         zerolog.Logger
	confirmPoll time.Duration
	feePerCost  float64
}

// NewClient validates host and returns a client. The confirmation poll
// interval defaults to 5s.
func NewClient(host string, log zerolog.Logger) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return nil, fmt.Errorf("protocol: empty host")
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("protocol: parse host %q: %w", host, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("protocol: host must be http(s), got %q", host)
	}
	return &Client{
		host:        host,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log,
		confirmPoll: 5 * time.Second,
	}, nil
}

// SetConfirmPoll overrides the confirmation poll interval (tests).
func (c *Client) SetConfirmPoll(d time.Duration) {
	if d > 0 {
		c.confirmPoll = d
	}
}

// FeePerCost returns the last fee rate fetched by RefreshFeeRate.
func (c *Client) FeePerCost() float64 { return c.feePerCost }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("protocol: marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, rd)
	if err != nil {
		return fmt.Errorf("protocol: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("protocol: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("protocol: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", path, err)
	}
	return nil
}

// RefreshFeeRate fetches the current fee-per-cost from the service.
func (c *Client) RefreshFeeRate(ctx context.Context) error {
	var out struct {
		FeePerCost float64 `json:"fee_per_cost"`
	}
	if err := c.do(ctx, http.MethodGet, "/fees", nil, &out); err != nil {
		return err
	}
	c.feePerCost = out.FeePerCost
	return nil
}

// FetchState returns the protocol state snapshot for this cycle.
func (c *Client) FetchState(ctx context.Context) (*StateSnapshot, error) {
	var out StateSnapshot
	if err := c.do(ctx, http.MethodGet, "/protocol/state", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Statutes returns the enacted auction parameters.
func (c *Client) Statutes(ctx context.Context) (Statutes, error) {
	var out struct {
		Implemented Statutes `json:"implemented_statutes"`
	}
	if err := c.do(ctx, http.MethodGet, "/statutes", nil, &out); err != nil {
		return Statutes{}, err
	}
	return out.Implemented, nil
}

// ListVaults returns all vaults known to the service.
func (c *Client) ListVaults(ctx context.Context) ([]Vault, error) {
	var out struct {
		Vaults []Vault `json:"vaults"`
	}
	if err := c.do(ctx, http.MethodGet, "/vaults", nil, &out); err != nil {
		return nil, err
	}
	return out.Vaults, nil
}

// VaultInfo returns one vault with auction detail.
func (c *Client) VaultInfo(ctx context.Context, name string) (*Vault, error) {
	var out Vault
	if err := c.do(ctx, http.MethodGet, "/vaults/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type ignoreCoinsReq struct {
	IgnoreCoins []string `json:"ignore_coins,omitempty"`
}

// StartAuction asks the service to begin liquidating a vault.
func (c *Client) StartAuction(ctx context.Context, name string, ignore []string) (TxHandle, error) {
	var out TxHandle
	err := c.do(ctx, http.MethodPost, "/vaults/"+url.PathEscape(name)+"/liquidate", ignoreCoinsReq{IgnoreCoins: ignore}, &out)
	return out, err
}

// BidAuction places a stablecoin bid on a vault auction. maxPrice bounds the
// accepted auction price, scaled by PricePrecision.
func (c *Client) BidAuction(ctx context.Context, name string, amountMilli, maxPrice int64, ignore []string) (TxHandle, error) {
	req := struct {
		Amount      int64    `json:"amount"`
		MaxBidPrice int64    `json:"max_bid_price"`
		IgnoreCoins []string `json:"ignore_coins,omitempty"`
	}{Amount: amountMilli, MaxBidPrice: maxPrice, IgnoreCoins: ignore}
	var out TxHandle
	err := c.do(ctx, http.MethodPost, "/vaults/"+url.PathEscape(name)+"/bid", req, &out)
	return out, err
}

// RecoverBadDebt asks the treasury to write off a vault's unrecoverable debt.
func (c *Client) RecoverBadDebt(ctx context.Context, name string, ignore []string) (TxHandle, error) {
	var out TxHandle
	err := c.do(ctx, http.MethodPost, "/vaults/"+url.PathEscape(name)+"/recover", ignoreCoinsReq{IgnoreCoins: ignore}, &out)
	return out, err
}

// Confirm polls the transaction status until it confirms, fails, or ctx is
// done. A failed transaction is an APIError-free hard error: the action did
// not happen.
func (c *Client) Confirm(ctx context.Context, h TxHandle) error {
	if h.ID == "" {
		return fmt.Errorf("protocol: confirm: empty tx id")
	}
	req := struct {
		TxID string `json:"tx_id"`
	}{TxID: h.ID}
	for {
		var out struct {
			Status string `json:"status"`
		}
		if err := c.do(ctx, http.MethodPost, "/transactions/status", req, &out); err != nil {
			return err
		}
		switch out.Status {
		case "confirmed":
			return nil
		case "failed":
			return fmt.Errorf("protocol: transaction %s failed", h.ID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.confirmPoll):
		}
	}
}

// WalletBalances returns spendable balances, excluding the given coins.
func (c *Client) WalletBalances(ctx context.Context, ignore []string) (Balances, error) {
	var out struct {
		Balances Balances `json:"balances"`
	}
	if err := c.do(ctx, http.MethodPost, "/wallet/balances", ignoreCoinsReq{IgnoreCoins: ignore}, &out); err != nil {
		return nil, err
	}
	if out.Balances == nil {
		out.Balances = Balances{}
	}
	return out.Balances, nil
}

// WalletCoins lists spendable coins of one asset type, excluding the given
// coins.
func (c *Client) WalletCoins(ctx context.Context, typ string, ignore []string) ([]Coin, error) {
	req := struct {
		Type        string   `json:"type"`
		IgnoreCoins []string `json:"ignore_coins,omitempty"`
	}{Type: typ, IgnoreCoins: ignore}
	var out struct {
		Coins []Coin `json:"coins"`
	}
	if err := c.do(ctx, http.MethodPost, "/wallet/coins", req, &out); err != nil {
		return nil, err
	}
	return out.Coins, nil
}

// SplitCoin breaks one coin into the given output amounts.
func (c *Client) SplitCoin(ctx context.Context, coinName string, amounts []int64) (TxHandle, error) {
	req := struct {
		CoinName string  `json:"coin_name"`
		Amounts  []int64 `json:"amounts"`
	}{CoinName: coinName, Amounts: amounts}
	var out TxHandle
	err := c.do(ctx, http.MethodPost, "/wallet/split", req, &out)
	return out, err
}

// MakeOffer builds and signs a resale offer. Signing happens service-side;
// the returned bundle is opaque and ready for marketplace upload.
func (c *Client) MakeOffer(ctx context.Context, p MakeOfferParams) (*OfferBundle, error) {
	var out OfferBundle
	if err := c.do(ctx, http.MethodPost, "/offers", p, &out); err != nil {
		return nil, err
	}
	if out.Encoded == "" {
		return nil, fmt.Errorf("protocol: offer response missing bundle")
	}
	return &out, nil
}
