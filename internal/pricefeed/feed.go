// Package pricefeed fetches the market price ratio (stablecoin per
// collateral unit) from an exchange ticker API. Transient failures are
// retried a few times with jittered backoff; persistent outage surfaces as
// ErrUnavailable so callers can apply their own degraded-mode policy.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnavailable means the feed could not produce a usable price after all
// retries.
var ErrUnavailable = errors.New("pricefeed: unavailable")

const (
	defaultAttempts = 3
	defaultBackoff  = 2 * time.Second
	maxBackoff      = 60 * time.Second
	defaultPair     = "XCH-BYC"
	requestTimeout  = 10 * time.Second
)

// Feed is a REST ticker client for one trading pair.
type Feed struct {
	host     string
	pair     string
	attempts int
	backoff  time.Duration
	http     *http.Client
	log      zerolog.Logger
	sleep    func(context.Context, time.Duration) error
}

// New returns a feed for the given ticker host and pair. An empty pair
// selects the default collateral/stablecoin pair.
func New(host, pair string, log zerolog.Logger) (*Feed, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return nil, fmt.Errorf("pricefeed: empty host")
	}
	if _, err := url.Parse(host); err != nil {
		return nil, fmt.Errorf("pricefeed: parse host %q: %w", host, err)
	}
	if pair == "" {
		pair = defaultPair
	}
	return &Feed{
		host:     host,
		pair:     pair,
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		http:     &http.Client{Timeout: requestTimeout},
		log:      log,
		sleep:    sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Ticker returns the last traded price ratio for the pair. Zero or negative
// quotes count as unavailable.
func (f *Feed) Ticker(ctx context.Context) (float64, error) {
	var lastErr error
	delay := f.backoff
	for attempt := 0; attempt < f.attempts; attempt++ {
		if attempt > 0 {
			// Jitter of up to half the delay spreads concurrent pollers.
			wait := delay + time.Duration(rand.Int63n(int64(delay/2)+1))
			if wait > maxBackoff {
				wait = maxBackoff
			}
			if err := f.sleep(ctx, wait); err != nil {
				return 0, err
			}
			delay *= 2
		}
		price, err := f.fetch(ctx)
		if err == nil {
			return price, nil
		}
		lastErr = err
		f.log.Warn().Err(err).Int("attempt", attempt+1).Msg("ticker fetch failed")
	}
	return 0, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (f *Feed) fetch(ctx context.Context) (float64, error) {
	u := f.host + "/api/v5/market/ticker?instId=" + url.QueryEscape(f.pair)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ticker status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	if len(out.Data) == 0 {
		return 0, fmt.Errorf("empty ticker response")
	}
	price, err := strconv.ParseFloat(out.Data[0].Last, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last price %q: %w", out.Data[0].Last, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %v", price)
	}
	return price, nil
}
