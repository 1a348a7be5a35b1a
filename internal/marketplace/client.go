// Package marketplace uploads signed resale offers to a third-party offer
// marketplace. Upload failure is soft: the keeper tracks the offer locally
// and renews it on the next expiry regardless.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnavailable means the marketplace rejected or could not accept the
// upload.
var ErrUnavailable = errors.New("marketplace: unavailable")

// Client posts offers to one marketplace host.
type Client struct {
	host string
	http *http.Client
	log  zerolog.Logger
}

func NewClient(host string, log zerolog.Logger) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return nil, fmt.Errorf("marketplace: empty host")
	}
	if _, err := url.Parse(host); err != nil {
		return nil, fmt.Errorf("marketplace: parse host %q: %w", host, err)
	}
	return &Client{
		host: host,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}, nil
}

// Upload posts the encoded offer and returns the marketplace-assigned id.
func (c *Client) Upload(ctx context.Context, encodedOffer string) (string, error) {
	body, err := json.Marshal(map[string]string{"offer": encodedOffer})
	if err != nil {
		return "", fmt.Errorf("marketplace: marshal offer: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/v1/offers", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("marketplace: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: response missing offer id", ErrUnavailable)
	}
	c.log.Debug().Str("offer_id", out.ID).Msg("offer uploaded")
	return out.ID, nil
}
