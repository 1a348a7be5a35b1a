package pricefeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestFeed(t *testing.T, url string) *Feed {
	t.Helper()
	f, err := New(url, "XCH-BYC", zerolog.Nop())
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func TestTickerParsesLastPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("instId"); got != "XCH-BYC" {
			t.Errorf("instId = %q", got)
		}
		w.Write([]byte(`{"data":[{"last":"101.55"}]}`))
	}))
	defer srv.Close()

	price, err := newTestFeed(t, srv.URL).Ticker(context.Background())
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if price != 101.55 {
		t.Fatalf("price = %v", price)
	}
}

func TestTickerRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":[{"last":"99.0"}]}`))
	}))
	defer srv.Close()

	price, err := newTestFeed(t, srv.URL).Ticker(context.Background())
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if price != 99.0 {
		t.Fatalf("price = %v", price)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestTickerUnavailableAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestFeed(t, srv.URL).Ticker(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestTickerRejectsZeroPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"last":"0"}]}`))
	}))
	defer srv.Close()

	_, err := newTestFeed(t, srv.URL).Ticker(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for zero quote, got %v", err)
	}
}
