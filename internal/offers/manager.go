// Package offers tracks active resale offers in the persistent store and
// renews them when they expire. Renewal replaces the record: the old offer
// is retired and a fresh one is created at the current market price, up to
// a fixed renewal ceiling.
package offers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"cdp-keeper/internal/kvstore"
)

const (
	storeKey = "active_offers"

	// maxRenewals bounds how many times one offer chain is resubmitted
	// before it is retired for good.
	maxRenewals = 10
)

// ErrInsufficientFunds is returned by a Submitter when the wallet cannot
// fund the offer. The manager retires the record and stops the renewal
// pass: later offers would fail the same way.
var ErrInsufficientFunds = errors.New("offers: insufficient funds")

// Record is one tracked offer. Renewal never mutates a record in place; it
// removes the old one and inserts a replacement with RenewalCount+1.
type Record struct {
	AmountMojos           int64   `json:"amount_mojos"`
	CreatedAt             int64   `json:"created_at"`
	ExpiresAt             int64   `json:"expires_at"`
	MarketPriceAtCreation float64 `json:"market_price_at_creation"`
	RenewalCount          int     `json:"renewal_count"`
}

// Status is a read-only snapshot of one offer for monitoring.
type Status struct {
	ID            string  `json:"offer_id"`
	AmountMojos   int64   `json:"amount_mojos"`
	CreatedAt     int64   `json:"created_at"`
	ExpiresAt     int64   `json:"expires_at"`
	RemainingSecs int64   `json:"time_remaining_seconds"`
	IsExpired     bool    `json:"is_expired"`
	MarketPrice   float64 `json:"market_price_at_creation"`
	RenewalCount  int     `json:"renewal_count"`
}

// PriceFeed supplies the current market price ratio for renewals.
type PriceFeed interface {
	Ticker(ctx context.Context) (float64, error)
}

// Submitter builds, signs and uploads one replacement offer, returning the
// new offer id. It must only return nil when the submission was confirmed.
type Submitter interface {
	CreateAndUpload(ctx context.Context, amountMojos int64, marketPrice float64) (string, error)
}

// Manager is a logical view over one store key. It holds no offer state in
// memory; every call re-derives truth from the store.
type Manager struct {
	store    *kvstore.Store
	feed     PriceFeed
	lifetime time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewManager returns a manager with the given offer lifetime. now may be
// nil for the wall clock.
func NewManager(store *kvstore.Store, feed PriceFeed, lifetime time.Duration, log zerolog.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, feed: feed, lifetime: lifetime, now: now, log: log}
}

// Add starts tracking a newly created offer with a zero renewal count.
func (m *Manager) Add(id string, amountMojos int64, createdAt time.Time, marketPrice float64) error {
	return m.put(id, Record{
		AmountMojos:           amountMojos,
		CreatedAt:             createdAt.Unix(),
		ExpiresAt:             createdAt.Add(m.lifetime).Unix(),
		MarketPriceAtCreation: marketPrice,
	})
}

// Remove retires an offer from tracking. Unknown ids are a no-op.
func (m *Manager) Remove(id string) error {
	return m.update(func(active map[string]Record) {
		delete(active, id)
	})
}

// Active returns all tracked offers.
func (m *Manager) Active() (map[string]Record, error) {
	var active map[string]Record
	ok, err := m.store.Get(storeKey, &active)
	if err != nil {
		m.log.Warn().Err(err).Msg("unreadable offer table, treating as empty")
		return map[string]Record{}, nil
	}
	if !ok || active == nil {
		return map[string]Record{}, nil
	}
	return active, nil
}

// IsExpired reports whether the record has reached its expiry at now.
func IsExpired(r Record, now time.Time) bool {
	return now.Unix() >= r.ExpiresAt
}

// ManageExpired renews every expired offer: the replacement is priced at
// the current market price, falling back to the record's creation price
// when the feed is down (renewal never blocks on a transient outage). An
// offer past the renewal ceiling is retired instead. A failed submission
// leaves the old record in place for retry next cycle; no partial state is
// committed. Returns the number of offers renewed.
func (m *Manager) ManageExpired(ctx context.Context, sub Submitter) (int, error) {
	active, err := m.Active()
	if err != nil {
		return 0, err
	}
	now := m.now()

	var expired []string
	for id, rec := range active {
		if IsExpired(rec, now) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	sort.Strings(expired)
	m.log.Info().Int("expired", len(expired)).Int("active", len(active)).Msg("renewing expired offers")

	renewed := 0
	for _, id := range expired {
		rec := active[id]

		if rec.RenewalCount >= maxRenewals {
			m.log.Info().Str("offer", id).Int("renewals", rec.RenewalCount).Msg("offer reached max renewals, retiring")
			if err := m.Remove(id); err != nil {
				m.log.Warn().Err(err).Str("offer", id).Msg("failed to retire offer")
			}
			continue
		}

		price := m.renewalPrice(ctx, id, rec)
		if price <= 0 {
			m.log.Warn().Str("offer", id).Msg("no usable price for renewal, retiring")
			if err := m.Remove(id); err != nil {
				m.log.Warn().Err(err).Str("offer", id).Msg("failed to retire offer")
			}
			continue
		}

		newID, err := sub.CreateAndUpload(ctx, rec.AmountMojos, price)
		if err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				m.log.Warn().Str("offer", id).Msg("insufficient funds for renewal, retiring and stopping pass")
				if rmErr := m.Remove(id); rmErr != nil {
					m.log.Warn().Err(rmErr).Str("offer", id).Msg("failed to retire offer")
				}
				break
			}
			m.log.Error().Err(err).Str("offer", id).Msg("renewal failed, keeping record for retry")
			continue
		}

		// Only now that the resubmission is confirmed do we swap records.
		if err := m.Remove(id); err != nil {
			m.log.Warn().Err(err).Str("offer", id).Msg("failed to remove renewed offer")
		}
		if err := m.put(newID, Record{
			AmountMojos:           rec.AmountMojos,
			CreatedAt:             now.Unix(),
			ExpiresAt:             now.Add(m.lifetime).Unix(),
			MarketPriceAtCreation: price,
			RenewalCount:          rec.RenewalCount + 1,
		}); err != nil {
			m.log.Warn().Err(err).Str("offer", newID).Msg("failed to track renewed offer")
			continue
		}
		renewed++
		m.log.Info().Str("old", id).Str("new", newID).Int("renewal", rec.RenewalCount+1).Msg("offer renewed")
	}
	return renewed, nil
}

// PurgeExpired drops expired offers without renewing them. Used when offer
// creation is disabled.
func (m *Manager) PurgeExpired() (int, error) {
	now := m.now()
	removed := 0
	err := m.update(func(active map[string]Record) {
		for id, rec := range active {
			if IsExpired(rec, now) {
				delete(active, id)
				removed++
			}
		}
	})
	return removed, err
}

// StatusAll returns monitoring snapshots for every tracked offer, sorted by
// id.
func (m *Manager) StatusAll() ([]Status, error) {
	active, err := m.Active()
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]Status, 0, len(active))
	for id, rec := range active {
		remaining := rec.ExpiresAt - now.Unix()
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, Status{
			ID:            id,
			AmountMojos:   rec.AmountMojos,
			CreatedAt:     rec.CreatedAt,
			ExpiresAt:     rec.ExpiresAt,
			RemainingSecs: remaining,
			IsExpired:     IsExpired(rec, now),
			MarketPrice:   rec.MarketPriceAtCreation,
			RenewalCount:  rec.RenewalCount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Manager) renewalPrice(ctx context.Context, id string, rec Record) float64 {
	price, err := m.feed.Ticker(ctx)
	if err == nil && price > 0 {
		return price
	}
	if rec.MarketPriceAtCreation > 0 {
		m.log.Warn().Err(err).Str("offer", id).Float64("fallback", rec.MarketPriceAtCreation).
			Msg("price feed unavailable, renewing at creation price")
		return rec.MarketPriceAtCreation
	}
	return 0
}

func (m *Manager) put(id string, rec Record) error {
	if id == "" {
		return fmt.Errorf("offers: empty offer id")
	}
	return m.update(func(active map[string]Record) {
		active[id] = rec
	})
}

func (m *Manager) update(fn func(active map[string]Record)) error {
	return m.store.Update(func(data map[string]json.RawMessage) error {
		active := map[string]Record{}
		if raw, ok := data[storeKey]; ok {
			if err := json.Unmarshal(raw, &active); err != nil {
				m.log.Warn().Err(err).Msg("unreadable offer table, resetting")
				active = map[string]Record{}
			}
		}
		fn(active)
		raw, err := json.Marshal(active)
		if err != nil {
			return err
		}
		data[storeKey] = raw
		return nil
	})
}
