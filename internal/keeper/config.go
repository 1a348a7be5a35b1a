package keeper

import (
	"time"

	"cdp-keeper/internal/protocol"
)

// Config carries the keeper's tunables. Amounts use the protocol's native
// precisions: stablecoin in milli-units, collateral in mojos.
type Config struct {
	// MaxBidMilli caps the stablecoin committed to a single auction bid.
	// Zero means no cap beyond balance and vault debt.
	MaxBidMilli int64

	// MinDiscount is the minimum fractional discount of the auction price
	// below market required to bid. A discount exactly at the threshold
	// counts as profitable.
	MinDiscount float64

	// OfferLifetime is how long resale offers (and the coin locks backing
	// them) stay valid before renewal.
	OfferLifetime time.Duration

	// MaxOfferMojos bounds the collateral in a single resale offer and
	// sets the target chunk size for coin splitting.
	MaxOfferMojos int64

	// MinCollateralKeepMojos is collateral never committed to offers.
	MinCollateralKeepMojos int64

	// CycleDelay is the pause between controller passes.
	CycleDelay time.Duration

	// DisableOffers turns off resale offer creation and renewal; expired
	// offers are only purged from tracking.
	DisableOffers bool

	// AssumeFavorableOnFeedOutage makes the profitability check return a
	// synthetic favorable decision when the market feed is unavailable.
	// This mirrors the fail-open behavior the strategy was developed
	// against so feedless test environments still exercise bidding, but it
	// can authorize real spend decisions from synthetic data during an
	// outage. Turn it off to fail closed (skip bidding) instead.
	AssumeFavorableOnFeedOutage bool

	// HasKeys reports whether signing keys are loaded. Without keys the
	// keeper runs watch-only: it fetches state and reports, but takes no
	// actions.
	HasKeys bool
}

func (c Config) withDefaults() Config {
	if c.MinDiscount <= 0 {
		c.MinDiscount = 0.1
	}
	if c.OfferLifetime <= 0 {
		c.OfferLifetime = 10 * time.Minute
	}
	if c.MaxOfferMojos <= 0 {
		c.MaxOfferMojos = 5 * protocol.MojosPerUnit
	}
	if c.CycleDelay <= 0 {
		c.CycleDelay = 30 * time.Second
	}
	return c
}
