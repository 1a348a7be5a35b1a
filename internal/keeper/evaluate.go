package keeper

import (
	"fmt"

	"cdp-keeper/internal/protocol"
)

// MarketCheck is a bid/no-bid decision for one auction.
type MarketCheck struct {
	Profitable   bool
	Discount     float64
	MarketPrice  float64
	AuctionPrice float64
	Reason       string
}

// EvaluateMarket decides whether an auction at the given scaled price is
// worth bidding on against marketPrice. marketPrice <= 0 means the feed is
// unavailable: with assumeFavorable the check fabricates a passing decision
// (synthetic market price 10% above auction), otherwise it declines.
func EvaluateMarket(marketPrice float64, auctionPriceScaled int64, minDiscount float64, assumeFavorable bool) MarketCheck {
	auction := float64(auctionPriceScaled) / protocol.PricePrecision

	if marketPrice <= 0 {
		if assumeFavorable {
			return MarketCheck{
				Profitable:   true,
				Discount:     minDiscount,
				MarketPrice:  auction * (1 + minDiscount),
				AuctionPrice: auction,
				Reason:       "price feed unavailable, assuming favorable market",
			}
		}
		return MarketCheck{
			AuctionPrice: auction,
			Reason:       "price feed unavailable",
		}
	}

	discount := (marketPrice - auction) / marketPrice
	check := MarketCheck{
		Discount:     discount,
		MarketPrice:  marketPrice,
		AuctionPrice: auction,
	}
	if discount >= minDiscount {
		check.Profitable = true
		check.Reason = fmt.Sprintf("discount %.2f%% meets minimum %.2f%%", discount*100, minDiscount*100)
	} else {
		check.Reason = fmt.Sprintf("discount %.2f%% below minimum %.2f%%", discount*100, minDiscount*100)
	}
	return check
}
