package keeper

import "cdp-keeper/internal/protocol"

// CalculateBidAmount sizes a stablecoin bid in milli-units. The protocol
// requires a minimum bid of max(debt*minBidBPS/10000, minBidFlat); the
// keeper keeps that much in reserve and bids the rest, capped by
// maxBidMilli (0 means uncapped) and by the vault's debt. Returns -1 when
// the balance cannot cover the reserve at all.
func CalculateBidAmount(balanceMilli, debtMilli, minBidBPS, minBidFlatMilli, maxBidMilli int64) int64 {
	if debtMilli <= 0 {
		return -1
	}
	required := mulDiv(debtMilli, minBidBPS, protocol.BPSBase)
	if minBidFlatMilli > required {
		required = minBidFlatMilli
	}
	if balanceMilli < required {
		return -1
	}
	bid := balanceMilli - required
	if maxBidMilli > 0 && bid > maxBidMilli {
		bid = maxBidMilli
	}
	if bid > debtMilli {
		bid = debtMilli
	}
	return bid
}
