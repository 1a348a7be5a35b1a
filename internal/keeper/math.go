package keeper

import (
	"math"
	"math/big"
	"math/bits"

	"cdp-keeper/internal/protocol"
)

func mulDiv(a, b, div int64) int64 {
	if div <= 0 {
		panic("mulDiv: div<=0")
	}
	if a < 0 || b < 0 {
		panic("mulDiv: negative operand")
	}

	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi == 0 {
		q := lo / uint64(div)
		if q <= math.MaxInt64 {
			return int64(q)
		}
	}

	// Fallback for overflow cases: exact 128-bit division via big.Int.
	var x big.Int
	x.SetUint64(hi)
	x.Lsh(&x, 64)

	var y big.Int
	y.SetUint64(lo)
	x.Add(&x, &y)

	var d big.Int
	d.SetInt64(div)
	x.Div(&x, &d)

	if x.IsInt64() {
		return x.Int64()
	}
	return math.MaxInt64
}

// mojosPerMilliScaled folds the milli-to-mojo conversion and the price
// scale into one multiplier: acquired mojos = bid * this / auction price.
const mojosPerMilliScaled = protocol.MojosPerUnit / protocol.MilliPerUnit * protocol.PricePrecision

// AcquiredCollateral returns how many collateral mojos a stablecoin bid of
// bidMilli buys at the given scaled auction price. Division rounds down, so
// inexact arithmetic always errs toward acquiring less.
func AcquiredCollateral(bidMilli, auctionPrice int64) int64 {
	if bidMilli <= 0 || auctionPrice <= 0 {
		return 0
	}
	return mulDiv(bidMilli, mojosPerMilliScaled, auctionPrice)
}
