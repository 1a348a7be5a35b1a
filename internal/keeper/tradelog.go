package keeper

import "cdp-keeper/internal/protocol"

type tradeRecord struct {
	TsMs          int64   `json:"ts_ms"`
	Event         string  `json:"event"`
	Cycle         string  `json:"cycle"`
	Vault         string  `json:"vault"`
	BidMilli      int64   `json:"bid_milli"`
	AcquiredMojos int64   `json:"acquired_mojos"`
	AuctionPrice  float64 `json:"auction_price"`
	MarketPrice   float64 `json:"market_price"`
	Discount      float64 `json:"discount"`
	EstProfit     float64 `json:"estimated_profit"`
}

func (k *Keeper) writeTradeRecord(vault string, bidMilli, acquiredMojos int64, check MarketCheck) {
	if k.tradeLog == nil {
		return
	}
	collateralUnits := float64(acquiredMojos) / protocol.MojosPerUnit
	rec := tradeRecord{
		TsMs:          k.now().UnixMilli(),
		Event:         "collateral_acquired",
		Cycle:         k.cycleID,
		Vault:         vault,
		BidMilli:      bidMilli,
		AcquiredMojos: acquiredMojos,
		AuctionPrice:  check.AuctionPrice,
		MarketPrice:   check.MarketPrice,
		Discount:      check.Discount,
		EstProfit:     collateralUnits * (check.MarketPrice - check.AuctionPrice),
	}
	if err := k.tradeLog.Write(rec); err != nil {
		k.log.Warn().Err(err).Msg("trade log write failed")
	}
}
