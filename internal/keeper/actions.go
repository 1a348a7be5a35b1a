package keeper

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cdp-keeper/internal/offers"
	"cdp-keeper/internal/protocol"
)

const (
	// offerPriceHaircut prices resale offers slightly under market so they
	// actually fill.
	offerPriceHaircut = 0.995

	// treasuryFloorMilli is the treasury balance below which bad-debt
	// recovery is not attempted at all.
	treasuryFloorMilli = 10_000

	// offerReadyCoinTarget is how many offer-sized coins the wallet should
	// hold before splitting stops.
	offerReadyCoinTarget = 5

	maxSplitChunks = 10
)

// bidOnAuctions evaluates each running auction and places at most one bid
// per cycle. Bounding to one bid keeps at most one spend pending
// confirmation, so the next pass sees settled balances. Returns the bid
// count and ids of resale offers created for acquired collateral.
func (k *Keeper) bidOnAuctions(ctx context.Context, vaults []protocol.Vault, balances protocol.Balances) (int, []string) {
	statutes, err := k.rpc.Statutes(ctx)
	if err != nil {
		k.log.Error().Err(err).Msg("statutes fetch failed, skipping bids this cycle")
		k.emit("error", "statutes unavailable", map[string]any{"error": err.Error()})
		return 0, nil
	}

	bids := 0
	var created []string
	for _, v := range vaults {
		info, err := k.rpc.VaultInfo(ctx, v.Name)
		if err != nil {
			k.log.Warn().Err(err).Str("vault", v.Name).Msg("vault info fetch failed")
			continue
		}
		if info.AuctionPrice <= 0 || info.Collateral <= 0 {
			k.log.Debug().Str("vault", v.Name).Msg("auction not biddable")
			continue
		}

		marketPrice, ferr := k.feed.Ticker(ctx)
		if ferr != nil {
			k.log.Warn().Err(ferr).Msg("price feed unavailable")
			marketPrice = 0
		}
		check := EvaluateMarket(marketPrice, info.AuctionPrice, k.cfg.MinDiscount, k.cfg.AssumeFavorableOnFeedOutage)
		if !check.Profitable {
			k.emit("status", fmt.Sprintf("skipping %s: %s", v.Name, check.Reason), map[string]any{
				"vault":    v.Name,
				"discount": check.Discount,
			})
			continue
		}

		bid := CalculateBidAmount(balances.Stable(), info.Debt,
			statutes.VaultAuctionMinBidBPS, statutes.VaultAuctionMinBidFlat, k.cfg.MaxBidMilli)
		if bid < 0 {
			k.emit("status", fmt.Sprintf("skipping %s: balance below minimum bid reserve", v.Name), map[string]any{
				"vault":        v.Name,
				"stable_milli": balances.Stable(),
			})
			continue
		}
		if bid < protocol.MilliPerUnit {
			k.log.Debug().Str("vault", v.Name).Int64("bid", bid).Msg("bid below one stablecoin unit, skipping")
			continue
		}

		acquired := AcquiredCollateral(bid, info.AuctionPrice)
		if acquired > info.Collateral {
			acquired = info.Collateral
		}

		ignore, _ := k.locks.IgnoredCoins()
		// The price bound allows one tick of drift past the observed price.
		handle, err := k.rpc.BidAuction(ctx, v.Name, bid, info.AuctionPrice+1, ignore)
		if err == nil {
			err = k.rpc.Confirm(ctx, handle)
		}
		if err != nil {
			k.log.Error().Err(err).Str("vault", v.Name).Int64("bid", bid).Msg("bid failed")
			k.emit("error", fmt.Sprintf("bid on %s failed", v.Name), map[string]any{"error": err.Error()})
			continue
		}

		bids++
		k.log.Info().Str("vault", v.Name).
			Int64("bid_milli", bid).
			Int64("acquired_mojos", acquired).
			Float64("discount", check.Discount).
			Msg("bid confirmed")
		k.writeTradeRecord(v.Name, bid, acquired, check)

		if b, err := k.walletBalances(ctx); err == nil {
			balances = b
		}
		if !k.cfg.DisableOffers {
			id, err := k.offerAcquiredCollateral(ctx, acquired, balances, check.MarketPrice)
			if err != nil {
				k.log.Warn().Err(err).Str("vault", v.Name).Msg("resale offer not created")
			} else if id != "" {
				created = append(created, id)
			}
		}
		break
	}
	return bids, created
}

// startAuctions begins liquidation for every pending vault.
func (k *Keeper) startAuctions(ctx context.Context, vaults []protocol.Vault) int {
	started := 0
	for _, v := range vaults {
		ignore, _ := k.locks.IgnoredCoins()
		handle, err := k.rpc.StartAuction(ctx, v.Name, ignore)
		if err == nil {
			err = k.rpc.Confirm(ctx, handle)
		}
		if err != nil {
			k.log.Error().Err(err).Str("vault", v.Name).Msg("auction start failed")
			k.emit("error", fmt.Sprintf("auction start on %s failed", v.Name), map[string]any{"error": err.Error()})
			continue
		}
		started++
		k.log.Info().Str("vault", v.Name).Msg("auction started")
	}
	return started
}

// restartIncompleteLiquidations finds undercollateralized vaults with
// remaining debt and collateral whose auction is no longer running (the
// previous auction expired before clearing) and starts a fresh one.
func (k *Keeper) restartIncompleteLiquidations(ctx context.Context, state *protocol.StateSnapshot) int {
	all, err := k.rpc.ListVaults(ctx)
	if err != nil {
		k.log.Warn().Err(err).Msg("vault listing failed, skipping auction restarts")
		return 0
	}
	running := make(map[string]bool, len(state.VaultsInLiquidation))
	for _, v := range state.VaultsInLiquidation {
		running[v.Name] = true
	}

	restarted := 0
	for _, v := range all {
		if v.Name == "" || running[v.Name] {
			continue
		}
		if v.HealthRatio >= 1 || v.Collateral <= 0 || v.Debt <= 0 {
			continue
		}
		handle, err := k.rpc.StartAuction(ctx, v.Name, nil)
		if err == nil {
			err = k.rpc.Confirm(ctx, handle)
		}
		if err != nil {
			k.log.Warn().Err(err).Str("vault", v.Name).Msg("auction restart failed")
			continue
		}
		restarted++
		k.log.Info().Str("vault", v.Name).Float64("health", v.HealthRatio).Msg("restarted incomplete liquidation")
	}
	return restarted
}

// recoverBadDebts asks the treasury to absorb each bad-debt vault, tracking
// the remaining treasury balance locally so one pass never asks for more
// than the snapshot showed.
func (k *Keeper) recoverBadDebts(ctx context.Context, vaults []protocol.Vault, treasuryMilli int64) int {
	if treasuryMilli < treasuryFloorMilli {
		k.log.Info().Int64("treasury_milli", treasuryMilli).Msg("treasury below recovery floor, skipping bad debt")
		return 0
	}
	recovered := 0
	for _, v := range vaults {
		if v.Principal > treasuryMilli {
			k.log.Info().Str("vault", v.Name).
				Int64("principal_milli", v.Principal).
				Int64("treasury_milli", treasuryMilli).
				Msg("treasury cannot cover vault, skipping")
			continue
		}
		ignore, _ := k.locks.IgnoredCoins()
		handle, err := k.rpc.RecoverBadDebt(ctx, v.Name, ignore)
		if err == nil {
			err = k.rpc.Confirm(ctx, handle)
		}
		if err != nil {
			k.log.Error().Err(err).Str("vault", v.Name).Msg("bad debt recovery failed")
			k.emit("error", fmt.Sprintf("bad debt recovery on %s failed", v.Name), map[string]any{"error": err.Error()})
			continue
		}
		recovered++
		treasuryMilli -= v.Principal
		k.log.Info().Str("vault", v.Name).Int64("principal_milli", v.Principal).Msg("bad debt recovered")
	}
	return recovered
}

// splitLargeCoins breaks one oversized collateral coin into offer-sized
// chunks when the wallet is short on small coins. At most one split per
// cycle; the next pass sees the settled outputs.
func (k *Keeper) splitLargeCoins(ctx context.Context) {
	ignore, err := k.locks.IgnoredCoins()
	if err != nil {
		k.log.Warn().Err(err).Msg("lock table unreadable, skipping coin split")
		return
	}
	coins, err := k.rpc.WalletCoins(ctx, protocol.AssetCollateral, ignore)
	if err != nil {
		k.log.Warn().Err(err).Msg("coin listing failed, skipping coin split")
		return
	}
	if len(coins) == 0 {
		return
	}

	small := 0
	for _, c := range coins {
		if c.Amount <= k.cfg.MaxOfferMojos {
			small++
		}
	}
	if small >= offerReadyCoinTarget {
		return
	}

	for _, c := range coins {
		if c.Amount <= 2*k.cfg.MaxOfferMojos {
			continue
		}
		chunks := c.Amount / k.cfg.MaxOfferMojos
		if chunks > maxSplitChunks {
			chunks = maxSplitChunks
		}
		per := c.Amount / chunks
		amounts := make([]int64, 0, chunks+1)
		for i := int64(0); i < chunks; i++ {
			amounts = append(amounts, per)
		}
		if rem := c.Amount - per*chunks; rem > 0 {
			amounts = append(amounts, rem)
		}

		handle, err := k.rpc.SplitCoin(ctx, c.Name, amounts)
		if err == nil {
			err = k.rpc.Confirm(ctx, handle)
		}
		if err != nil {
			k.log.Warn().Err(err).Str("coin", c.Name).Msg("coin split failed")
			continue
		}
		k.log.Info().Str("coin", c.Name).Int64("amount", c.Amount).Int("outputs", len(amounts)).Msg("split large coin")
		k.emit("status", "split one large collateral coin", map[string]any{
			"coin":    c.Name,
			"outputs": len(amounts),
		})
		return
	}
}

// offerAcquiredCollateral creates and tracks a resale offer for collateral
// just won at auction, clamped to the spendable balance minus the keep-back
// and the per-offer maximum.
func (k *Keeper) offerAcquiredCollateral(ctx context.Context, acquiredMojos int64, balances protocol.Balances, marketPrice float64) (string, error) {
	amount := acquiredMojos
	if avail := balances.Collateral() - k.cfg.MinCollateralKeepMojos; amount > avail {
		amount = avail
	}
	if amount > k.cfg.MaxOfferMojos {
		amount = k.cfg.MaxOfferMojos
	}
	if amount <= 0 {
		return "", nil
	}
	id, err := k.createAndUploadOffer(ctx, amount, marketPrice)
	if err != nil {
		return "", err
	}
	if err := k.offers.Add(id, amount, k.now(), marketPrice); err != nil {
		k.log.Warn().Err(err).Str("offer", id).Msg("failed to track offer")
	}
	k.emit("status", "resale offer created", map[string]any{
		"offer":        id,
		"amount_mojos": amount,
	})
	return id, nil
}

// createAndUploadOffer builds a signed offer through the protocol service,
// locks its funding coins, and publishes it. An upload failure falls back to
// a local id so the offer (already signed and live) keeps being tracked.
func (k *Keeper) createAndUploadOffer(ctx context.Context, amountMojos int64, marketPrice float64) (string, error) {
	if marketPrice <= 0 {
		return "", fmt.Errorf("keeper: no usable market price for offer")
	}
	ignore, err := k.locks.IgnoredCoins()
	if err != nil {
		return "", fmt.Errorf("keeper: read coin locks: %w", err)
	}
	balances, err := k.rpc.WalletBalances(ctx, ignore)
	if err != nil {
		return "", fmt.Errorf("keeper: balances for offer: %w", err)
	}
	if amountMojos > balances.Collateral() {
		return "", fmt.Errorf("%w: need %d mojos, have %d", offers.ErrInsufficientFunds, amountMojos, balances.Collateral())
	}

	price := marketPrice * offerPriceHaircut
	receiveMilli := int64(float64(amountMojos) / protocol.MojosPerUnit * price * protocol.MilliPerUnit)
	if receiveMilli < 1 {
		return "", fmt.Errorf("keeper: offer too small, would receive %d milli", receiveMilli)
	}

	bundle, err := k.rpc.MakeOffer(ctx, protocol.MakeOfferParams{
		SellMojos:    amountMojos,
		ReceiveMilli: receiveMilli,
		IgnoreCoins:  ignore,
		ExpiresIn:    int64(k.cfg.OfferLifetime.Seconds()),
	})
	if err != nil {
		if isInsufficientFundsErr(err) {
			return "", fmt.Errorf("%w: %v", offers.ErrInsufficientFunds, err)
		}
		return "", fmt.Errorf("keeper: make offer: %w", err)
	}
	if err := k.locks.Lock(bundle.UsedCoinNames, k.cfg.OfferLifetime); err != nil {
		k.log.Warn().Err(err).Msg("failed to lock offer coins")
	}

	id, err := k.market.Upload(ctx, bundle.Encoded)
	if err != nil {
		id = fmt.Sprintf("local_%d", k.now().Unix())
		k.log.Warn().Err(err).Str("offer", id).Msg("marketplace upload failed, tracking offer locally")
	}
	return id, nil
}

// renewalSubmitter lets the offer manager resubmit through the keeper's
// create-and-upload path.
type renewalSubmitter struct{ k *Keeper }

func (s renewalSubmitter) CreateAndUpload(ctx context.Context, amountMojos int64, marketPrice float64) (string, error) {
	return s.k.createAndUploadOffer(ctx, amountMojos, marketPrice)
}

func isInsufficientFundsErr(err error) bool {
	var apiErr *protocol.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	body := strings.ToLower(apiErr.Body)
	return strings.Contains(body, "insufficient") || strings.Contains(body, "enough coins")
}
