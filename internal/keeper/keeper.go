// Package keeper runs the liquidation cycle: fetch protocol state, renew
// offers, restart stalled auctions, then either bid on running auctions or
// start pending ones, and finally recover bad debt. One goroutine owns the
// whole cycle; every pass re-derives its view from the service and the
// store.
package keeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cdp-keeper/internal/coinlock"
	"cdp-keeper/internal/jsonl"
	"cdp-keeper/internal/kvstore"
	"cdp-keeper/internal/offers"
	"cdp-keeper/internal/progress"
	"cdp-keeper/internal/protocol"
)

// ProtocolClient is the protocol service surface the keeper drives.
type ProtocolClient interface {
	RefreshFeeRate(ctx context.Context) error
	FetchState(ctx context.Context) (*protocol.StateSnapshot, error)
	Statutes(ctx context.Context) (protocol.Statutes, error)
	ListVaults(ctx context.Context) ([]protocol.Vault, error)
	VaultInfo(ctx context.Context, name string) (*protocol.Vault, error)
	StartAuction(ctx context.Context, name string, ignore []string) (protocol.TxHandle, error)
	BidAuction(ctx context.Context, name string, amountMilli, maxPrice int64, ignore []string) (protocol.TxHandle, error)
	RecoverBadDebt(ctx context.Context, name string, ignore []string) (protocol.TxHandle, error)
	Confirm(ctx context.Context, h protocol.TxHandle) error
	WalletBalances(ctx context.Context, ignore []string) (protocol.Balances, error)
	WalletCoins(ctx context.Context, typ string, ignore []string) ([]protocol.Coin, error)
	SplitCoin(ctx context.Context, coinName string, amounts []int64) (protocol.TxHandle, error)
	MakeOffer(ctx context.Context, p protocol.MakeOfferParams) (*protocol.OfferBundle, error)
}

// PriceFeed supplies the stablecoin-per-collateral market price.
type PriceFeed interface {
	Ticker(ctx context.Context) (float64, error)
}

// Marketplace publishes signed offers.
type Marketplace interface {
	Upload(ctx context.Context, encodedOffer string) (string, error)
}

// CycleResult summarizes one controller pass.
type CycleResult struct {
	Status            string   `json:"status"`
	Error             string   `json:"error,omitempty"`
	AuctionsStarted   int      `json:"auctions_started"`
	AuctionsRestarted int      `json:"auctions_restarted"`
	BidsPlaced        int      `json:"bids_placed"`
	BadDebtsRecovered int      `json:"bad_debts_recovered"`
	OffersRenewed     int      `json:"offers_renewed"`
	OffersCreated     []string `json:"offers_created,omitempty"`

	PendingLiquidation int `json:"vaults_pending_liquidation"`
	InLiquidation      int `json:"vaults_in_liquidation"`
	WithBadDebt        int `json:"vaults_with_bad_debt"`
}

// Deps wires the keeper's collaborators. Now may be nil for the wall clock;
// Emitter and TradeLog may be nil.
type Deps struct {
	RPC      ProtocolClient
	Feed     PriceFeed
	Market   Marketplace
	Store    *kvstore.Store
	Emitter  *progress.Emitter
	TradeLog *jsonl.Writer
	Log      zerolog.Logger
	Now      func() time.Time
}

// Keeper is the liquidation cycle controller.
type Keeper struct {
	cfg      Config
	rpc      ProtocolClient
	feed     PriceFeed
	market   Marketplace
	locks    *coinlock.Table
	offers   *offers.Manager
	emitter  *progress.Emitter
	tradeLog *jsonl.Writer
	log      zerolog.Logger
	now      func() time.Time

	cycleID string
}

func New(cfg Config, d Deps) (*Keeper, error) {
	cfg = cfg.withDefaults()
	if d.RPC == nil {
		return nil, fmt.Errorf("keeper: protocol client required")
	}
	if d.Feed == nil {
		return nil, fmt.Errorf("keeper: price feed required")
	}
	if d.Store == nil {
		return nil, fmt.Errorf("keeper: store required")
	}
	if d.Market == nil && !cfg.DisableOffers {
		return nil, fmt.Errorf("keeper: marketplace required unless offers are disabled")
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Keeper{
		cfg:      cfg,
		rpc:      d.RPC,
		feed:     d.Feed,
		market:   d.Market,
		locks:    coinlock.New(d.Store, d.Log, now),
		offers:   offers.NewManager(d.Store, d.Feed, cfg.OfferLifetime, d.Log, now),
		emitter:  d.Emitter,
		tradeLog: d.TradeLog,
		log:      d.Log,
		now:      now,
	}, nil
}

// Run executes cycles until ctx is canceled. With runOnce it performs a
// single pass and returns its error. Cancellation finishes the in-flight
// pass and returns nil.
func (k *Keeper) Run(ctx context.Context, runOnce bool) error {
	k.log.Info().
		Bool("has_keys", k.cfg.HasKeys).
		Bool("offers_disabled", k.cfg.DisableOffers).
		Int64("max_bid_milli", k.cfg.MaxBidMilli).
		Float64("min_discount", k.cfg.MinDiscount).
		Dur("cycle_delay", k.cfg.CycleDelay).
		Msg("keeper starting")

	if runOnce {
		_, err := k.ProcessOnce(ctx)
		return err
	}

	for {
		if _, err := k.ProcessOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.log.Error().Err(err).Msg("cycle failed")
		}
		k.reportBalances(ctx)

		k.emit("waiting", fmt.Sprintf("waiting %s until next cycle", k.cfg.CycleDelay), nil)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(k.cfg.CycleDelay):
		}
	}
}

// ProcessOnce runs a single liquidation cycle. The returned result is
// non-nil even on failure.
func (k *Keeper) ProcessOnce(ctx context.Context) (*CycleResult, error) {
	k.cycleID = uuid.NewString()
	res := &CycleResult{Status: "completed"}

	k.emit("started", "starting liquidation cycle", nil)

	k.emit("status", "refreshing fee rate", nil)
	if err := k.rpc.RefreshFeeRate(ctx); err != nil {
		k.log.Warn().Err(err).Msg("fee rate refresh failed, keeping previous rate")
	}

	k.emit("status", "fetching protocol state", nil)
	state, err := k.rpc.FetchState(ctx)
	if err != nil {
		res.Status = "failed"
		res.Error = err.Error()
		k.emit("error", "failed to fetch protocol state", map[string]any{"error": err.Error()})
		return res, fmt.Errorf("fetch protocol state: %w", err)
	}
	res.PendingLiquidation = len(state.VaultsPendingLiquidation)
	res.InLiquidation = len(state.VaultsInLiquidation)
	res.WithBadDebt = len(state.VaultsWithBadDebt)
	k.emit("state_fetched", "protocol state fetched", map[string]any{
		"pending_liquidation": res.PendingLiquidation,
		"in_liquidation":      res.InLiquidation,
		"with_bad_debt":       res.WithBadDebt,
		"treasury_milli":      state.TreasuryBalance,
	})

	if !k.cfg.HasKeys {
		k.emit("completed", "no signing keys loaded, watch-only cycle", nil)
		return res, nil
	}

	if k.cfg.DisableOffers {
		if n, err := k.offers.PurgeExpired(); err != nil {
			k.log.Warn().Err(err).Msg("failed to purge expired offers")
		} else if n > 0 {
			k.log.Info().Int("purged", n).Msg("purged expired offers, creation disabled")
		}
	} else {
		k.emit("status", "renewing expired offers", nil)
		renewed, err := k.offers.ManageExpired(ctx, renewalSubmitter{k})
		if err != nil {
			k.log.Warn().Err(err).Msg("offer renewal pass failed")
		}
		res.OffersRenewed = renewed
	}

	k.splitLargeCoins(ctx)

	res.AuctionsRestarted = k.restartIncompleteLiquidations(ctx, state)

	balances, err := k.walletBalances(ctx)
	if err != nil {
		k.log.Warn().Err(err).Msg("balance fetch failed, treating balances as zero")
		balances = protocol.Balances{}
	}

	if len(state.VaultsInLiquidation) > 0 {
		bids, created := k.bidOnAuctions(ctx, state.VaultsInLiquidation, balances)
		res.BidsPlaced = bids
		res.OffersCreated = created
		k.emit("bids_completed", fmt.Sprintf("placed %d bid(s)", bids), map[string]any{
			"bids":   bids,
			"offers": len(created),
		})
	} else if len(state.VaultsPendingLiquidation) > 0 {
		res.AuctionsStarted = k.startAuctions(ctx, state.VaultsPendingLiquidation)
		k.emit("auctions_started", fmt.Sprintf("started %d auction(s)", res.AuctionsStarted), map[string]any{
			"started": res.AuctionsStarted,
		})
	}

	if len(state.VaultsWithBadDebt) > 0 {
		res.BadDebtsRecovered = k.recoverBadDebts(ctx, state.VaultsWithBadDebt, state.TreasuryBalance)
		k.emit("bad_debts_recovered", fmt.Sprintf("recovered %d vault(s)", res.BadDebtsRecovered), map[string]any{
			"recovered": res.BadDebtsRecovered,
		})
	}

	k.emit("completed", "liquidation cycle completed", nil)
	return res, nil
}

// walletBalances returns spendable balances excluding locked coins.
func (k *Keeper) walletBalances(ctx context.Context) (protocol.Balances, error) {
	ignore, err := k.locks.IgnoredCoins()
	if err != nil {
		k.log.Warn().Err(err).Msg("lock table unreadable, not excluding any coins")
	}
	return k.rpc.WalletBalances(ctx, ignore)
}

func (k *Keeper) reportBalances(ctx context.Context) {
	balances, err := k.walletBalances(ctx)
	if err != nil {
		k.log.Warn().Err(err).Msg("balance report failed")
		return
	}
	fields := map[string]any{
		"collateral_mojos": balances.Collateral(),
		"stable_milli":     balances.Stable(),
	}
	if status, err := k.offers.StatusAll(); err == nil {
		expired := 0
		for _, s := range status {
			if s.IsExpired {
				expired++
			}
		}
		fields["active_offers"] = len(status)
		fields["offers_pending_renewal"] = expired
	}
	k.emit("current_balance", "wallet balances", fields)
}

func (k *Keeper) emit(event, message string, fields map[string]any) {
	k.emitter.Emit(progress.Event{
		Time:    k.now(),
		Cycle:   k.cycleID,
		Event:   event,
		Message: message,
		Fields:  fields,
	})
}
