package keeper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cdp-keeper/internal/kvstore"
	"cdp-keeper/internal/offers"
	"cdp-keeper/internal/protocol"
)

type bidCall struct {
	vault    string
	amount   int64
	maxPrice int64
}

type fakeRPC struct {
	state       *protocol.StateSnapshot
	stateErr    error
	statutes    protocol.Statutes
	statutesErr error
	vaults      []protocol.Vault
	vaultInfo   map[string]protocol.Vault
	balances    protocol.Balances
	balancesErr error
	coins       []protocol.Coin
	bundle      *protocol.OfferBundle
	offerErr    error

	feeCalls   int
	bids       []bidCall
	started    []string
	recovered  []string
	splits     []string
	offerReqs  []protocol.MakeOfferParams
	confirmed  int
	confirmErr error
}

func (f *fakeRPC) RefreshFeeRate(context.Context) error { f.feeCalls++; return nil }

func (f *fakeRPC) FetchState(context.Context) (*protocol.StateSnapshot, error) {
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	if f.state == nil {
		return &protocol.StateSnapshot{}, nil
	}
	return f.state, nil
}

func (f *fakeRPC) Statutes(context.Context) (protocol.Statutes, error) {
	return f.statutes, f.statutesErr
}

func (f *fakeRPC) ListVaults(context.Context) ([]protocol.Vault, error) { return f.vaults, nil }

func (f *fakeRPC) VaultInfo(_ context.Context, name string) (*protocol.Vault, error) {
	v, ok := f.vaultInfo[name]
	if !ok {
		return nil, fmt.Errorf("no such vault %s", name)
	}
	return &v, nil
}

func (f *fakeRPC) StartAuction(_ context.Context, name string, _ []string) (protocol.TxHandle, error) {
	f.started = append(f.started, name)
	return protocol.TxHandle{ID: "tx_start_" + name}, nil
}

func (f *fakeRPC) BidAuction(_ context.Context, name string, amountMilli, maxPrice int64, _ []string) (protocol.TxHandle, error) {
	f.bids = append(f.bids, bidCall{vault: name, amount: amountMilli, maxPrice: maxPrice})
	return protocol.TxHandle{ID: "tx_bid_" + name}, nil
}

func (f *fakeRPC) RecoverBadDebt(_ context.Context, name string, _ []string) (protocol.TxHandle, error) {
	f.recovered = append(f.recovered, name)
	return protocol.TxHandle{ID: "tx_recover_" + name}, nil
}

func (f *fakeRPC) Confirm(context.Context, protocol.TxHandle) error {
	f.confirmed++
	return f.confirmErr
}

func (f *fakeRPC) WalletBalances(context.Context, []string) (protocol.Balances, error) {
	if f.balancesErr != nil {
		return nil, f.balancesErr
	}
	if f.balances == nil {
		return protocol.Balances{}, nil
	}
	return f.balances, nil
}

func (f *fakeRPC) WalletCoins(context.Context, string, []string) ([]protocol.Coin, error) {
	return f.coins, nil
}

func (f *fakeRPC) SplitCoin(_ context.Context, coinName string, _ []int64) (protocol.TxHandle, error) {
	f.splits = append(f.splits, coinName)
	return protocol.TxHandle{ID: "tx_split_" + coinName}, nil
}

func (f *fakeRPC) MakeOffer(_ context.Context, p protocol.MakeOfferParams) (*protocol.OfferBundle, error) {
	f.offerReqs = append(f.offerReqs, p)
	if f.offerErr != nil {
		return nil, f.offerErr
	}
	if f.bundle != nil {
		return f.bundle, nil
	}
	return &protocol.OfferBundle{Encoded: "encoded_offer", UsedCoinNames: []string{"coin_a"}}, nil
}

type fakeFeed struct {
	price float64
	err   error
}

func (f *fakeFeed) Ticker(context.Context) (float64, error) { return f.price, f.err }

type fakeMarket struct {
	uploads []string
	err     error
}

func (m *fakeMarket) Upload(_ context.Context, encoded string) (string, error) {
	m.uploads = append(m.uploads, encoded)
	if m.err != nil {
		return "", m.err
	}
	return fmt.Sprintf("offer_%d", len(m.uploads)), nil
}

func newTestKeeper(t *testing.T, cfg Config, rpc *fakeRPC, feed *fakeFeed, market *fakeMarket) *Keeper {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	k, err := New(cfg, Deps{
		RPC:    rpc,
		Feed:   feed,
		Market: market,
		Store:  store,
		Log:    zerolog.Nop(),
		Now:    func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("new keeper: %v", err)
	}
	return k
}

func TestProcessOnceStateFetchFailure(t *testing.T) {
	rpc := &fakeRPC{stateErr: errors.New("service down")}
	k := newTestKeeper(t, Config{HasKeys: true}, rpc, &fakeFeed{price: 100}, &fakeMarket{})

	res, err := k.ProcessOnce(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if res == nil || res.Status != "failed" {
		t.Fatalf("result = %+v", res)
	}
	if len(rpc.bids) != 0 || len(rpc.started) != 0 {
		t.Fatalf("no actions allowed after state fetch failure")
	}
}

func TestWatchOnlyCycleTakesNoActions(t *testing.T) {
	rpc := &fakeRPC{
		state: &protocol.StateSnapshot{
			VaultsPendingLiquidation: []protocol.Vault{{Name: "p1"}},
			VaultsWithBadDebt:        []protocol.Vault{{Name: "b1", Principal: 50_000}},
			TreasuryBalance:          1_000_000,
		},
	}
	k := newTestKeeper(t, Config{HasKeys: false}, rpc, &fakeFeed{price: 100}, &fakeMarket{})

	res, err := k.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Status != "completed" || res.PendingLiquidation != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(rpc.started) != 0 || len(rpc.recovered) != 0 || len(rpc.bids) != 0 || len(rpc.offerReqs) != 0 {
		t.Fatalf("watch-only cycle must not act: %+v", rpc)
	}
}

func TestBidsOncePerCycleAndCreatesOffer(t *testing.T) {
	auction := protocol.Vault{
		Name:         "v1",
		Debt:         1_000_000,
		Collateral:   10_000_000_000_000,
		AuctionPrice: 90 * 100,
	}
	rpc := &fakeRPC{
		state: &protocol.StateSnapshot{
			VaultsInLiquidation: []protocol.Vault{{Name: "v1"}, {Name: "v2"}},
		},
		statutes: protocol.Statutes{VaultAuctionMinBidBPS: 500, VaultAuctionMinBidFlat: 10_000},
		vaultInfo: map[string]protocol.Vault{
			"v1": auction,
			"v2": auction,
		},
		balances: protocol.Balances{
			protocol.AssetStable:     500_000,
			protocol.AssetCollateral: 20_000_000_000_000,
		},
	}
	market := &fakeMarket{}
	k := newTestKeeper(t, Config{HasKeys: true, MinDiscount: 0.1}, rpc, &fakeFeed{price: 100}, market)

	res, err := k.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.BidsPlaced != 1 || len(rpc.bids) != 1 {
		t.Fatalf("want exactly one bid, got %+v", rpc.bids)
	}
	bid := rpc.bids[0]
	if bid.vault != "v1" {
		t.Fatalf("bid vault = %s", bid.vault)
	}
	// reserve = max(1_000_000*500/10_000, 10_000) = 50_000
	if bid.amount != 450_000 {
		t.Fatalf("bid amount = %d", bid.amount)
	}
	if bid.maxPrice != 90*100+1 {
		t.Fatalf("max price = %d", bid.maxPrice)
	}

	if len(res.OffersCreated) != 1 || res.OffersCreated[0] != "offer_1" {
		t.Fatalf("offers created = %v", res.OffersCreated)
	}
	active, err := k.offers.Active()
	if err != nil {
		t.Fatalf("active offers: %v", err)
	}
	rec, ok := active["offer_1"]
	if !ok {
		t.Fatalf("offer not tracked: %v", active)
	}
	// 450 stable units at auction price 90.00 buys 5 collateral units,
	// within the default per-offer maximum.
	if rec.AmountMojos != 5_000_000_000_000 {
		t.Fatalf("offer amount = %d", rec.AmountMojos)
	}

	locked, err := k.locks.IgnoredCoins()
	if err != nil {
		t.Fatalf("locks: %v", err)
	}
	if len(locked) != 1 || locked[0] != "coin_a" {
		t.Fatalf("funding coins not locked: %v", locked)
	}
	if len(rpc.started) != 0 {
		t.Fatalf("bid branch must not start auctions: %v", rpc.started)
	}
}

func TestStartsAuctionsWhenNoneRunning(t *testing.T) {
	rpc := &fakeRPC{
		state: &protocol.StateSnapshot{
			VaultsPendingLiquidation: []protocol.Vault{{Name: "p1"}, {Name: "p2"}},
		},
	}
	k := newTestKeeper(t, Config{HasKeys: true}, rpc, &fakeFeed{price: 100}, &fakeMarket{})

	res, err := k.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.AuctionsStarted != 2 || len(rpc.started) != 2 {
		t.Fatalf("started = %d (%v)", res.AuctionsStarted, rpc.started)
	}
	if len(rpc.bids) != 0 {
		t.Fatalf("no bids expected: %v", rpc.bids)
	}
}

func TestSkipsUnprofitableAuction(t *testing.T) {
	rpc := &fakeRPC{
		state: &protocol.StateSnapshot{
			VaultsInLiquidation: []protocol.Vault{{Name: "v1"}},
		},
		statutes: protocol.Statutes{VaultAuctionMinBidBPS: 500},
		vaultInfo: map[string]protocol.Vault{
			"v1": {Name: "v1", Debt: 1_000_000, Collateral: 1, AuctionPrice: 95 * 100},
		},
		balances: protocol.Balances{protocol.AssetStable: 500_000},
	}
	// 5% discount against a 10% minimum.
	k := newTestKeeper(t, Config{HasKeys: true, MinDiscount: 0.1}, rpc, &fakeFeed{price: 100}, &fakeMarket{})

	res, err := k.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.BidsPlaced != 0 || len(rpc.bids) != 0 {
		t.Fatalf("unprofitable auction must be skipped: %+v", rpc.bids)
	}
}

func TestFeedOutageFailClosedSkipsBid(t *testing.T) {
	rpc := &fakeRPC{
		state: &protocol.StateSnapshot{
			VaultsInLiquidation: []protocol.Vault{{Name: "v1"}},
		},
		statutes: protocol.Statutes{VaultAuctionMinBidBPS: 500},
		vaultInfo: map[string]protocol.Vault{
			"v1": {Name: "v1", Debt: 1_000_000, Collateral: 1, AuctionPrice: 50 * 100},
		},
		balances: protocol.Balances{protocol.AssetStable: 500_000},
	}
	feed := &fakeFeed{err: errors.New("feed down")}
	k := newTestKeeper(t, Config{HasKeys: true, AssumeFavorableOnFeedOutage: false}, rpc, feed, &fakeMarket{})

	res, err := k.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.BidsPlaced != 0 {
		t.Fatalf("fail-closed outage must not bid")
	}
}

func TestRestartsIncompleteLiquidations(t *testing.T) {
	rpc := &fakeRPC{
		state: &protocol.StateSnapshot{},
		vaults: []protocol.Vault{
			{Name: "healthy", HealthRatio: 1.5, Collateral: 10, Debt: 10},
			{Name: "stalled", HealthRatio: 0.8, Collateral: 10, Debt: 10},
			{Name: "empty", HealthRatio: 0.5, Collateral: 0, Debt: 10},
		},
	}
	k := newTestKeeper(t, Config{HasKeys: true}, rpc, &fakeFeed{price: 100}, &fakeMarket{})

	res, err := k.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.AuctionsRestarted != 1 || len(rpc.started) != 1 || rpc.started[0] != "stalled" {
		t.Fatalf("restarted = %d (%v)", res.AuctionsRestarted, rpc.started)
	}
}

func TestRestartSkipsVaultAlreadyInLiquidation(t *testing.T) {
	rpc := &fakeRPC{
		state: &protocol.StateSnapshot{
			VaultsInLiquidation: []protocol.Vault{{Name: "v1"}},
		},
		statutes: protocol.Statutes{VaultAuctionMinBidBPS: 500},
		vaults: []protocol.Vault{
			{Name: "v1", HealthRatio: 0.8, Collateral: 10, Debt: 10},
		},
	}
	k := newTestKeeper(t, Config{HasKeys: true}, rpc, &fakeFeed{err: errors.New("down")}, &fakeMarket{})

	res, err := k.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.AuctionsRestarted != 0 || len(rpc.started) != 0 {
		t.Fatalf("running auction must not be restarted: %v", rpc.started)
	}
}

func TestBadDebtRecoveryTracksTreasury(t *testing.T) {
	rpc := &fakeRPC{
		state: &protocol.StateSnapshot{
			VaultsWithBadDebt: []protocol.Vault{
				{Name: "b1", Principal: 60_000},
				{Name: "b2", Principal: 60_000},
				{Name: "b3", Principal: 30_000},
			},
			TreasuryBalance: 100_000,
		},
	}
	k := newTestKeeper(t, Config{HasKeys: true}, rpc, &fakeFeed{price: 100}, &fakeMarket{})

	res, err := k.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	// b1 leaves 40_000; b2 no longer fits but b3 does.
	if res.BadDebtsRecovered != 2 {
		t.Fatalf("recovered = %d (%v)", res.BadDebtsRecovered, rpc.recovered)
	}
	if len(rpc.recovered) != 2 || rpc.recovered[0] != "b1" || rpc.recovered[1] != "b3" {
		t.Fatalf("recovered vaults = %v", rpc.recovered)
	}
}

func TestBadDebtRecoverySkippedBelowTreasuryFloor(t *testing.T) {
	rpc := &fakeRPC{
		state: &protocol.StateSnapshot{
			VaultsWithBadDebt: []protocol.Vault{{Name: "b1", Principal: 100}},
			TreasuryBalance:   9_999,
		},
	}
	k := newTestKeeper(t, Config{HasKeys: true}, rpc, &fakeFeed{price: 100}, &fakeMarket{})

	res, err := k.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.BadDebtsRecovered != 0 || len(rpc.recovered) != 0 {
		t.Fatalf("recovery must be skipped below floor: %v", rpc.recovered)
	}
}

func TestSplitsOneLargeCoinPerCycle(t *testing.T) {
	big := int64(30_000_000_000_000)
	rpc := &fakeRPC{
		state: &protocol.StateSnapshot{},
		coins: []protocol.Coin{
			{Name: "big1", Symbol: protocol.AssetCollateral, Amount: big},
			{Name: "big2", Symbol: protocol.AssetCollateral, Amount: big},
		},
	}
	k := newTestKeeper(t, Config{HasKeys: true}, rpc, &fakeFeed{price: 100}, &fakeMarket{})

	if _, err := k.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(rpc.splits) != 1 || rpc.splits[0] != "big1" {
		t.Fatalf("splits = %v", rpc.splits)
	}
}

func TestSplitSkippedWithEnoughSmallCoins(t *testing.T) {
	rpc := &fakeRPC{
		state: &protocol.StateSnapshot{},
		coins: []protocol.Coin{
			{Name: "s1", Amount: 1}, {Name: "s2", Amount: 1}, {Name: "s3", Amount: 1},
			{Name: "s4", Amount: 1}, {Name: "s5", Amount: 1},
			{Name: "big", Amount: 30_000_000_000_000},
		},
	}
	k := newTestKeeper(t, Config{HasKeys: true}, rpc, &fakeFeed{price: 100}, &fakeMarket{})

	if _, err := k.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(rpc.splits) != 0 {
		t.Fatalf("splits = %v", rpc.splits)
	}
}

func TestCreateOfferInsufficientLocalBalance(t *testing.T) {
	rpc := &fakeRPC{balances: protocol.Balances{protocol.AssetCollateral: 100}}
	k := newTestKeeper(t, Config{HasKeys: true}, rpc, &fakeFeed{price: 100}, &fakeMarket{})

	_, err := k.createAndUploadOffer(context.Background(), 1_000_000_000_000, 100)
	if !errors.Is(err, offers.ErrInsufficientFunds) {
		t.Fatalf("err = %v", err)
	}
	if len(rpc.offerReqs) != 0 {
		t.Fatalf("no offer request expected: %v", rpc.offerReqs)
	}
}

func TestCreateOfferMapsRemoteCoinShortage(t *testing.T) {
	rpc := &fakeRPC{
		balances: protocol.Balances{protocol.AssetCollateral: 10_000_000_000_000},
		offerErr: &protocol.APIError{Status: 400, Body: "Can't find enough coins to spend"},
	}
	k := newTestKeeper(t, Config{HasKeys: true}, rpc, &fakeFeed{price: 100}, &fakeMarket{})

	_, err := k.createAndUploadOffer(context.Background(), 1_000_000_000_000, 100)
	if !errors.Is(err, offers.ErrInsufficientFunds) {
		t.Fatalf("err = %v", err)
	}
}

func TestUploadFailureFallsBackToLocalID(t *testing.T) {
	rpc := &fakeRPC{balances: protocol.Balances{protocol.AssetCollateral: 10_000_000_000_000}}
	market := &fakeMarket{err: errors.New("marketplace down")}
	k := newTestKeeper(t, Config{HasKeys: true}, rpc, &fakeFeed{price: 100}, market)

	id, err := k.createAndUploadOffer(context.Background(), 1_000_000_000_000, 100)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(id, "local_") {
		t.Fatalf("id = %q", id)
	}
	locked, _ := k.locks.IgnoredCoins()
	if len(locked) != 1 {
		t.Fatalf("funding coins must stay locked: %v", locked)
	}
}

func TestOfferReceiveAmountPricedBelowMarket(t *testing.T) {
	rpc := &fakeRPC{balances: protocol.Balances{protocol.AssetCollateral: 10_000_000_000_000}}
	k := newTestKeeper(t, Config{HasKeys: true}, rpc, &fakeFeed{price: 100}, &fakeMarket{})

	if _, err := k.createAndUploadOffer(context.Background(), 5_000_000_000_000, 100); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(rpc.offerReqs) != 1 {
		t.Fatalf("offer requests = %v", rpc.offerReqs)
	}
	req := rpc.offerReqs[0]
	// 5 collateral units at 100 * 0.995 = 497.5 stablecoin units.
	if req.SellMojos != 5_000_000_000_000 || req.ReceiveMilli != 497_500 {
		t.Fatalf("offer request = %+v", req)
	}
}
