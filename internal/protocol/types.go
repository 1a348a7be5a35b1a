package protocol

// Fixed-point conventions used by the protocol service. Collateral amounts
// are mojos, stablecoin amounts are milli-units, auction prices are
// stablecoin units per collateral unit scaled by PricePrecision.
const (
	MojosPerUnit   = 1_000_000_000_000
	MilliPerUnit   = 1_000
	PricePrecision = 100
	BPSBase        = 10_000
)

// Asset symbols as reported by wallet endpoints.
const (
	AssetCollateral = "xch"
	AssetStable     = "byc"
)

// Vault is an on-chain collateralized debt position as reported by the
// protocol service. Fields not relevant to a given listing are zero.
type Vault struct {
	Name         string  `json:"name"`
	Debt         int64   `json:"debt"`          // milli stablecoin units
	Principal    int64   `json:"principal"`     // bad-debt principal, milli units
	Collateral   int64   `json:"collateral"`    // mojos
	AuctionPrice int64   `json:"auction_price"` // scaled by PricePrecision
	HealthRatio  float64 `json:"health_ratio"`
}

// StateSnapshot is the protocol state fetched once per cycle. It is
// re-fetched every pass and treated as authoritative but stale-tolerant;
// the keeper never mutates it.
type StateSnapshot struct {
	VaultsPendingLiquidation []Vault `json:"vaults_pending_liquidation"`
	VaultsInLiquidation      []Vault `json:"vaults_in_liquidation"`
	VaultsWithBadDebt        []Vault `json:"vaults_with_bad_debt"`
	TreasuryBalance          int64   `json:"treasury_balance"` // milli units
}

// Statutes carries the protocol-enacted auction parameters the keeper needs.
type Statutes struct {
	VaultAuctionMinBidBPS  int64 `json:"vault_auction_minimum_bid_bps"`
	VaultAuctionMinBidFlat int64 `json:"vault_auction_minimum_bid_flat"` // milli units
}

// Coin is a spendable funding coin.
type Coin struct {
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Amount int64  `json:"amount"` // mojos for collateral coins
}

// Balances maps asset symbol to amount in the asset's native precision.
type Balances map[string]int64

func (b Balances) Collateral() int64 { return b[AssetCollateral] }

func (b Balances) Stable() int64 { return b[AssetStable] }

// TxHandle identifies a submitted transaction pending confirmation.
type TxHandle struct {
	ID string `json:"tx_id"`
}

// MakeOfferParams describes a resale offer to build: sell collateral for
// stablecoin, excluding locked coins, expiring after ExpiresIn seconds.
type MakeOfferParams struct {
	SellMojos    int64    `json:"sell_amount"`
	ReceiveMilli int64    `json:"receive_amount"`
	IgnoreCoins  []string `json:"ignore_coins,omitempty"`
	ExpiresIn    int64    `json:"expires_in_seconds"`
}

// OfferBundle is a signed offer ready for marketplace upload, along with
// the funding coins it committed.
type OfferBundle struct {
	Encoded       string   `json:"offer"`
	UsedCoinNames []string `json:"used_coin_names"`
}
