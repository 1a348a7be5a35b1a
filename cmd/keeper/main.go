package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"cdp-keeper/internal/dotenv"
	"cdp-keeper/internal/jsonl"
	"cdp-keeper/internal/keeper"
	"cdp-keeper/internal/kvstore"
	"cdp-keeper/internal/marketplace"
	"cdp-keeper/internal/pricefeed"
	"cdp-keeper/internal/progress"
	"cdp-keeper/internal/protocol"
)

type args struct {
	protocolHost string
	feedHost     string
	feedPair     string
	marketHost   string
	storeFile    string
	progressFile string
	tradesFile   string

	maxBid          float64
	minDiscount     float64
	offerLifetime   time.Duration
	maxOffer        float64
	minCollateral   float64
	cycleDelay      time.Duration
	disableOffers   bool
	assumeFavorable bool
	hasKeys         bool
	once            bool
	prettyLog       bool
}

func main() {
	log := newLogger()

	if err := dotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("dotenv load failed")
	}

	parsed, err := parseArgs()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid arguments")
	}
	if parsed.prettyLog {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	rpc, err := protocol.NewClient(parsed.protocolHost, log)
	if err != nil {
		log.Fatal().Err(err).Msg("protocol client")
	}
	feed, err := pricefeed.New(parsed.feedHost, parsed.feedPair, log)
	if err != nil {
		log.Fatal().Err(err).Msg("price feed")
	}
	var market keeper.Marketplace
	if !parsed.disableOffers {
		mc, err := marketplace.NewClient(parsed.marketHost, log)
		if err != nil {
			log.Fatal().Err(err).Msg("marketplace client")
		}
		market = mc
	}
	store, err := kvstore.Open(parsed.storeFile, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open state store")
	}

	emitter := progress.NewEmitter(log)
	emitter.Subscribe(progress.LogHandler(log))
	progressLog := jsonl.New(parsed.progressFile)
	if progressLog != nil {
		log.Info().Str("path", parsed.progressFile).Msg("progress log enabled")
		emitter.Subscribe(progress.JSONLHandler(progressLog, log))
		defer func() {
			if err := progressLog.Close(); err != nil {
				log.Warn().Err(err).Msg("progress log close")
			}
		}()
	}
	tradeLog := jsonl.New(parsed.tradesFile)
	if tradeLog != nil {
		log.Info().Str("path", parsed.tradesFile).Msg("trade log enabled")
		defer func() {
			if err := tradeLog.Close(); err != nil {
				log.Warn().Err(err).Msg("trade log close")
			}
		}()
	}

	cfg := keeper.Config{
		MaxBidMilli:                 int64(parsed.maxBid * protocol.MilliPerUnit),
		MinDiscount:                 parsed.minDiscount,
		OfferLifetime:               parsed.offerLifetime,
		MaxOfferMojos:               int64(parsed.maxOffer * protocol.MojosPerUnit),
		MinCollateralKeepMojos:      int64(parsed.minCollateral * protocol.MojosPerUnit),
		CycleDelay:                  parsed.cycleDelay,
		DisableOffers:               parsed.disableOffers,
		AssumeFavorableOnFeedOutage: parsed.assumeFavorable,
		HasKeys:                     parsed.hasKeys,
	}
	k, err := keeper.New(cfg, keeper.Deps{
		RPC:      rpc,
		Feed:     feed,
		Market:   market,
		Store:    store,
		Emitter:  emitter,
		TradeLog: tradeLog,
		Log:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("keeper init")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
	}()

	if err := k.Run(ctx, parsed.once); err != nil {
		log.Fatal().Err(err).Msg("keeper exited")
	}
}

func newLogger() zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	level := zerolog.InfoLevel
	if env := strings.TrimSpace(os.Getenv("KEEPER_LOG_LEVEL")); env != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(env)); err == nil {
			level = parsed
		}
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func parseArgs() (args, error) {
	var a args

	flag.StringVar(&a.protocolHost, "protocol-url", "", "Protocol service base URL (or PROTOCOL_URL)")
	flag.StringVar(&a.feedHost, "feed-url", "", "Price feed base URL (or FEED_URL; default https://www.okx.com)")
	flag.StringVar(&a.feedPair, "feed-pair", "", "Price feed instrument pair (or FEED_PAIR; default XCH-BYC)")
	flag.StringVar(&a.marketHost, "marketplace-url", "", "Offer marketplace base URL (or MARKETPLACE_URL)")
	flag.StringVar(&a.storeFile, "store-file", "./out/keeper.state.json", "Persistent state file")
	flag.StringVar(&a.progressFile, "progress-out", "", "Optional progress event output (JSONL)")
	flag.StringVar(&a.tradesFile, "trades-out", "./out/trades.jsonl", "Trade record output (JSONL; empty disables)")

	flag.Float64Var(&a.maxBid, "max-bid", envFloat("MAX_BID", 0), "Max stablecoin units per bid (0 = uncapped)")
	flag.Float64Var(&a.minDiscount, "min-discount", envFloat("MIN_DISCOUNT", 0.1), "Minimum auction discount vs market (fraction)")
	flag.DurationVar(&a.offerLifetime, "offer-lifetime", 10*time.Minute, "Resale offer lifetime")
	flag.Float64Var(&a.maxOffer, "max-offer", envFloat("MAX_OFFER", 5), "Max collateral units per resale offer")
	flag.Float64Var(&a.minCollateral, "min-collateral-keep", envFloat("MIN_COLLATERAL_KEEP", 0), "Collateral units never offered for sale")
	flag.DurationVar(&a.cycleDelay, "cycle-delay", 30*time.Second, "Delay between cycles")
	flag.BoolVar(&a.disableOffers, "disable-offers", envBool("DISABLE_OFFERS", false), "Do not create or renew resale offers")
	flag.BoolVar(&a.assumeFavorable, "assume-favorable-on-outage", envBool("ASSUME_FAVORABLE_ON_OUTAGE", true), "Treat a dead price feed as favorable market conditions")
	flag.BoolVar(&a.hasKeys, "with-keys", envBool("KEEPER_HAS_KEYS", true), "Signing keys available (false = watch-only)")
	flag.BoolVar(&a.once, "once", false, "Run a single cycle and exit")
	flag.BoolVar(&a.prettyLog, "pretty-log", false, "Human-readable console log output")

	flag.Parse()

	if a.protocolHost = firstNonEmpty(a.protocolHost, os.Getenv("PROTOCOL_URL")); a.protocolHost == "" {
		return args{}, fmt.Errorf("protocol url required via --protocol-url or PROTOCOL_URL")
	}
	a.feedHost = firstNonEmpty(a.feedHost, os.Getenv("FEED_URL"), "https://www.okx.com")
	a.feedPair = firstNonEmpty(a.feedPair, os.Getenv("FEED_PAIR"))
	if !a.disableOffers {
		if a.marketHost = firstNonEmpty(a.marketHost, os.Getenv("MARKETPLACE_URL")); a.marketHost == "" {
			return args{}, fmt.Errorf("marketplace url required via --marketplace-url or MARKETPLACE_URL (or pass --disable-offers)")
		}
	}
	if a.minDiscount < 0 || a.minDiscount >= 1 {
		return args{}, fmt.Errorf("min-discount must be in [0,1), got %v", a.minDiscount)
	}
	if a.maxBid < 0 || a.maxOffer <= 0 || a.minCollateral < 0 {
		return args{}, fmt.Errorf("amount flags must be non-negative (max-offer positive)")
	}
	return a, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func envFloat(key string, def float64) float64 {
	env := strings.TrimSpace(os.Getenv(key))
	if env == "" {
		return def
	}
	v, err := strconv.ParseFloat(env, 64)
	if err != nil {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	env := strings.TrimSpace(os.Getenv(key))
	if env == "" {
		return def
	}
	v, err := strconv.ParseBool(env)
	if err != nil {
		return def
	}
	return v
}
