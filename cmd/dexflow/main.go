// dexflow - DEX trade execution engine
//
// Fans swap requests out to aggregators (0x, OKX, Paraswap), ranks quotes by
// net output after gas, runs safety checks against reference prices, and
// executes through per-wallet nonce leases with fee-bumped replacement and
// confirmation tracking.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/coinpilot/dexflow/internal/aggregator"
	"github.com/coinpilot/dexflow/internal/chain"
	"github.com/coinpilot/dexflow/internal/config"
	"github.com/coinpilot/dexflow/internal/engine"
	"github.com/coinpilot/dexflow/internal/nonce"
	"github.com/coinpilot/dexflow/internal/notify"
	"github.com/coinpilot/dexflow/internal/pricing"
	"github.com/coinpilot/dexflow/internal/safety"
	"github.com/coinpilot/dexflow/internal/signer"
	"github.com/coinpilot/dexflow/internal/storage"
	"github.com/coinpilot/dexflow/internal/tracker"
)

const version = "1.0.0"

// clientSource is satisfied by both the live registry and the dry-run one.
type clientSource interface {
	Get(chainID uint64) (chain.Client, error)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Bool("dry_run", cfg.DryRun).
		Int("chains", len(cfg.ChainRPCURLs)).
		Int("wallets", len(cfg.WalletKeys)).
		Msg("🚀 dexflow starting...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Audit database (optional: empty DATABASE_PATH disables persistence)
	var store engine.Store
	var stats notify.StatsProvider
	if cfg.DatabasePath != "" {
		db, err := storage.New(cfg.DatabasePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize database")
		}
		store = db
		stats = db
	} else {
		log.Warn().Msg("Persistence disabled, swaps will not be recorded")
	}

	// Reference price feed
	feed := pricing.NewFeed(cfg.PriceFeedWSURL, cfg.PriceFeedRESTURL, cfg.PriceFeedSymbols)
	if err := feed.Start(); err != nil {
		log.Warn().Err(err).Msg("⚠️ Reference price feed unavailable, degrading")
	}
	defer feed.Stop()

	// Chain clients
	var clients clientSource
	if len(cfg.ChainRPCURLs) > 0 {
		registry, err := chain.NewRegistry(ctx, cfg.ChainRPCURLs, cfg.PrivateRelayURLs)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect chain RPCs")
		}
		defer registry.Close()
		clients = registry
	} else {
		clients = chain.NewSimulatedRegistry()
		log.Info().Msg("🧪 No chain RPCs configured, using simulated chains")
	}

	// Signer
	localSigner, err := signer.NewLocalSigner(cfg.WalletKeys)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize signer")
	}

	// Aggregator fan-out
	adapters := []aggregator.Adapter{
		aggregator.NewZeroEx(cfg.ZeroExBaseURL, cfg.ZeroExAPIKey, cfg.QuoteTTL),
		aggregator.NewOKX(cfg.OKXBaseURL, cfg.OKXAPIKey, cfg.QuoteTTL),
		aggregator.NewParaswap(cfg.ParaswapBaseURL, cfg.QuoteTTL),
	}
	ranker := aggregator.NewRanker(adapters, feed, cfg.AdapterTimeout, cfg.QuoteCacheTTL)

	// Safety checks
	validator := safety.NewValidator(feed, cfg.MaxPriceImpact, cfg.MEVThresholdUSD)

	// Nonce leases
	nonces := nonce.NewManager(clients, localSigner)

	// Submission and confirmation tracking
	track := tracker.New(clients, localSigner, tracker.Options{
		MaxSubmitRetries:      cfg.MaxSubmitRetries,
		SubmitBackoff:         cfg.SubmitBackoff,
		ReceiptPollInterval:   cfg.ReceiptPollInterval,
		ConfirmationTimeout:   cfg.ConfirmationTimeout,
		RequiredConfirmations: cfg.RequiredConfirmations,
		FeeBumpPercent:        cfg.FeeBumpPercent,
		MaxReplacements:       cfg.MaxReplacements,
		GasBufferPercent:      cfg.GasBufferPercent,
		DryRun:                cfg.DryRun,
	})

	eng := engine.New(ranker, validator, nonces, track, store)

	// Optional Telegram notifications
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		notifier, err := notify.New(cfg.TelegramToken, cfg.TelegramChatID, stats)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️ Telegram notifier unavailable")
		} else {
			notifier.Start()
			defer notifier.Stop()
			eng.OnEvent(notifier.HandleEvent)
		}
	}

	log.Info().Msg("✅ Engine ready, accepting swap requests")

	// Block until shutdown; swap requests arrive through the engine API.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")
	cancel()
}
