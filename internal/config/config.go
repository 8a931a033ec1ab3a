package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the swap engine
type Config struct {
	// Mode
	DryRun bool
	Debug  bool

	// Chain RPC endpoints, keyed by chain ID.
	// Format: CHAIN_RPC_URLS="1=https://eth.example,8453=https://base.example"
	ChainRPCURLs map[uint64]string

	// Private relay endpoints for MEV-exposed submissions (optional).
	// Same format as CHAIN_RPC_URLS.
	PrivateRelayURLs map[uint64]string

	// Aggregator APIs
	ZeroExBaseURL   string
	ZeroExAPIKey    string
	OKXBaseURL      string
	OKXAPIKey       string
	ParaswapBaseURL string

	// Quote fan-out
	AdapterTimeout time.Duration
	QuoteTTL       time.Duration
	QuoteCacheTTL  time.Duration

	// Safety thresholds
	MaxPriceImpact  decimal.Decimal // fraction, 0.01 = 1%
	MEVThresholdUSD decimal.Decimal

	// Submission & confirmation
	MaxSubmitRetries      int
	SubmitBackoff         time.Duration
	ReceiptPollInterval   time.Duration
	ConfirmationTimeout   time.Duration
	RequiredConfirmations uint64
	FeeBumpPercent        int64 // gas price bump per replacement attempt
	MaxReplacements       int
	GasBufferPercent      int64 // headroom over the provider's gas estimate

	// Wallet keys (custodial signing), keyed by wallet ID.
	// Format: WALLET_KEYS="main=0xabc...,treasury=0xdef..."
	WalletKeys map[string]string

	// Reference price feed
	PriceFeedWSURL   string
	PriceFeedRESTURL string
	PriceFeedSymbols []string

	// Persistence
	DatabasePath string

	// Telegram notifications (optional)
	TelegramToken  string
	TelegramChatID int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		ZeroExBaseURL:   getEnv("ZEROEX_BASE_URL", "https://api.0x.org"),
		ZeroExAPIKey:    os.Getenv("ZEROEX_API_KEY"),
		OKXBaseURL:      getEnv("OKX_BASE_URL", "https://www.okx.com"),
		OKXAPIKey:       os.Getenv("OKX_API_KEY"),
		ParaswapBaseURL: getEnv("PARASWAP_BASE_URL", "https://apiv5.paraswap.io"),

		AdapterTimeout: getEnvDuration("ADAPTER_TIMEOUT", 3*time.Second),
		QuoteTTL:       getEnvDuration("QUOTE_TTL", 30*time.Second),
		QuoteCacheTTL:  getEnvDuration("QUOTE_CACHE_TTL", 10*time.Second),

		MaxPriceImpact:  getEnvDecimal("MAX_PRICE_IMPACT", decimal.NewFromFloat(0.01)), // 1%
		MEVThresholdUSD: getEnvDecimal("MEV_THRESHOLD_USD", decimal.NewFromInt(1000)),

		MaxSubmitRetries:      getEnvInt("MAX_SUBMIT_RETRIES", 3),
		SubmitBackoff:         getEnvDuration("SUBMIT_BACKOFF", 500*time.Millisecond),
		ReceiptPollInterval:   getEnvDuration("RECEIPT_POLL_INTERVAL", 5*time.Second),
		ConfirmationTimeout:   getEnvDuration("CONFIRMATION_TIMEOUT", 120*time.Second),
		RequiredConfirmations: uint64(getEnvInt("REQUIRED_CONFIRMATIONS", 1)),
		FeeBumpPercent:        int64(getEnvInt("FEE_BUMP_PERCENT", 13)), // above geth's 12.5% replacement minimum
		MaxReplacements:       getEnvInt("MAX_REPLACEMENTS", 3),
		GasBufferPercent:      int64(getEnvInt("GAS_BUFFER_PERCENT", 20)),

		PriceFeedWSURL:   getEnv("PRICE_FEED_WS_URL", "wss://stream.binance.com:9443"),
		PriceFeedRESTURL: getEnv("PRICE_FEED_REST_URL", "https://api.binance.com"),
		PriceFeedSymbols: splitList(getEnv("PRICE_FEED_SYMBOLS", "ETH,BTC,MATIC,BNB")),

		DatabasePath: "data/dexflow.db",

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	var err error
	cfg.ChainRPCURLs, err = parseChainURLs(os.Getenv("CHAIN_RPC_URLS"))
	if err != nil {
		return nil, fmt.Errorf("invalid CHAIN_RPC_URLS: %w", err)
	}
	cfg.PrivateRelayURLs, err = parseChainURLs(os.Getenv("PRIVATE_RELAY_URLS"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRIVATE_RELAY_URLS: %w", err)
	}
	cfg.WalletKeys = parseKeyValues(os.Getenv("WALLET_KEYS"))

	// Empty-but-set disables persistence entirely.
	if path, ok := os.LookupEnv("DATABASE_PATH"); ok {
		cfg.DatabasePath = path
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if !cfg.DryRun && len(cfg.ChainRPCURLs) == 0 {
		return nil, fmt.Errorf("CHAIN_RPC_URLS is required in live mode")
	}

	return cfg, nil
}

// parseChainURLs parses "1=https://a,137=https://b" into a map
func parseChainURLs(raw string) (map[uint64]string, error) {
	out := make(map[uint64]string)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed entry %q", pair)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chain id %q: %w", parts[0], err)
		}
		out[id] = parts[1]
	}
	return out, nil
}

// parseKeyValues parses "name=0xkey,other=0xkey" into a map
func parseKeyValues(raw string) map[string]string {
	out := make(map[string]string)
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

// splitList parses a comma-separated list, trimming blanks
func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
