package pricing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REFERENCE PRICE FEED - Binance USD prices for ranking and safety checks
// ═══════════════════════════════════════════════════════════════════════════════
//
// Streams trade prices over WebSocket for the configured symbols and falls
// back to REST when the stream has not delivered. Prices older than the
// staleness window are treated as unknown; consumers degrade rather than
// trust a stale reference.
//
// ═══════════════════════════════════════════════════════════════════════════════

const priceStaleAfter = 2 * time.Minute

// wrapped assets and stablecoins quoted through their underlying.
var symbolAliases = map[string]string{
	"WETH":   "ETH",
	"WBTC":   "BTC",
	"WMATIC": "MATIC",
	"WBNB":   "BNB",
}

var stablecoins = map[string]bool{
	"USDT": true,
	"USDC": true,
	"DAI":  true,
	"BUSD": true,
}

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// Feed streams reference prices for a set of symbols.
type Feed struct {
	wsURL   string
	restURL string
	symbols []string

	conn   *websocket.Conn
	prices map[string]pricePoint

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// NewFeed creates a feed for the given token symbols. Aliases are resolved,
// stablecoins are skipped (they are pinned at 1).
func NewFeed(wsURL, restURL string, symbols []string) *Feed {
	seen := map[string]bool{}
	var resolved []string
	for _, s := range symbols {
		s = canonical(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		resolved = append(resolved, s)
	}

	return &Feed{
		wsURL:   wsURL,
		restURL: restURL,
		symbols: resolved,
		prices:  make(map[string]pricePoint),
		stopCh:  make(chan struct{}),
	}
}

// Start seeds prices via REST and begins streaming.
func (f *Feed) Start() error {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()

	if err := f.seedFromREST(); err != nil {
		log.Warn().Err(err).Msg("Failed to seed reference prices, continuing anyway")
	}

	go f.runWebSocket()
	go f.refreshLoop()

	log.Info().Strs("symbols", f.symbols).Msg("📈 Reference price feed started")
	return nil
}

// Stop closes the stream.
func (f *Feed) Stop() {
	f.mu.Lock()
	f.running = false
	conn := f.conn
	f.mu.Unlock()

	close(f.stopCh)
	if conn != nil {
		conn.Close()
	}
}

// Price returns the USD price for a token symbol. Stablecoins are pinned at
// 1; stale or unknown symbols return false.
func (f *Feed) Price(symbol string) (decimal.Decimal, bool) {
	up := strings.ToUpper(symbol)
	if stablecoins[up] {
		return decimal.NewFromInt(1), true
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.prices[canonical(symbol)]
	if !ok || time.Since(p.at) > priceStaleAfter {
		return decimal.Zero, false
	}
	return p.price, true
}

func (f *Feed) isRunning() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.running
}

func (f *Feed) runWebSocket() {
	if len(f.symbols) == 0 {
		return
	}

	for f.isRunning() {
		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("Price stream connection failed")
			time.Sleep(5 * time.Second)
			continue
		}

		f.readMessages()

		if f.isRunning() {
			log.Warn().Msg("Price stream disconnected, reconnecting...")
			time.Sleep(1 * time.Second)
		}
	}
}

func (f *Feed) connect() error {
	streams := make([]string, len(f.symbols))
	for i, s := range f.symbols {
		streams[i] = strings.ToLower(s) + "usdt@trade"
	}
	url := fmt.Sprintf("%s/stream?streams=%s", f.wsURL, strings.Join(streams, "/"))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	log.Info().Str("url", url).Msg("🔌 Price stream connected")
	return nil
}

func (f *Feed) readMessages() {
	for f.isRunning() {
		_, message, err := f.conn.ReadMessage()
		if err != nil {
			if f.isRunning() {
				log.Error().Err(err).Msg("Price stream read error")
			}
			return
		}
		f.handleMessage(message)
	}
}

// combined-stream envelope: {"stream":"ethusdt@trade","data":{...trade...}}
type streamMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol string `json:"s"`
		Price  string `json:"p"`
	} `json:"data"`
}

func (f *Feed) handleMessage(data []byte) {
	var msg streamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	price, err := decimal.NewFromString(msg.Data.Price)
	if err != nil || price.IsZero() {
		return
	}

	symbol := strings.ToUpper(strings.TrimSuffix(msg.Data.Symbol, "USDT"))
	f.mu.Lock()
	f.prices[symbol] = pricePoint{price: price, at: time.Now()}
	f.mu.Unlock()
}

// refreshLoop re-seeds from REST when the stream goes quiet.
func (f *Feed) refreshLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if f.anyStale() {
				if err := f.seedFromREST(); err != nil {
					log.Warn().Err(err).Msg("Reference price refresh failed")
				}
			}
		case <-f.stopCh:
			return
		}
	}
}

func (f *Feed) anyStale() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, s := range f.symbols {
		p, ok := f.prices[s]
		if !ok || time.Since(p.at) > priceStaleAfter {
			return true
		}
	}
	return false
}

func (f *Feed) seedFromREST() error {
	for _, s := range f.symbols {
		url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%sUSDT", f.restURL, s)

		resp, err := http.Get(url)
		if err != nil {
			return err
		}

		var raw struct {
			Price string `json:"price"`
		}
		err = json.NewDecoder(resp.Body).Decode(&raw)
		resp.Body.Close()
		if err != nil {
			return err
		}

		price, err := decimal.NewFromString(raw.Price)
		if err != nil || price.IsZero() {
			continue
		}

		f.mu.Lock()
		f.prices[s] = pricePoint{price: price, at: time.Now()}
		f.mu.Unlock()
	}
	return nil
}

func canonical(symbol string) string {
	up := strings.ToUpper(symbol)
	if alias, ok := symbolAliases[up]; ok {
		return alias
	}
	if stablecoins[up] {
		return ""
	}
	return up
}
