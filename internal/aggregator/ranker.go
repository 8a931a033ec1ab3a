package aggregator

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/coinpilot/dexflow/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// QUOTE RANKER - Concurrent fan-out over aggregators, best-quote selection
// ═══════════════════════════════════════════════════════════════════════════════
//
// All adapters are queried in parallel under a per-adapter timeout. Quotes are
// ranked by net output value in USD (output minus gas cost); when reference
// prices are unavailable the ranker degrades to raw output amount. A slow or
// failing adapter is excluded from that round, never blocks it.
//
// ═══════════════════════════════════════════════════════════════════════════════

// PriceSource supplies reference USD prices for ranking and safety checks.
type PriceSource interface {
	// Price returns the USD price for a token symbol, and whether one is known.
	Price(symbol string) (decimal.Decimal, bool)
}

// nativeSymbol maps chain IDs to the gas asset's price-feed symbol.
var nativeSymbol = map[uint64]string{
	1:     "ETH",
	10:    "ETH",
	56:    "BNB",
	137:   "MATIC",
	8453:  "ETH",
	42161: "ETH",
}

var weiPerEther = decimal.New(1, 18)

// RankedQuote pairs a quote with its computed score.
type RankedQuote struct {
	Quote *types.Quote
	// NetValueUSD is output value minus gas cost. Zero when reference prices
	// were unavailable and ranking fell back to raw output.
	NetValueUSD decimal.Decimal
	Scored      bool
}

// Ranker fans a swap request out to every adapter and picks the best quote.
type Ranker struct {
	adapters       []Adapter
	prices         PriceSource
	adapterTimeout time.Duration

	cacheMu  sync.Mutex
	cache    map[string]previewEntry
	cacheTTL time.Duration
}

type previewEntry struct {
	ranked  []RankedQuote
	fetched time.Time
}

// NewRanker creates a ranker over the given adapters.
func NewRanker(adapters []Adapter, prices PriceSource, adapterTimeout, cacheTTL time.Duration) *Ranker {
	return &Ranker{
		adapters:       adapters,
		prices:         prices,
		adapterTimeout: adapterTimeout,
		cache:          make(map[string]previewEntry),
		cacheTTL:       cacheTTL,
	}
}

// BestQuote fetches quotes from all adapters and returns them best-first.
// Returns types.ErrNoQuoteAvailable when no adapter produced a usable quote.
func (r *Ranker) BestQuote(ctx context.Context, req *types.SwapRequest) ([]RankedQuote, error) {
	type result struct {
		quote *types.Quote
		err   error
	}

	results := make(chan result, len(r.adapters))
	var wg sync.WaitGroup

	for _, a := range r.adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			actx, cancel := context.WithTimeout(ctx, r.adapterTimeout)
			defer cancel()

			q, err := a.FetchQuote(actx, req)
			results <- result{quote: q, err: err}
		}(a)
	}
	wg.Wait()
	close(results)

	var quotes []*types.Quote
	for res := range results {
		if res.err != nil {
			log.Warn().Err(res.err).Str("request_id", req.ID).Msg("⚠️ Aggregator excluded from round")
			continue
		}
		quotes = append(quotes, res.quote)
	}

	if len(quotes) == 0 {
		return nil, types.ErrNoQuoteAvailable
	}

	ranked := r.rank(req, quotes)

	best := ranked[0]
	log.Info().
		Str("request_id", req.ID).
		Str("aggregator", best.Quote.Aggregator).
		Str("amount_out", best.Quote.AmountOut.String()).
		Int("quotes", len(ranked)).
		Msg("📊 Best quote selected")

	return ranked, nil
}

// Preview returns ranked quotes for display without consuming freshness
// budget on the providers. Results are cached briefly per request shape.
func (r *Ranker) Preview(ctx context.Context, req *types.SwapRequest) ([]RankedQuote, error) {
	key := previewKey(req)

	r.cacheMu.Lock()
	if e, ok := r.cache[key]; ok && time.Since(e.fetched) < r.cacheTTL {
		r.cacheMu.Unlock()
		return e.ranked, nil
	}
	r.cacheMu.Unlock()

	ranked, err := r.BestQuote(ctx, req)
	if err != nil {
		return nil, err
	}

	// Cache display copies so the live quotes' single-use guard is untouched.
	copies := make([]RankedQuote, len(ranked))
	for i, rq := range ranked {
		copies[i] = RankedQuote{Quote: rq.Quote.Clone(), NetValueUSD: rq.NetValueUSD, Scored: rq.Scored}
	}

	r.cacheMu.Lock()
	r.cache[key] = previewEntry{ranked: copies, fetched: time.Now()}
	r.cacheMu.Unlock()

	return ranked, nil
}

// rank orders quotes best-first. Ties on score break toward the lower gas
// estimate.
func (r *Ranker) rank(req *types.SwapRequest, quotes []*types.Quote) []RankedQuote {
	ranked := make([]RankedQuote, 0, len(quotes))
	for _, q := range quotes {
		rq := RankedQuote{Quote: q}
		if net, ok := r.netValueUSD(req, q); ok {
			rq.NetValueUSD = net
			rq.Scored = true
		}
		ranked = append(ranked, rq)
	}

	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && better(ranked[j], ranked[j-1]); j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	return ranked
}

func better(a, b RankedQuote) bool {
	if a.Scored && b.Scored {
		if !a.NetValueUSD.Equal(b.NetValueUSD) {
			return a.NetValueUSD.GreaterThan(b.NetValueUSD)
		}
		return a.Quote.GasEstimate < b.Quote.GasEstimate
	}
	if a.Scored != b.Scored {
		return a.Scored
	}
	cmp := a.Quote.AmountOut.Cmp(b.Quote.AmountOut)
	if cmp != 0 {
		return cmp > 0
	}
	return a.Quote.GasEstimate < b.Quote.GasEstimate
}

// netValueUSD scores a quote as output value minus gas cost, both in USD.
func (r *Ranker) netValueUSD(req *types.SwapRequest, q *types.Quote) (decimal.Decimal, bool) {
	if r.prices == nil {
		return decimal.Zero, false
	}
	buyUSD, ok := r.prices.Price(req.BuyToken.Symbol)
	if !ok {
		return decimal.Zero, false
	}
	outUSD := q.AmountOutDecimal(req.BuyToken).Mul(buyUSD)

	gasUSD := decimal.Zero
	if q.GasPrice != nil && q.GasPrice.Sign() > 0 {
		sym, found := nativeSymbol[req.ChainID]
		if !found {
			sym = "ETH"
		}
		nativeUSD, ok := r.prices.Price(sym)
		if !ok {
			return decimal.Zero, false
		}
		gasWei := decimal.NewFromBigInt(q.GasPrice, 0).Mul(decimal.NewFromInt(int64(q.GasEstimate)))
		gasUSD = gasWei.Div(weiPerEther).Mul(nativeUSD)
	}

	return outUSD.Sub(gasUSD), true
}

func previewKey(req *types.SwapRequest) string {
	return strconv.FormatUint(req.ChainID, 10) + "|" +
		req.SellToken.Address.Hex() + "|" +
		req.BuyToken.Address.Hex() + "|" +
		req.AmountIn.String()
}
