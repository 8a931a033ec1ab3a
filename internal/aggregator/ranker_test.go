package aggregator

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/dexflow/internal/types"
)

type fakeAdapter struct {
	name  string
	quote *types.Quote
	err   error
	delay time.Duration
	calls atomic.Int64
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FetchQuote(ctx context.Context, req *types.SwapRequest) (*types.Quote, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.quote.Clone(), nil
}

type fakePrices map[string]decimal.Decimal

func (f fakePrices) Price(symbol string) (decimal.Decimal, bool) {
	p, ok := f[symbol]
	return p, ok
}

func testRequest() *types.SwapRequest {
	return &types.SwapRequest{
		ID:       "req-1",
		WalletID: "main",
		ChainID:  1,
		SellToken: types.Token{
			Address:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
			Symbol:   "USDC",
			Decimals: 6,
		},
		BuyToken: types.Token{
			Address:  common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
			Symbol:   "WETH",
			Decimals: 18,
		},
		AmountIn:       big.NewInt(1_000_000_000), // 1000 USDC
		MinAmountOut:   big.NewInt(0),
		MaxSlippageBps: 100,
	}
}

func quoteWith(agg string, outEth int64, gas uint64, gasPriceGwei int64) *types.Quote {
	out := new(big.Int).Mul(big.NewInt(outEth), big.NewInt(1e18))
	return &types.Quote{
		Aggregator:  agg,
		AmountOut:   out,
		GasEstimate: gas,
		GasPrice:    new(big.Int).Mul(big.NewInt(gasPriceGwei), big.NewInt(1e9)),
		Target:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Value:       big.NewInt(0),
		ExpiresAt:   time.Now().Add(30 * time.Second),
	}
}

func TestBestQuoteRanksByNetValue(t *testing.T) {
	prices := fakePrices{"WETH": decimal.NewFromInt(2000), "ETH": decimal.NewFromInt(2000)}

	// Same output; b burns far more gas, so a must win.
	a := &fakeAdapter{name: "0x", quote: quoteWith("0x", 5, 200_000, 30)}
	b := &fakeAdapter{name: "okx", quote: quoteWith("okx", 5, 900_000, 300)}

	r := NewRanker([]Adapter{a, b}, prices, time.Second, 10*time.Second)
	ranked, err := r.BestQuote(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, ranked, 2)

	assert.Equal(t, "0x", ranked[0].Quote.Aggregator)
	assert.True(t, ranked[0].Scored)
	assert.True(t, ranked[0].NetValueUSD.GreaterThan(ranked[1].NetValueUSD))
}

func TestBestQuoteExcludesFailingAdapter(t *testing.T) {
	prices := fakePrices{"WETH": decimal.NewFromInt(2000), "ETH": decimal.NewFromInt(2000)}

	good := &fakeAdapter{name: "0x", quote: quoteWith("0x", 5, 200_000, 30)}
	bad := &fakeAdapter{name: "okx", err: errors.New("okx: " + ErrProviderRejected.Error())}

	r := NewRanker([]Adapter{good, bad}, prices, time.Second, 10*time.Second)
	ranked, err := r.BestQuote(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "0x", ranked[0].Quote.Aggregator)
}

func TestBestQuoteExcludesSlowAdapter(t *testing.T) {
	prices := fakePrices{"WETH": decimal.NewFromInt(2000), "ETH": decimal.NewFromInt(2000)}

	fast := &fakeAdapter{name: "0x", quote: quoteWith("0x", 5, 200_000, 30)}
	slow := &fakeAdapter{name: "paraswap", quote: quoteWith("paraswap", 50, 200_000, 30), delay: 500 * time.Millisecond}

	r := NewRanker([]Adapter{fast, slow}, prices, 50*time.Millisecond, 10*time.Second)
	ranked, err := r.BestQuote(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.Equal(t, "0x", ranked[0].Quote.Aggregator)
}

func TestBestQuoteAllFail(t *testing.T) {
	a := &fakeAdapter{name: "0x", err: ErrInsufficientLiquidity}
	b := &fakeAdapter{name: "okx", err: ErrProviderRejected}

	r := NewRanker([]Adapter{a, b}, nil, time.Second, 10*time.Second)
	_, err := r.BestQuote(context.Background(), testRequest())
	assert.ErrorIs(t, err, types.ErrNoQuoteAvailable)
}

func TestRankFallsBackToRawOutputWithoutPrices(t *testing.T) {
	a := &fakeAdapter{name: "0x", quote: quoteWith("0x", 4, 100_000, 30)}
	b := &fakeAdapter{name: "okx", quote: quoteWith("okx", 5, 900_000, 30)}

	r := NewRanker([]Adapter{a, b}, nil, time.Second, 10*time.Second)
	ranked, err := r.BestQuote(context.Background(), testRequest())
	require.NoError(t, err)

	// Without prices the bigger raw output wins regardless of gas.
	assert.Equal(t, "okx", ranked[0].Quote.Aggregator)
	assert.False(t, ranked[0].Scored)
}

func TestRankTieBreaksOnGas(t *testing.T) {
	prices := fakePrices{"WETH": decimal.NewFromInt(2000), "ETH": decimal.NewFromInt(2000)}

	cheap := &fakeAdapter{name: "0x", quote: quoteWith("0x", 5, 100_000, 30)}
	pricey := &fakeAdapter{name: "okx", quote: quoteWith("okx", 5, 400_000, 30)}
	// Strip gas prices so both score to the same net value and force the tie.
	cheap.quote.GasPrice = nil
	pricey.quote.GasPrice = nil

	r := NewRanker([]Adapter{pricey, cheap}, prices, time.Second, 10*time.Second)
	ranked, err := r.BestQuote(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "0x", ranked[0].Quote.Aggregator)
}

func TestPreviewCachesWithinTTL(t *testing.T) {
	a := &fakeAdapter{name: "0x", quote: quoteWith("0x", 5, 200_000, 30)}
	r := NewRanker([]Adapter{a}, nil, time.Second, 10*time.Second)

	req := testRequest()
	_, err := r.Preview(context.Background(), req)
	require.NoError(t, err)
	_, err = r.Preview(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.calls.Load())
}

func TestPreviewCacheCopiesAreNotLiveQuotes(t *testing.T) {
	a := &fakeAdapter{name: "0x", quote: quoteWith("0x", 5, 200_000, 30)}
	r := NewRanker([]Adapter{a}, nil, time.Second, 10*time.Second)

	req := testRequest()
	first, err := r.Preview(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, first[0].Quote.Consume(time.Now()))

	// The cached copy must still be consumable independently.
	second, err := r.Preview(context.Background(), req)
	require.NoError(t, err)
	assert.NoError(t, second[0].Quote.Consume(time.Now()))
}

func TestQuoteSingleUse(t *testing.T) {
	q := quoteWith("0x", 5, 200_000, 30)
	now := time.Now()

	require.NoError(t, q.Consume(now))
	assert.ErrorIs(t, q.Consume(now), types.ErrQuoteConsumed)

	expired := quoteWith("0x", 5, 200_000, 30)
	expired.ExpiresAt = now.Add(-time.Second)
	assert.ErrorIs(t, expired.Consume(now), types.ErrQuoteExpired)
}
