package safety

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/dexflow/internal/types"
)

type fakePrices map[string]decimal.Decimal

func (f fakePrices) Price(symbol string) (decimal.Decimal, bool) {
	p, ok := f[symbol]
	return p, ok
}

// 1000 USDC -> WETH at WETH=$2000; fair output is 0.5 WETH.
func usdcToWethRequest(minOutWei *big.Int) *types.SwapRequest {
	return &types.SwapRequest{
		ID:             "req-1",
		WalletID:       "main",
		ChainID:        1,
		SellToken:      types.Token{Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Symbol: "USDC", Decimals: 6},
		BuyToken:       types.Token{Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Symbol: "WETH", Decimals: 18},
		AmountIn:       big.NewInt(1_000_000_000),
		MinAmountOut:   minOutWei,
		MaxSlippageBps: 100,
	}
}

func wethQuote(outWei *big.Int) *types.Quote {
	return &types.Quote{
		Aggregator: "0x",
		AmountOut:  outWei,
		Value:      big.NewInt(0),
		ExpiresAt:  time.Now().Add(30 * time.Second),
	}
}

func marketPrices() fakePrices {
	return fakePrices{"USDC": decimal.NewFromInt(1), "WETH": decimal.NewFromInt(2000)}
}

func eth(milli int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(milli), big.NewInt(1e15))
}

func TestValidateAcceptsFairQuote(t *testing.T) {
	v := NewValidator(marketPrices(), decimal.NewFromFloat(0.01), decimal.NewFromInt(1000))

	// 0.498 WETH out: 0.4% impact, under the 1% threshold.
	a, err := v.Validate(usdcToWethRequest(big.NewInt(0)), wethQuote(eth(498)))
	require.NoError(t, err)

	assert.True(t, a.Accept)
	assert.True(t, a.SlippageOK)
	assert.True(t, a.PriceImpact.LessThan(decimal.NewFromFloat(0.01)))
}

func TestValidateRejectsHighPriceImpact(t *testing.T) {
	v := NewValidator(marketPrices(), decimal.NewFromFloat(0.01), decimal.NewFromInt(1000))

	// 0.46 WETH out: 8% impact against the 0.5 fair value.
	a, err := v.Validate(usdcToWethRequest(big.NewInt(0)), wethQuote(eth(460)))
	assert.ErrorIs(t, err, types.ErrPriceImpactTooHigh)
	assert.False(t, a.Accept)
	assert.True(t, a.PriceImpact.GreaterThan(decimal.NewFromFloat(0.01)))
}

func TestValidateRejectsSlippageFloorViolation(t *testing.T) {
	v := NewValidator(marketPrices(), decimal.NewFromFloat(0.01), decimal.NewFromInt(1000))

	// Quote 0.5 WETH with 1% tolerance: worst case 0.495, below the 0.498 min.
	a, err := v.Validate(usdcToWethRequest(eth(498)), wethQuote(eth(500)))
	assert.ErrorIs(t, err, types.ErrSlippageExceeded)
	assert.False(t, a.Accept)
	assert.False(t, a.SlippageOK)
}

func TestValidateAcceptsWhenWorstCaseMeetsMinimum(t *testing.T) {
	v := NewValidator(marketPrices(), decimal.NewFromFloat(0.01), decimal.NewFromInt(1000))

	// Worst case 0.495 meets a 0.49 minimum.
	a, err := v.Validate(usdcToWethRequest(eth(490)), wethQuote(eth(500)))
	require.NoError(t, err)
	assert.True(t, a.SlippageOK)
}

func TestValidateFlagsMEVExposure(t *testing.T) {
	v := NewValidator(marketPrices(), decimal.NewFromFloat(0.01), decimal.NewFromInt(1000))

	// $5000 notional crosses the $1000 threshold.
	req := usdcToWethRequest(big.NewInt(0))
	req.AmountIn = big.NewInt(5_000_000_000)
	a, err := v.Validate(req, wethQuote(eth(2490)))
	require.NoError(t, err)
	assert.True(t, a.MEVExposed)
	assert.True(t, a.NotionalUSD.Equal(decimal.NewFromInt(5000)))
}

func TestValidateSmallNotionalNotMEVExposed(t *testing.T) {
	v := NewValidator(marketPrices(), decimal.NewFromFloat(0.01), decimal.NewFromInt(1000))

	a, err := v.Validate(usdcToWethRequest(big.NewInt(0)), wethQuote(eth(498)))
	require.NoError(t, err)
	assert.False(t, a.MEVExposed)
}

func TestValidateDegradesWithoutReferencePrices(t *testing.T) {
	v := NewValidator(fakePrices{}, decimal.NewFromFloat(0.01), decimal.NewFromInt(1000))

	// No prices: impact check skipped, slippage floor still enforced.
	a, err := v.Validate(usdcToWethRequest(big.NewInt(0)), wethQuote(eth(460)))
	require.NoError(t, err)
	assert.True(t, a.Accept)

	_, err = v.Validate(usdcToWethRequest(eth(498)), wethQuote(eth(500)))
	assert.ErrorIs(t, err, types.ErrSlippageExceeded)
}

func TestValidateNegativeImpactClampedToZero(t *testing.T) {
	v := NewValidator(marketPrices(), decimal.NewFromFloat(0.01), decimal.NewFromInt(1000))

	// Route beats market; impact clamps to zero rather than going negative.
	a, err := v.Validate(usdcToWethRequest(big.NewInt(0)), wethQuote(eth(510)))
	require.NoError(t, err)
	assert.True(t, a.PriceImpact.IsZero())
}
