package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPriceStablecoinsPinnedAtOne(t *testing.T) {
	f := NewFeed("", "", []string{"ETH"})

	for _, sym := range []string{"USDC", "usdt", "DAI"} {
		p, ok := f.Price(sym)
		assert.True(t, ok, sym)
		assert.True(t, p.Equal(decimal.NewFromInt(1)), sym)
	}
}

func TestPriceResolvesWrappedAliases(t *testing.T) {
	f := NewFeed("", "", []string{"WETH"})
	f.prices["ETH"] = pricePoint{price: decimal.NewFromInt(2000), at: time.Now()}

	p, ok := f.Price("WETH")
	assert.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(2000)))

	p, ok = f.Price("ETH")
	assert.True(t, ok)
	assert.True(t, p.Equal(decimal.NewFromInt(2000)))
}

func TestPriceStaleIsUnknown(t *testing.T) {
	f := NewFeed("", "", []string{"ETH"})
	f.prices["ETH"] = pricePoint{price: decimal.NewFromInt(2000), at: time.Now().Add(-10 * time.Minute)}

	_, ok := f.Price("ETH")
	assert.False(t, ok)
}

func TestPriceUnknownSymbol(t *testing.T) {
	f := NewFeed("", "", []string{"ETH"})

	_, ok := f.Price("SHIB")
	assert.False(t, ok)
}

func TestNewFeedDeduplicatesSymbols(t *testing.T) {
	f := NewFeed("", "", []string{"WETH", "ETH", "USDC", "MATIC"})

	// WETH resolves to ETH, USDC is pinned and dropped from streaming.
	assert.Equal(t, []string{"ETH", "MATIC"}, f.symbols)
}

func TestHandleMessageUpdatesPrice(t *testing.T) {
	f := NewFeed("", "", []string{"ETH"})
	f.handleMessage([]byte(`{"stream":"ethusdt@trade","data":{"s":"ETHUSDT","p":"1987.65"}}`))

	p, ok := f.Price("ETH")
	assert.True(t, ok)
	assert.True(t, p.Equal(decimal.RequireFromString("1987.65")))
}
