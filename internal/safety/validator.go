package safety

import (
	"fmt"
	"math/big"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/coinpilot/dexflow/internal/aggregator"
	"github.com/coinpilot/dexflow/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SAFETY VALIDATOR - Pre-trade checks between quote selection and signing
// ═══════════════════════════════════════════════════════════════════════════════
//
// Three checks run on the selected quote:
//   1. Price impact against reference prices (reject above threshold)
//   2. Worst-case slippage floor against the caller's minimum output
//   3. MEV exposure flag on large notionals (routes to private relay)
//
// When reference prices are unavailable the impact check degrades to a
// warning; the slippage floor always holds.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Validator runs safety checks on selected quotes.
type Validator struct {
	prices          aggregator.PriceSource
	maxPriceImpact  decimal.Decimal // fraction, 0.01 = 1%
	mevThresholdUSD decimal.Decimal
}

// NewValidator creates a validator with the configured thresholds.
func NewValidator(prices aggregator.PriceSource, maxPriceImpact, mevThresholdUSD decimal.Decimal) *Validator {
	return &Validator{
		prices:          prices,
		maxPriceImpact:  maxPriceImpact,
		mevThresholdUSD: mevThresholdUSD,
	}
}

// Validate assesses a quote for the request. A rejecting assessment is
// returned together with the matching sentinel error.
func (v *Validator) Validate(req *types.SwapRequest, quote *types.Quote) (*types.SafetyAssessment, error) {
	a := &types.SafetyAssessment{}

	// Worst-case slippage floor. This check never degrades.
	worstCase := worstCaseOutput(quote.AmountOut, req.MaxSlippageBps)
	a.SlippageOK = req.MinAmountOut == nil || req.MinAmountOut.Sign() == 0 || worstCase.Cmp(req.MinAmountOut) >= 0
	if !a.SlippageOK {
		a.Reason = fmt.Sprintf("worst-case output %s below minimum %s", worstCase, req.MinAmountOut)
		log.Warn().
			Str("request_id", req.ID).
			Str("worst_case", worstCase.String()).
			Str("min_out", req.MinAmountOut.String()).
			Msg("🚫 Slippage floor violated")
		return a, types.ErrSlippageExceeded
	}

	impact, notional, priced := v.assess(req, quote)
	a.PriceImpact = impact
	a.NotionalUSD = notional

	if priced {
		if impact.GreaterThan(v.maxPriceImpact) {
			a.Reason = fmt.Sprintf("price impact %s exceeds threshold %s", impact, v.maxPriceImpact)
			log.Warn().
				Str("request_id", req.ID).
				Str("impact", impact.String()).
				Str("threshold", v.maxPriceImpact.String()).
				Msg("🚫 Price impact too high")
			return a, types.ErrPriceImpactTooHigh
		}
		a.MEVExposed = notional.GreaterThan(v.mevThresholdUSD)
		if a.MEVExposed {
			log.Info().
				Str("request_id", req.ID).
				Str("notional_usd", notional.StringFixed(2)).
				Msg("🛡️ MEV exposure flagged, routing privately")
		}
	} else {
		log.Warn().
			Str("request_id", req.ID).
			Str("sell", req.SellToken.Symbol).
			Str("buy", req.BuyToken.Symbol).
			Msg("⚠️ No reference price, skipping impact check")
	}

	a.Accept = true
	return a, nil
}

// assess computes price impact and notional in USD. priced is false when
// reference prices are missing for either leg.
func (v *Validator) assess(req *types.SwapRequest, quote *types.Quote) (impact, notional decimal.Decimal, priced bool) {
	if v.prices == nil {
		return decimal.Zero, decimal.Zero, false
	}

	sellUSD, okSell := v.prices.Price(req.SellToken.Symbol)
	buyUSD, okBuy := v.prices.Price(req.BuyToken.Symbol)
	if !okSell || !okBuy || sellUSD.IsZero() || buyUSD.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}

	amountIn := req.AmountInDecimal()
	amountOut := quote.AmountOutDecimal(req.BuyToken)
	if amountIn.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}

	notional = amountIn.Mul(sellUSD)

	// Reference rate is buy tokens per sell token at market; effective rate
	// is what the route actually delivers. Impact is the shortfall.
	refRate := sellUSD.Div(buyUSD)
	effRate := amountOut.Div(amountIn)
	impact = refRate.Sub(effRate).Div(refRate)
	if impact.IsNegative() {
		impact = decimal.Zero
	}
	return impact, notional, true
}

// worstCaseOutput applies the slippage tolerance as a floor on the quote.
func worstCaseOutput(amountOut *big.Int, slippageBps int64) *big.Int {
	out := new(big.Int).Mul(amountOut, big.NewInt(10000-slippageBps))
	return out.Div(out, big.NewInt(10000))
}
