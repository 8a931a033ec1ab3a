package types

import "errors"

// Engine error taxonomy. Pre-submission failures (quote, safety, signing) are
// recovered locally and never touch the chain or a nonce.
var (
	// ErrNoQuoteAvailable - every aggregator timed out, errored, or reported
	// insufficient liquidity. Terminal, no nonce is ever leased.
	ErrNoQuoteAvailable = errors.New("no quote available from any aggregator")

	// ErrPriceImpactTooHigh - computed price impact exceeds the configured
	// threshold.
	ErrPriceImpactTooHigh = errors.New("price impact exceeds threshold")

	// ErrSlippageExceeded - the worst-case output under the caller's slippage
	// tolerance falls below their minimum acceptable output.
	ErrSlippageExceeded = errors.New("worst-case output below minimum")

	// ErrSigningFailed - the signer gateway could not produce a signed
	// payload. The nonce lease is released; no chain interaction occurred.
	ErrSigningFailed = errors.New("transaction signing failed")

	// ErrSubmissionFailed - broadcast kept failing at the network level after
	// the configured retries.
	ErrSubmissionFailed = errors.New("transaction submission failed")

	// ErrNonceReconciliationRequired - chain state reports a nonce lower than
	// the local counter. Fatal; requires operator intervention, never
	// resolved by guessing.
	ErrNonceReconciliationRequired = errors.New("nonce reconciliation required: chain behind local counter")

	// ErrQuoteExpired - the quote passed its expiry before submission.
	ErrQuoteExpired = errors.New("quote expired")

	// ErrQuoteConsumed - the quote was already used once.
	ErrQuoteConsumed = errors.New("quote already consumed")

	// ErrCancelled - the caller cancelled before a nonce lease was taken.
	// Once submitted, cancellation is no longer possible.
	ErrCancelled = errors.New("swap cancelled before nonce lease")
)
