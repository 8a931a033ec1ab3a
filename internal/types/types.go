package types

import (
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CORE TYPES - Shared across the swap execution engine
// ═══════════════════════════════════════════════════════════════════════════════

// Token identifies an ERC-20 token (or the native asset via the zero address).
type Token struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals int32          `json:"decimals"`
}

// IsNative reports whether the token is the chain's native asset.
func (t Token) IsNative() bool {
	return t.Address == (common.Address{})
}

// SwapRequest is a user's swap intent. Immutable once accepted by the engine.
type SwapRequest struct {
	ID             string   `json:"id"`
	WalletID       string   `json:"wallet_id"`
	ChainID        uint64   `json:"chain_id"`
	SellToken      Token    `json:"sell_token"`
	BuyToken       Token    `json:"buy_token"`
	AmountIn       *big.Int `json:"amount_in"`      // base units of SellToken
	MinAmountOut   *big.Int `json:"min_amount_out"` // caller's floor, base units of BuyToken
	MaxSlippageBps int64    `json:"max_slippage_bps"`
	Custodial      bool     `json:"custodial"`
	CreatedAt      time.Time `json:"created_at"`
}

// AmountInDecimal returns the sell amount in human units.
func (r *SwapRequest) AmountInDecimal() decimal.Decimal {
	return decimal.NewFromBigInt(r.AmountIn, -r.SellToken.Decimals)
}

// Quote is a single aggregator's priced route. Quotes are immutable and
// single-use; an expired or already-consumed quote must never be submitted.
type Quote struct {
	Aggregator  string         `json:"aggregator"`
	AmountOut   *big.Int       `json:"amount_out"` // base units of BuyToken
	GasEstimate uint64         `json:"gas_estimate"`
	GasPrice    *big.Int       `json:"gas_price"` // wei, provider suggestion
	Target      common.Address `json:"target"`    // swap router contract
	Calldata    []byte         `json:"calldata"`
	Value       *big.Int       `json:"value"` // wei attached (native-asset sells)
	ExpiresAt   time.Time      `json:"expires_at"`

	consumed atomic.Bool
}

// AmountOutDecimal returns the quoted output in human units of the buy token.
func (q *Quote) AmountOutDecimal(buy Token) decimal.Decimal {
	return decimal.NewFromBigInt(q.AmountOut, -buy.Decimals)
}

// Expired reports whether the quote is past its expiry.
func (q *Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// Consume marks the quote as used. A quote can be consumed exactly once;
// the second caller gets ErrQuoteConsumed, an expired quote ErrQuoteExpired.
func (q *Quote) Consume(now time.Time) error {
	if q.Expired(now) {
		return ErrQuoteExpired
	}
	if !q.consumed.CompareAndSwap(false, true) {
		return ErrQuoteConsumed
	}
	return nil
}

// Clone returns a fresh, unconsumed copy of the quote. Used for preview
// caching so display copies never share the single-use guard.
func (q *Quote) Clone() *Quote {
	return &Quote{
		Aggregator:  q.Aggregator,
		AmountOut:   q.AmountOut,
		GasEstimate: q.GasEstimate,
		GasPrice:    q.GasPrice,
		Target:      q.Target,
		Calldata:    q.Calldata,
		Value:       q.Value,
		ExpiresAt:   q.ExpiresAt,
	}
}

// SafetyAssessment is the safety validator's verdict for a quote.
type SafetyAssessment struct {
	PriceImpact decimal.Decimal `json:"price_impact"` // fraction, 0.01 = 1%
	NotionalUSD decimal.Decimal `json:"notional_usd"`
	SlippageOK  bool            `json:"slippage_ok"`
	MEVExposed  bool            `json:"mev_exposed"`
	Accept      bool            `json:"accept"`
	Reason      string          `json:"reason,omitempty"`
}

// LeaseState is the lifecycle state of a nonce lease.
type LeaseState string

const (
	LeaseHeld     LeaseState = "HELD"
	LeaseReleased LeaseState = "RELEASED"
	LeaseConsumed LeaseState = "CONSUMED"
)

// NonceLease grants exclusive use of one nonce value for one wallet on one
// chain. At most one lease is Held per (wallet, chain) at any time.
type NonceLease struct {
	WalletID string
	ChainID  uint64
	Nonce    uint64
	State    LeaseState
}

// TxState is the lifecycle state of a pending transaction.
type TxState string

const (
	TxStateCreated   TxState = "CREATED"
	TxStateSigned    TxState = "SIGNED"
	TxStateSubmitted TxState = "SUBMITTED"
	TxStatePending   TxState = "PENDING"
	TxStateConfirmed TxState = "CONFIRMED"
	TxStateFailed    TxState = "FAILED"
	TxStateReplaced  TxState = "REPLACED"
	TxStateDropped   TxState = "DROPPED"
)

// Terminal reports whether the state is an end state.
func (s TxState) Terminal() bool {
	switch s {
	case TxStateConfirmed, TxStateFailed, TxStateReplaced, TxStateDropped:
		return true
	}
	return false
}

// PendingTransaction tracks one broadcast attempt through its lifecycle.
// Replacements share the nonce but are distinct PendingTransactions.
type PendingTransaction struct {
	RequestID   string      `json:"request_id"`
	WalletID    string      `json:"wallet_id"`
	ChainID     uint64      `json:"chain_id"`
	Nonce       uint64      `json:"nonce"`
	Hash        common.Hash `json:"hash"`
	GasPrice    *big.Int    `json:"gas_price"`
	State       TxState     `json:"state"`
	RetryCount  int         `json:"retry_count"`
	SubmittedAt time.Time   `json:"submitted_at"`
	BlockNumber uint64      `json:"block_number,omitempty"`
	GasUsed     uint64      `json:"gas_used,omitempty"`
}

// Outcome is the terminal result of a tracked transaction.
type Outcome string

const (
	OutcomeConfirmed Outcome = "CONFIRMED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeReplaced  Outcome = "REPLACED"
	OutcomeDropped   Outcome = "DROPPED"
)

// ConfirmationRecord is the terminal result reported to the caller and the
// audit sink. Attempts archives every broadcast PendingTransaction for the
// nonce, newest last; superseded ones carry TxStateReplaced.
type ConfirmationRecord struct {
	RequestID   string                `json:"request_id"`
	Outcome     Outcome               `json:"outcome"`
	TxHash      common.Hash           `json:"tx_hash,omitempty"`
	Nonce       uint64                `json:"nonce"`
	BlockNumber uint64                `json:"block_number,omitempty"`
	GasUsed     uint64                `json:"gas_used,omitempty"`
	Attempts    []*PendingTransaction `json:"attempts,omitempty"`
	FinishedAt  time.Time             `json:"finished_at"`
	Err         string                `json:"error,omitempty"`
}

// Replacements counts the fee-bumped resends recorded for the swap.
func (r *ConfirmationRecord) Replacements() int {
	if len(r.Attempts) == 0 {
		return 0
	}
	return len(r.Attempts) - 1
}

// EventKind enumerates swap state-change events.
type EventKind string

const (
	EventQuoted    EventKind = "QUOTED"
	EventValidated EventKind = "VALIDATED"
	EventRejected  EventKind = "REJECTED"
	EventLeased    EventKind = "LEASED"
	EventSigned    EventKind = "SIGNED"
	EventSubmitted EventKind = "SUBMITTED"
	EventReplaced  EventKind = "REPLACED"
	EventConfirmed EventKind = "CONFIRMED"
	EventFailed    EventKind = "FAILED"
	EventDropped   EventKind = "DROPPED"
)

// SwapEvent is one entry in the per-swap ordered event stream consumed by
// persistence and notification collaborators.
type SwapEvent struct {
	RequestID string      `json:"request_id"`
	WalletID  string      `json:"wallet_id"`
	Kind      EventKind   `json:"kind"`
	TxHash    common.Hash `json:"tx_hash,omitempty"`
	Nonce     uint64      `json:"nonce,omitempty"`
	Detail    string      `json:"detail,omitempty"`
	Err       error       `json:"-"`
	At        time.Time   `json:"at"`
}
