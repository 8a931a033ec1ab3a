package tracker

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/coinpilot/dexflow/internal/chain"
	"github.com/coinpilot/dexflow/internal/signer"
	"github.com/coinpilot/dexflow/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIRMATION TRACKER - Drives a transaction from signing to a terminal state
// ═══════════════════════════════════════════════════════════════════════════════
//
// Lifecycle: Created -> Signed -> Submitted -> Pending -> terminal.
// Terminal states: Confirmed (receipt, status 1), Failed (reverted or
// submission exhausted), Replaced (superseded by a fee-bumped resend sharing
// the nonce), Dropped (vanished from the mempool past the final timeout).
//
// Each broadcast attempt is its own PendingTransaction with its own polling
// task; the tasks report mined receipts back on a channel. Every attempt for
// the nonce stays watched until one of them lands, so a swap that confirms
// under a superseded lower-fee hash is still observed and reported Confirmed.
//
// Replacement policy: after each confirmation timeout the gas price is bumped
// and the same nonce is re-signed and resubmitted, up to MaxReplacements.
// The bump stays above the relay minimum so replacements are never rejected
// as underpriced.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ClientSource resolves a chain client by ID.
type ClientSource interface {
	Get(chainID uint64) (chain.Client, error)
}

// Options tunes the submission and confirmation loop.
type Options struct {
	MaxSubmitRetries      int
	SubmitBackoff         time.Duration
	ReceiptPollInterval   time.Duration
	ConfirmationTimeout   time.Duration
	RequiredConfirmations uint64
	FeeBumpPercent        int64
	MaxReplacements       int
	GasBufferPercent      int64
	DryRun                bool
}

// EmitFunc receives lifecycle events as they happen. Kept as an alias so the
// engine's plain callback satisfies it directly.
type EmitFunc = func(types.SwapEvent)

// Tracker signs, submits, and watches transactions to a terminal outcome.
type Tracker struct {
	clients ClientSource
	signer  signer.Signer
	opts    Options
}

// New creates a tracker.
func New(clients ClientSource, s signer.Signer, opts Options) *Tracker {
	return &Tracker{clients: clients, signer: s, opts: opts}
}

// minedAttempt is a polling task's report that its transaction got a receipt.
type minedAttempt struct {
	pt      *types.PendingTransaction
	receipt *ethtypes.Receipt
}

// Run executes the consumed quote under the held lease and blocks until a
// terminal state. The returned record always carries an outcome and the full
// attempt history; err is set for Failed and Dropped and wraps the matching
// sentinel.
func (t *Tracker) Run(ctx context.Context, req *types.SwapRequest, quote *types.Quote, lease *types.NonceLease, mevExposed bool, emit EmitFunc) (*types.ConfirmationRecord, error) {
	if t.opts.DryRun {
		return t.runDry(req, lease, emit)
	}

	client, err := t.clients.Get(req.ChainID)
	if err != nil {
		return record(req, types.OutcomeFailed, common.Hash{}, lease.Nonce, nil, err, nil),
			fmt.Errorf("%w: %v", types.ErrSubmissionFailed, err)
	}

	gasPrice, err := t.startingGasPrice(ctx, client, quote)
	if err != nil {
		return record(req, types.OutcomeFailed, common.Hash{}, lease.Nonce, nil, err, nil),
			fmt.Errorf("%w: %v", types.ErrSubmissionFailed, err)
	}

	// Every successfully broadcast attempt gets its own polling task; the
	// tasks share this channel and are all cancelled together on return.
	watchCtx, stopWatchers := context.WithCancel(ctx)
	defer stopWatchers()
	mined := make(chan minedAttempt, 1)

	var attempts []*types.PendingTransaction

	// broadcast signs and submits one attempt. The attempt's hash is recorded
	// and its watcher started only once the broadcast actually succeeded.
	broadcast := func(pt *types.PendingTransaction) error {
		signed, err := t.sign(ctx, req, quote, pt)
		if err != nil {
			return err
		}
		pt.Hash = signed.Hash()
		pt.State = types.TxStateSigned
		if pt.RetryCount == 0 {
			emit(event(req, types.EventSigned, pt.Hash, pt.Nonce, ""))
		}

		if err := t.submit(ctx, client, signed, mevExposed); err != nil {
			return err
		}
		pt.State = types.TxStateSubmitted
		pt.SubmittedAt = time.Now()
		kind := types.EventSubmitted
		if pt.RetryCount > 0 {
			kind = types.EventReplaced
		}
		emit(event(req, kind, pt.Hash, pt.Nonce, fmt.Sprintf("gas_price=%s", pt.GasPrice)))

		pt.State = types.TxStatePending
		attempts = append(attempts, pt)
		go t.watch(watchCtx, client, pt, mined)
		return nil
	}

	first := newAttempt(req, lease.Nonce, gasPrice, 0)
	if err := broadcast(first); err != nil {
		// Never reached the chain; the engine releases the lease.
		return record(req, types.OutcomeFailed, first.Hash, first.Nonce, nil, err, nil), err
	}

	replacements := 0
	timeout := time.NewTimer(t.opts.ConfirmationTimeout)
	defer timeout.Stop()

	for {
		select {
		case m := <-mined:
			stopWatchers()
			// Any attempt landing supersedes the rest for the nonce.
			for _, a := range attempts {
				if a != m.pt && a.State == types.TxStatePending {
					a.State = types.TxStateReplaced
				}
			}
			return t.finish(ctx, client, req, m.pt, m.receipt, attempts, emit)

		case <-timeout.C:
			if replacements >= t.opts.MaxReplacements {
				last := attempts[len(attempts)-1]
				last.State = types.TxStateDropped
				err := fmt.Errorf("transaction dropped after %d replacements", replacements)
				log.Error().
					Str("request_id", req.ID).
					Str("hash", last.Hash.Hex()).
					Uint64("nonce", last.Nonce).
					Msg("🕳️ Transaction dropped from mempool")
				return record(req, types.OutcomeDropped, last.Hash, last.Nonce, nil, err, attempts), err
			}

			// Fee-bump and resubmit with the same nonce. A failed replacement
			// broadcast leaves the prior attempts racing under their own
			// watchers; nothing is ever polled that was not broadcast.
			replacements++
			prior := attempts[len(attempts)-1]
			next := newAttempt(req, lease.Nonce, bumpGasPrice(prior.GasPrice, t.opts.FeeBumpPercent), replacements)
			log.Warn().
				Str("request_id", req.ID).
				Int("replacement", replacements).
				Str("gas_price", next.GasPrice.String()).
				Msg("⛽ Confirmation timeout, bumping fee")
			if err := broadcast(next); err != nil {
				log.Warn().Err(err).Str("request_id", req.ID).Msg("Replacement broadcast failed, keeping prior attempt")
			} else {
				prior.State = types.TxStateReplaced
			}
			timeout.Reset(t.opts.ConfirmationTimeout)

		case <-ctx.Done():
			last := attempts[len(attempts)-1]
			return record(req, types.OutcomeDropped, last.Hash, last.Nonce, nil, ctx.Err(), attempts),
				fmt.Errorf("receipt wait: %w", ctx.Err())
		}
	}
}

// watch is one attempt's polling task: it polls for the attempt's receipt
// until the transaction is mined or the watch context is cancelled.
func (t *Tracker) watch(ctx context.Context, client chain.Client, pt *types.PendingTransaction, mined chan<- minedAttempt) {
	ticker := time.NewTicker(t.opts.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			receipt, err := client.TransactionReceipt(ctx, pt.Hash)
			if err == nil && receipt != nil {
				select {
				case mined <- minedAttempt{pt: pt, receipt: receipt}:
				case <-ctx.Done():
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func newAttempt(req *types.SwapRequest, nonce uint64, gasPrice *big.Int, retry int) *types.PendingTransaction {
	return &types.PendingTransaction{
		RequestID:  req.ID,
		WalletID:   req.WalletID,
		ChainID:    req.ChainID,
		Nonce:      nonce,
		GasPrice:   gasPrice,
		State:      types.TxStateCreated,
		RetryCount: retry,
	}
}

func (t *Tracker) sign(ctx context.Context, req *types.SwapRequest, quote *types.Quote, pt *types.PendingTransaction) (*ethtypes.Transaction, error) {
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    pt.Nonce,
		GasPrice: pt.GasPrice,
		Gas:      bufferedGas(quote.GasEstimate, t.opts.GasBufferPercent),
		To:       &quote.Target,
		Value:    quote.Value,
		Data:     quote.Calldata,
	})
	return t.signer.Sign(ctx, req.WalletID, new(big.Int).SetUint64(req.ChainID), tx)
}

// submit broadcasts with bounded retries. MEV-exposed transactions go through
// the private relay when the client supports one.
func (t *Tracker) submit(ctx context.Context, client chain.Client, tx *ethtypes.Transaction, mevExposed bool) error {
	var lastErr error
	for attempt := 0; attempt <= t.opts.MaxSubmitRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff between broadcast attempts.
			select {
			case <-time.After(t.opts.SubmitBackoff << (attempt - 1)):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", types.ErrSubmissionFailed, ctx.Err())
			}
		}

		var err error
		if ps, ok := client.(chain.PrivateSender); ok && mevExposed {
			err = ps.SendPrivate(ctx, tx)
		} else {
			err = client.SendTransaction(ctx, tx)
		}
		if err == nil {
			return nil
		}

		// "already known" means a prior attempt landed in the mempool.
		if alreadyKnown(err) {
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("Broadcast failed")
	}
	return fmt.Errorf("%w: %v", types.ErrSubmissionFailed, lastErr)
}

// finish waits out the confirmation depth and maps the receipt to an outcome.
func (t *Tracker) finish(ctx context.Context, client chain.Client, req *types.SwapRequest, pt *types.PendingTransaction, receipt *ethtypes.Receipt, attempts []*types.PendingTransaction, emit EmitFunc) (*types.ConfirmationRecord, error) {
	if t.opts.RequiredConfirmations > 1 {
		if err := t.awaitDepth(ctx, client, receipt); err != nil {
			return record(req, types.OutcomeDropped, pt.Hash, pt.Nonce, receipt, err, attempts), err
		}
	}

	pt.BlockNumber = receipt.BlockNumber.Uint64()
	pt.GasUsed = receipt.GasUsed

	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		pt.State = types.TxStateConfirmed
		log.Info().
			Str("request_id", req.ID).
			Str("hash", pt.Hash.Hex()).
			Uint64("block", pt.BlockNumber).
			Uint64("gas_used", pt.GasUsed).
			Msg("✅ Swap confirmed")
		return record(req, types.OutcomeConfirmed, pt.Hash, pt.Nonce, receipt, nil, attempts), nil
	}

	// Reverted on chain. The nonce is consumed either way.
	pt.State = types.TxStateFailed
	err := fmt.Errorf("transaction reverted in block %d", pt.BlockNumber)
	log.Error().
		Str("request_id", req.ID).
		Str("hash", pt.Hash.Hex()).
		Uint64("block", pt.BlockNumber).
		Msg("❌ Swap reverted on chain")
	return record(req, types.OutcomeFailed, pt.Hash, pt.Nonce, receipt, err, attempts), err
}

func (t *Tracker) awaitDepth(ctx context.Context, client chain.Client, receipt *ethtypes.Receipt) error {
	target := receipt.BlockNumber.Uint64() + t.opts.RequiredConfirmations - 1
	ticker := time.NewTicker(t.opts.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		head, err := client.BlockNumber(ctx)
		if err == nil && head >= target {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runDry simulates the full lifecycle without touching a chain.
func (t *Tracker) runDry(req *types.SwapRequest, lease *types.NonceLease, emit EmitFunc) (*types.ConfirmationRecord, error) {
	hash := common.Hash(sha256.Sum256([]byte("dry-run:" + req.ID)))

	emit(event(req, types.EventSigned, hash, lease.Nonce, "dry_run"))
	emit(event(req, types.EventSubmitted, hash, lease.Nonce, "dry_run"))

	log.Info().
		Str("request_id", req.ID).
		Str("hash", hash.Hex()).
		Msg("🧪 DRY RUN: swap simulated, not broadcast")

	return &types.ConfirmationRecord{
		RequestID:  req.ID,
		Outcome:    types.OutcomeConfirmed,
		TxHash:     hash,
		Nonce:      lease.Nonce,
		FinishedAt: time.Now(),
	}, nil
}

// bumpGasPrice raises the fee by the configured percent, at minimum 1 wei, so
// repeated bumps always clear replacement pricing rules.
func bumpGasPrice(current *big.Int, percent int64) *big.Int {
	bumped := new(big.Int).Mul(current, big.NewInt(100+percent))
	bumped.Div(bumped, big.NewInt(100))
	if bumped.Cmp(current) <= 0 {
		bumped = new(big.Int).Add(current, big.NewInt(1))
	}
	return bumped
}

func bufferedGas(estimate uint64, bufferPercent int64) uint64 {
	return estimate + estimate*uint64(bufferPercent)/100
}

// startingGasPrice takes the higher of the provider suggestion and the node's
// current view, so stale quotes do not underprice the submission.
func (t *Tracker) startingGasPrice(ctx context.Context, client chain.Client, quote *types.Quote) (*big.Int, error) {
	suggested, err := client.SuggestGasPrice(ctx)
	if err != nil {
		if quote.GasPrice != nil && quote.GasPrice.Sign() > 0 {
			return quote.GasPrice, nil
		}
		return nil, fmt.Errorf("gas price: %w", err)
	}
	if quote.GasPrice != nil && quote.GasPrice.Cmp(suggested) > 0 {
		return quote.GasPrice, nil
	}
	return suggested, nil
}

func alreadyKnown(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

func record(req *types.SwapRequest, outcome types.Outcome, hash common.Hash, nonce uint64, receipt *ethtypes.Receipt, err error, attempts []*types.PendingTransaction) *types.ConfirmationRecord {
	r := &types.ConfirmationRecord{
		RequestID:  req.ID,
		Outcome:    outcome,
		TxHash:     hash,
		Nonce:      nonce,
		Attempts:   attempts,
		FinishedAt: time.Now(),
	}
	if receipt != nil {
		r.BlockNumber = receipt.BlockNumber.Uint64()
		r.GasUsed = receipt.GasUsed
	}
	if err != nil {
		r.Err = err.Error()
	}
	return r
}

func event(req *types.SwapRequest, kind types.EventKind, hash common.Hash, nonce uint64, detail string) types.SwapEvent {
	return types.SwapEvent{
		RequestID: req.ID,
		WalletID:  req.WalletID,
		Kind:      kind,
		TxHash:    hash,
		Nonce:     nonce,
		Detail:    detail,
		At:        time.Now(),
	}
}
