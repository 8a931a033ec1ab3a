package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coinpilot/dexflow/internal/aggregator"
	"github.com/coinpilot/dexflow/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SWAP ENGINE - Orchestrates quote, validate, lease, execute, settle
// ═══════════════════════════════════════════════════════════════════════════════
//
// One ExecuteSwap call drives the full pipeline:
//
//   quote fan-out -> safety checks -> nonce lease -> sign/submit/track -> settle
//
// Execute runs the same pipeline without blocking the caller, handing back
// the swap's ordered event stream instead of the terminal record.
//
// Cancellation is honored up to the moment a nonce lease is taken; from there
// the swap runs to a terminal outcome. Lease settlement follows the outcome:
// a transaction that landed on chain (confirmed or reverted) consumes its
// nonce, one that never reached the chain releases it, and a dropped one
// triggers reconciliation.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Quoter selects the best quote across aggregators.
type Quoter interface {
	BestQuote(ctx context.Context, req *types.SwapRequest) ([]aggregator.RankedQuote, error)
	Preview(ctx context.Context, req *types.SwapRequest) ([]aggregator.RankedQuote, error)
}

// Validator runs pre-trade safety checks.
type Validator interface {
	Validate(req *types.SwapRequest, quote *types.Quote) (*types.SafetyAssessment, error)
}

// Leaser hands out and settles nonce leases.
type Leaser interface {
	Lease(ctx context.Context, walletID string, chainID uint64) (*types.NonceLease, error)
	Consume(lease *types.NonceLease)
	Release(lease *types.NonceLease)
	ReconcileDropped(ctx context.Context, lease *types.NonceLease) error
}

// Runner executes a consumed quote to a terminal outcome.
type Runner interface {
	Run(ctx context.Context, req *types.SwapRequest, quote *types.Quote, lease *types.NonceLease, mevExposed bool, emit func(types.SwapEvent)) (*types.ConfirmationRecord, error)
}

// Store persists swap results for audit.
type Store interface {
	RecordSwap(req *types.SwapRequest, assessment *types.SafetyAssessment, rec *types.ConfirmationRecord) error
	AppendEvent(ev types.SwapEvent) error
}

// Engine is the swap orchestrator.
type Engine struct {
	quoter    Quoter
	validator Validator
	leaser    Leaser
	runner    Runner
	store     Store // optional

	mu    sync.RWMutex
	sinks []func(types.SwapEvent)
}

// New creates an engine. store may be nil when persistence is disabled.
func New(quoter Quoter, validator Validator, leaser Leaser, runner Runner, store Store) *Engine {
	return &Engine{
		quoter:    quoter,
		validator: validator,
		leaser:    leaser,
		runner:    runner,
		store:     store,
	}
}

// OnEvent registers a sink for the ordered per-swap event stream. Sinks run
// synchronously in registration order.
func (e *Engine) OnEvent(fn func(types.SwapEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, fn)
}

func (e *Engine) emit(ev types.SwapEvent) {
	if e.store != nil {
		if err := e.store.AppendEvent(ev); err != nil {
			log.Warn().Err(err).Str("request_id", ev.RequestID).Msg("Event persistence failed")
		}
	}

	e.mu.RLock()
	sinks := e.sinks
	e.mu.RUnlock()
	for _, fn := range sinks {
		fn(ev)
	}
}

// Preview returns ranked quotes for display without committing to execution.
func (e *Engine) Preview(ctx context.Context, req *types.SwapRequest) ([]aggregator.RankedQuote, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	return e.quoter.Preview(ctx, req)
}

// ExecuteSwap runs a swap end to end and blocks until a terminal outcome.
func (e *Engine) ExecuteSwap(ctx context.Context, req *types.SwapRequest) (*types.ConfirmationRecord, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	return e.run(ctx, req, e.emit)
}

// Execute starts the swap and returns its ordered event stream without
// blocking the caller. The channel carries every lifecycle event for the
// request and is closed after the terminal one; rejections arrive as
// REJECTED events. The caller must drain the channel.
func (e *Engine) Execute(ctx context.Context, req *types.SwapRequest) (<-chan types.SwapEvent, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}

	ch := make(chan types.SwapEvent, 32)
	go func() {
		defer close(ch)
		e.run(ctx, req, func(ev types.SwapEvent) {
			e.emit(ev)
			ch <- ev
		})
	}()
	return ch, nil
}

func (e *Engine) run(ctx context.Context, req *types.SwapRequest, emit func(types.SwapEvent)) (*types.ConfirmationRecord, error) {
	log.Info().
		Str("request_id", req.ID).
		Str("wallet", req.WalletID).
		Uint64("chain_id", req.ChainID).
		Str("sell", req.SellToken.Symbol).
		Str("buy", req.BuyToken.Symbol).
		Str("amount_in", req.AmountIn.String()).
		Msg("🚀 Swap accepted")

	ranked, err := e.quoter.BestQuote(ctx, req)
	if err != nil {
		emit(e.event(req, types.EventRejected, err.Error()))
		return nil, err
	}
	quote := ranked[0].Quote
	emit(e.event(req, types.EventQuoted, quote.Aggregator))

	assessment, err := e.validator.Validate(req, quote)
	if err != nil {
		emit(e.event(req, types.EventRejected, assessment.Reason))
		return nil, err
	}
	emit(e.event(req, types.EventValidated, ""))

	// Last cancellation point. Past the lease the swap runs to completion.
	if err := ctx.Err(); err != nil {
		emit(e.event(req, types.EventRejected, "cancelled"))
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}

	lease, err := e.leaser.Lease(ctx, req.WalletID, req.ChainID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			emit(e.event(req, types.EventRejected, "cancelled"))
			return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
		}
		emit(e.event(req, types.EventRejected, err.Error()))
		return nil, err
	}
	emit(types.SwapEvent{
		RequestID: req.ID, WalletID: req.WalletID,
		Kind: types.EventLeased, Nonce: lease.Nonce, At: time.Now(),
	})

	// The quote is spent here, whatever happens next.
	if err := quote.Consume(time.Now()); err != nil {
		e.leaser.Release(lease)
		emit(e.event(req, types.EventRejected, err.Error()))
		return nil, err
	}

	// Execution is detached from the caller's context: cancellation after
	// the lease must not abandon an in-flight transaction.
	rec, runErr := e.runner.Run(context.WithoutCancel(ctx), req, quote, lease, assessment.MEVExposed, emit)

	e.settleLease(lease, rec, runErr)
	e.emitTerminal(req, rec, emit)
	e.persist(req, assessment, rec)

	return rec, runErr
}

// settleLease maps the terminal outcome to the lease's fate.
func (e *Engine) settleLease(lease *types.NonceLease, rec *types.ConfirmationRecord, runErr error) {
	switch {
	case rec.Outcome == types.OutcomeConfirmed:
		e.leaser.Consume(lease)
	case rec.Outcome == types.OutcomeDropped:
		if err := e.leaser.ReconcileDropped(context.Background(), lease); err != nil {
			log.Error().Err(err).Str("wallet", lease.WalletID).Msg("Nonce reconciliation failed")
		}
	case errors.Is(runErr, types.ErrSigningFailed), errors.Is(runErr, types.ErrSubmissionFailed):
		// Never reached the chain; the nonce is still fresh.
		e.leaser.Release(lease)
	default:
		// Reverted on chain; the nonce is burned regardless.
		e.leaser.Consume(lease)
	}
}

func (e *Engine) emitTerminal(req *types.SwapRequest, rec *types.ConfirmationRecord, emit func(types.SwapEvent)) {
	kind := map[types.Outcome]types.EventKind{
		types.OutcomeConfirmed: types.EventConfirmed,
		types.OutcomeFailed:    types.EventFailed,
		types.OutcomeReplaced:  types.EventReplaced,
		types.OutcomeDropped:   types.EventDropped,
	}[rec.Outcome]

	emit(types.SwapEvent{
		RequestID: req.ID,
		WalletID:  req.WalletID,
		Kind:      kind,
		TxHash:    rec.TxHash,
		Nonce:     rec.Nonce,
		Detail:    rec.Err,
		At:        time.Now(),
	})
}

func (e *Engine) persist(req *types.SwapRequest, assessment *types.SafetyAssessment, rec *types.ConfirmationRecord) {
	if e.store == nil {
		return
	}
	if err := e.store.RecordSwap(req, assessment, rec); err != nil {
		log.Error().Err(err).Str("request_id", req.ID).Msg("Swap persistence failed")
	}
}

func (e *Engine) event(req *types.SwapRequest, kind types.EventKind, detail string) types.SwapEvent {
	return types.SwapEvent{
		RequestID: req.ID,
		WalletID:  req.WalletID,
		Kind:      kind,
		Detail:    detail,
		At:        time.Now(),
	}
}

func checkRequest(req *types.SwapRequest) error {
	switch {
	case req.ID == "":
		return errors.New("swap request needs an id")
	case req.WalletID == "":
		return errors.New("swap request needs a wallet")
	case !req.Custodial:
		// Signing happens with server-held keys; a user-signed flow would
		// hand back an unsigned payload instead of executing.
		return errors.New("only custodial wallets can execute swaps")
	case req.ChainID == 0:
		return errors.New("swap request needs a chain")
	case req.AmountIn == nil || req.AmountIn.Sign() <= 0:
		return errors.New("swap amount must be positive")
	case req.SellToken.Address == req.BuyToken.Address:
		return errors.New("sell and buy token are identical")
	case req.MaxSlippageBps < 0 || req.MaxSlippageBps >= 10000:
		return errors.New("slippage tolerance out of range")
	}
	return nil
}
