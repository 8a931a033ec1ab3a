package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/coinpilot/dexflow/internal/chain"
	"github.com/coinpilot/dexflow/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// NONCE MANAGER - Serializes submissions per wallet via exclusive leases
// ═══════════════════════════════════════════════════════════════════════════════
//
// At most one lease is held per (wallet, chain) at any time; concurrent swaps
// on the same wallet queue on the lease and execute strictly one at a time.
// The local counter advances only when a leased nonce lands on chain
// (Consume). A signing failure releases the lease without burning the nonce.
// A dropped transaction triggers reconciliation against chain state; a chain
// counter behind the local one poisons the wallet until an operator
// intervenes.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ClientSource resolves a chain client by ID.
type ClientSource interface {
	Get(chainID uint64) (chain.Client, error)
}

// AddressResolver resolves a wallet ID to its on-chain address.
type AddressResolver interface {
	Address(walletID string) (common.Address, error)
}

type walletState struct {
	sem chan struct{} // capacity 1, holding the token = holding the lease

	mu          sync.Mutex
	initialized bool
	poisoned    bool
	next        uint64
}

// Manager hands out nonce leases.
type Manager struct {
	clients  ClientSource
	resolver AddressResolver

	mu      sync.Mutex
	wallets map[string]*walletState
}

// NewManager creates a nonce manager.
func NewManager(clients ClientSource, resolver AddressResolver) *Manager {
	return &Manager{
		clients:  clients,
		resolver: resolver,
		wallets:  make(map[string]*walletState),
	}
}

func (m *Manager) state(walletID string, chainID uint64) *walletState {
	key := fmt.Sprintf("%s/%d", walletID, chainID)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.wallets[key]
	if !ok {
		s = &walletState{sem: make(chan struct{}, 1)}
		m.wallets[key] = s
	}
	return s
}

// Lease blocks until the wallet's slot is free, then grants exclusive use of
// the next nonce. The counter is seeded from chain state on first use.
func (m *Manager) Lease(ctx context.Context, walletID string, chainID uint64) (*types.NonceLease, error) {
	s := m.state(walletID, chainID)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poisoned {
		<-s.sem
		return nil, fmt.Errorf("%w: wallet %s chain %d", types.ErrNonceReconciliationRequired, walletID, chainID)
	}

	if !s.initialized {
		n, err := m.chainNonce(ctx, walletID, chainID)
		if err != nil {
			<-s.sem
			return nil, fmt.Errorf("seed nonce for wallet %s: %w", walletID, err)
		}
		s.next = n
		s.initialized = true
		log.Info().
			Str("wallet", walletID).
			Uint64("chain_id", chainID).
			Uint64("nonce", n).
			Msg("🔢 Nonce counter seeded from chain")
	}

	return &types.NonceLease{
		WalletID: walletID,
		ChainID:  chainID,
		Nonce:    s.next,
		State:    types.LeaseHeld,
	}, nil
}

// Consume records that the leased nonce landed on chain (confirmed or
// reverted, either way it is spent) and frees the wallet slot.
func (m *Manager) Consume(lease *types.NonceLease) {
	s := m.state(lease.WalletID, lease.ChainID)

	s.mu.Lock()
	if lease.Nonce == s.next {
		s.next++
	}
	s.mu.Unlock()

	lease.State = types.LeaseConsumed
	<-s.sem
}

// Release frees the wallet slot without advancing the counter. Used when the
// transaction never reached the chain (signing failed, cancelled).
func (m *Manager) Release(lease *types.NonceLease) {
	s := m.state(lease.WalletID, lease.ChainID)

	lease.State = types.LeaseReleased
	<-s.sem
}

// ReconcileDropped handles a transaction that vanished from the mempool. The
// local counter is re-synced from chain state; a chain counter behind the
// local one is unexplainable and poisons the wallet.
func (m *Manager) ReconcileDropped(ctx context.Context, lease *types.NonceLease) error {
	s := m.state(lease.WalletID, lease.ChainID)

	chainNonce, err := m.chainNonce(ctx, lease.WalletID, lease.ChainID)

	s.mu.Lock()
	if err != nil {
		// Could not observe chain state; force a re-seed on the next lease.
		s.initialized = false
	} else if chainNonce < s.next {
		s.poisoned = true
	} else {
		s.next = chainNonce
	}
	poisoned := s.poisoned
	s.mu.Unlock()

	lease.State = types.LeaseReleased
	<-s.sem

	if err != nil {
		return fmt.Errorf("reconcile wallet %s: %w", lease.WalletID, err)
	}
	if poisoned {
		log.Error().
			Str("wallet", lease.WalletID).
			Uint64("chain_id", lease.ChainID).
			Uint64("chain_nonce", chainNonce).
			Uint64("local_nonce", lease.Nonce).
			Msg("☠️ Chain nonce behind local counter, wallet needs operator attention")
		return fmt.Errorf("%w: wallet %s chain nonce %d below local %d",
			types.ErrNonceReconciliationRequired, lease.WalletID, chainNonce, lease.Nonce)
	}

	log.Warn().
		Str("wallet", lease.WalletID).
		Uint64("chain_id", lease.ChainID).
		Uint64("nonce", chainNonce).
		Msg("🔄 Nonce counter re-synced after drop")
	return nil
}

func (m *Manager) chainNonce(ctx context.Context, walletID string, chainID uint64) (uint64, error) {
	addr, err := m.resolver.Address(walletID)
	if err != nil {
		return 0, err
	}
	client, err := m.clients.Get(chainID)
	if err != nil {
		return 0, err
	}
	return client.PendingNonceAt(ctx, addr)
}
