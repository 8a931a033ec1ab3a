package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"github.com/coinpilot/dexflow/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNER GATEWAY - Produces signed payloads for custodial wallets
// ═══════════════════════════════════════════════════════════════════════════════
//
// The engine treats signing as an external capability: given a wallet ID and
// an unsigned transaction, return the signed payload or SigningFailed.
// LocalSigner is the in-process implementation backed by configured hex keys;
// an HSM-backed gateway would satisfy the same interface.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Signer signs a transaction on behalf of a wallet.
type Signer interface {
	// Address resolves the wallet's on-chain address.
	Address(walletID string) (common.Address, error)
	// Sign returns the signed transaction, or an error wrapping
	// types.ErrSigningFailed.
	Sign(ctx context.Context, walletID string, chainID *big.Int, tx *ethtypes.Transaction) (*ethtypes.Transaction, error)
}

// LocalSigner holds private keys in memory, loaded from config.
type LocalSigner struct {
	keys map[string]*ecdsa.PrivateKey
}

// NewLocalSigner parses the configured wallet keys.
func NewLocalSigner(walletKeys map[string]string) (*LocalSigner, error) {
	s := &LocalSigner{keys: make(map[string]*ecdsa.PrivateKey, len(walletKeys))}
	for id, hex := range walletKeys {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(hex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid private key for wallet %q: %w", id, err)
		}
		s.keys[id] = pk
	}
	log.Info().Int("wallets", len(s.keys)).Msg("🔑 Local signer initialized")
	return s, nil
}

// Address resolves the wallet's address from its key.
func (s *LocalSigner) Address(walletID string) (common.Address, error) {
	pk, ok := s.keys[walletID]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: unknown wallet %q", types.ErrSigningFailed, walletID)
	}
	return crypto.PubkeyToAddress(pk.PublicKey), nil
}

// Sign signs with EIP-155 for the given chain.
func (s *LocalSigner) Sign(ctx context.Context, walletID string, chainID *big.Int, tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSigningFailed, err)
	}

	pk, ok := s.keys[walletID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown wallet %q", types.ErrSigningFailed, walletID)
	}

	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(chainID), pk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSigningFailed, err)
	}
	return signed, nil
}
