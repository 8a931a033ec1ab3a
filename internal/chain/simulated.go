package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Simulated is an in-memory chain client for dry-run mode. Nonces start at
// zero and advance on every accepted transaction; nothing is ever mined.
type Simulated struct {
	chainID *big.Int

	mu     sync.Mutex
	nonces map[common.Address]uint64
	head   uint64
}

// NewSimulated creates a simulated client for one chain.
func NewSimulated(chainID uint64) *Simulated {
	return &Simulated{
		chainID: new(big.Int).SetUint64(chainID),
		nonces:  make(map[common.Address]uint64),
	}
}

func (s *Simulated) ChainID() *big.Int { return s.chainID }

func (s *Simulated) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces[account], nil
}

func (s *Simulated) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (s *Simulated) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return nil
}

func (s *Simulated) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	return nil, ethereum.NotFound
}

func (s *Simulated) BlockNumber(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head++
	return s.head, nil
}

// SimulatedRegistry returns a simulated client for any chain ID.
type SimulatedRegistry struct {
	mu      sync.Mutex
	clients map[uint64]*Simulated
}

// NewSimulatedRegistry creates a registry for dry-run mode.
func NewSimulatedRegistry() *SimulatedRegistry {
	return &SimulatedRegistry{clients: make(map[uint64]*Simulated)}
}

// Get returns the chain's simulated client, creating it on first use.
func (r *SimulatedRegistry) Get(chainID uint64) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[chainID]
	if !ok {
		c = NewSimulated(chainID)
		r.clients[chainID] = c
	}
	return c, nil
}
