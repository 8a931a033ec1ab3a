package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHAIN CLIENT - RPC collaborator for submission and receipt polling
// ═══════════════════════════════════════════════════════════════════════════════

// Client is the subset of chain RPC the engine needs. The tracker and nonce
// manager depend on this interface so tests can fake the chain.
type Client interface {
	ChainID() *big.Int
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// RPCClient wraps ethclient for one chain. When a private relay URL is
// configured, MEV-exposed transactions are broadcast through it instead of
// the public endpoint.
type RPCClient struct {
	chainID *big.Int
	public  *ethclient.Client
	relay   *ethclient.Client // nil when no relay configured
}

// Dial connects to a chain's public RPC and optional private relay.
func Dial(ctx context.Context, chainID uint64, rpcURL, relayURL string) (*RPCClient, error) {
	public, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain %d: %w", chainID, err)
	}

	id, err := public.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id query: %w", err)
	}
	if id.Uint64() != chainID {
		return nil, fmt.Errorf("rpc reports chain %s, configured %d", id, chainID)
	}

	c := &RPCClient{chainID: id, public: public}

	if relayURL != "" {
		relay, err := ethclient.DialContext(ctx, relayURL)
		if err != nil {
			return nil, fmt.Errorf("dial relay for chain %d: %w", chainID, err)
		}
		c.relay = relay
		log.Info().Uint64("chain_id", chainID).Msg("🛡️ Private relay configured")
	}

	log.Info().Uint64("chain_id", chainID).Msg("⛓️ Chain RPC connected")
	return c, nil
}

func (c *RPCClient) ChainID() *big.Int { return c.chainID }

func (c *RPCClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.public.PendingNonceAt(ctx, account)
}

func (c *RPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.public.SuggestGasPrice(ctx)
}

func (c *RPCClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return c.public.SendTransaction(ctx, tx)
}

// SendPrivate broadcasts through the relay when available, falling back to
// the public endpoint otherwise.
func (c *RPCClient) SendPrivate(ctx context.Context, tx *ethtypes.Transaction) error {
	if c.relay != nil {
		return c.relay.SendTransaction(ctx, tx)
	}
	return c.public.SendTransaction(ctx, tx)
}

func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	return c.public.TransactionReceipt(ctx, txHash)
}

func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.public.BlockNumber(ctx)
}

// Close releases both connections.
func (c *RPCClient) Close() {
	c.public.Close()
	if c.relay != nil {
		c.relay.Close()
	}
}

// PrivateSender is implemented by clients that can route around the public
// mempool. The tracker uses it for MEV-exposed submissions.
type PrivateSender interface {
	SendPrivate(ctx context.Context, tx *ethtypes.Transaction) error
}

// Registry holds one client per configured chain.
type Registry struct {
	clients map[uint64]Client
}

// NewRegistry dials every configured chain.
func NewRegistry(ctx context.Context, rpcURLs, relayURLs map[uint64]string) (*Registry, error) {
	r := &Registry{clients: make(map[uint64]Client, len(rpcURLs))}
	for id, url := range rpcURLs {
		c, err := Dial(ctx, id, url, relayURLs[id])
		if err != nil {
			return nil, err
		}
		r.clients[id] = c
	}
	return r, nil
}

// Get returns the client for a chain ID.
func (r *Registry) Get(chainID uint64) (Client, error) {
	c, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d not configured", chainID)
	}
	return c, nil
}

// Close closes every client.
func (r *Registry) Close() {
	for _, c := range r.clients {
		if rc, ok := c.(*RPCClient); ok {
			rc.Close()
		}
	}
}
