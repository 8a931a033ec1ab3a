package nonce

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpilot/dexflow/internal/chain"
	"github.com/coinpilot/dexflow/internal/types"
)

type fakeClient struct {
	mu    sync.Mutex
	nonce uint64
}

func (f *fakeClient) setNonce(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce = n
}

func (f *fakeClient) ChainID() *big.Int { return big.NewInt(1) }

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	return nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	return nil, nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }

type fakeSource struct{ client *fakeClient }

func (f *fakeSource) Get(chainID uint64) (chain.Client, error) { return f.client, nil }

type fakeResolver struct{}

func (fakeResolver) Address(walletID string) (common.Address, error) {
	return common.HexToAddress("0x2222222222222222222222222222222222222222"), nil
}

func newTestManager(startNonce uint64) (*Manager, *fakeClient) {
	client := &fakeClient{nonce: startNonce}
	return NewManager(&fakeSource{client: client}, fakeResolver{}), client
}

func TestLeaseSeedsFromChain(t *testing.T) {
	m, _ := newTestManager(7)

	lease, err := m.Lease(context.Background(), "main", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), lease.Nonce)
	assert.Equal(t, types.LeaseHeld, lease.State)
	m.Consume(lease)
}

func TestConsumeAdvancesCounter(t *testing.T) {
	m, _ := newTestManager(0)
	ctx := context.Background()

	l1, err := m.Lease(ctx, "main", 1)
	require.NoError(t, err)
	m.Consume(l1)

	l2, err := m.Lease(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l2.Nonce)
	assert.Equal(t, types.LeaseConsumed, l1.State)
	m.Consume(l2)
}

func TestReleaseReusesNonce(t *testing.T) {
	m, _ := newTestManager(5)
	ctx := context.Background()

	l1, err := m.Lease(ctx, "main", 1)
	require.NoError(t, err)
	m.Release(l1)

	// Signing failed, the nonce was never burned.
	l2, err := m.Lease(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), l2.Nonce)
	m.Consume(l2)
}

func TestLeaseBlocksWhileHeld(t *testing.T) {
	m, _ := newTestManager(0)

	l1, err := m.Lease(context.Background(), "main", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Lease(ctx, "main", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.Consume(l1)
}

func TestConcurrentLeasesSerialize(t *testing.T) {
	m, _ := newTestManager(0)
	const workers = 20

	var mu sync.Mutex
	seen := make(map[uint64]bool)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := m.Lease(context.Background(), "main", 1)
			require.NoError(t, err)

			mu.Lock()
			require.False(t, seen[lease.Nonce], "nonce %d leased twice", lease.Nonce)
			seen[lease.Nonce] = true
			mu.Unlock()

			m.Consume(lease)
		}()
	}
	wg.Wait()

	// Every nonce 0..workers-1 used exactly once, no gaps.
	assert.Len(t, seen, workers)
	for i := uint64(0); i < workers; i++ {
		assert.True(t, seen[i], "nonce %d missing", i)
	}
}

func TestWalletsAreIndependent(t *testing.T) {
	m, _ := newTestManager(0)
	ctx := context.Background()

	l1, err := m.Lease(ctx, "alpha", 1)
	require.NoError(t, err)

	// A held lease on alpha must not block beta.
	l2, err := m.Lease(ctx, "beta", 1)
	require.NoError(t, err)

	m.Consume(l1)
	m.Consume(l2)
}

func TestReconcileDroppedResyncsWhenChainAhead(t *testing.T) {
	m, client := newTestManager(3)
	ctx := context.Background()

	lease, err := m.Lease(ctx, "main", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), lease.Nonce)

	// Another actor pushed the wallet forward while our tx sat in the mempool.
	client.setNonce(6)
	require.NoError(t, m.ReconcileDropped(ctx, lease))

	next, err := m.Lease(ctx, "main", 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), next.Nonce)
	m.Consume(next)
}

func TestReconcileDroppedPoisonsWalletWhenChainBehind(t *testing.T) {
	m, client := newTestManager(5)
	ctx := context.Background()

	l1, err := m.Lease(ctx, "main", 1)
	require.NoError(t, err)
	m.Consume(l1)

	l2, err := m.Lease(ctx, "main", 1)
	require.NoError(t, err)

	// Chain reports a counter below what we already consumed.
	client.setNonce(2)
	err = m.ReconcileDropped(ctx, l2)
	assert.ErrorIs(t, err, types.ErrNonceReconciliationRequired)

	// The wallet stays unusable until an operator steps in.
	_, err = m.Lease(ctx, "main", 1)
	assert.ErrorIs(t, err, types.ErrNonceReconciliationRequired)
}
