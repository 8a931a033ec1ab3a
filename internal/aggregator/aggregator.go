package aggregator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coinpilot/dexflow/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// AGGREGATOR ADAPTERS - Uniform interface over external liquidity sources
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each adapter translates a SwapRequest into a provider-specific quote request
// and normalizes the response into a Quote. Failures stay provider-scoped:
// the ranker excludes a failing adapter instead of failing the swap.
//
// Providers: 0x, OKX DEX, Paraswap
//
// ═══════════════════════════════════════════════════════════════════════════════

// Adapter fetches a quote from one liquidity source.
type Adapter interface {
	Name() string
	FetchQuote(ctx context.Context, req *types.SwapRequest) (*types.Quote, error)
}

// Provider-scoped error kinds. Adapters wrap these with their name so the
// ranker's exclusion log stays readable.
var (
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrMalformedResponse     = errors.New("malformed provider response")
	ErrProviderRejected      = errors.New("provider rejected request")
)

// httpGet performs a GET with headers and returns the body. Non-2xx responses
// surface the status and body for provider error classification.
func httpGet(ctx context.Context, client *http.Client, url string, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return doRequest(client, req)
}

func doRequest(client *http.Client, req *http.Request) (int, []byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// quoteExpiry computes an expiry for a freshly fetched quote.
func quoteExpiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return time.Now().Add(ttl)
}

// scopeErr wraps an error with the provider name.
func scopeErr(provider string, err error) error {
	return fmt.Errorf("%s: %w", provider, err)
}
