package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coinpilot/dexflow/internal/types"
)

// paraswapNativeSentinel is Paraswap's placeholder address for the native asset.
const paraswapNativeSentinel = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// Paraswap quotes swaps through the Paraswap v5 API. It is a two-step flow:
// /prices returns the priced route, /transactions builds the calldata for it.
type Paraswap struct {
	baseURL    string
	quoteTTL   time.Duration
	httpClient *http.Client
}

// NewParaswap creates the Paraswap adapter.
func NewParaswap(baseURL string, quoteTTL time.Duration) *Paraswap {
	return &Paraswap{
		baseURL:    strings.TrimRight(baseURL, "/"),
		quoteTTL:   quoteTTL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Paraswap) Name() string { return "paraswap" }

type paraswapPriceResponse struct {
	PriceRoute json.RawMessage `json:"priceRoute"`
	Error      string          `json:"error"`
}

// paraswapRoute extracts the route fields we need for ranking and for the
// transaction build request.
type paraswapRoute struct {
	DestAmount string `json:"destAmount"`
	GasCost    string `json:"gasCost"`
}

type paraswapTxResponse struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasPrice string `json:"gasPrice"`
	Error    string `json:"error"`
}

// FetchQuote prices the route then builds the transaction payload.
func (p *Paraswap) FetchQuote(ctx context.Context, req *types.SwapRequest) (*types.Quote, error) {
	route, parsed, err := p.fetchPrice(ctx, req)
	if err != nil {
		return nil, scopeErr(p.Name(), err)
	}

	q, err := p.buildTransaction(ctx, req, route, parsed)
	if err != nil {
		return nil, scopeErr(p.Name(), err)
	}
	return q, nil
}

func (p *Paraswap) fetchPrice(ctx context.Context, req *types.SwapRequest) (json.RawMessage, *paraswapRoute, error) {
	params := url.Values{}
	params.Set("network", strconv.FormatUint(req.ChainID, 10))
	params.Set("srcToken", paraswapTokenParam(req.SellToken))
	params.Set("destToken", paraswapTokenParam(req.BuyToken))
	params.Set("srcDecimals", strconv.FormatInt(int64(req.SellToken.Decimals), 10))
	params.Set("destDecimals", strconv.FormatInt(int64(req.BuyToken.Decimals), 10))
	params.Set("amount", req.AmountIn.String())
	params.Set("side", "SELL")

	status, body, err := httpGet(ctx, p.httpClient, p.baseURL+"/prices?"+params.Encode(), nil)
	if err != nil {
		return nil, nil, err
	}

	var resp paraswapPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if status >= 400 || resp.Error != "" {
		if strings.Contains(strings.ToLower(resp.Error), "liquidity") {
			return nil, nil, ErrInsufficientLiquidity
		}
		return nil, nil, fmt.Errorf("%w: HTTP %d: %s", ErrProviderRejected, status, resp.Error)
	}
	if len(resp.PriceRoute) == 0 {
		return nil, nil, ErrInsufficientLiquidity
	}

	var route paraswapRoute
	if err := json.Unmarshal(resp.PriceRoute, &route); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return resp.PriceRoute, &route, nil
}

func (p *Paraswap) buildTransaction(ctx context.Context, req *types.SwapRequest, rawRoute json.RawMessage, route *paraswapRoute) (*types.Quote, error) {
	amountOut, ok := new(big.Int).SetString(route.DestAmount, 10)
	if !ok || amountOut.Sign() <= 0 {
		return nil, fmt.Errorf("%w: destAmount %q", ErrMalformedResponse, route.DestAmount)
	}
	gas, err := strconv.ParseUint(route.GasCost, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: gasCost %q", ErrMalformedResponse, route.GasCost)
	}

	// minAmount applies the caller's slippage tolerance to the priced output.
	minAmount := new(big.Int).Mul(amountOut, big.NewInt(10000-req.MaxSlippageBps))
	minAmount.Div(minAmount, big.NewInt(10000))

	payload, err := json.Marshal(map[string]interface{}{
		"srcToken":    paraswapTokenParam(req.SellToken),
		"destToken":   paraswapTokenParam(req.BuyToken),
		"srcAmount":   req.AmountIn.String(),
		"destAmount":  minAmount.String(),
		"priceRoute":  rawRoute,
		"userAddress": common.Address{}.Hex(),
	})
	if err != nil {
		return nil, err
	}

	txURL := fmt.Sprintf("%s/transactions/%d?ignoreChecks=true", p.baseURL, req.ChainID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, txURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	status, body, err := doRequest(p.httpClient, httpReq)
	if err != nil {
		return nil, err
	}

	var resp paraswapTxResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if status >= 400 || resp.Error != "" {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrProviderRejected, status, resp.Error)
	}
	if !common.IsHexAddress(resp.To) {
		return nil, fmt.Errorf("%w: target %q", ErrMalformedResponse, resp.To)
	}

	gasPrice, _ := new(big.Int).SetString(resp.GasPrice, 10)
	value, ok := new(big.Int).SetString(resp.Value, 10)
	if !ok {
		value = big.NewInt(0)
	}

	return &types.Quote{
		Aggregator:  p.Name(),
		AmountOut:   amountOut,
		GasEstimate: gas,
		GasPrice:    gasPrice,
		Target:      common.HexToAddress(resp.To),
		Calldata:    common.FromHex(resp.Data),
		Value:       value,
		ExpiresAt:   quoteExpiry(p.quoteTTL),
	}, nil
}

func paraswapTokenParam(t types.Token) string {
	if t.IsNative() {
		return paraswapNativeSentinel
	}
	return t.Address.Hex()
}
