package aggregator

import (
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

// ZeroEx quotes swaps through the 0x Swap API.
type ZeroEx struct {
	baseURL    string
	apiKey     string
	quoteTTL   time.Duration
	httpClient *http.Client
}

// NewZeroEx creates the 0x adapter.
func NewZeroEx(baseURL, apiKey string, quoteTTL time.Duration) *ZeroEx {
	return &ZeroEx{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		quoteTTL:   quoteTTL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (z *ZeroEx) Name() string { return "0x" }

// zeroExQuote mirrors the Swap API response fields we consume.
type zeroExQuote struct {
	BuyAmount string `json:"buyAmount"`
	Gas       string `json:"gas"`
	GasPrice  string `json:"gasPrice"`
	To        string `json:"to"`
	Data      string `json:"data"`
	Value     string `json:"value"`
}

type zeroExError struct {
	Code             int    `json:"code"`
	Reason           string `json:"reason"`
	ValidationErrors []struct {
		Reason string `json:"reason"`
	} `json:"validationErrors"`
}

// FetchQuote requests a firm quote with calldata.
func (z *ZeroEx) FetchQuote(ctx context.Context, req *types.SwapRequest) (*types.Quote, error) {
	params := url.Values{}
	params.Set("chainId", strconv.FormatUint(req.ChainID, 10))
	params.Set("sellToken", tokenParam(req.SellToken))
	params.Set("buyToken", tokenParam(req.BuyToken))
	params.Set("sellAmount", req.AmountIn.String())
	params.Set("slippagePercentage", slippageFraction(req.MaxSlippageBps))

	headers := map[string]string{}
	if z.apiKey != "" {
		headers["0x-api-key"] = z.apiKey
	}

	status, body, err := httpGet(ctx, z.httpClient, z.baseURL+"/swap/v1/quote?"+params.Encode(), headers)
	if err != nil {
		return nil, scopeErr(z.Name(), err)
	}

	if status >= 400 {
		var apiErr zeroExError
		if json.Unmarshal(body, &apiErr) == nil {
			for _, v := range apiErr.ValidationErrors {
				if strings.Contains(v.Reason, "INSUFFICIENT_ASSET_LIQUIDITY") {
					return nil, scopeErr(z.Name(), ErrInsufficientLiquidity)
				}
			}
		}
		return nil, scopeErr(z.Name(), fmt.Errorf("%w: HTTP %d", ErrProviderRejected, status))
	}

	var q zeroExQuote
	if err := json.Unmarshal(body, &q); err != nil {
		return nil, scopeErr(z.Name(), fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}

	amountOut, ok := new(big.Int).SetString(q.BuyAmount, 10)
	if !ok || amountOut.Sign() <= 0 {
		return nil, scopeErr(z.Name(), fmt.Errorf("%w: buyAmount %q", ErrMalformedResponse, q.BuyAmount))
	}
	gas, err := strconv.ParseUint(q.Gas, 10, 64)
	if err != nil {
		return nil, scopeErr(z.Name(), fmt.Errorf("%w: gas %q", ErrMalformedResponse, q.Gas))
	}
	gasPrice, _ := new(big.Int).SetString(q.GasPrice, 10)
	value, ok := new(big.Int).SetString(q.Value, 10)
	if !ok {
		value = big.NewInt(0)
	}
	if !common.IsHexAddress(q.To) {
		return nil, scopeErr(z.Name(), fmt.Errorf("%w: target %q", ErrMalformedResponse, q.To))
	}

	return &types.Quote{
		Aggregator:  z.Name(),
		AmountOut:   amountOut,
		GasEstimate: gas,
		GasPrice:    gasPrice,
		Target:      common.HexToAddress(q.To),
		Calldata:    common.FromHex(q.Data),
		Value:       value,
		ExpiresAt:   quoteExpiry(z.quoteTTL),
	}, nil
}

// tokenParam renders a token for query strings; 0x accepts symbols for the
// native asset.
func tokenParam(t types.Token) string {
	if t.IsNative() {
		return t.Symbol
	}
	return t.Address.Hex()
}

// slippageFraction converts bps to the decimal fraction the APIs expect.
func slippageFraction(bps int64) string {
	return strconv.FormatFloat(float64(bps)/10000, 'f', -1, 64)
}
