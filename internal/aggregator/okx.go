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

// okxNativeSentinel is OKX's placeholder address for the native asset.
const okxNativeSentinel = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

// OKX quotes swaps through the OKX DEX aggregator API.
type OKX struct {
	baseURL    string
	apiKey     string
	quoteTTL   time.Duration
	httpClient *http.Client
}

// NewOKX creates the OKX DEX adapter.
func NewOKX(baseURL, apiKey string, quoteTTL time.Duration) *OKX {
	return &OKX{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		quoteTTL:   quoteTTL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (o *OKX) Name() string { return "okx" }

// okxSwapResponse is the envelope OKX wraps every response in. Code "0" is
// success; anything else carries a human-readable msg.
type okxSwapResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		RouterResult struct {
			ToTokenAmount string `json:"toTokenAmount"`
		} `json:"routerResult"`
		Tx struct {
			To       string `json:"to"`
			Data     string `json:"data"`
			Value    string `json:"value"`
			Gas      string `json:"gas"`
			GasPrice string `json:"gasPrice"`
		} `json:"tx"`
	} `json:"data"`
}

// FetchQuote requests a swap route with executable calldata.
func (o *OKX) FetchQuote(ctx context.Context, req *types.SwapRequest) (*types.Quote, error) {
	params := url.Values{}
	params.Set("chainId", strconv.FormatUint(req.ChainID, 10))
	params.Set("fromTokenAddress", okxTokenParam(req.SellToken))
	params.Set("toTokenAddress", okxTokenParam(req.BuyToken))
	params.Set("amount", req.AmountIn.String())
	params.Set("slippage", slippageFraction(req.MaxSlippageBps))
	params.Set("userWalletAddress", common.Address{}.Hex())

	headers := map[string]string{}
	if o.apiKey != "" {
		headers["OK-ACCESS-KEY"] = o.apiKey
	}

	status, body, err := httpGet(ctx, o.httpClient, o.baseURL+"/api/v5/dex/aggregator/swap?"+params.Encode(), headers)
	if err != nil {
		return nil, scopeErr(o.Name(), err)
	}
	if status >= 400 {
		return nil, scopeErr(o.Name(), fmt.Errorf("%w: HTTP %d", ErrProviderRejected, status))
	}

	var resp okxSwapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, scopeErr(o.Name(), fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	if resp.Code != "0" {
		if strings.Contains(strings.ToLower(resp.Msg), "liquidity") {
			return nil, scopeErr(o.Name(), ErrInsufficientLiquidity)
		}
		return nil, scopeErr(o.Name(), fmt.Errorf("%w: code %s: %s", ErrProviderRejected, resp.Code, resp.Msg))
	}
	if len(resp.Data) == 0 {
		return nil, scopeErr(o.Name(), ErrInsufficientLiquidity)
	}

	d := resp.Data[0]
	amountOut, ok := new(big.Int).SetString(d.RouterResult.ToTokenAmount, 10)
	if !ok || amountOut.Sign() <= 0 {
		return nil, scopeErr(o.Name(), fmt.Errorf("%w: toTokenAmount %q", ErrMalformedResponse, d.RouterResult.ToTokenAmount))
	}
	gas, err := strconv.ParseUint(d.Tx.Gas, 10, 64)
	if err != nil {
		return nil, scopeErr(o.Name(), fmt.Errorf("%w: gas %q", ErrMalformedResponse, d.Tx.Gas))
	}
	gasPrice, _ := new(big.Int).SetString(d.Tx.GasPrice, 10)
	value, ok := new(big.Int).SetString(d.Tx.Value, 10)
	if !ok {
		value = big.NewInt(0)
	}
	if !common.IsHexAddress(d.Tx.To) {
		return nil, scopeErr(o.Name(), fmt.Errorf("%w: target %q", ErrMalformedResponse, d.Tx.To))
	}

	return &types.Quote{
		Aggregator:  o.Name(),
		AmountOut:   amountOut,
		GasEstimate: gas,
		GasPrice:    gasPrice,
		Target:      common.HexToAddress(d.Tx.To),
		Calldata:    common.FromHex(d.Tx.Data),
		Value:       value,
		ExpiresAt:   quoteExpiry(o.quoteTTL),
	}, nil
}

func okxTokenParam(t types.Token) string {
	if t.IsNative() {
		return okxNativeSentinel
	}
	return t.Address.Hex()
}
