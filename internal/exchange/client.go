// Package exchange wraps the futures exchange REST API: signed order
// submission, account setup, and the exchangeInfo constraint snapshot.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

const (
	prodBaseURL    = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"
)

// ClientConfig carries credentials and request tuning.
type ClientConfig struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string // overrides the testnet/prod selection when set
	RecvWindow int64  // milliseconds, default 5000
	Timeout    time.Duration
}

// Client is a thin signed HTTP client for the futures REST API.
type Client struct {
	config     ClientConfig
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an exchange client.
func NewClient(config ClientConfig) *Client {
	base := config.BaseURL
	if base == "" {
		if config.Testnet {
			base = testnetBaseURL
		} else {
			base = prodBaseURL
		}
	}
	if config.RecvWindow == 0 {
		config.RecvWindow = 5000
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &Client{
		config:     config,
		baseURL:    base,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// sign appends timestamp, recvWindow, and the HMAC-SHA256 signature the API
// requires on authenticated endpoints.
func (c *Client) sign(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.config.RecvWindow, 10))
	mac := hmac.New(sha256.New, []byte(c.config.APISecret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return params
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out any) error {
	if signed {
		params = c.sign(params)
	}

	endpoint := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("exchange: create request: %w", err)
	}
	if method != http.MethodGet && len(params) > 0 {
		req.URL.RawQuery = params.Encode()
	}
	if c.config.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("exchange: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("exchange: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		var parsed struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(raw, &parsed) == nil {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Msg
		} else {
			apiErr.Message = string(raw)
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("exchange: decode %s response: %w", path, err)
		}
	}
	return nil
}

// SubmitOrder places a MARKET order.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", "MARKET")
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	if req.PositionSide != "" {
		params.Set("positionSide", req.PositionSide)
	}

	var ack OrderAck
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// MarkPrice returns the current mark price for a symbol.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false, &out); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(out.MarkPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange: parse mark price %q: %w", out.MarkPrice, err)
	}
	return price, nil
}

// SetMarginType switches a symbol's margin mode. The exchange answers
// -4046 when the mode is already set; that is not an error.
func (c *Client) SetMarginType(ctx context.Context, symbol, marginType string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", marginType)

	err := c.do(ctx, http.MethodPost, "/fapi/v1/marginType", params, true, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeNoNeedChangeMargin {
		return nil
	}
	return err
}

// SetLeverage sets the symbol's initial leverage.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, nil)
}

// exchangeInfo fetches the full instrument list with trading filters.
func (c *Client) exchangeInfo(ctx context.Context) (map[string]SymbolFilter, error) {
	var out struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Status  string `json:"status"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, &out); err != nil {
		return nil, err
	}

	filters := make(map[string]SymbolFilter, len(out.Symbols))
	for _, s := range out.Symbols {
		f := SymbolFilter{
			Symbol:  s.Symbol,
			Trading: s.Status == "TRADING",
		}
		for _, raw := range s.Filters {
			switch raw.FilterType {
			case "LOT_SIZE":
				f.StepSize = parseDecimal(raw.StepSize)
				f.MinQty = parseDecimal(raw.MinQty)
			case "MIN_NOTIONAL":
				f.MinNotional = parseDecimal(raw.MinNotional)
			}
		}
		filters[s.Symbol] = f
	}
	return filters, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
