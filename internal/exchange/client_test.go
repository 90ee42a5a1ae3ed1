package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey    = "test-key"
	testAPISecret = "test-secret"
)

func testClient(baseURL string) *Client {
	return NewClient(ClientConfig{
		APIKey:    testAPIKey,
		APISecret: testAPISecret,
		BaseURL:   baseURL,
	})
}

// verifySignature recomputes the HMAC over the query string minus the
// signature parameter, the way the exchange does.
func verifySignature(t *testing.T, query url.Values) {
	t.Helper()
	sig := query.Get("signature")
	require.NotEmpty(t, sig)
	query.Del("signature")
	mac := hmac.New(sha256.New, []byte(testAPISecret))
	mac.Write([]byte(query.Encode()))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig)
}

func TestSubmitOrderSignsRequest(t *testing.T) {
	var captured url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/order", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, testAPIKey, r.Header.Get("X-MBX-APIKEY"))
		captured = r.URL.Query()
		json.NewEncoder(w).Encode(OrderAck{OrderID: 42, ClientOrderID: captured.Get("newClientOrderId"), Status: "NEW"})
	}))
	defer srv.Close()

	ack, err := testClient(srv.URL).SubmitOrder(context.Background(), OrderRequest{
		Symbol:        "FOOUSDT",
		Side:          "SELL",
		PositionSide:  "SHORT",
		Quantity:      decimal.RequireFromString("12.5"),
		ClientOrderID: "ds-abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), ack.OrderID)
	assert.Equal(t, "ds-abc123", ack.ClientOrderID)

	assert.Equal(t, "FOOUSDT", captured.Get("symbol"))
	assert.Equal(t, "SELL", captured.Get("side"))
	assert.Equal(t, "MARKET", captured.Get("type"))
	assert.Equal(t, "SHORT", captured.Get("positionSide"))
	assert.Equal(t, "12.5", captured.Get("quantity"))
	assert.NotEmpty(t, captured.Get("timestamp"))
	assert.Equal(t, "5000", captured.Get("recvWindow"))
	verifySignature(t, captured)
}

func TestSubmitOrderAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"code": -2019, "msg": "Margin is insufficient."})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).SubmitOrder(context.Background(), OrderRequest{
		Symbol: "FOOUSDT", Side: "SELL", Quantity: decimal.NewFromInt(1), ClientOrderID: "x",
	})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, -2019, apiErr.Code)
	assert.False(t, apiErr.Transient())
	assert.False(t, apiErr.Duplicate())
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       APIError
		transient bool
		duplicate bool
	}{
		{"rate limited", APIError{HTTPStatus: 429, Code: -1003}, true, false},
		{"server error", APIError{HTTPStatus: 502}, true, false},
		{"timeout code", APIError{HTTPStatus: 400, Code: -1007}, true, false},
		{"duplicate id code", APIError{HTTPStatus: 400, Code: -4116}, false, true},
		{"duplicate id message", APIError{HTTPStatus: 400, Code: -4015, Message: "Duplicate order sent."}, false, true},
		{"invalid symbol", APIError{HTTPStatus: 400, Code: -1121}, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.err
			assert.Equal(t, tc.transient, err.Transient())
			assert.Equal(t, tc.duplicate, err.Duplicate())
		})
	}
}

func TestMarkPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/premiumIndex", r.URL.Path)
		require.Equal(t, "FOOUSDT", r.URL.Query().Get("symbol"))
		json.NewEncoder(w).Encode(map[string]any{"markPrice": "1.23450000"})
	}))
	defer srv.Close()

	price, err := testClient(srv.URL).MarkPrice(context.Background(), "FOOUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("1.2345")))
}

func TestSetMarginTypeToleratesNoChange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"code": -4046, "msg": "No need to change margin type."})
	}))
	defer srv.Close()

	err := testClient(srv.URL).SetMarginType(context.Background(), "FOOUSDT", "ISOLATED")
	assert.NoError(t, err)
}

func TestSetLeverage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/leverage", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "5", q.Get("leverage"))
		verifySignature(t, q)
		json.NewEncoder(w).Encode(map[string]any{"leverage": 5})
	}))
	defer srv.Close()

	require.NoError(t, testClient(srv.URL).SetLeverage(context.Background(), "FOOUSDT", 5))
}

func exchangeInfoBody() map[string]any {
	return map[string]any{
		"symbols": []map[string]any{
			{
				"symbol": "FOOUSDT",
				"status": "TRADING",
				"filters": []map[string]any{
					{"filterType": "LOT_SIZE", "stepSize": "0.01", "minQty": "0.01", "maxQty": "10000"},
					{"filterType": "MIN_NOTIONAL", "notional": "5"},
				},
			},
			{
				"symbol":  "HALTEDUSDT",
				"status":  "BREAK",
				"filters": []map[string]any{},
			},
		},
	}
}

func TestExchangeInfoParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		json.NewEncoder(w).Encode(exchangeInfoBody())
	}))
	defer srv.Close()

	filters, err := testClient(srv.URL).ExchangeInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, filters, 2)

	foo := filters["FOOUSDT"]
	assert.True(t, foo.Trading)
	assert.Equal(t, "0.01", foo.StepSize.String())
	assert.Equal(t, "0.01", foo.MinQty.String())
	assert.Equal(t, "5", foo.MinNotional.String())
	assert.False(t, filters["HALTEDUSDT"].Trading)
}

// countingInfoFetcher serves a fixed snapshot and counts calls.
type countingInfoFetcher struct {
	calls   atomic.Int64
	filters map[string]SymbolFilter
}

func (f *countingInfoFetcher) ExchangeInfo(ctx context.Context) (map[string]SymbolFilter, error) {
	f.calls.Add(1)
	return f.filters, nil
}

func TestInfoCacheSingleFlight(t *testing.T) {
	fetcher := &countingInfoFetcher{filters: map[string]SymbolFilter{
		"FOOUSDT": {Symbol: "FOOUSDT", Trading: true},
	}}
	cache := NewInfoCache(fetcher, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, ok, err := cache.Filter(context.Background(), "FOOUSDT")
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, f.Trading)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fetcher.calls.Load())

	_, ok, err := cache.Filter(context.Background(), "MISSINGUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), fetcher.calls.Load(), "fresh snapshot serves lookups locally")
}
