package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ERC20 read call selectors.
const (
	selectorSymbol   = "0x95d89b41"
	selectorDecimals = "0x313ce567"
)

// RPCConfig configures the JSON-RPC HTTP client.
type RPCConfig struct {
	Endpoint   string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultRPCConfig returns client defaults.
func DefaultRPCConfig(endpoint string) RPCConfig {
	return RPCConfig{
		Endpoint:   endpoint,
		Timeout:    10 * time.Second,
		MaxRetries: 3,
	}
}

// RPCClient speaks JSON-RPC over HTTP: token metadata reads, historical log
// queries and head block lookups. Transient failures are retried with
// exponential backoff; 429 responses get a longer one.
type RPCClient struct {
	config     RPCConfig
	httpClient *http.Client
	nextID     atomic.Int64

	requestCount atomic.Int64
	errorCount   atomic.Int64
}

// NewRPCClient creates an RPC client for the given endpoint.
func NewRPCClient(config RPCConfig) *RPCClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	return &RPCClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *RPCClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("rpc: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("rpc: %s http error: %w", method, err)
			c.errorCount.Add(1)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("rpc: %s read response: %w", method, err)
			c.errorCount.Add(1)
			continue
		}

		c.requestCount.Add(1)

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rpc: %s rate limited (429)", method)
			c.errorCount.Add(1)
			select {
			case <-time.After(time.Duration(2<<uint(attempt)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("rpc: %s HTTP %d: %s", method, resp.StatusCode, string(respBody))
			c.errorCount.Add(1)
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("rpc: %s unmarshal response: %w", method, err)
			c.errorCount.Add(1)
			continue
		}

		if rpcResp.Error != nil {
			// Node-level errors are not transport failures; don't retry.
			return nil, fmt.Errorf("rpc: %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
		}

		return rpcResp.Result, nil
	}

	return nil, fmt.Errorf("rpc: %s failed after %d attempts: %w", method, c.config.MaxRetries+1, lastErr)
}

// BlockNumber returns the current head block.
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "eth_blockNumber", []any{})
	if err != nil {
		return 0, err
	}
	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return 0, fmt.Errorf("rpc: parse block number: %w", err)
	}
	n, ok := parseHexUint(hexNum)
	if !ok {
		return 0, fmt.Errorf("rpc: bad block number %q", hexNum)
	}
	return n, nil
}

func (c *RPCClient) ethCall(ctx context.Context, to Address, data string) (string, error) {
	result, err := c.call(ctx, "eth_call", []any{
		map[string]any{"to": string(to), "data": data},
		"latest",
	})
	if err != nil {
		return "", err
	}
	var raw string
	if err := json.Unmarshal(result, &raw); err != nil {
		return "", fmt.Errorf("rpc: parse eth_call result: %w", err)
	}
	return raw, nil
}

// TokenSymbol reads symbol() from an ERC20 contract.
func (c *RPCClient) TokenSymbol(ctx context.Context, token Address) (string, error) {
	raw, err := c.ethCall(ctx, token, selectorSymbol)
	if err != nil {
		return "", err
	}
	sym, err := decodeStringReturn(raw)
	if err != nil {
		return "", fmt.Errorf("rpc: token %s symbol: %w", token, err)
	}
	return strings.ToUpper(sym), nil
}

// TokenDecimals reads decimals() from an ERC20 contract.
func (c *RPCClient) TokenDecimals(ctx context.Context, token Address) (uint8, error) {
	raw, err := c.ethCall(ctx, token, selectorDecimals)
	if err != nil {
		return 0, err
	}
	if raw == "" || raw == "0x" {
		return 0, fmt.Errorf("rpc: token %s decimals: empty return", token)
	}
	n, ok := parseHexBig(raw)
	if !ok || !n.IsUint64() || n.Uint64() > 255 {
		return 0, fmt.Errorf("rpc: token %s decimals: bad return %q", token, raw)
	}
	return uint8(n.Uint64()), nil
}

// TransferLogs queries historical transfer logs to the watch address over a
// block range (inclusive), sorted by (block number, log index). Used for
// catch-up after a reconnect gap.
func (c *RPCClient) TransferLogs(ctx context.Context, watch Address, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	result, err := c.call(ctx, "eth_getLogs", []any{
		map[string]any{
			"fromBlock": hexUint(fromBlock),
			"toBlock":   hexUint(toBlock),
			"topics":    []any{TransferTopic0, nil, PadTopic(watch)},
		},
	})
	if err != nil {
		return nil, err
	}

	var records []logRecord
	if err := json.Unmarshal(result, &records); err != nil {
		return nil, fmt.Errorf("rpc: parse logs: %w", err)
	}

	events := make([]TransferEvent, 0, len(records))
	for _, rec := range records {
		evt, err := decodeTransferLog(rec, watch)
		if err != nil {
			if err != errSkipLog {
				log.Debug().Str("tx", rec.TransactionHash).Msg("rpc: skipping malformed catch-up log")
			}
			continue
		}
		events = append(events, *evt)
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].BlockNumber != events[j].BlockNumber {
			return events[i].BlockNumber < events[j].BlockNumber
		}
		return events[i].LogIndex < events[j].LogIndex
	})
	return events, nil
}

// decodeStringReturn decodes an ABI string return value. Tokens return either
// a bytes32 (fixed, zero-padded) or a dynamic string (offset + length + data).
func decodeStringReturn(raw string) (string, error) {
	h := strings.TrimPrefix(raw, "0x")
	if h == "" {
		return "", fmt.Errorf("empty return")
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return "", fmt.Errorf("bad hex: %w", err)
	}

	if len(b) == 32 {
		s := strings.TrimSpace(string(bytes.TrimRight(b, "\x00")))
		if s == "" {
			return "", fmt.Errorf("empty bytes32 string")
		}
		return s, nil
	}

	if len(b) >= 96 {
		strlen := new(big.Int).SetBytes(b[32:64])
		if !strlen.IsUint64() || 64+strlen.Uint64() > uint64(len(b)) {
			return "", fmt.Errorf("bad dynamic string length")
		}
		s := strings.TrimSpace(string(b[64 : 64+strlen.Uint64()]))
		if s == "" {
			return "", fmt.Errorf("empty dynamic string")
		}
		return s, nil
	}

	return "", fmt.Errorf("unrecognized return shape (%d bytes)", len(b))
}

func hexUint(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
