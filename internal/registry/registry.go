// Package registry maintains the exchange's tradable-token registry as a
// periodically refreshed in-memory snapshot behind a strict upstream rate
// ceiling.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Entry describes one listed token. Price is zero when the feed does not
// carry one.
type Entry struct {
	Symbol   string
	Tradable bool
	Price    decimal.Decimal
}

// Fetcher retrieves the full token list from upstream.
type Fetcher interface {
	FetchTokenList(ctx context.Context) (map[string]Entry, error)
}

// Config tunes the cache.
type Config struct {
	TTL             time.Duration // snapshot age that triggers on-demand refresh
	RefreshInterval time.Duration // periodic refresh schedule
	MaxPerWindow    int           // upstream call ceiling per rolling window
	Window          time.Duration
}

// DefaultConfig returns cache defaults matching the upstream's documented
// limit of 2 calls per minute.
func DefaultConfig() Config {
	return Config{
		TTL:             45 * time.Second,
		RefreshInterval: 5 * time.Minute,
		MaxPerWindow:    2,
		Window:          time.Minute,
	}
}

// Cache holds the last successfully fetched registry snapshot. Snapshots are
// replaced wholesale; lookups never block on an in-flight refresh once a
// snapshot exists. Concurrent refresh triggers collapse into one upstream
// call, and all upstream calls pass a limiter that spaces them so no rolling
// window ever sees more than MaxPerWindow calls; excess triggers wait for
// the next slot instead of being dropped.
type Cache struct {
	fetcher Fetcher
	config  Config
	limiter *rate.Limiter

	mu        sync.RWMutex
	entries   map[string]Entry
	fetchedAt time.Time

	flight singleflight.Group

	upstreamCalls atomic.Int64
}

// NewCache creates a registry cache around the given fetcher.
func NewCache(fetcher Fetcher, config Config) *Cache {
	if config.MaxPerWindow < 1 {
		config.MaxPerWindow = 1
	}
	if config.Window == 0 {
		config.Window = time.Minute
	}
	// Burst 1 with even spacing keeps any rolling window at or under the
	// ceiling; a bucket holding MaxPerWindow tokens would not.
	interval := config.Window / time.Duration(config.MaxPerWindow)
	return &Cache{
		fetcher: fetcher,
		config:  config,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Lookup returns the registry entry for a symbol (upper-cased). A lookup
// against a stale snapshot kicks off a background refresh but still serves
// the prior snapshot; only the very first lookup, before any snapshot
// exists, blocks on the fetch.
func (c *Cache) Lookup(ctx context.Context, symbol string) (Entry, bool) {
	c.mu.RLock()
	entries, fetchedAt := c.entries, c.fetchedAt
	c.mu.RUnlock()

	if entries == nil {
		if err := c.refresh(ctx, false); err != nil {
			log.Warn().Err(err).Msg("registry: initial fetch failed")
		}
		c.mu.RLock()
		entries = c.entries
		c.mu.RUnlock()
		if entries == nil {
			return Entry{}, false
		}
	} else if time.Since(fetchedAt) > c.config.TTL {
		go func() {
			if err := c.refresh(context.Background(), false); err != nil {
				log.Warn().Err(err).Msg("registry: background refresh failed")
			}
		}()
	}

	e, ok := entries[strings.ToUpper(symbol)]
	return e, ok
}

// Run refreshes the snapshot on the configured schedule until ctx ends.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refresh(ctx, true); err != nil {
				log.Warn().Err(err).Msg("registry: scheduled refresh failed")
			}
		}
	}
}

// ForceRefresh fetches a new snapshot regardless of age, still subject to
// the rate ceiling.
func (c *Cache) ForceRefresh(ctx context.Context) error {
	return c.refresh(ctx, true)
}

func (c *Cache) refresh(ctx context.Context, force bool) error {
	_, err, _ := c.flight.Do("refresh", func() (any, error) {
		if !force {
			// A refresh that completed while this trigger was queued makes
			// it redundant.
			c.mu.RLock()
			fresh := c.entries != nil && time.Since(c.fetchedAt) <= c.config.TTL
			c.mu.RUnlock()
			if fresh {
				return nil, nil
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		c.upstreamCalls.Add(1)
		entries, err := c.fetcher.FetchTokenList(ctx)
		if err != nil {
			return nil, fmt.Errorf("registry: fetch: %w", err)
		}

		c.mu.Lock()
		c.entries = entries
		c.fetchedAt = time.Now()
		c.mu.Unlock()

		log.Debug().Int("tokens", len(entries)).Msg("registry: snapshot refreshed")
		return nil, nil
	})
	return err
}

// UpstreamCalls returns the number of upstream fetches issued.
func (c *Cache) UpstreamCalls() int64 {
	return c.upstreamCalls.Load()
}

// Size returns the number of entries in the current snapshot.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ---------------------------------------------------------------------------
// HTTP fetcher
// ---------------------------------------------------------------------------

// HTTPFetcher pulls the token list from a JSON endpoint. The feed shape
// varies, so parsing is tolerant: the token array may sit at the top level
// or under data/Data, and inside those under list/tokens.
type HTTPFetcher struct {
	url        string
	httpClient *http.Client
}

// NewHTTPFetcher creates a fetcher for the given URL.
func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	return &HTTPFetcher{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) FetchTokenList(ctx context.Context) (map[string]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch token list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: token list HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registry: read token list: %w", err)
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("registry: parse token list: %w", err)
	}

	items := tokenItems(payload)
	out := make(map[string]Entry, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		sym := strings.ToUpper(stringField(obj, "symbol", "tokenSymbol"))
		if sym == "" {
			continue
		}
		out[sym] = Entry{
			Symbol:   sym,
			Tradable: tradableField(obj),
			Price:    priceField(obj),
		}
	}
	return out, nil
}

// tokenItems digs the token array out of the known feed shapes.
func tokenItems(payload any) []any {
	if list, ok := payload.([]any); ok {
		return list
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	for _, key := range []string{"data", "Data"} {
		if inner, ok := obj[key]; ok {
			if list, ok := inner.([]any); ok {
				return list
			}
			if innerObj, ok := inner.(map[string]any); ok {
				obj = innerObj
				break
			}
		}
	}
	for _, key := range []string{"list", "tokens"} {
		if list, ok := obj[key].([]any); ok {
			return list
		}
	}
	return nil
}

func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := obj[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func tradableField(obj map[string]any) bool {
	if v, ok := obj["tradable"].(bool); ok {
		return v
	}
	if v, ok := obj["status"].(string); ok {
		return strings.EqualFold(v, "TRADING")
	}
	return true
}

func priceField(obj map[string]any) decimal.Decimal {
	for _, k := range []string{"price", "lastPrice", "usdtPrice", "priceUsd", "priceUSDT"} {
		switch v := obj[k].(type) {
		case string:
			if d, err := decimal.NewFromString(v); err == nil {
				return d
			}
		case float64:
			return decimal.NewFromFloat(v)
		}
	}
	return decimal.Zero
}
