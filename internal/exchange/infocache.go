package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// InfoFetcher retrieves the instrument constraint snapshot. *Client
// satisfies it.
type InfoFetcher interface {
	ExchangeInfo(ctx context.Context) (map[string]SymbolFilter, error)
}

// ExchangeInfo exposes the client's exchangeInfo call for the cache.
func (c *Client) ExchangeInfo(ctx context.Context) (map[string]SymbolFilter, error) {
	return c.exchangeInfo(ctx)
}

// InfoCache keeps the exchangeInfo snapshot in memory with a TTL. A stale
// snapshot is refreshed in the background while lookups keep serving the
// prior constraints; only the very first lookup blocks on the fetch.
type InfoCache struct {
	fetcher InfoFetcher
	ttl     time.Duration

	mu        sync.RWMutex
	filters   map[string]SymbolFilter
	fetchedAt time.Time

	flight singleflight.Group
}

// NewInfoCache creates a cache with the given snapshot TTL.
func NewInfoCache(fetcher InfoFetcher, ttl time.Duration) *InfoCache {
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &InfoCache{fetcher: fetcher, ttl: ttl}
}

// Filter returns the constraint set for a symbol. The second return is false
// when the symbol is not listed.
func (ic *InfoCache) Filter(ctx context.Context, symbol string) (SymbolFilter, bool, error) {
	ic.mu.RLock()
	filters, fetchedAt := ic.filters, ic.fetchedAt
	ic.mu.RUnlock()

	if filters == nil {
		if err := ic.refresh(ctx); err != nil {
			return SymbolFilter{}, false, err
		}
		ic.mu.RLock()
		filters = ic.filters
		ic.mu.RUnlock()
	} else if time.Since(fetchedAt) > ic.ttl {
		go func() {
			if err := ic.refresh(context.Background()); err != nil {
				log.Warn().Err(err).Msg("exchange: info refresh failed")
			}
		}()
	}

	f, ok := filters[symbol]
	return f, ok, nil
}

func (ic *InfoCache) refresh(ctx context.Context) error {
	_, err, _ := ic.flight.Do("info", func() (any, error) {
		ic.mu.RLock()
		fresh := ic.filters != nil && time.Since(ic.fetchedAt) <= ic.ttl
		ic.mu.RUnlock()
		if fresh {
			return nil, nil
		}

		filters, err := ic.fetcher.ExchangeInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("exchange: fetch exchangeInfo: %w", err)
		}

		ic.mu.Lock()
		ic.filters = filters
		ic.fetchedAt = time.Now()
		ic.mu.Unlock()

		log.Debug().Int("symbols", len(filters)).Msg("exchange: info snapshot refreshed")
		return nil, nil
	})
	return err
}

// Size returns the number of instruments in the current snapshot.
func (ic *InfoCache) Size() int {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return len(ic.filters)
}
