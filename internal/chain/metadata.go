package chain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// TokenMetadata is the immutable descriptive data for a token. Symbol and
// decimals never change for a deployed contract, so cache entries are never
// invalidated.
type TokenMetadata struct {
	Token    Address
	Symbol   string
	Decimals uint8
}

// MetadataReader is the upstream read surface the resolver depends on.
// Implemented by RPCClient.
type MetadataReader interface {
	TokenSymbol(ctx context.Context, token Address) (string, error)
	TokenDecimals(ctx context.Context, token Address) (uint8, error)
}

// ResolverConfig tunes retry behavior for cache misses.
type ResolverConfig struct {
	MaxRetries int           // upstream attempts per miss
	Backoff    time.Duration // base delay between attempts
}

// Resolver resolves and caches per-token metadata. Concurrent lookups for
// the same uncached token collapse into one upstream call; all waiters get
// the same result. Failures are not cached, so the next call retries.
type Resolver struct {
	reader MetadataReader
	config ResolverConfig

	mu    sync.RWMutex
	cache map[Address]TokenMetadata

	flight singleflight.Group

	upstreamCalls atomic.Int64
}

// NewResolver creates a metadata resolver backed by the given reader.
func NewResolver(reader MetadataReader, config ResolverConfig) *Resolver {
	if config.MaxRetries < 1 {
		config.MaxRetries = 3
	}
	if config.Backoff == 0 {
		config.Backoff = 300 * time.Millisecond
	}
	return &Resolver{
		reader: reader,
		config: config,
		cache:  make(map[Address]TokenMetadata),
	}
}

// Resolve returns the metadata for a token, blocking the caller while an
// upstream lookup is in flight.
func (r *Resolver) Resolve(ctx context.Context, token Address) (TokenMetadata, error) {
	r.mu.RLock()
	meta, ok := r.cache[token]
	r.mu.RUnlock()
	if ok {
		return meta, nil
	}

	v, err, _ := r.flight.Do(string(token), func() (any, error) {
		// A waiter may have populated the cache between the miss and the
		// flight start.
		r.mu.RLock()
		meta, ok := r.cache[token]
		r.mu.RUnlock()
		if ok {
			return meta, nil
		}
		return r.fetch(ctx, token)
	})
	if err != nil {
		return TokenMetadata{}, err
	}
	return v.(TokenMetadata), nil
}

// fetch performs the upstream calls with bounded retries and populates the
// cache on success.
func (r *Resolver) fetch(ctx context.Context, token Address) (TokenMetadata, error) {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.config.Backoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return TokenMetadata{}, ctx.Err()
			}
		}

		r.upstreamCalls.Add(1)

		symbol, err := r.reader.TokenSymbol(ctx, token)
		if err != nil {
			lastErr = err
			continue
		}
		decimals, err := r.reader.TokenDecimals(ctx, token)
		if err != nil {
			lastErr = err
			continue
		}

		meta := TokenMetadata{Token: token, Symbol: symbol, Decimals: decimals}

		r.mu.Lock()
		r.cache[token] = meta
		r.mu.Unlock()

		log.Debug().
			Str("token", string(token)).
			Str("symbol", symbol).
			Uint8("decimals", decimals).
			Msg("metadata: resolved")
		return meta, nil
	}

	return TokenMetadata{}, fmt.Errorf("metadata: resolve %s: %w", token, lastErr)
}

// CacheSize returns the number of cached tokens.
func (r *Resolver) CacheSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// UpstreamCalls returns how many upstream fetch rounds were issued.
func (r *Resolver) UpstreamCalls() int64 {
	return r.upstreamCalls.Load()
}
