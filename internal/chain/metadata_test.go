package chain

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubReader counts upstream fetches and can be gated to hold all callers
// in flight.
type stubReader struct {
	symbolCalls atomic.Int64
	gate        chan struct{} // if non-nil, TokenSymbol blocks until closed
	failures    atomic.Int64  // number of leading calls that fail
}

func (s *stubReader) TokenSymbol(ctx context.Context, token Address) (string, error) {
	s.symbolCalls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return "", fmt.Errorf("rpc: transient failure")
	}
	return "FOO", nil
}

func (s *stubReader) TokenDecimals(ctx context.Context, token Address) (uint8, error) {
	return 6, nil
}

func TestResolveCachesResult(t *testing.T) {
	reader := &stubReader{}
	r := NewResolver(reader, ResolverConfig{MaxRetries: 3, Backoff: time.Millisecond})

	meta, err := r.Resolve(context.Background(), Address(testToken))
	require.NoError(t, err)
	assert.Equal(t, "FOO", meta.Symbol)
	assert.Equal(t, uint8(6), meta.Decimals)

	// Second resolve is a cache hit: no new upstream call.
	_, err = r.Resolve(context.Background(), Address(testToken))
	require.NoError(t, err)
	assert.Equal(t, int64(1), reader.symbolCalls.Load())
	assert.Equal(t, 1, r.CacheSize())
}

func TestResolveSingleFlight(t *testing.T) {
	reader := &stubReader{gate: make(chan struct{})}
	r := NewResolver(reader, ResolverConfig{MaxRetries: 1, Backoff: time.Millisecond})

	const callers = 10
	results := make([]TokenMetadata, callers)
	errs := make([]error, callers)

	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i], errs[i] = r.Resolve(context.Background(), Address(testToken))
		}(i)
	}

	started.Wait()
	// Give all callers time to attach to the in-flight lookup.
	time.Sleep(50 * time.Millisecond)
	close(reader.gate)
	done.Wait()

	// Exactly one upstream call; every caller got the identical result.
	assert.Equal(t, int64(1), reader.symbolCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
}

func TestResolveRetriesThenFails(t *testing.T) {
	reader := &stubReader{}
	reader.failures.Store(10)
	r := NewResolver(reader, ResolverConfig{MaxRetries: 3, Backoff: time.Millisecond})

	_, err := r.Resolve(context.Background(), Address(testToken))
	require.Error(t, err)
	assert.Equal(t, int64(3), reader.symbolCalls.Load())
	// Failures are not cached.
	assert.Equal(t, 0, r.CacheSize())

	// Next call retries and succeeds once the upstream recovers.
	reader.failures.Store(0)
	meta, err := r.Resolve(context.Background(), Address(testToken))
	require.NoError(t, err)
	assert.Equal(t, "FOO", meta.Symbol)
}

func TestResolveDistinctTokensFetchSeparately(t *testing.T) {
	reader := &stubReader{}
	r := NewResolver(reader, ResolverConfig{MaxRetries: 1, Backoff: time.Millisecond})

	_, err := r.Resolve(context.Background(), Address(testToken))
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), Address(testFrom))
	require.NoError(t, err)

	assert.Equal(t, int64(2), reader.symbolCalls.Load())
	assert.Equal(t, 2, r.CacheSize())
}
