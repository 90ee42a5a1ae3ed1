// Package execution turns trade intents into exchange orders with exactly-once
// submission semantics per originating chain event.
package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/driftshort/driftshort/internal/exchange"
)

// OrderStatus is the terminal disposition of an intent.
type OrderStatus string

const (
	StatusAccepted  OrderStatus = "ACCEPTED"
	StatusRejected  OrderStatus = "REJECTED" // failed local constraint checks
	StatusDuplicate OrderStatus = "DUPLICATE"
	StatusFailed    OrderStatus = "FAILED" // exchange rejected or retries exhausted
)

// OrderIntent is a request to open a short position.
type OrderIntent struct {
	ClientOrderID string
	Symbol        string
	Notional      decimal.Decimal // quote-asset notional to short
}

// OrderResult records what happened to an intent.
type OrderResult struct {
	ClientOrderID   string
	Symbol          string
	Status          OrderStatus
	ExchangeOrderID int64
	Quantity        decimal.Decimal
	Reason          string
}

// ClientOrderID derives a deterministic order ID from the originating event
// so a replayed event can never produce a second order. The exchange caps
// client order IDs at 36 characters.
func ClientOrderID(txHash string, logIndex uint32) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", strings.ToLower(txHash), logIndex)))
	return "ds-" + hex.EncodeToString(sum[:])[:30]
}

// OrderSubmitter is the exchange surface the gateway drives.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error)
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	SetMarginType(ctx context.Context, symbol, marginType string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// FilterSource resolves per-symbol trading constraints.
type FilterSource interface {
	Filter(ctx context.Context, symbol string) (exchange.SymbolFilter, bool, error)
}

// Config tunes gateway behavior.
type Config struct {
	PositionSide string // SHORT for hedge mode, BOTH for one-way
	MarginType   string // ISOLATED|CROSSED
	Leverage     int
	MaxRetries   int           // submission attempts on transient failures
	RetryBackoff time.Duration // base backoff, doubled per attempt
}

// DefaultConfig returns gateway defaults.
func DefaultConfig() Config {
	return Config{
		PositionSide: "SHORT",
		MarginType:   "ISOLATED",
		Leverage:     5,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// Gateway sizes, validates, and submits orders. It remembers every client
// order ID it has ever attempted so a repeated intent short-circuits to
// DUPLICATE without touching the exchange.
type Gateway struct {
	submitter OrderSubmitter
	filters   FilterSource
	config    Config
	logger    zerolog.Logger

	mu       sync.Mutex
	seen     map[string]struct{}
	prepared map[string]struct{} // symbols with margin/leverage already set

	submitted atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

// NewGateway creates an order gateway.
func NewGateway(submitter OrderSubmitter, filters FilterSource, config Config) *Gateway {
	if config.MaxRetries < 1 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}
	if config.PositionSide == "" {
		config.PositionSide = "SHORT"
	}
	return &Gateway{
		submitter: submitter,
		filters:   filters,
		config:    config,
		logger:    log.With().Str("component", "gateway").Logger(),
		seen:      make(map[string]struct{}),
		prepared:  make(map[string]struct{}),
	}
}

// Submit processes one intent end to end: duplicate check, constraint
// sizing, symbol preparation, then the signed order with bounded retries.
// It never submits the same client order ID twice, even across retries of
// the surrounding pipeline.
func (g *Gateway) Submit(ctx context.Context, intent OrderIntent) OrderResult {
	logger := g.logger.With().
		Str("client_order_id", intent.ClientOrderID).
		Str("symbol", intent.Symbol).
		Logger()

	// Claim the ID before any exchange traffic. A crash after this point
	// loses at most one order; it never doubles one.
	g.mu.Lock()
	if _, dup := g.seen[intent.ClientOrderID]; dup {
		g.mu.Unlock()
		logger.Info().Msg("duplicate intent ignored")
		return OrderResult{ClientOrderID: intent.ClientOrderID, Symbol: intent.Symbol, Status: StatusDuplicate}
	}
	g.seen[intent.ClientOrderID] = struct{}{}
	g.mu.Unlock()

	qty, reason, err := g.sizeOrder(ctx, intent)
	if err != nil {
		g.failed.Add(1)
		logger.Error().Err(err).Msg("order sizing failed")
		return OrderResult{ClientOrderID: intent.ClientOrderID, Symbol: intent.Symbol, Status: StatusFailed, Reason: err.Error()}
	}
	if reason != "" {
		g.rejected.Add(1)
		logger.Warn().Str("reason", reason).Msg("order rejected locally")
		return OrderResult{ClientOrderID: intent.ClientOrderID, Symbol: intent.Symbol, Status: StatusRejected, Reason: reason}
	}

	if err := g.prepareSymbol(ctx, intent.Symbol); err != nil {
		// Setup failures are not fatal: the account may already be
		// configured, and the order call is the authority.
		logger.Warn().Err(err).Msg("symbol preparation failed, submitting anyway")
	}

	return g.submitWithRetry(ctx, logger, intent, qty)
}

// sizeOrder converts the quote notional into a base quantity that satisfies
// the symbol's filters. A non-empty reason means a local rejection.
func (g *Gateway) sizeOrder(ctx context.Context, intent OrderIntent) (decimal.Decimal, string, error) {
	filter, listed, err := g.filters.Filter(ctx, intent.Symbol)
	if err != nil {
		return decimal.Zero, "", err
	}
	if !listed {
		return decimal.Zero, "symbol not listed on exchange", nil
	}
	if !filter.Trading {
		return decimal.Zero, "symbol not in TRADING status", nil
	}

	price, err := g.markPrice(ctx, intent.Symbol)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("mark price: %w", err)
	}
	if price.IsZero() {
		return decimal.Zero, "mark price unavailable", nil
	}

	qty := intent.Notional.Div(price)
	if filter.StepSize.IsPositive() {
		// Round down to the lot step; rounding up could exceed margin.
		qty = qty.Div(filter.StepSize).Floor().Mul(filter.StepSize)
	}
	if qty.IsZero() || (filter.MinQty.IsPositive() && qty.LessThan(filter.MinQty)) {
		return decimal.Zero, fmt.Sprintf("quantity %s below minimum %s", qty, filter.MinQty), nil
	}
	if filter.MinNotional.IsPositive() && qty.Mul(price).LessThan(filter.MinNotional) {
		return decimal.Zero, fmt.Sprintf("notional %s below minimum %s", qty.Mul(price), filter.MinNotional), nil
	}
	return qty, "", nil
}

// markPrice reads the mark price under the same bounded retry discipline as
// the order call: transient failures back off and retry, terminal ones
// surface immediately.
func (g *Gateway) markPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var lastErr error
	for attempt := 0; attempt < g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return decimal.Zero, ctx.Err()
			case <-time.After(g.config.RetryBackoff * (1 << (attempt - 1))):
			}
		}

		price, err := g.submitter.MarkPrice(ctx, symbol)
		if err == nil {
			return price, nil
		}
		lastErr = err
		if !exchange.IsTransient(err) {
			break
		}
	}
	return decimal.Zero, lastErr
}

// prepareSymbol sets margin type and leverage once per symbol per process.
func (g *Gateway) prepareSymbol(ctx context.Context, symbol string) error {
	g.mu.Lock()
	if _, done := g.prepared[symbol]; done {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	if g.config.MarginType != "" {
		if err := g.submitter.SetMarginType(ctx, symbol, g.config.MarginType); err != nil {
			return fmt.Errorf("set margin type: %w", err)
		}
	}
	if g.config.Leverage > 0 {
		if err := g.submitter.SetLeverage(ctx, symbol, g.config.Leverage); err != nil {
			return fmt.Errorf("set leverage: %w", err)
		}
	}

	g.mu.Lock()
	g.prepared[symbol] = struct{}{}
	g.mu.Unlock()
	return nil
}

func (g *Gateway) submitWithRetry(ctx context.Context, logger zerolog.Logger, intent OrderIntent, qty decimal.Decimal) OrderResult {
	req := exchange.OrderRequest{
		Symbol:        intent.Symbol,
		Side:          "SELL",
		PositionSide:  g.config.PositionSide,
		Quantity:      qty,
		ClientOrderID: intent.ClientOrderID,
	}

	var lastErr error
	for attempt := 0; attempt < g.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := g.config.RetryBackoff * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				g.failed.Add(1)
				return OrderResult{ClientOrderID: intent.ClientOrderID, Symbol: intent.Symbol, Status: StatusFailed, Reason: ctx.Err().Error()}
			case <-time.After(backoff):
			}
		}

		ack, err := g.submitter.SubmitOrder(ctx, req)
		if err == nil {
			g.submitted.Add(1)
			logger.Info().
				Int64("order_id", ack.OrderID).
				Str("quantity", qty.String()).
				Msg("short order accepted")
			return OrderResult{
				ClientOrderID:   intent.ClientOrderID,
				Symbol:          intent.Symbol,
				Status:          StatusAccepted,
				ExchangeOrderID: ack.OrderID,
				Quantity:        qty,
			}
		}
		lastErr = err

		if exchange.IsDuplicate(err) {
			// The exchange already holds an order with this ID, which is
			// exactly the outcome idempotency wants.
			logger.Info().Msg("exchange reports duplicate client order id")
			return OrderResult{ClientOrderID: intent.ClientOrderID, Symbol: intent.Symbol, Status: StatusDuplicate}
		}
		if !exchange.IsTransient(err) {
			break
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Msg("transient submission failure")
	}

	g.failed.Add(1)
	logger.Error().Err(lastErr).Msg("order submission failed")
	return OrderResult{ClientOrderID: intent.ClientOrderID, Symbol: intent.Symbol, Status: StatusFailed, Reason: lastErr.Error()}
}

// Stats is a point-in-time snapshot of gateway counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
	Failed    int64 `json:"failed"`
}

// Stats returns current counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Submitted: g.submitted.Load(),
		Rejected:  g.rejected.Load(),
		Failed:    g.failed.Load(),
	}
}
