// Package strategy applies the trade rule to incoming transfer events and
// turns qualifying ones into short-order intents.
package strategy

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/driftshort/driftshort/internal/chain"
	"github.com/driftshort/driftshort/internal/execution"
	"github.com/driftshort/driftshort/internal/registry"
)

// Valuation modes for the trigger comparison.
const (
	ValuationTokenAmount = "token_amount"
	ValuationUSDNotional = "usd_notional"
)

// A deposit whose token claims more than this many decimals is corrupt.
const maxTokenDecimals = 36

// Outcome classifies how an event left the engine.
type Outcome string

const (
	OutcomeBelowThreshold  Outcome = "below_threshold"
	OutcomeZeroAmount      Outcome = "zero_amount"
	OutcomeMetadataFailed  Outcome = "metadata_failed"
	OutcomeRegistryUnknown Outcome = "registry_unknown"
	OutcomeNoPrice         Outcome = "no_price"
	OutcomeSubmitted       Outcome = "submitted"
)

// MetadataResolver resolves token symbol and decimals.
type MetadataResolver interface {
	Resolve(ctx context.Context, token chain.Address) (chain.TokenMetadata, error)
}

// RegistryLookup answers whether a symbol is a known tradable instrument.
type RegistryLookup interface {
	Lookup(ctx context.Context, symbol string) (registry.Entry, bool)
}

// OrderGateway submits sized short orders.
type OrderGateway interface {
	Submit(ctx context.Context, intent execution.OrderIntent) execution.OrderResult
}

// MarkPricer supplies a USD price when the registry feed carries none.
type MarkPricer interface {
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Config tunes the trade rule.
type Config struct {
	ValuationMode       string          // token_amount | usd_notional
	TriggerValue        decimal.Decimal // strictly-greater threshold
	TriggerInclusive    bool
	ShortNotional       decimal.Decimal // quote notional per short
	QuoteAsset          string          // appended to the token symbol, default USDT
	TradeUnlistedTokens bool
	Workers             int
}

// DefaultConfig returns rule defaults.
func DefaultConfig() Config {
	return Config{
		ValuationMode: ValuationTokenAmount,
		QuoteAsset:    "USDT",
		Workers:       4,
	}
}

// Engine consumes transfer events and drives the gateway. One engine serves
// one pipeline run; counters reset with it.
type Engine struct {
	resolver MetadataResolver
	registry RegistryLookup
	gateway  OrderGateway
	pricer   MarkPricer
	config   Config
	logger   zerolog.Logger

	processed atomic.Int64
	triggered atomic.Int64
	discarded atomic.Int64
}

// NewEngine wires a trade-rule engine.
func NewEngine(resolver MetadataResolver, reg RegistryLookup, gateway OrderGateway, pricer MarkPricer, config Config) *Engine {
	if config.Workers < 1 {
		config.Workers = 4
	}
	if config.QuoteAsset == "" {
		config.QuoteAsset = "USDT"
	}
	if config.ValuationMode == "" {
		config.ValuationMode = ValuationTokenAmount
	}
	return &Engine{
		resolver: resolver,
		registry: reg,
		gateway:  gateway,
		pricer:   pricer,
		config:   config,
		logger:   log.With().Str("component", "strategy").Logger(),
	}
}

// Run drains the event channel with a worker pool until the channel closes
// or ctx ends. Event processing order across workers is not guaranteed;
// idempotent order IDs make that safe.
//
// Cancellation stops dequeuing only. An event already picked up runs to
// completion on a detached context, so an order submission that has reached
// the exchange is never aborted mid-flight; Run returns once those finish.
func (e *Engine) Run(ctx context.Context, events <-chan chain.TransferEvent) {
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < e.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-events:
					if !ok {
						return
					}
					e.handle(workCtx, evt)
				}
			}
		}()
	}
	wg.Wait()
}

// handle runs one event through the rule. A panic in one event must not take
// down the pipeline.
func (e *Engine) handle(ctx context.Context, evt chain.TransferEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.discarded.Add(1)
			e.logger.Error().
				Interface("panic", r).
				Str("event", evt.EventID()).
				Msg("event handler panicked")
		}
	}()

	e.processed.Add(1)
	outcome := e.evaluate(ctx, evt)
	if outcome == OutcomeSubmitted {
		e.triggered.Add(1)
	} else {
		e.discarded.Add(1)
	}
}

func (e *Engine) evaluate(ctx context.Context, evt chain.TransferEvent) Outcome {
	logger := e.logger.With().
		Str("event", evt.EventID()).
		Str("token", string(evt.Token)).
		Logger()

	if evt.RawAmount == nil || evt.RawAmount.Sign() == 0 {
		logger.Debug().Msg("zero-amount transfer discarded")
		return OutcomeZeroAmount
	}

	meta, err := e.resolver.Resolve(ctx, evt.Token)
	if err != nil {
		logger.Warn().Err(err).Msg("token metadata unavailable, event discarded")
		return OutcomeMetadataFailed
	}
	if meta.Decimals > maxTokenDecimals {
		logger.Warn().Uint8("decimals", meta.Decimals).Msg("implausible decimals, event discarded")
		return OutcomeMetadataFailed
	}

	amount := scaleAmount(evt.RawAmount, meta.Decimals)
	symbol := meta.Symbol + e.config.QuoteAsset

	entry, listed := e.registry.Lookup(ctx, symbol)
	if !listed || !entry.Tradable {
		if !e.config.TradeUnlistedTokens {
			logger.Debug().Str("symbol", symbol).Msg("symbol not in tradable registry")
			return OutcomeRegistryUnknown
		}
		logger.Warn().Str("symbol", symbol).Msg("trading outside registry by configuration")
	}

	value := amount
	if e.config.ValuationMode == ValuationUSDNotional {
		price := entry.Price
		if price.IsZero() && e.pricer != nil {
			if mark, err := e.pricer.MarkPrice(ctx, symbol); err == nil {
				price = mark
			} else {
				logger.Warn().Err(err).Msg("mark price fallback failed")
			}
		}
		if price.IsZero() {
			logger.Warn().Str("symbol", symbol).Msg("no price for usd valuation, event discarded")
			return OutcomeNoPrice
		}
		value = amount.Mul(price)
	}

	if !e.overTrigger(value) {
		logger.Debug().
			Str("value", value.String()).
			Str("trigger", e.config.TriggerValue.String()).
			Msg("below trigger")
		return OutcomeBelowThreshold
	}

	intent := execution.OrderIntent{
		ClientOrderID: execution.ClientOrderID(string(evt.TxHash), evt.LogIndex),
		Symbol:        symbol,
		Notional:      e.config.ShortNotional,
	}
	logger.Info().
		Str("symbol", symbol).
		Str("amount", amount.String()).
		Str("value", value.String()).
		Msg("deposit over trigger, shorting")

	res := e.gateway.Submit(ctx, intent)
	logger.Info().
		Str("status", string(res.Status)).
		Str("client_order_id", res.ClientOrderID).
		Msg("order gateway result")
	return OutcomeSubmitted
}

func (e *Engine) overTrigger(value decimal.Decimal) bool {
	if e.config.TriggerInclusive {
		return value.GreaterThanOrEqual(e.config.TriggerValue)
	}
	return value.GreaterThan(e.config.TriggerValue)
}

// scaleAmount converts a raw integer token amount into its human unit.
func scaleAmount(raw *big.Int, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).Set(raw), -int32(decimals))
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Processed int64 `json:"processed"`
	Triggered int64 `json:"triggered"`
	Discarded int64 `json:"discarded"`
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Processed: e.processed.Load(),
		Triggered: e.triggered.Load(),
		Discarded: e.discarded.Load(),
	}
}
