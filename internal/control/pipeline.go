package control

import (
	"context"

	"github.com/driftshort/driftshort/internal/chain"
	"github.com/driftshort/driftshort/internal/execution"
	"github.com/driftshort/driftshort/internal/strategy"
)

// PipelineStats aggregates counters across the pipeline stages.
type PipelineStats struct {
	Listener chain.ListenerStats `json:"listener"`
	Engine   strategy.Stats      `json:"engine"`
	Orders   execution.Stats     `json:"orders"`
}

// Pipeline chains the transfer listener into the strategy engine. The
// listener and engine are per-run; the gateway behind the engine is shared
// across runs so order idempotency survives restarts.
type Pipeline struct {
	listener *chain.Listener
	engine   *strategy.Engine
	gateway  *execution.Gateway
}

// NewPipeline assembles one run.
func NewPipeline(listener *chain.Listener, engine *strategy.Engine, gateway *execution.Gateway) *Pipeline {
	return &Pipeline{listener: listener, engine: engine, gateway: gateway}
}

// Run starts the listener and drains its events through the engine until the
// stream closes or ctx ends. A fatal listener error (a rejected
// subscription) surfaces as the run error.
func (p *Pipeline) Run(ctx context.Context) error {
	events, err := p.listener.Start(ctx)
	if err != nil {
		return err
	}
	p.engine.Run(ctx, events)
	return p.listener.Err()
}

// Ready closes once the stream subscription is live.
func (p *Pipeline) Ready() <-chan struct{} {
	return p.listener.Ready()
}

// Stats snapshots all pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Listener: p.listener.Stats(),
		Engine:   p.engine.Stats(),
		Orders:   p.gateway.Stats(),
	}
}
