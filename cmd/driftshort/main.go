package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/driftshort/driftshort/internal/chain"
	"github.com/driftshort/driftshort/internal/config"
	"github.com/driftshort/driftshort/internal/control"
	"github.com/driftshort/driftshort/internal/exchange"
	"github.com/driftshort/driftshort/internal/execution"
	"github.com/driftshort/driftshort/internal/registry"
	"github.com/driftshort/driftshort/internal/strategy"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Runtime)

	log.Info().
		Str("provider", cfg.RPC.Provider).
		Str("watch_address", cfg.RPC.WatchAddress).
		Bool("testnet", cfg.Exchange.Testnet).
		Str("valuation_mode", cfg.Risk.ValuationMode).
		Msg("driftshort starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared long-lived components. These survive pipeline restarts so
	// caches stay warm and order idempotency holds across runs.
	rpcClient := chain.NewRPCClient(chain.DefaultRPCConfig(cfg.RPC.HTTPURL))
	resolver := chain.NewResolver(rpcClient, chain.ResolverConfig{
		MaxRetries: cfg.Runtime.MetadataRetries,
	})

	regCache := registry.NewCache(
		registry.NewHTTPFetcher(cfg.TokenList.URL, 0),
		registry.Config{
			TTL:             time.Duration(cfg.TokenList.CacheTTLSeconds) * time.Second,
			RefreshInterval: time.Duration(cfg.TokenList.RefreshIntervalSeconds) * time.Second,
			MaxPerWindow:    cfg.TokenList.MaxPerMinute,
			Window:          time.Minute,
		},
	)
	go regCache.Run(ctx)

	exClient := exchange.NewClient(exchange.ClientConfig{
		APIKey:     cfg.Exchange.APIKey,
		APISecret:  cfg.Exchange.APISecret,
		Testnet:    cfg.Exchange.Testnet,
		RecvWindow: int64(cfg.Exchange.RecvWindow),
	})
	infoCache := exchange.NewInfoCache(exClient, time.Duration(cfg.Exchange.ExchangeInfoTTLS)*time.Second)

	positionSide := "SHORT"
	if cfg.Risk.PositionMode == "one-way" {
		positionSide = "BOTH"
	}
	gatewayCfg := execution.DefaultConfig()
	gatewayCfg.PositionSide = positionSide
	gatewayCfg.MarginType = cfg.Risk.MarginType
	gatewayCfg.Leverage = cfg.Risk.Leverage
	gateway := execution.NewGateway(exClient, infoCache, gatewayCfg)

	// Per-run components are rebuilt by the factory on every start.
	factory := func() (control.Runner, error) {
		listenerCfg := chain.DefaultListenerConfig(cfg.RPC.WSURL, chain.Address(cfg.RPC.WatchAddress))
		listenerCfg.QueueSize = cfg.Runtime.EventQueueSize
		listener := chain.NewListener(listenerCfg, rpcClient)

		engine := strategy.NewEngine(resolver, regCache, gateway, exClient, strategy.Config{
			ValuationMode:       cfg.Risk.ValuationMode,
			TriggerValue:        cfg.Risk.TriggerValue,
			TriggerInclusive:    cfg.Risk.TriggerInclusive,
			ShortNotional:       cfg.Risk.ShortNotional,
			TradeUnlistedTokens: cfg.Risk.TradeUnlistedTokens,
			Workers:             cfg.Runtime.Workers,
		})

		return control.NewPipeline(listener, engine, gateway), nil
	}

	svc := control.NewService(factory, 0)

	httpSrv := &http.Server{
		Addr:    cfg.Control.ListenAddr,
		Handler: control.Handler(svc),
	}
	go func() {
		log.Info().Str("addr", cfg.Control.ListenAddr).Msg("control server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("control server failed")
		}
	}()

	if cfg.Control.Autostart {
		if _, err := svc.Start(ctx); err != nil {
			log.Error().Err(err).Msg("autostart failed, pipeline idle")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Warn().Str("signal", sig.String()).Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if _, err := svc.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pipeline stop failed")
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("control server shutdown failed")
	}
	cancel()

	log.Info().Msg("driftshort shutdown complete")
}

func setupLogging(rt config.RuntimeConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro

	level, err := zerolog.ParseLevel(rt.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out = os.Stdout
	logger := zerolog.New(out)
	if rt.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	log.Logger = logger.With().
		Timestamp().
		Str("service", "driftshort").
		Logger()
}
