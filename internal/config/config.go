package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for driftshort.
type Config struct {
	RPC       RPCConfig       `yaml:"rpc"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Risk      RiskConfig      `yaml:"risk"`
	TokenList TokenListConfig `yaml:"token_list"`
	Control   ControlConfig   `yaml:"control"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// RPCConfig selects the chain RPC provider. Providers alchemy and infura
// derive a fixed endpoint pair from api_key; custom requires explicit URLs.
type RPCConfig struct {
	Provider     string `yaml:"provider"` // alchemy|infura|custom
	APIKey       string `yaml:"api_key"`
	WSURL        string `yaml:"ws_url"`
	HTTPURL      string `yaml:"http_url"`
	WatchAddress string `yaml:"watch_address"`
}

type ExchangeConfig struct {
	APIKey           string `yaml:"api_key"`
	APISecret        string `yaml:"api_secret"`
	Testnet          bool   `yaml:"testnet"`
	RecvWindow       int    `yaml:"recv_window"`
	ExchangeInfoTTLS int    `yaml:"exchange_info_ttl_seconds"`
}

type RiskConfig struct {
	TriggerValue        decimal.Decimal `yaml:"trigger_value"`
	TriggerInclusive    bool            `yaml:"trigger_inclusive"`
	ShortNotional       decimal.Decimal `yaml:"short_notional"`
	Leverage            int             `yaml:"leverage"`
	MarginType          string          `yaml:"margin_type"`    // ISOLATED|CROSSED
	PositionMode        string          `yaml:"position_mode"`  // hedge|one-way
	ValuationMode       string          `yaml:"valuation_mode"` // token_amount|usd_notional
	TradeUnlistedTokens bool            `yaml:"trade_unlisted_tokens"`
}

type TokenListConfig struct {
	URL                    string `yaml:"url"`
	MaxPerMinute           int    `yaml:"max_requests_per_minute"`
	CacheTTLSeconds        int    `yaml:"cache_ttl_seconds"`
	RefreshIntervalSeconds int    `yaml:"refresh_interval_seconds"`
}

type ControlConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Autostart  bool   `yaml:"autostart"`
}

type RuntimeConfig struct {
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"` // json|console
	EventQueueSize  int    `yaml:"event_queue_size"`
	Workers         int    `yaml:"workers"`
	MetadataRetries int    `yaml:"metadata_retries"`
}

// Load reads and parses a YAML configuration file, applies defaults and
// validates the result. Environment variables in the file are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RPC.Provider == "" {
		cfg.RPC.Provider = "alchemy"
	}
	cfg.RPC.Provider = strings.ToLower(strings.TrimSpace(cfg.RPC.Provider))

	if cfg.Exchange.RecvWindow == 0 {
		cfg.Exchange.RecvWindow = 5000
	}
	if cfg.Exchange.ExchangeInfoTTLS == 0 {
		cfg.Exchange.ExchangeInfoTTLS = 600
	}
	if cfg.Risk.Leverage == 0 {
		cfg.Risk.Leverage = 1
	}
	if cfg.Risk.MarginType == "" {
		cfg.Risk.MarginType = "ISOLATED"
	}
	cfg.Risk.MarginType = strings.ToUpper(cfg.Risk.MarginType)
	if cfg.Risk.PositionMode == "" {
		cfg.Risk.PositionMode = "hedge"
	}
	if cfg.Risk.ValuationMode == "" {
		cfg.Risk.ValuationMode = "token_amount"
	}
	if cfg.TokenList.MaxPerMinute == 0 {
		cfg.TokenList.MaxPerMinute = 2
	}
	if cfg.TokenList.CacheTTLSeconds == 0 {
		cfg.TokenList.CacheTTLSeconds = 45
	}
	if cfg.TokenList.RefreshIntervalSeconds == 0 {
		cfg.TokenList.RefreshIntervalSeconds = 300
	}
	if cfg.Control.ListenAddr == "" {
		cfg.Control.ListenAddr = ":9689"
	}
	if cfg.Runtime.LogLevel == "" {
		cfg.Runtime.LogLevel = "info"
	}
	if cfg.Runtime.LogFormat == "" {
		cfg.Runtime.LogFormat = "json"
	}
	if cfg.Runtime.EventQueueSize == 0 {
		cfg.Runtime.EventQueueSize = 1024
	}
	if cfg.Runtime.Workers == 0 {
		cfg.Runtime.Workers = 4
	}
	if cfg.Runtime.MetadataRetries == 0 {
		cfg.Runtime.MetadataRetries = 3
	}
}

// Validate rejects incomplete or contradictory configuration. It also
// resolves the RPC endpoint pair for the selected provider, so after a
// successful Validate both RPC.WSURL and RPC.HTTPURL are set.
func (cfg *Config) Validate() error {
	switch cfg.RPC.Provider {
	case "alchemy":
		if cfg.RPC.HTTPURL != "" {
			return fmt.Errorf("config: provider=alchemy does not allow rpc.http_url override (use provider=custom)")
		}
		if cfg.RPC.WSURL == "" && cfg.RPC.APIKey == "" {
			return fmt.Errorf("config: provider=alchemy requires rpc.api_key or rpc.ws_url")
		}
		if strings.Contains(cfg.RPC.WSURL, "infura.io") {
			return fmt.Errorf("config: provider=alchemy but rpc.ws_url points at infura")
		}
		if cfg.RPC.WSURL == "" {
			cfg.RPC.WSURL = "wss://bnb-mainnet.g.alchemy.com/v2/" + cfg.RPC.APIKey
		}
		// Alchemy ws/http endpoints share the key path segment.
		key := cfg.RPC.WSURL[strings.LastIndex(cfg.RPC.WSURL, "/")+1:]
		cfg.RPC.HTTPURL = "https://bnb-mainnet.g.alchemy.com/v2/" + key

	case "infura":
		if cfg.RPC.WSURL != "" || cfg.RPC.HTTPURL != "" {
			return fmt.Errorf("config: provider=infura does not allow rpc.ws_url/http_url overrides (use provider=custom)")
		}
		if cfg.RPC.APIKey == "" {
			return fmt.Errorf("config: provider=infura requires rpc.api_key")
		}
		cfg.RPC.WSURL = "wss://bsc-mainnet.infura.io/ws/v3/" + cfg.RPC.APIKey
		cfg.RPC.HTTPURL = "https://bsc-mainnet.infura.io/v3/" + cfg.RPC.APIKey

	case "custom":
		if cfg.RPC.WSURL == "" || cfg.RPC.HTTPURL == "" {
			return fmt.Errorf("config: provider=custom requires both rpc.ws_url and rpc.http_url")
		}

	default:
		return fmt.Errorf("config: rpc.provider must be one of alchemy/infura/custom, got %q", cfg.RPC.Provider)
	}

	addr := strings.ToLower(strings.TrimSpace(cfg.RPC.WatchAddress))
	if !isHexAddress(addr) {
		return fmt.Errorf("config: rpc.watch_address must be a 0x-prefixed 20-byte hex address, got %q", cfg.RPC.WatchAddress)
	}
	cfg.RPC.WatchAddress = addr

	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
		return fmt.Errorf("config: exchange.api_key and exchange.api_secret are required")
	}

	if !cfg.Risk.TriggerValue.IsPositive() {
		return fmt.Errorf("config: risk.trigger_value must be positive")
	}
	if !cfg.Risk.ShortNotional.IsPositive() {
		return fmt.Errorf("config: risk.short_notional must be positive")
	}
	if cfg.Risk.Leverage < 1 || cfg.Risk.Leverage > 125 {
		return fmt.Errorf("config: risk.leverage must be in [1,125], got %d", cfg.Risk.Leverage)
	}
	switch cfg.Risk.MarginType {
	case "ISOLATED", "CROSSED":
	default:
		return fmt.Errorf("config: risk.margin_type must be ISOLATED or CROSSED, got %q", cfg.Risk.MarginType)
	}
	switch cfg.Risk.PositionMode {
	case "hedge", "one-way":
	default:
		return fmt.Errorf("config: risk.position_mode must be hedge or one-way, got %q", cfg.Risk.PositionMode)
	}
	switch cfg.Risk.ValuationMode {
	case "token_amount", "usd_notional":
	default:
		return fmt.Errorf("config: risk.valuation_mode must be token_amount or usd_notional, got %q", cfg.Risk.ValuationMode)
	}

	if cfg.TokenList.URL == "" {
		return fmt.Errorf("config: token_list.url is required")
	}
	if cfg.TokenList.MaxPerMinute < 1 {
		return fmt.Errorf("config: token_list.max_requests_per_minute must be >= 1")
	}
	return nil
}

func isHexAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
