// Package config defines process-wide configuration. Values are loaded
// from a YAML file (default: configs/config.yaml) with MARKETFLOW_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"marketflow/internal/logging"
	"marketflow/internal/market"
)

// Config is the top-level configuration. Maps directly to the YAML
// file structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Market    MarketConfig    `mapstructure:"market"`
	Mock      MockConfig      `mapstructure:"mock"`
	Binance   BinanceConfig   `mapstructure:"binance"`
	Stores    StoresConfig    `mapstructure:"stores"`
	Footprint FootprintConfig `mapstructure:"footprint"`
	Hub       HubConfig       `mapstructure:"hub"`
	OrderFlow OrderFlowConfig `mapstructure:"orderflow"`
	Logging   logging.Config  `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Vault     VaultConfig     `mapstructure:"vault"`
}

// ServerConfig holds the REST/WebSocket listener settings.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MarketConfig selects the default provider/interval and the symbols
// bootstrapped at startup.
type MarketConfig struct {
	DefaultProvider string   `mapstructure:"default_provider"`
	DefaultInterval string   `mapstructure:"default_interval"`
	Watchlist       []string `mapstructure:"watchlist"`
	WarmupCandles   int      `mapstructure:"warmup_candles"`
}

// MockConfig tunes the mock provider's market model.
type MockConfig struct {
	TickerMs          int                `mapstructure:"ticker_ms"`
	OrderBookMs       int                `mapstructure:"order_book_ms"`
	DefaultVolatility float64            `mapstructure:"default_volatility"`
	Scenario          string             `mapstructure:"scenario"`
	Symbols           []string           `mapstructure:"symbols"`
	SeedPrices        map[string]float64 `mapstructure:"seed_prices"`
}

// TickerInterval returns the price-engine cadence.
func (c MockConfig) TickerInterval() time.Duration {
	return time.Duration(c.TickerMs) * time.Millisecond
}

// OrderBookInterval returns the synthetic depth-snapshot cadence.
func (c MockConfig) OrderBookInterval() time.Duration {
	return time.Duration(c.OrderBookMs) * time.Millisecond
}

// BinanceConfig holds exchange endpoints and REST limits.
type BinanceConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	WSURL             string  `mapstructure:"ws_url"`
	RequestTimeoutS   int     `mapstructure:"request_timeout_s"`
	RateLimitRPS      float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst    int     `mapstructure:"rate_limit_burst"`
	HandshakeTimeoutS int     `mapstructure:"handshake_timeout_s"`
}

// RequestTimeout returns the REST request timeout.
func (c BinanceConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutS) * time.Second
}

// HandshakeTimeout returns the WebSocket dial timeout.
func (c BinanceConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutS) * time.Second
}

// StoresConfig sets per-store caps and throttles.
type StoresConfig struct {
	CandleMax            int `mapstructure:"candle_max"`
	TradeMax             int `mapstructure:"trade_max"`
	OrderBookMax         int `mapstructure:"order_book_max"`
	BookTickerMax        int `mapstructure:"book_ticker_max"`
	OrderBookIntervalS   int `mapstructure:"order_book_interval_s"`
	BookTickerIntervalMs int `mapstructure:"book_ticker_interval_ms"`
}

// OrderBookInterval returns the order-book sampling window.
func (c StoresConfig) OrderBookInterval() time.Duration {
	return time.Duration(c.OrderBookIntervalS) * time.Second
}

// BookTickerInterval returns the book-ticker sampling window.
func (c StoresConfig) BookTickerInterval() time.Duration {
	return time.Duration(c.BookTickerIntervalMs) * time.Millisecond
}

// FootprintConfig tunes the footprint aggregator. An empty Intervals
// list falls back to market.default_interval.
type FootprintConfig struct {
	Intervals       []string           `mapstructure:"intervals"`
	DefaultTickSize float64            `mapstructure:"default_tick_size"`
	TickSizes       map[string]float64 `mapstructure:"tick_sizes"`
	CompletedMax    int                `mapstructure:"completed_max"`
	SweepIntervalS  int                `mapstructure:"sweep_interval_s"`
}

// ParsedIntervals returns the aggregation intervals, substituting
// fallback when none are configured.
func (c FootprintConfig) ParsedIntervals(fallback market.Interval) ([]market.Interval, error) {
	if len(c.Intervals) == 0 {
		return []market.Interval{fallback}, nil
	}
	out := make([]market.Interval, 0, len(c.Intervals))
	for _, s := range c.Intervals {
		iv, err := market.ParseInterval(s)
		if err != nil {
			return nil, fmt.Errorf("footprint.intervals: %w", err)
		}
		out = append(out, iv)
	}
	return out, nil
}

// SweepInterval returns the auto-closer cadence.
func (c FootprintConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalS) * time.Second
}

// HubConfig sizes the dispatch hub's bounded handoff.
type HubConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// OrderFlowConfig opts the watchlist into order-flow streams at
// bootstrap.
type OrderFlowConfig struct {
	Trades          bool `mapstructure:"trades"`
	AggregateTrades bool `mapstructure:"aggregate_trades"`
	OrderBook       bool `mapstructure:"order_book"`
	BookTicker      bool `mapstructure:"book_ticker"`
	Depth           int  `mapstructure:"depth"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// VaultConfig locates exchange API credentials in Vault. With Enabled
// false the secrets client falls back to environment variables.
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	MountPath  string `mapstructure:"mount_path"`
	SecretPath string `mapstructure:"secret_path"`
}

// DefaultPath is the config file used when MARKETFLOW_CONFIG is unset.
const DefaultPath = "configs/config.yaml"

// Load reads the YAML file at path (a missing file falls back to
// defaults), applies MARKETFLOW_* environment overrides and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("MARKETFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("market.default_provider", "mock")
	v.SetDefault("market.default_interval", "1m")
	v.SetDefault("market.watchlist", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("market.warmup_candles", 500)

	v.SetDefault("mock.ticker_ms", 100)
	v.SetDefault("mock.order_book_ms", 1000)
	v.SetDefault("mock.default_volatility", 0.001)
	v.SetDefault("mock.scenario", "NORMAL")
	v.SetDefault("mock.symbols", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT"})

	v.SetDefault("binance.base_url", "https://api.binance.com")
	v.SetDefault("binance.ws_url", "wss://stream.binance.com:9443/stream")
	v.SetDefault("binance.request_timeout_s", 10)
	v.SetDefault("binance.rate_limit_rps", 10)
	v.SetDefault("binance.rate_limit_burst", 20)
	v.SetDefault("binance.handshake_timeout_s", 10)

	v.SetDefault("stores.candle_max", 1000)
	v.SetDefault("stores.trade_max", 1000000)
	v.SetDefault("stores.order_book_max", 1000)
	v.SetDefault("stores.book_ticker_max", 3600)
	v.SetDefault("stores.order_book_interval_s", 10)
	v.SetDefault("stores.book_ticker_interval_ms", 1000)

	v.SetDefault("footprint.default_tick_size", 0.01)
	v.SetDefault("footprint.completed_max", 500)
	v.SetDefault("footprint.sweep_interval_s", 10)

	v.SetDefault("hub.buffer_size", 4096)

	v.SetDefault("orderflow.trades", false)
	v.SetDefault("orderflow.aggregate_trades", false)
	v.SetDefault("orderflow.order_book", false)
	v.SetDefault("orderflow.book_ticker", false)
	v.SetDefault("orderflow.depth", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.json_format", false)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "marketflow/binance")
}

var validDepths = map[int]bool{5: true, 10: true, 20: true}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Market.DefaultProvider == "" {
		return fmt.Errorf("market.default_provider is required")
	}
	if _, err := market.ParseInterval(c.Market.DefaultInterval); err != nil {
		return fmt.Errorf("market.default_interval: %w", err)
	}
	if c.Market.WarmupCandles < 0 {
		return fmt.Errorf("market.warmup_candles must be >= 0")
	}
	if c.Mock.TickerMs <= 0 {
		return fmt.Errorf("mock.ticker_ms must be > 0")
	}
	if c.Mock.DefaultVolatility <= 0 {
		return fmt.Errorf("mock.default_volatility must be > 0")
	}
	if c.Stores.CandleMax <= 0 || c.Stores.TradeMax <= 0 ||
		c.Stores.OrderBookMax <= 0 || c.Stores.BookTickerMax <= 0 {
		return fmt.Errorf("store caps must be > 0")
	}
	if c.Stores.OrderBookIntervalS < 0 || c.Stores.BookTickerIntervalMs < 0 {
		return fmt.Errorf("store throttle intervals must be >= 0")
	}
	if c.Footprint.DefaultTickSize <= 0 {
		return fmt.Errorf("footprint.default_tick_size must be > 0")
	}
	for sym, ts := range c.Footprint.TickSizes {
		if ts <= 0 {
			return fmt.Errorf("footprint.tick_sizes[%s] must be > 0", sym)
		}
	}
	for _, s := range c.Footprint.Intervals {
		if _, err := market.ParseInterval(s); err != nil {
			return fmt.Errorf("footprint.intervals: %w", err)
		}
	}
	if c.Hub.BufferSize <= 0 {
		return fmt.Errorf("hub.buffer_size must be > 0")
	}
	if !validDepths[c.OrderFlow.Depth] {
		return fmt.Errorf("orderflow.depth must be one of 5, 10, 20")
	}
	return nil
}
