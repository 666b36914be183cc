package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/market"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.Market.DefaultProvider)
	assert.Equal(t, "1m", cfg.Market.DefaultInterval)
	assert.Equal(t, 1000, cfg.Stores.CandleMax)
	assert.Equal(t, 1000000, cfg.Stores.TradeMax)
	assert.Equal(t, 3600, cfg.Stores.BookTickerMax)
	assert.Equal(t, 10*time.Second, cfg.Stores.OrderBookInterval())
	assert.Equal(t, time.Second, cfg.Stores.BookTickerInterval())
	assert.Equal(t, 100*time.Millisecond, cfg.Mock.TickerInterval())
	assert.Equal(t, 0.01, cfg.Footprint.DefaultTickSize)
	assert.Equal(t, 10, cfg.OrderFlow.Depth)
	assert.False(t, cfg.Vault.Enabled)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
market:
  default_provider: binance
  default_interval: 5m
  watchlist: [SOLUSDT]
stores:
  candle_max: 250
footprint:
  tick_sizes:
    SOLUSDT: 0.001
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "binance", cfg.Market.DefaultProvider)
	assert.Equal(t, "5m", cfg.Market.DefaultInterval)
	assert.Equal(t, []string{"SOLUSDT"}, cfg.Market.Watchlist)
	assert.Equal(t, 250, cfg.Stores.CandleMax)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1000000, cfg.Stores.TradeMax)
	assert.Equal(t, 0.001, cfg.Footprint.TickSizes["SOLUSDT"])
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MARKETFLOW_SERVER_PORT", "9321")
	t.Setenv("MARKETFLOW_MARKET_DEFAULT_INTERVAL", "15m")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 9321, cfg.Server.Port)
	assert.Equal(t, "15m", cfg.Market.DefaultInterval)
}

func TestFootprintIntervals(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
footprint:
  intervals: [1m, 5m]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	parsed, err := cfg.Footprint.ParsedIntervals(market.Interval1h)
	require.NoError(t, err)
	assert.Equal(t, []market.Interval{market.Interval1m, market.Interval5m}, parsed)

	// Unset: the aggregator follows the default market interval.
	cfg, err = Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	parsed, err = cfg.Footprint.ParsedIntervals(market.Interval1h)
	require.NoError(t, err)
	assert.Equal(t, []market.Interval{market.Interval1h}, parsed)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad interval", func(c *Config) { c.Market.DefaultInterval = "2y" }},
		{"no provider", func(c *Config) { c.Market.DefaultProvider = "" }},
		{"zero candle cap", func(c *Config) { c.Stores.CandleMax = 0 }},
		{"zero ticker cadence", func(c *Config) { c.Mock.TickerMs = 0 }},
		{"bad depth", func(c *Config) { c.OrderFlow.Depth = 7 }},
		{"bad tick size", func(c *Config) { c.Footprint.TickSizes = map[string]float64{"X": -1} }},
		{"bad footprint interval", func(c *Config) { c.Footprint.Intervals = []string{"1m", "2y"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
