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

	"marketflow/config"
	"marketflow/internal/api"
	"marketflow/internal/footprint"
	"marketflow/internal/hub"
	"marketflow/internal/logging"
	"marketflow/internal/market"
	"marketflow/internal/metrics"
	"marketflow/internal/provider/binance"
	"marketflow/internal/provider/mock"
	"marketflow/internal/secrets"
	"marketflow/internal/store"
	"marketflow/internal/strategy"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = os.Getenv("MARKETFLOW_CONFIG")
	}
	if path == "" {
		path = config.DefaultPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	logger.Info().Str("config", path).Msg("marketflow starting")

	interval, err := market.ParseInterval(cfg.Market.DefaultInterval)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid default interval")
	}
	footprintIntervals, err := cfg.Footprint.ParsedIntervals(interval)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid footprint intervals")
	}

	m := metrics.New()

	stores := hub.Stores{
		Candles: store.NewCandleStore(cfg.Stores.CandleMax),
		Trades:  store.NewTradeStore(cfg.Stores.TradeMax),
		Books:   store.NewOrderBookStore(cfg.Stores.OrderBookMax, cfg.Stores.OrderBookInterval()),
		Tickers: store.NewBookTickerStore(cfg.Stores.BookTickerMax, cfg.Stores.BookTickerInterval()),
	}

	tracker := footprint.NewTracker(footprint.Config{
		Intervals:       footprintIntervals,
		DefaultTickSize: cfg.Footprint.DefaultTickSize,
		TickSizes:       cfg.Footprint.TickSizes,
		CompletedMax:    cfg.Footprint.CompletedMax,
		SweepEvery:      cfg.Footprint.SweepInterval(),
	}, logger)
	tracker.Start()

	dispatch := hub.New(cfg.Hub.BufferSize, stores, m, logger)
	dispatch.Run()

	// Every trade feeds the footprint aggregator.
	onTrade := func(ev market.Event) {
		if trade, ok := ev.Data.(*market.Trade); ok {
			tracker.OnTrade(*trade)
		}
	}
	for _, st := range []market.StreamType{market.StreamTrade, market.StreamAggTrade} {
		dispatch.Subscribe(hub.Topic{
			Type:     string(st),
			Provider: hub.Wildcard,
			Symbol:   hub.Wildcard,
		}, onTrade)
	}

	push := api.NewPushHub(m, logger)
	go push.Run()
	dispatch.Subscribe(hub.AllEvents, push.Broadcast)

	registry := hub.NewRegistry(dispatch, logger)

	scenario, err := mock.ParseScenario(cfg.Mock.Scenario)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid mock scenario")
	}
	registry.Register(mock.New(mock.Config{
		TickerInterval:    cfg.Mock.TickerInterval(),
		OrderBookInterval: cfg.Mock.OrderBookInterval(),
		DefaultVolatility: cfg.Mock.DefaultVolatility,
		Scenario:          scenario,
		Symbols:           cfg.Mock.Symbols,
		SeedPrices:        cfg.Mock.SeedPrices,
	}, logger))

	exchange := binance.New(cfg.Binance, nil, m, logger)
	wireCredentials(cfg, exchange, logger)
	registry.Register(exchange)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchlist := strategy.NewWatchlist("watchlist", cfg.Market.Watchlist)
	if err := registry.Bootstrap(rootCtx, []strategy.Strategy{watchlist}, hub.BootstrapConfig{
		Provider:      cfg.Market.DefaultProvider,
		Interval:      interval,
		WarmupCandles: cfg.Market.WarmupCandles,
		OrderFlow: hub.OrderFlowStreams{
			Trades:          cfg.OrderFlow.Trades,
			AggregateTrades: cfg.OrderFlow.AggregateTrades,
			OrderBook:       cfg.OrderFlow.OrderBook,
			BookTicker:      cfg.OrderFlow.BookTicker,
			Depth:           cfg.OrderFlow.Depth,
		},
	}, stores.Candles); err != nil {
		logger.Error().Err(err).Msg("bootstrap failed, starting with no subscriptions")
	}

	server := api.NewServer(api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ProductionMode:  cfg.Logging.JSONFormat,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		DefaultProvider: cfg.Market.DefaultProvider,
		DisableMetrics:  !cfg.Metrics.Enabled,
	}, registry, api.Stores(stores), tracker, push, m, logger)

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr()).Msg("http server listening")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-rootCtx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	for _, name := range registry.Names() {
		if err := registry.Disconnect(name); err != nil {
			logger.Warn().Err(err).Str("provider", name).Msg("disconnect failed")
		}
	}
	dispatch.Stop()
	push.Stop()
	tracker.Stop()
	logger.Info().Msg("marketflow stopped")
}

// wireCredentials loads exchange API credentials from Vault (or the
// environment) and attaches them to the Binance provider. Missing
// credentials are fine: public market data needs none.
func wireCredentials(cfg *config.Config, exchange *binance.Provider, logger zerolog.Logger) {
	secretStore, err := secrets.NewStore(secrets.Config{
		Enabled:    cfg.Vault.Enabled,
		Address:    cfg.Vault.Address,
		Token:      cfg.Vault.Token,
		MountPath:  cfg.Vault.MountPath,
		SecretPath: cfg.Vault.SecretPath,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("secrets store unavailable, continuing unauthenticated")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	creds, err := secretStore.ExchangeCredentials(ctx, binance.ProviderName)
	if err != nil {
		logger.Debug().Err(err).Msg("no exchange credentials, continuing unauthenticated")
		return
	}
	exchange.SetCredentials(creds.APIKey)
}
