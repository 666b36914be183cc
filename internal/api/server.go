// Package api exposes the REST and WebSocket surfaces over the stores,
// the provider registry and the footprint tracker.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"marketflow/internal/footprint"
	"marketflow/internal/hub"
	"marketflow/internal/market"
	"marketflow/internal/metrics"
	"marketflow/internal/store"
)

// ServerConfig holds the HTTP listener settings. DefaultProvider is
// assumed when a query omits the provider.
type ServerConfig struct {
	Host            string
	Port            int
	ProductionMode  bool
	AllowedOrigins  []string
	DefaultProvider string
	DisableMetrics  bool
}

// Stores bundles the read surfaces the handlers serve from.
type Stores struct {
	Candles *store.CandleStore
	Trades  *store.TradeStore
	Books   *store.OrderBookStore
	Tickers *store.BookTickerStore
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        ServerConfig
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	registry *hub.Registry
	stores   Stores
	tracker  *footprint.Tracker
	push     *PushHub

	started time.Time
}

// NewServer wires the router, middleware and all route groups. The
// push hub must already be running.
func NewServer(
	cfg ServerConfig,
	registry *hub.Registry,
	stores Stores,
	tracker *footprint.Tracker,
	push *PushHub,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		cfg:      cfg,
		logger:   logger.With().Str("component", "api").Logger(),
		metrics:  m,
		registry: registry,
		stores:   stores,
		tracker:  tracker,
		push:     push,
		started:  time.Now(),
	}

	router.Use(s.metricsMiddleware())
	s.setupRoutes()
	return s
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// metricsMiddleware records request durations per route and status.
func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.ObserveHTTP(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)
	if !s.cfg.DisableMetrics {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	s.router.GET("/ws", s.push.Handle)

	trading := s.router.Group("/api/trading")
	{
		trading.GET("/providers", s.handleGetProviders)
		trading.GET("/intervals/:provider", s.handleGetIntervals)
		trading.GET("/status/:provider", s.handleGetProviderStatus)
		trading.POST("/connect/:provider", s.handleConnectProvider)
		trading.POST("/subscribe/:provider/:symbol", s.handleSubscribeTicker)
		trading.POST("/subscribe/klines/:provider/:symbol/:interval", s.handleSubscribeKlines)
		trading.DELETE("/subscribe/klines/:provider/:symbol/:interval", s.handleUnsubscribeKlines)
		trading.GET("/historical/:provider/:symbol/:interval", s.handleGetHistoricalKlines)
	}

	fp := s.router.Group("/api/footprint")
	{
		fp.GET("/historical", s.handleGetFootprintHistorical)
		fp.GET("/current", s.handleGetFootprintCurrent)
		fp.POST("/tick-size", s.handleSetTickSize)
	}

	orderflow := s.router.Group("/api/orderflow")
	{
		sub := orderflow.Group("/subscribe")
		{
			sub.POST("/trades", s.handleSubscribeStream(market.StreamTrade))
			sub.DELETE("/trades", s.handleUnsubscribeStream(market.StreamTrade))
			sub.POST("/aggregate-trades", s.handleSubscribeStream(market.StreamAggTrade))
			sub.DELETE("/aggregate-trades", s.handleUnsubscribeStream(market.StreamAggTrade))
			sub.POST("/orderbook", s.handleSubscribeOrderBook)
			sub.DELETE("/orderbook", s.handleUnsubscribeStream(market.StreamOrderBook))
			sub.POST("/book-ticker", s.handleSubscribeStream(market.StreamBookTicker))
			sub.DELETE("/book-ticker", s.handleUnsubscribeStream(market.StreamBookTicker))
			sub.POST("/all", s.handleSubscribeAll)
		}

		hist := orderflow.Group("/historical")
		{
			hist.GET("/stats", s.handleOrderFlowStats)
			hist.GET("/trades/:provider/:symbol", s.handleGetHistoricalTrades)
			hist.GET("/trades/:provider/:symbol/latest", s.handleGetLatestTrade)
			hist.GET("/orderbook/:provider/:symbol", s.handleGetHistoricalOrderBooks)
			hist.GET("/orderbook/:provider/:symbol/latest", s.handleGetLatestOrderBook)
			hist.GET("/orderbook/:provider/:symbol/at/:timestamp", s.handleGetOrderBookAt)
			hist.GET("/bookticker/:provider/:symbol", s.handleGetHistoricalBookTickers)
			hist.GET("/bookticker/:provider/:symbol/latest", s.handleGetLatestBookTicker)
			hist.GET("/bookticker/:provider/:symbol/anomalies", s.handleGetSpreadAnomalies)
			hist.POST("/orderbook/config/interval", s.handleSetOrderBookInterval)
			hist.POST("/orderbook/config/max", s.handleSetOrderBookMax)
			hist.DELETE("/:provider/:symbol", s.handleClearOrderFlow)
		}
	}
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info().Msg("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports process uptime and per-provider connectivity.
func (s *Server) handleHealth(c *gin.Context) {
	providers := make(map[string]string)
	for _, name := range s.registry.Names() {
		state, err := s.registry.State(name)
		if err != nil {
			continue
		}
		providers[name] = string(state)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"providers": providers,
	})
}

func errorResponse(c *gin.Context, statusCode int, err error) {
	c.JSON(statusCode, gin.H{"error": err.Error()})
}
