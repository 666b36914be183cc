package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marketflow/internal/hub"
	"marketflow/internal/market"
)

// subscribeParams reads the provider/symbol query pair shared by the
// order-flow subscribe endpoints.
func (s *Server) subscribeParams(c *gin.Context) (provider, symbol string, ok bool) {
	symbol = c.Query("symbol")
	if symbol == "" {
		errorResponse(c, http.StatusBadRequest, fmt.Errorf("%w: symbol required", market.ErrInvalidArgument))
		return "", "", false
	}
	return s.queryProvider(c), symbol, true
}

// handleSubscribeStream opens one order-flow stream. Depth-less
// streams share this handler; the orderbook one parses depth first.
func (s *Server) handleSubscribeStream(st market.StreamType) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerName, symbol, ok := s.subscribeParams(c)
		if !ok {
			return
		}

		key := hub.StreamKey{Type: st, Symbol: symbol}
		if err := s.registry.Subscribe(providerName, key); err != nil {
			c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "symbol": symbol, "type": string(st)})
	}
}

// handleUnsubscribeStream closes one order-flow stream.
func (s *Server) handleUnsubscribeStream(st market.StreamType) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerName, symbol, ok := s.subscribeParams(c)
		if !ok {
			return
		}

		key := hub.StreamKey{Type: st, Symbol: symbol}
		if err := s.registry.Unsubscribe(providerName, key); err != nil {
			c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// handleSubscribeOrderBook opens a depth stream (default depth 20).
func (s *Server) handleSubscribeOrderBook(c *gin.Context) {
	providerName, symbol, ok := s.subscribeParams(c)
	if !ok {
		return
	}

	depth := 20
	if raw := c.Query("depth"); raw != "" {
		var err error
		if depth, err = strconv.Atoi(raw); err != nil {
			errorResponse(c, http.StatusBadRequest, fmt.Errorf("%w: depth: %v", market.ErrInvalidArgument, err))
			return
		}
	}

	key := hub.StreamKey{Type: market.StreamOrderBook, Symbol: symbol, Depth: depth}
	if err := s.registry.Subscribe(providerName, key); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "symbol": symbol, "depth": depth})
}

// subscribeAllRequest selects which order-flow streams to open for a
// symbol in one call.
type subscribeAllRequest struct {
	Provider        string `json:"provider"`
	Symbol          string `json:"symbol"`
	Trades          bool   `json:"trades"`
	AggregateTrades bool   `json:"aggregateTrades"`
	OrderBook       bool   `json:"orderBook"`
	BookTicker      bool   `json:"bookTicker"`
	Depth           int    `json:"depth"`
}

// handleSubscribeAll opens the selected order-flow streams, reporting
// per-stream results instead of failing the whole request.
func (s *Server) handleSubscribeAll(c *gin.Context) {
	var req subscribeAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}
	if req.Symbol == "" {
		errorResponse(c, http.StatusBadRequest, fmt.Errorf("%w: symbol required", market.ErrInvalidArgument))
		return
	}
	if req.Provider == "" {
		req.Provider = s.cfg.DefaultProvider
	}
	if req.Depth == 0 {
		req.Depth = 20
	}

	keys := make([]hub.StreamKey, 0, 4)
	if req.Trades {
		keys = append(keys, hub.StreamKey{Type: market.StreamTrade, Symbol: req.Symbol})
	}
	if req.AggregateTrades {
		keys = append(keys, hub.StreamKey{Type: market.StreamAggTrade, Symbol: req.Symbol})
	}
	if req.OrderBook {
		keys = append(keys, hub.StreamKey{Type: market.StreamOrderBook, Symbol: req.Symbol, Depth: req.Depth})
	}
	if req.BookTicker {
		keys = append(keys, hub.StreamKey{Type: market.StreamBookTicker, Symbol: req.Symbol})
	}

	results := make(map[string]string, len(keys))
	success := true
	for _, key := range keys {
		if err := s.registry.Subscribe(req.Provider, key); err != nil {
			results[string(key.Type)] = err.Error()
			success = false
			continue
		}
		results[string(key.Type)] = "subscribed"
	}
	c.JSON(http.StatusOK, gin.H{"success": success, "results": results})
}

// historyWindow resolves the ?count or ?startTime/?endTime selector.
// Returns count > 0 for the recent-N form, or a time range otherwise.
func historyWindow(c *gin.Context) (count int, from, to time.Time, err error) {
	if raw := c.Query("count"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil || count <= 0 {
			return 0, time.Time{}, time.Time{}, fmt.Errorf("%w: count", market.ErrInvalidArgument)
		}
		return count, time.Time{}, time.Time{}, nil
	}

	startRaw, endRaw := c.Query("startTime"), c.Query("endTime")
	if startRaw == "" && endRaw == "" {
		return 0, time.Time{}, time.Time{}, nil
	}
	if from, err = time.Parse(time.RFC3339, startRaw); err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("%w: startTime: %v", market.ErrInvalidArgument, err)
	}
	if to, err = time.Parse(time.RFC3339, endRaw); err != nil {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("%w: endTime: %v", market.ErrInvalidArgument, err)
	}
	if to.Before(from) {
		return 0, time.Time{}, time.Time{}, fmt.Errorf("%w: endTime before startTime", market.ErrInvalidArgument)
	}
	return 0, from, to, nil
}

func (s *Server) handleGetHistoricalTrades(c *gin.Context) {
	providerName, symbol := c.Param("provider"), c.Param("symbol")

	count, from, to, err := historyWindow(c)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	var trades []market.Trade
	switch {
	case count > 0:
		trades = s.stores.Trades.LastN(providerName, symbol, count)
	case !from.IsZero():
		trades = s.stores.Trades.Range(providerName, symbol, from, to)
	default:
		trades = s.stores.Trades.Get(providerName, symbol)
	}
	c.JSON(http.StatusOK, toTradeDTOs(trades))
}

func (s *Server) handleGetLatestTrade(c *gin.Context) {
	trade, ok := s.stores.Trades.Latest(c.Param("provider"), c.Param("symbol"))
	if !ok {
		errorResponse(c, http.StatusNotFound, market.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, toTradeDTO(trade))
}

func (s *Server) handleGetHistoricalOrderBooks(c *gin.Context) {
	providerName, symbol := c.Param("provider"), c.Param("symbol")

	count, from, to, err := historyWindow(c)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	var snaps []market.OrderBookSnapshot
	switch {
	case count > 0:
		snaps = s.stores.Books.LastN(providerName, symbol, count)
	case !from.IsZero():
		snaps = s.stores.Books.Range(providerName, symbol, from, to)
	default:
		snaps = s.stores.Books.Get(providerName, symbol)
	}
	c.JSON(http.StatusOK, toOrderBookDTOs(snaps))
}

func (s *Server) handleGetLatestOrderBook(c *gin.Context) {
	snap, ok := s.stores.Books.Latest(c.Param("provider"), c.Param("symbol"))
	if !ok {
		errorResponse(c, http.StatusNotFound, market.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, toOrderBookDTO(snap))
}

// handleGetOrderBookAt serves the snapshot nearest to the requested
// timestamp.
func (s *Server) handleGetOrderBookAt(c *gin.Context) {
	target, err := time.Parse(time.RFC3339, c.Param("timestamp"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, fmt.Errorf("%w: timestamp: %v", market.ErrInvalidArgument, err))
		return
	}

	snap, ok := s.stores.Books.At(c.Param("provider"), c.Param("symbol"), target)
	if !ok {
		errorResponse(c, http.StatusNotFound, market.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, toOrderBookDTO(snap))
}

func (s *Server) handleGetHistoricalBookTickers(c *gin.Context) {
	providerName, symbol := c.Param("provider"), c.Param("symbol")

	count, from, to, err := historyWindow(c)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	var snaps []market.BookTickerSnapshot
	switch {
	case count > 0:
		snaps = s.stores.Tickers.LastN(providerName, symbol, count)
	case !from.IsZero():
		snaps = s.stores.Tickers.Range(providerName, symbol, from, to)
	default:
		snaps = s.stores.Tickers.Get(providerName, symbol)
	}
	c.JSON(http.StatusOK, toBookTickerDTOs(snaps))
}

func (s *Server) handleGetLatestBookTicker(c *gin.Context) {
	snap, ok := s.stores.Tickers.Latest(c.Param("provider"), c.Param("symbol"))
	if !ok {
		errorResponse(c, http.StatusNotFound, market.ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, toBookTickerDTO(snap))
}

// handleGetSpreadAnomalies returns snapshots whose spread exceeds
// threshold x the lookback average.
func (s *Server) handleGetSpreadAnomalies(c *gin.Context) {
	lookback := 100
	if raw := c.Query("lookback"); raw != "" {
		var err error
		if lookback, err = strconv.Atoi(raw); err != nil || lookback <= 0 {
			errorResponse(c, http.StatusBadRequest, fmt.Errorf("%w: lookback", market.ErrInvalidArgument))
			return
		}
	}
	threshold := 2.0
	if raw := c.Query("threshold"); raw != "" {
		var err error
		if threshold, err = strconv.ParseFloat(raw, 64); err != nil || threshold <= 0 {
			errorResponse(c, http.StatusBadRequest, fmt.Errorf("%w: threshold", market.ErrInvalidArgument))
			return
		}
	}

	anomalies := s.stores.Tickers.DetectSpreadAnomalies(c.Param("provider"), c.Param("symbol"), lookback, threshold)
	c.JSON(http.StatusOK, gin.H{
		"count":     len(anomalies),
		"lookback":  lookback,
		"threshold": threshold,
		"anomalies": toBookTickerDTOs(anomalies),
	})
}

// handleOrderFlowStats reports per-key entry counts across the
// order-flow stores.
func (s *Server) handleOrderFlowStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"trades":      s.stores.Trades.Stats(),
		"orderBooks":  s.stores.Books.Stats(),
		"bookTickers": s.stores.Tickers.Stats(),
		"config": gin.H{
			"tradeMax":           s.stores.Trades.Max(),
			"orderBookMax":       s.stores.Books.Max(),
			"bookTickerMax":      s.stores.Tickers.Max(),
			"orderBookIntervalS": int(s.stores.Books.Window().Seconds()),
		},
	})
}

// handleSetOrderBookInterval adjusts the snapshot sampling window
// (seconds).
func (s *Server) handleSetOrderBookInterval(c *gin.Context) {
	value, err := strconv.Atoi(c.Query("value"))
	if err != nil || value <= 0 {
		errorResponse(c, http.StatusBadRequest, fmt.Errorf("%w: value", market.ErrInvalidArgument))
		return
	}

	s.stores.Books.SetWindow(time.Duration(value) * time.Second)
	c.JSON(http.StatusOK, gin.H{"success": true, "intervalS": value})
}

// handleSetOrderBookMax adjusts the per-key snapshot cap.
func (s *Server) handleSetOrderBookMax(c *gin.Context) {
	value, err := strconv.Atoi(c.Query("value"))
	if err != nil || value <= 0 {
		errorResponse(c, http.StatusBadRequest, fmt.Errorf("%w: value", market.ErrInvalidArgument))
		return
	}

	s.stores.Books.SetMax(value)
	c.JSON(http.StatusOK, gin.H{"success": true, "max": value})
}

// handleClearOrderFlow drops stored trades, order books and book
// tickers for the key.
func (s *Server) handleClearOrderFlow(c *gin.Context) {
	providerName, symbol := c.Param("provider"), c.Param("symbol")

	s.stores.Trades.Clear(providerName, symbol)
	s.stores.Books.Clear(providerName, symbol)
	s.stores.Tickers.Clear(providerName, symbol)
	c.JSON(http.StatusOK, gin.H{"success": true, "provider": providerName, "symbol": symbol})
}
