package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"marketflow/internal/hub"
	"marketflow/internal/market"
)

// handleGetProviders lists registered provider names. Per-provider
// state lives under /status/:provider.
func (s *Server) handleGetProviders(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Names())
}

// handleGetIntervals lists the interval labels a provider supports.
func (s *Server) handleGetIntervals(c *gin.Context) {
	p, err := s.registry.Get(c.Param("provider"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}
	intervals := p.SupportedIntervals()
	labels := make([]string, len(intervals))
	for i, iv := range intervals {
		labels[i] = iv.String()
	}
	c.JSON(http.StatusOK, labels)
}

// handleGetProviderStatus reports connection state and live streams.
func (s *Server) handleGetProviderStatus(c *gin.Context) {
	name := c.Param("provider")
	state, err := s.registry.State(name)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	streams := s.registry.Streams(name)
	c.JSON(http.StatusOK, gin.H{
		"provider": name,
		"state":    string(state),
		"streams":  streams,
		"count":    len(streams),
	})
}

// handleConnectProvider connects a registered provider.
func (s *Server) handleConnectProvider(c *gin.Context) {
	name := c.Param("provider")
	if err := s.registry.Connect(c.Request.Context(), name); err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "provider": name})
}

// handleSubscribeTicker opens the last-price stream for a symbol.
func (s *Server) handleSubscribeTicker(c *gin.Context) {
	key := hub.StreamKey{
		Type:   market.StreamTicker,
		Symbol: c.Param("symbol"),
	}
	if err := s.registry.Subscribe(c.Param("provider"), key); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "symbol": key.Symbol})
}

// handleSubscribeKlines opens a kline stream for symbol+interval.
func (s *Server) handleSubscribeKlines(c *gin.Context) {
	interval, err := market.ParseInterval(c.Param("interval"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	key := hub.StreamKey{
		Type:     market.StreamKline,
		Symbol:   c.Param("symbol"),
		Interval: interval,
	}
	if err := s.registry.Subscribe(c.Param("provider"), key); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"symbol":   key.Symbol,
		"interval": string(interval),
	})
}

// handleUnsubscribeKlines closes a kline stream.
func (s *Server) handleUnsubscribeKlines(c *gin.Context) {
	interval, err := market.ParseInterval(c.Param("interval"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	key := hub.StreamKey{
		Type:     market.StreamKline,
		Symbol:   c.Param("symbol"),
		Interval: interval,
	}
	if err := s.registry.Unsubscribe(c.Param("provider"), key); err != nil {
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleGetHistoricalKlines serves stored candles; limit <= 0 (or
// absent) returns the full sequence.
func (s *Server) handleGetHistoricalKlines(c *gin.Context) {
	interval, err := market.ParseInterval(c.Param("interval"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			errorResponse(c, http.StatusBadRequest, err)
			return
		}
	}

	candles := s.stores.Candles.LastN(c.Param("provider"), c.Param("symbol"), interval, limit)
	c.JSON(http.StatusOK, toCandleDTOs(candles))
}
