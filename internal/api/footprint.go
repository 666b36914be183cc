package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marketflow/internal/market"
)

const defaultFootprintLimit = 100

// requireSymbol reads the symbol query parameter.
func requireSymbol(c *gin.Context) (string, bool) {
	symbol := c.Query("symbol")
	if symbol == "" {
		errorResponse(c, http.StatusBadRequest, fmt.Errorf("%w: symbol required", market.ErrInvalidArgument))
		return "", false
	}
	return symbol, true
}

// queryProvider reads the provider query parameter, falling back to
// the configured default.
func (s *Server) queryProvider(c *gin.Context) string {
	if p := c.Query("provider"); p != "" {
		return p
	}
	return s.cfg.DefaultProvider
}

// handleGetFootprintHistorical serves completed footprint candles.
func (s *Server) handleGetFootprintHistorical(c *gin.Context) {
	symbol, ok := requireSymbol(c)
	if !ok {
		return
	}
	interval, err := market.ParseInterval(c.Query("interval"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	limit := defaultFootprintLimit
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			errorResponse(c, http.StatusBadRequest, err)
			return
		}
	}

	candles := s.tracker.Historical(s.queryProvider(c), symbol, interval, limit)
	c.JSON(http.StatusOK, candles)
}

// handleGetFootprintCurrent serves the in-progress footprint candle.
func (s *Server) handleGetFootprintCurrent(c *gin.Context) {
	symbol, ok := requireSymbol(c)
	if !ok {
		return
	}
	interval, err := market.ParseInterval(c.Query("interval"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}

	candle, ok := s.tracker.Current(s.queryProvider(c), symbol, interval, time.Now())
	if !ok {
		errorResponse(c, http.StatusNotFound, fmt.Errorf("%w: no open footprint candle", market.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, candle)
}

// handleSetTickSize updates the price bucketing granularity for a
// symbol. In-progress buckets keep their old tick size until they
// close.
func (s *Server) handleSetTickSize(c *gin.Context) {
	symbol, ok := requireSymbol(c)
	if !ok {
		return
	}
	tickSize, err := strconv.ParseFloat(c.Query("tickSize"), 64)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, fmt.Errorf("%w: tickSize: %v", market.ErrInvalidArgument, err))
		return
	}

	if err := s.tracker.SetTickSize(symbol, tickSize); err != nil {
		errorResponse(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"symbol":   symbol,
		"tickSize": tickSize,
	})
}
