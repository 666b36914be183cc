package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marketflow/internal/market"
	"marketflow/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// pushRequest is the client-to-server protocol.
type pushRequest struct {
	Action string   `json:"action"` // subscribe | unsubscribe | getStats
	Symbol string   `json:"symbol"`
	Types  []string `json:"types"`
}

// pushFrame is the server-to-client event frame. Data carries the
// same DTO the REST surface serves for that stream type.
type pushFrame struct {
	Type     string `json:"type"`
	Provider string `json:"provider"`
	Symbol   string `json:"symbol"`
	Data     any    `json:"data"`
}

// envelope is a pre-marshalled frame plus the routing fields the
// per-client filters match on.
type envelope struct {
	streamType market.StreamType
	symbol     string
	payload    []byte
}

// PushClient is one connected WebSocket consumer. Clients receive
// nothing until they subscribe.
type PushClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *PushHub

	mu   sync.Mutex
	subs map[string]map[market.StreamType]bool // symbol -> wanted types; empty set = all
}

// wants reports whether the client subscribed to this (type, symbol).
func (c *PushClient) wants(st market.StreamType, symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	types, ok := c.subs[symbol]
	if !ok {
		return false
	}
	return len(types) == 0 || types[st]
}

func (c *PushClient) subscribe(symbol string, types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.subs[symbol]
	if set == nil {
		set = make(map[market.StreamType]bool)
		c.subs[symbol] = set
	}
	for _, t := range types {
		set[market.StreamType(t)] = true
	}
}

func (c *PushClient) unsubscribe(symbol string, types []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(types) == 0 {
		delete(c.subs, symbol)
		return
	}
	if set, ok := c.subs[symbol]; ok {
		for _, t := range types {
			delete(set, market.StreamType(t))
		}
		if len(set) == 0 {
			delete(c.subs, symbol)
		}
	}
}

func (c *PushClient) subscriptions() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]string, len(c.subs))
	for symbol, types := range c.subs {
		names := make([]string, 0, len(types))
		for t := range types {
			names = append(names, string(t))
		}
		out[symbol] = names
	}
	return out
}

// PushHub fans market events out to WebSocket clients through their
// per-client filters. Slow clients lose frames, never stall the hub.
type PushHub struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics

	count      atomic.Int64
	clients    map[*PushClient]bool
	broadcast  chan envelope
	register   chan *PushClient
	unregister chan *PushClient
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewPushHub builds the push hub. Call Run in a goroutine, then feed
// it via Broadcast (typically subscribed to the dispatch hub).
func NewPushHub(m *metrics.Metrics, logger zerolog.Logger) *PushHub {
	return &PushHub{
		logger:     logger.With().Str("component", "push_hub").Logger(),
		metrics:    m,
		clients:    make(map[*PushClient]bool),
		broadcast:  make(chan envelope, 4096),
		register:   make(chan *PushClient),
		unregister: make(chan *PushClient),
		stop:       make(chan struct{}),
	}
}

// Run owns the client set. Single goroutine, no shared-map locking.
func (h *PushHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			h.metrics.PushClients.Set(float64(len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.count.Store(int64(len(h.clients)))
				h.metrics.PushClients.Set(float64(len(h.clients)))
			}

		case env := <-h.broadcast:
			for client := range h.clients {
				if !client.wants(env.streamType, env.symbol) {
					continue
				}
				select {
				case client.send <- env.payload:
				default:
					h.metrics.PushDropped.Inc()
				}
			}

		case <-h.stop:
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.count.Store(0)
			h.metrics.PushClients.Set(0)
			return
		}
	}
}

// Stop shuts the hub down and closes every client send channel.
func (h *PushHub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast converts one market event into a push frame. Safe to call
// from the dispatch hub's goroutine; a full broadcast buffer drops
// the frame.
func (h *PushHub) Broadcast(ev market.Event) {
	data := frameData(ev)
	if data == nil {
		return
	}

	payload, err := json.Marshal(pushFrame{
		Type:     string(ev.Type),
		Provider: ev.Provider,
		Symbol:   ev.Symbol,
		Data:     data,
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("marshal push frame")
		return
	}

	select {
	case h.broadcast <- envelope{streamType: ev.Type, symbol: ev.Symbol, payload: payload}:
	default:
		h.metrics.PushDropped.Inc()
	}
}

// frameData maps event payloads onto the REST DTOs.
func frameData(ev market.Event) any {
	switch data := ev.Data.(type) {
	case *market.Candle:
		return toCandleDTO(*data)
	case *market.Trade:
		return toTradeDTO(*data)
	case *market.OrderBookSnapshot:
		return toOrderBookDTO(*data)
	case *market.BookTickerSnapshot:
		return toBookTickerDTO(*data)
	case *market.PriceTick:
		return gin.H{
			"symbol":   data.Symbol,
			"provider": data.Provider,
			"time":     data.Time.UTC().Format(time.RFC3339Nano),
			"timeMs":   data.Time.UnixMilli(),
			"price":    data.Price.InexactFloat64(),
		}
	}
	return nil
}

// Handle upgrades the request and runs the client pumps.
func (h *PushHub) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &PushClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		subs: make(map[string]map[market.StreamType]bool),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()

	welcome, _ := json.Marshal(gin.H{
		"type":     "CONNECTED",
		"clientId": client.id,
	})
	select {
	case client.send <- welcome:
	default:
	}
}

// writePump pushes frames and keepalive pings to the socket.
func (c *PushClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump processes client protocol messages until the socket dies.
func (c *PushClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var req pushRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.reply(gin.H{"type": "ERROR", "error": "malformed request"})
			continue
		}
		c.handleRequest(req)
	}
}

func (c *PushClient) handleRequest(req pushRequest) {
	switch req.Action {
	case "subscribe":
		if req.Symbol == "" {
			c.reply(gin.H{"type": "ERROR", "error": "symbol required"})
			return
		}
		c.subscribe(req.Symbol, req.Types)
		c.reply(gin.H{"type": "SUBSCRIBED", "symbol": req.Symbol, "types": req.Types})

	case "unsubscribe":
		if req.Symbol == "" {
			c.reply(gin.H{"type": "ERROR", "error": "symbol required"})
			return
		}
		c.unsubscribe(req.Symbol, req.Types)
		c.reply(gin.H{"type": "UNSUBSCRIBED", "symbol": req.Symbol})

	case "getStats":
		c.reply(gin.H{
			"type":          "STATS",
			"clientId":      c.id,
			"clients":       c.hub.count.Load(),
			"subscriptions": c.subscriptions(),
		})

	default:
		c.reply(gin.H{"type": "ERROR", "error": "unknown action: " + req.Action})
	}
}

// reply queues a control frame, dropping it if the client is slow.
func (c *PushClient) reply(msg gin.H) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.hub.metrics.PushDropped.Inc()
	}
}
