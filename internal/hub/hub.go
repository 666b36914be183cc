// Package hub routes provider events to the stores and to topic
// subscribers. Providers hand events over through a bounded channel so
// a slow consumer can never stall a read loop; a single dispatcher
// goroutine preserves per-provider emission order.
package hub

import (
	"sync"

	"github.com/rs/zerolog"

	"marketflow/internal/market"
	"marketflow/internal/metrics"
	"marketflow/internal/store"
)

// DefaultBufferSize is the default handoff-channel capacity.
const DefaultBufferSize = 4096

// Wildcard matches any value in a topic field.
const Wildcard = "*"

// Topic selects events by stream type, provider and symbol. Any field
// may be the Wildcard.
type Topic struct {
	Type     string
	Provider string
	Symbol   string
}

// AllEvents subscribes to everything.
var AllEvents = Topic{Type: Wildcard, Provider: Wildcard, Symbol: Wildcard}

// Handler consumes dispatched events. Handlers run on the dispatcher
// goroutine and must not block.
type Handler func(market.Event)

// Stores groups the per-stream stores the hub feeds.
type Stores struct {
	Candles *store.CandleStore
	Trades  *store.TradeStore
	Books   *store.OrderBookStore
	Tickers *store.BookTickerStore
}

// Hub is the dispatch hub.
type Hub struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	stores  Stores

	events chan market.Event

	mu     sync.RWMutex
	subs   map[Topic]map[int]Handler
	topics map[int]Topic
	nextID int

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New builds a hub. metrics may be nil.
func New(bufferSize int, stores Stores, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		logger:  logger.With().Str("component", "hub").Logger(),
		metrics: m,
		stores:  stores,
		events:  make(chan market.Event, bufferSize),
		subs:    make(map[Topic]map[int]Handler),
		topics:  make(map[int]Topic),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run starts the dispatcher goroutine.
func (h *Hub) Run() {
	go func() {
		defer close(h.done)
		for {
			select {
			case ev := <-h.events:
				h.dispatch(ev)
			case <-h.stopCh:
				// Drain what providers already handed over.
				for {
					select {
					case ev := <-h.events:
						h.dispatch(ev)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop halts the dispatcher after draining in-flight events.
// Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.done
}

// Sink returns the provider-facing event sink. The send never blocks;
// overflow drops the event and counts it.
func (h *Hub) Sink() market.DataHandler {
	return func(ev market.Event) {
		select {
		case h.events <- ev:
		default:
			if h.metrics != nil {
				h.metrics.EventsDropped.WithLabelValues(ev.Provider).Inc()
			}
			h.logger.Warn().
				Str("type", string(ev.Type)).
				Str("provider", ev.Provider).
				Str("symbol", ev.Symbol).
				Msg("hub buffer full, event dropped")
		}
	}
}

// Subscribe registers a handler for a topic and returns its id.
func (h *Hub) Subscribe(t Topic, fn Handler) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	handlers, ok := h.subs[t]
	if !ok {
		handlers = make(map[int]Handler)
		h.subs[t] = handlers
	}
	handlers[id] = fn
	h.topics[id] = t
	return id
}

// Unsubscribe removes a handler by id.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[id]
	if !ok {
		return
	}
	delete(h.topics, id)
	delete(h.subs[t], id)
	if len(h.subs[t]) == 0 {
		delete(h.subs, t)
	}
}

// SubscriberCount returns the number of registered handlers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// dispatch routes one event: store first, then every matching
// subscriber.
func (h *Hub) dispatch(ev market.Event) {
	h.route(ev)
	if h.metrics != nil {
		h.metrics.EventsIngested.WithLabelValues(ev.Provider, string(ev.Type)).Inc()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, typ := range [2]string{string(ev.Type), Wildcard} {
		for _, prov := range [2]string{ev.Provider, Wildcard} {
			for _, sym := range [2]string{ev.Symbol, Wildcard} {
				for _, fn := range h.subs[Topic{Type: typ, Provider: prov, Symbol: sym}] {
					fn(ev)
				}
			}
		}
	}
}

func (h *Hub) route(ev market.Event) {
	switch data := ev.Data.(type) {
	case *market.Candle:
		if h.stores.Candles != nil {
			h.stores.Candles.Add(*data)
			h.countInsert(ev, true)
		}
	case *market.Trade:
		if h.stores.Trades != nil {
			h.stores.Trades.Add(*data)
			h.countInsert(ev, true)
		}
	case *market.OrderBookSnapshot:
		if h.stores.Books != nil {
			h.countInsert(ev, h.stores.Books.Add(*data))
		}
	case *market.BookTickerSnapshot:
		if h.stores.Tickers != nil {
			h.countInsert(ev, h.stores.Tickers.Add(*data))
		}
	case *market.PriceTick:
		// Price ticks feed subscribers only; the provider already
		// folds them into its candles.
	default:
		h.logger.Warn().Str("type", string(ev.Type)).Msg("event with unknown payload")
	}
}

func (h *Hub) countInsert(ev market.Event, stored bool) {
	if h.metrics == nil {
		return
	}
	if stored {
		h.metrics.StoreInserts.WithLabelValues(string(ev.Type)).Inc()
	} else {
		h.metrics.StoreThrottled.WithLabelValues(string(ev.Type)).Inc()
	}
}
