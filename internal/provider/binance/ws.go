package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marketflow/internal/market"
	"marketflow/internal/metrics"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second

	pingPeriod   = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// wsConn owns one combined-stream connection. It reconnects with
// jittered exponential backoff and replays the subscription set after
// every reconnect. Control frames are serialized through writeMu
// because the pinger and subscribe calls share the socket.
type wsConn struct {
	url       string
	handshake time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	provider  string

	onMessage func(combinedMessage)

	mu      sync.Mutex
	conn    *websocket.Conn
	streams map[string]bool
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu sync.Mutex
	nextID  atomic.Int64
}

func newWSConn(url string, handshake time.Duration, providerName string, m *metrics.Metrics, logger zerolog.Logger, onMessage func(combinedMessage)) *wsConn {
	return &wsConn{
		url:       url,
		handshake: handshake,
		logger:    logger,
		metrics:   m,
		provider:  providerName,
		onMessage: onMessage,
		streams:   make(map[string]bool),
	}
}

// start dials the endpoint and launches the read loop. The first dial
// is synchronous so Connect can report immediate failures.
func (w *wsConn) start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}

	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	w.conn = conn
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(runCtx, conn)
	return nil
}

func (w *wsConn) stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	if w.conn != nil {
		// Unblocks the read loop; cancellation alone cannot.
		w.conn.Close()
	}
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (w *wsConn) active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

func (w *wsConn) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: w.handshake}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", market.ErrTransportFailure, w.url, err)
	}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return conn, nil
}

// run pumps messages until the context is cancelled, reconnecting on
// read errors.
func (w *wsConn) run(ctx context.Context, conn *websocket.Conn) {
	defer close(w.done)
	defer func() {
		w.mu.Lock()
		if w.conn != nil {
			w.conn.Close()
			w.conn = nil
		}
		w.mu.Unlock()
	}()

	for {
		w.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		var err error
		if conn, err = w.reconnect(ctx); err != nil {
			return
		}
	}
}

func (w *wsConn) readLoop(ctx context.Context, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go w.pinger(ctx, conn, stop)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg combinedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.logger.Warn().Err(err).Msg("malformed stream message")
			continue
		}
		if msg.Stream == "" {
			// Subscribe acknowledgements and errors arrive outside
			// the combined envelope.
			continue
		}
		w.onMessage(msg)
	}
}

func (w *wsConn) pinger(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			w.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// countReconnect records one reconnect attempt. metrics may be nil.
func (w *wsConn) countReconnect() {
	if w.metrics != nil {
		w.metrics.ProviderReconnects.WithLabelValues(w.provider).Inc()
	}
}

// reconnect dials until it succeeds or the context ends, then replays
// every tracked stream.
func (w *wsConn) reconnect(ctx context.Context) (*websocket.Conn, error) {
	backoff := reconnectBase
	for {
		w.countReconnect()
		conn, err := w.dial(ctx)
		if err == nil {
			w.mu.Lock()
			w.conn = conn
			streams := make([]string, 0, len(w.streams))
			for s := range w.streams {
				streams = append(streams, s)
			}
			w.mu.Unlock()

			if len(streams) > 0 {
				if err := w.send(conn, "SUBSCRIBE", streams); err != nil {
					w.logger.Warn().Err(err).Msg("resubscribe failed")
					conn.Close()
					continue
				}
			}
			w.logger.Info().Int("streams", len(streams)).Msg("websocket reconnected")
			return conn, nil
		}

		w.logger.Warn().Err(err).Dur("backoff", backoff).Msg("websocket reconnect failed")
		jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff *= 2; backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// subscribe adds streams to the tracked set and sends the SUBSCRIBE
// frame on the live socket.
func (w *wsConn) subscribe(streams ...string) error {
	w.mu.Lock()
	pending := streams[:0:0]
	for _, s := range streams {
		if !w.streams[s] {
			w.streams[s] = true
			pending = append(pending, s)
		}
	}
	conn := w.conn
	w.mu.Unlock()

	if len(pending) == 0 || conn == nil {
		return nil
	}
	return w.send(conn, "SUBSCRIBE", pending)
}

func (w *wsConn) unsubscribe(streams ...string) error {
	w.mu.Lock()
	pending := streams[:0:0]
	for _, s := range streams {
		if w.streams[s] {
			delete(w.streams, s)
			pending = append(pending, s)
		}
	}
	conn := w.conn
	w.mu.Unlock()

	if len(pending) == 0 || conn == nil {
		return nil
	}
	return w.send(conn, "UNSUBSCRIBE", pending)
}

func (w *wsConn) subscribed(stream string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.streams[stream]
}

func (w *wsConn) send(conn *websocket.Conn, method string, streams []string) error {
	frame := subscribeFrame{
		Method: method,
		Params: streams,
		ID:     w.nextID.Add(1),
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %s: %v", market.ErrTransportFailure, method, err)
	}
	return nil
}
