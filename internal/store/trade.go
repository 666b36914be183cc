package store

import (
	"sort"
	"sync"
	"time"

	"marketflow/internal/market"
)

// TradeStore is an append-only per-(provider, symbol) trade history,
// ordered by timestamp and bounded per key. Trades are first-class
// observations: no throttling, every Add is kept. Bulk inserts dedup
// on the (timestamp, price, quantity) signature.
type TradeStore struct {
	mu     sync.RWMutex
	max    int
	trades map[string][]market.Trade
}

// NewTradeStore builds a trade store with the given per-key cap
// (values <= 0 fall back to DefaultTradeMax).
func NewTradeStore(max int) *TradeStore {
	if max <= 0 {
		max = DefaultTradeMax
	}
	return &TradeStore{
		max:    max,
		trades: make(map[string][]market.Trade),
	}
}

// Add appends one trade, keeping timestamp order and the bound.
// Equal timestamps keep arrival order.
func (s *TradeStore) Add(t market.Trade) {
	key := t.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.trades[key]
	if n := len(seq); n == 0 || !t.Time.Before(seq[n-1].Time) {
		s.trades[key] = trimTrades(append(seq, t), s.max)
		return
	}

	idx := sort.Search(len(seq), func(i int) bool {
		return seq[i].Time.After(t.Time)
	})
	seq = append(seq, market.Trade{})
	copy(seq[idx+1:], seq[idx:])
	seq[idx] = t
	s.trades[key] = trimTrades(seq, s.max)
}

// AddBulk inserts a batch, skipping trades whose signature is already
// stored (and duplicates inside the batch itself). Returns the number
// inserted.
func (s *TradeStore) AddBulk(provider, symbol string, batch []market.Trade) int {
	if len(batch) == 0 {
		return 0
	}
	key := market.Key(provider, symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.trades[key]
	seen := make(map[string]bool, len(seq)+len(batch))
	for _, t := range seq {
		seen[t.Signature()] = true
	}

	inserted := 0
	for _, t := range batch {
		sig := t.Signature()
		if seen[sig] {
			continue
		}
		seen[sig] = true
		seq = append(seq, t)
		inserted++
	}
	if inserted == 0 {
		return 0
	}

	sort.SliceStable(seq, func(i, j int) bool {
		return seq[i].Time.Before(seq[j].Time)
	})
	s.trades[key] = trimTrades(seq, s.max)
	return inserted
}

// Get returns a copy of the full sequence for the key.
func (s *TradeStore) Get(provider, symbol string) []market.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTrades(s.trades[market.Key(provider, symbol)])
}

// LastN returns the most recent n trades (all when n <= 0).
func (s *TradeStore) LastN(provider, symbol string, n int) []market.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.trades[market.Key(provider, symbol)]
	if n <= 0 || n >= len(seq) {
		return copyTrades(seq)
	}
	return copyTrades(seq[len(seq)-n:])
}

// Range returns trades with from <= time <= to.
func (s *TradeStore) Range(provider, symbol string, from, to time.Time) []market.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]market.Trade, 0)
	for _, t := range s.trades[market.Key(provider, symbol)] {
		if t.Time.Before(from) || t.Time.After(to) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Latest returns the most recent trade for the key.
func (s *TradeStore) Latest(provider, symbol string) (market.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.trades[market.Key(provider, symbol)]
	if len(seq) == 0 {
		return market.Trade{}, false
	}
	return seq[len(seq)-1], true
}

// Count returns the number of stored trades for the key.
func (s *TradeStore) Count(provider, symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trades[market.Key(provider, symbol)])
}

// Clear drops the sequence for (provider, symbol).
func (s *TradeStore) Clear(provider, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trades, market.Key(provider, symbol))
}

// Stats returns per-key entry counts.
func (s *TradeStore) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.trades))
	for key, seq := range s.trades {
		out[key] = len(seq)
	}
	return out
}

// Max returns the per-key bound.
func (s *TradeStore) Max() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.max
}

func copyTrades(seq []market.Trade) []market.Trade {
	out := make([]market.Trade, len(seq))
	copy(out, seq)
	return out
}

func trimTrades(seq []market.Trade, max int) []market.Trade {
	if len(seq) <= max {
		return seq
	}
	trimmed := make([]market.Trade, max)
	copy(trimmed, seq[len(seq)-max:])
	return trimmed
}
