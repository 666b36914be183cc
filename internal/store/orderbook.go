package store

import (
	"sort"
	"sync"
	"time"

	"marketflow/internal/market"
)

// OrderBookStore samples full-depth snapshots: at most one snapshot
// per key per sampling window (default 10s), measured on snapshot
// timestamps. Declined snapshots are silently dropped (Add returns
// false).
type OrderBookStore struct {
	mu         sync.RWMutex
	max        int
	window     time.Duration
	books      map[string][]market.OrderBookSnapshot
	lastStored map[string]time.Time
}

// NewOrderBookStore builds an order-book store with the given per-key
// cap and sampling window (non-positive values fall back to defaults).
func NewOrderBookStore(max int, window time.Duration) *OrderBookStore {
	if max <= 0 {
		max = DefaultBookMax
	}
	if window <= 0 {
		window = DefaultBookWindow
	}
	return &OrderBookStore{
		max:        max,
		window:     window,
		books:      make(map[string][]market.OrderBookSnapshot),
		lastStored: make(map[string]time.Time),
	}
}

// Add stores the snapshot unless one was stored for the key within the
// sampling window. Reports whether the snapshot was kept.
func (s *OrderBookStore) Add(snap market.OrderBookSnapshot) bool {
	key := snap.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastStored[key]; ok && snap.Time.Sub(last) < s.window {
		return false
	}

	seq := s.books[key]
	if n := len(seq); n == 0 || !snap.Time.Before(seq[n-1].Time) {
		seq = append(seq, snap)
	} else {
		idx := sort.Search(len(seq), func(i int) bool {
			return seq[i].Time.After(snap.Time)
		})
		seq = append(seq, market.OrderBookSnapshot{})
		copy(seq[idx+1:], seq[idx:])
		seq[idx] = snap
	}
	s.books[key] = trimBooks(seq, s.max)
	s.lastStored[key] = snap.Time
	return true
}

// AddBulk inserts a batch bypassing the throttle (backfills), skipping
// timestamps already stored. Returns the number inserted.
func (s *OrderBookStore) AddBulk(provider, symbol string, batch []market.OrderBookSnapshot) int {
	if len(batch) == 0 {
		return 0
	}
	key := market.Key(provider, symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.books[key]
	seen := make(map[int64]bool, len(seq)+len(batch))
	for _, b := range seq {
		seen[b.Time.UnixMilli()] = true
	}

	inserted := 0
	for _, b := range batch {
		ts := b.Time.UnixMilli()
		if seen[ts] {
			continue
		}
		seen[ts] = true
		seq = append(seq, b)
		inserted++
	}
	if inserted == 0 {
		return 0
	}

	sort.Slice(seq, func(i, j int) bool {
		return seq[i].Time.Before(seq[j].Time)
	})
	seq = trimBooks(seq, s.max)
	s.books[key] = seq
	if last := seq[len(seq)-1].Time; last.After(s.lastStored[key]) {
		s.lastStored[key] = last
	}
	return inserted
}

// Get returns a copy of the full sequence for the key.
func (s *OrderBookStore) Get(provider, symbol string) []market.OrderBookSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyBooks(s.books[market.Key(provider, symbol)])
}

// LastN returns the most recent n snapshots (all when n <= 0).
func (s *OrderBookStore) LastN(provider, symbol string, n int) []market.OrderBookSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.books[market.Key(provider, symbol)]
	if n <= 0 || n >= len(seq) {
		return copyBooks(seq)
	}
	return copyBooks(seq[len(seq)-n:])
}

// Range returns snapshots with from <= time <= to.
func (s *OrderBookStore) Range(provider, symbol string, from, to time.Time) []market.OrderBookSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]market.OrderBookSnapshot, 0)
	for _, b := range s.books[market.Key(provider, symbol)] {
		if b.Time.Before(from) || b.Time.After(to) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// At returns the latest snapshot with timestamp <= target.
func (s *OrderBookStore) At(provider, symbol string, target time.Time) (market.OrderBookSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.books[market.Key(provider, symbol)]
	idx := sort.Search(len(seq), func(i int) bool {
		return seq[i].Time.After(target)
	})
	if idx == 0 {
		return market.OrderBookSnapshot{}, false
	}
	return seq[idx-1], true
}

// Latest returns the most recent snapshot for the key.
func (s *OrderBookStore) Latest(provider, symbol string) (market.OrderBookSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.books[market.Key(provider, symbol)]
	if len(seq) == 0 {
		return market.OrderBookSnapshot{}, false
	}
	return seq[len(seq)-1], true
}

// Count returns the number of stored snapshots for the key.
func (s *OrderBookStore) Count(provider, symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books[market.Key(provider, symbol)])
}

// Clear drops the sequence and the throttle anchor for the key.
func (s *OrderBookStore) Clear(provider, symbol string) {
	key := market.Key(provider, symbol)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, key)
	delete(s.lastStored, key)
}

// Stats returns per-key entry counts.
func (s *OrderBookStore) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.books))
	for key, seq := range s.books {
		out[key] = len(seq)
	}
	return out
}

// Window returns the current sampling window.
func (s *OrderBookStore) Window() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window
}

// SetWindow changes the sampling window at runtime.
func (s *OrderBookStore) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = window
}

// Max returns the per-key bound.
func (s *OrderBookStore) Max() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.max
}

// SetMax changes the per-key bound at runtime, trimming stored
// sequences to fit.
func (s *OrderBookStore) SetMax(max int) {
	if max <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = max
	for key, seq := range s.books {
		s.books[key] = trimBooks(seq, max)
	}
}

func copyBooks(seq []market.OrderBookSnapshot) []market.OrderBookSnapshot {
	out := make([]market.OrderBookSnapshot, len(seq))
	copy(out, seq)
	return out
}

func trimBooks(seq []market.OrderBookSnapshot, max int) []market.OrderBookSnapshot {
	if len(seq) <= max {
		return seq
	}
	trimmed := make([]market.OrderBookSnapshot, max)
	copy(trimmed, seq[len(seq)-max:])
	return trimmed
}
