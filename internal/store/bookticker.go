package store

import (
	"sort"
	"sync"
	"time"

	"marketflow/internal/market"
)

// imbalanceFilterCeiling excludes sentinel-like imbalances from
// averages (the empty-ask sentinel is 999).
const imbalanceFilterCeiling = 100.0

// BookTickerStore samples best bid/ask snapshots: at most one per key
// per sampling window (default 1s). Beyond storage it answers the
// read-side spread analytics (averages, anomaly detection).
type BookTickerStore struct {
	mu         sync.RWMutex
	max        int
	window     time.Duration
	tickers    map[string][]market.BookTickerSnapshot
	lastStored map[string]time.Time
}

// NewBookTickerStore builds a book-ticker store with the given per-key
// cap and sampling window (non-positive values fall back to defaults).
func NewBookTickerStore(max int, window time.Duration) *BookTickerStore {
	if max <= 0 {
		max = DefaultTickerMax
	}
	if window <= 0 {
		window = DefaultTickWindow
	}
	return &BookTickerStore{
		max:        max,
		window:     window,
		tickers:    make(map[string][]market.BookTickerSnapshot),
		lastStored: make(map[string]time.Time),
	}
}

// Add stores the snapshot unless one was stored for the key within the
// sampling window. Reports whether the snapshot was kept.
func (s *BookTickerStore) Add(snap market.BookTickerSnapshot) bool {
	key := snap.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.lastStored[key]; ok && snap.Time.Sub(last) < s.window {
		return false
	}

	seq := s.tickers[key]
	if n := len(seq); n == 0 || !snap.Time.Before(seq[n-1].Time) {
		seq = append(seq, snap)
	} else {
		idx := sort.Search(len(seq), func(i int) bool {
			return seq[i].Time.After(snap.Time)
		})
		seq = append(seq, market.BookTickerSnapshot{})
		copy(seq[idx+1:], seq[idx:])
		seq[idx] = snap
	}
	s.tickers[key] = trimTickers(seq, s.max)
	s.lastStored[key] = snap.Time
	return true
}

// AddBulk inserts a batch bypassing the throttle, skipping timestamps
// already stored. Returns the number inserted.
func (s *BookTickerStore) AddBulk(provider, symbol string, batch []market.BookTickerSnapshot) int {
	if len(batch) == 0 {
		return 0
	}
	key := market.Key(provider, symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.tickers[key]
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
	seq = trimTickers(seq, s.max)
	s.tickers[key] = seq
	if last := seq[len(seq)-1].Time; last.After(s.lastStored[key]) {
		s.lastStored[key] = last
	}
	return inserted
}

// Get returns a copy of the full sequence for the key.
func (s *BookTickerStore) Get(provider, symbol string) []market.BookTickerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTickers(s.tickers[market.Key(provider, symbol)])
}

// LastN returns the most recent n snapshots (all when n <= 0).
func (s *BookTickerStore) LastN(provider, symbol string, n int) []market.BookTickerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyTickers(s.lastNLocked(market.Key(provider, symbol), n))
}

// Range returns snapshots with from <= time <= to.
func (s *BookTickerStore) Range(provider, symbol string, from, to time.Time) []market.BookTickerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]market.BookTickerSnapshot, 0)
	for _, b := range s.tickers[market.Key(provider, symbol)] {
		if b.Time.Before(from) || b.Time.After(to) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Latest returns the most recent snapshot for the key.
func (s *BookTickerStore) Latest(provider, symbol string) (market.BookTickerSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.tickers[market.Key(provider, symbol)]
	if len(seq) == 0 {
		return market.BookTickerSnapshot{}, false
	}
	return seq[len(seq)-1], true
}

// AverageSpread returns the arithmetic mean spread over the last n
// snapshots. ok is false when nothing is stored.
func (s *BookTickerStore) AverageSpread(provider, symbol string, n int) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.lastNLocked(market.Key(provider, symbol), n)
	if len(seq) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, b := range seq {
		sum += b.Spread
	}
	return sum / float64(len(seq)), true
}

// AverageSpreadBps returns the mean spread in basis points over the
// last n snapshots.
func (s *BookTickerStore) AverageSpreadBps(provider, symbol string, n int) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.lastNLocked(market.Key(provider, symbol), n)
	if len(seq) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, b := range seq {
		sum += b.SpreadBps
	}
	return sum / float64(len(seq)), true
}

// AverageImbalance returns the mean imbalance over the last n
// snapshots, excluding sentinel-scale values (>= 100).
func (s *BookTickerStore) AverageImbalance(provider, symbol string, n int) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.lastNLocked(market.Key(provider, symbol), n)
	sum, count := 0.0, 0
	for _, b := range seq {
		if b.Imbalance >= imbalanceFilterCeiling {
			continue
		}
		sum += b.Imbalance
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// DetectSpreadAnomalies returns the snapshots among the last n whose
// spread exceeds threshold times the mean spread of that window.
func (s *BookTickerStore) DetectSpreadAnomalies(provider, symbol string, n int, threshold float64) []market.BookTickerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq := s.lastNLocked(market.Key(provider, symbol), n)
	if len(seq) == 0 {
		return nil
	}
	sum := 0.0
	for _, b := range seq {
		sum += b.Spread
	}
	mean := sum / float64(len(seq))
	if mean <= 0 {
		return nil
	}

	out := make([]market.BookTickerSnapshot, 0)
	for _, b := range seq {
		if b.Spread > threshold*mean {
			out = append(out, b)
		}
	}
	return out
}

// Count returns the number of stored snapshots for the key.
func (s *BookTickerStore) Count(provider, symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickers[market.Key(provider, symbol)])
}

// Clear drops the sequence and the throttle anchor for the key.
func (s *BookTickerStore) Clear(provider, symbol string) {
	key := market.Key(provider, symbol)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tickers, key)
	delete(s.lastStored, key)
}

// Stats returns per-key entry counts.
func (s *BookTickerStore) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int, len(s.tickers))
	for key, seq := range s.tickers {
		out[key] = len(seq)
	}
	return out
}

// Window returns the current sampling window.
func (s *BookTickerStore) Window() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.window
}

// Max returns the per-key bound.
func (s *BookTickerStore) Max() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.max
}

// lastNLocked returns a view of the trailing n snapshots; callers hold
// the lock and must copy before returning data out.
func (s *BookTickerStore) lastNLocked(key string, n int) []market.BookTickerSnapshot {
	seq := s.tickers[key]
	if n <= 0 || n >= len(seq) {
		return seq
	}
	return seq[len(seq)-n:]
}

func copyTickers(seq []market.BookTickerSnapshot) []market.BookTickerSnapshot {
	out := make([]market.BookTickerSnapshot, len(seq))
	copy(out, seq)
	return out
}

func trimTickers(seq []market.BookTickerSnapshot, max int) []market.BookTickerSnapshot {
	if len(seq) <= max {
		return seq
	}
	trimmed := make([]market.BookTickerSnapshot, max)
	copy(trimmed, seq[len(seq)-max:])
	return trimmed
}
