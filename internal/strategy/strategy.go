// Package strategy defines the contract downstream strategies expose
// to the data pipeline. The pipeline only needs to know which symbols
// a strategy wants; evaluation logic lives with the consumers.
package strategy

// Strategy declares the symbols a consumer needs market data for.
type Strategy interface {
	Name() string
	Symbols() []string
}

// Watchlist is the simplest strategy: a fixed symbol list, typically
// straight from configuration.
type Watchlist struct {
	name    string
	symbols []string
}

// NewWatchlist builds a watchlist strategy.
func NewWatchlist(name string, symbols []string) *Watchlist {
	out := make([]string, len(symbols))
	copy(out, symbols)
	return &Watchlist{name: name, symbols: out}
}

// Name implements Strategy.
func (w *Watchlist) Name() string { return w.name }

// Symbols implements Strategy.
func (w *Watchlist) Symbols() []string {
	out := make([]string, len(w.symbols))
	copy(out, w.symbols)
	return out
}

// UnionSymbols returns the deduplicated union of every strategy's
// symbols, preserving first-seen order.
func UnionSymbols(strategies []Strategy) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, s := range strategies {
		for _, sym := range s.Symbols() {
			if seen[sym] {
				continue
			}
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}
