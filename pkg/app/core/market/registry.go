package market

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds every market the exchange trades, keyed by symbol.
type Registry struct {
	mu      sync.RWMutex
	quote   string
	markets map[string]*Market // symbol -> market
}

// NewRegistry creates an empty registry for markets quoted in quoteAsset.
func NewRegistry(quoteAsset string) *Registry {
	return &Registry{
		quote:   quoteAsset,
		markets: make(map[string]*Market),
	}
}

// QuoteAsset returns the exchange-wide base currency.
func (r *Registry) QuoteAsset() string { return r.quote }

// Add registers a market for baseAsset.
// Returns error if the market is already registered
func (r *Registry) Add(baseAsset string) (*Market, error) {
	m, err := New(baseAsset, r.quote)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.markets[m.Symbol]; exists {
		return nil, fmt.Errorf("market %s already registered", m.Symbol)
	}
	r.markets[m.Symbol] = m
	return m, nil
}

// Get returns a copy of the market, or ErrMarketNotFound.
func (r *Registry) Get(symbol string) (Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.markets[symbol]
	if !exists {
		return Market{}, fmt.Errorf("%s: %w", symbol, ErrMarketNotFound)
	}
	return *m, nil
}

// List returns all markets sorted by symbol.
func (r *Registry) List() []Market {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Halt stops trading on a market. Halted is terminal for the process.
func (r *Registry) Halt(symbol, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.markets[symbol]
	if !exists {
		return fmt.Errorf("%s: %w", symbol, ErrMarketNotFound)
	}
	if m.Status == Halted {
		return nil
	}
	m.Status = Halted
	m.HaltReason = reason
	return nil
}

// Exists checks if a market is registered
func (r *Registry) Exists(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.markets[symbol]
	return exists
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}
