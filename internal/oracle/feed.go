package oracle

import (
	"context"
	"errors"
	"sync"

	"LoanLedger/internal/state"
)

// ErrPriceNotFound is returned when a feed has never seen the price id.
var ErrPriceNotFound = errors.New("price not found")

// PriceFeed resolves the latest quote for a price id.
type PriceFeed interface {
	Quote(ctx context.Context, priceID string) (state.PriceQuote, error)
}

// PriceStore accepts quotes from the price-update subscriber.
type PriceStore interface {
	Store(ctx context.Context, priceID string, q state.PriceQuote) error
}

// MemoryFeed holds quotes pushed by the price-update subscriber.
type MemoryFeed struct {
	mu     sync.RWMutex
	quotes map[string]state.PriceQuote
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{quotes: make(map[string]state.PriceQuote)}
}

func (f *MemoryFeed) Quote(_ context.Context, priceID string) (state.PriceQuote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[priceID]
	if !ok {
		return state.PriceQuote{}, ErrPriceNotFound
	}
	return q, nil
}

// Set stores q unless a newer quote is already held. Returns whether q was kept.
func (f *MemoryFeed) Set(priceID string, q state.PriceQuote) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.quotes[priceID]; ok && cur.AsOf.After(q.AsOf) {
		return false
	}
	f.quotes[priceID] = q
	return true
}

// Store is Set for the PriceStore interface. Out-of-order quotes are
// dropped silently.
func (f *MemoryFeed) Store(_ context.Context, priceID string, q state.PriceQuote) error {
	f.Set(priceID, q)
	return nil
}

// Chain asks each feed in order and returns the first quote found.
type Chain []PriceFeed

func (c Chain) Quote(ctx context.Context, priceID string) (state.PriceQuote, error) {
	for _, f := range c {
		q, err := f.Quote(ctx, priceID)
		if errors.Is(err, ErrPriceNotFound) {
			continue
		}
		return q, err
	}
	return state.PriceQuote{}, ErrPriceNotFound
}
