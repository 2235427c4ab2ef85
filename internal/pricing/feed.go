// Package pricing supplies mark prices to the margin manager. Feed is
// an in-process price table fed by whatever transport the deployment
// uses; the manager only sees the PriceSource interface.
package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable wraps a symbol with no known price.
type ErrPriceUnavailable struct {
	Symbol string
}

func (e *ErrPriceUnavailable) Error() string {
	return fmt.Sprintf("no price available for %s", e.Symbol)
}

type tick struct {
	price decimal.Decimal
	at    time.Time
}

// Feed is a concurrency-safe last-price table. A price older than
// maxAge (when set) is treated as unavailable.
type Feed struct {
	mu     sync.RWMutex
	ticks  map[string]tick
	maxAge time.Duration
	now    func() time.Time
}

// NewFeed returns an empty feed. maxAge of zero disables staleness
// checks.
func NewFeed(maxAge time.Duration) *Feed {
	return &Feed{
		ticks:  make(map[string]tick),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Set records the latest price for a symbol.
func (f *Feed) Set(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks[symbol] = tick{price: price, at: f.now()}
}

// GetCurrentPrice returns the last recorded price for a symbol.
func (f *Feed) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.ticks[symbol]
	if !ok {
		return decimal.Zero, &ErrPriceUnavailable{Symbol: symbol}
	}
	if f.maxAge > 0 && f.now().Sub(t.at) > f.maxAge {
		return decimal.Zero, &ErrPriceUnavailable{Symbol: symbol}
	}
	return t.price, nil
}
