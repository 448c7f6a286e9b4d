// Package quote provides current prices for stock symbols.
//
// A Source is anything that can price a symbol: the seeded random-walk
// Simulator, an HTTP client for a Yahoo-style quote endpoint, a Fallback
// chain of both, or a Redis-backed CachedSource in front of any of them.
package quote

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable is returned when a source cannot supply a price.
	// It is transient: callers may retry.
	ErrUnavailable = errors.New("quote: price unavailable")
)

// Quote is a point-in-time price for one symbol.
type Quote struct {
	Symbol        string          `json:"symbol"`
	DisplayName   string          `json:"display_name"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Currency      string          `json:"currency"`
	Volume        int64           `json:"volume"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Source returns the current price of a symbol. Implementations return an
// error wrapping ErrUnavailable when they cannot price it.
type Source interface {
	GetPrice(ctx context.Context, symbol string) (Quote, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, symbol string) (Quote, error)

func (f SourceFunc) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	return f(ctx, symbol)
}
