package quote

import (
	"context"
	"errors"
	"log/slog"
)

// Fallback asks Primary first and Secondary when Primary fails.
type Fallback struct {
	Primary   Source
	Secondary Source
}

func (f *Fallback) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	q, err := f.Primary.GetPrice(ctx, symbol)
	if err == nil {
		return q, nil
	}
	if ctx.Err() != nil {
		return Quote{}, err
	}
	slog.Debug("primary quote source failed, using fallback", "symbol", symbol, "err", err)

	q, err2 := f.Secondary.GetPrice(ctx, symbol)
	if err2 != nil {
		return Quote{}, errors.Join(err, err2)
	}
	return q, nil
}
