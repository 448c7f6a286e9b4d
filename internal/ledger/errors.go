package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("ledger: invalid request")
	ErrInsufficientFunds  = errors.New("ledger: insufficient funds")
	ErrInsufficientShares = errors.New("ledger: insufficient shares")
	ErrHoldingNotFound    = errors.New("ledger: holding not found")
	ErrUserNotFound       = errors.New("ledger: user not found")

	// ErrQuoteUnavailable is transient; the whole operation may be retried.
	ErrQuoteUnavailable = errors.New("ledger: quote unavailable")

	// ErrPersistence covers lock timeouts and failed commits. Nothing was
	// applied; the operation may be retried.
	ErrPersistence = errors.New("ledger: persistence failure")
)

var classified = []error{
	ErrValidation,
	ErrInsufficientFunds,
	ErrInsufficientShares,
	ErrHoldingNotFound,
	ErrUserNotFound,
	ErrQuoteUnavailable,
	ErrPersistence,
}

// classify leaves ledger errors alone and reports anything else as a
// persistence failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range classified {
		if errors.Is(err, c) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

// outcome is the metrics label for err.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ErrHoldingNotFound), errors.Is(err, ErrUserNotFound):
		return "not_found"
	case errors.Is(err, ErrQuoteUnavailable):
		return "quote_unavailable"
	}
	return "persistence"
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
