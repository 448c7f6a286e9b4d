package quote

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches exchange tickers such as AAPL, BRK.B, ^GSPC or EURUSD=X.
var symbolRegex = regexp.MustCompile(`^\^?[A-Z0-9][A-Z0-9.=-]{0,11}$`)

var ErrInvalidSymbol = errors.New("quote: invalid symbol")

// NormalizeSymbol trims and upper-cases s and validates the result.
func NormalizeSymbol(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return sym, nil
}
