package model

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

const (
	// CashScale is the number of decimal places kept for cash amounts,
	// prices and invested totals.
	CashScale int32 = 2
	// CostScale is the number of decimal places kept for average cost.
	CostScale int32 = 6
	// PercentScale is the number of decimal places reported for percentages.
	PercentScale int32 = 2

	// Currency is the currency every account is denominated in.
	Currency = money.USD
)

var hundred = decimal.NewFromInt(100)

// MaxCash is the largest cash balance an account may hold. It is the upper
// bound of the NUMERIC(16, 2) balance column.
var MaxCash = decimal.RequireFromString("99999999999999.99")

// Cash rounds d to whole cents.
func Cash(d decimal.Decimal) decimal.Decimal {
	return d.Round(CashScale)
}

// Percent returns part/whole*100 rounded to PercentScale, or zero when
// whole is zero.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(PercentScale)
}

// FormatMoney renders d in the given ISO currency for humans, e.g. "$1,250.00".
func FormatMoney(d decimal.Decimal, code string) string {
	// money.New never returns a nil currency, unlike money.GetCurrency.
	cur := *money.New(0, code).Currency()
	minor := d.Round(int32(cur.Fraction)).Shift(int32(cur.Fraction))
	if !minor.BigInt().IsInt64() {
		// Too large for the formatter; skip the grouping.
		out := cur.Grapheme + d.Abs().StringFixed(int32(cur.Fraction))
		if d.IsNegative() {
			out = "-" + out
		}
		return out
	}
	return cur.Formatter().Format(minor.IntPart())
}
