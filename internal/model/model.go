// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TxType is the kind of a ledger transaction.
type TxType string

const (
	TxBuy     TxType = "BUY"
	TxSell    TxType = "SELL"
	TxDeposit TxType = "DEPOSIT"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxBuy, TxSell, TxDeposit:
		return true
	}
	return false
}

// User is an account holder with a virtual cash balance.
type User struct {
	ID           string          `json:"id" db:"id"`
	Username     string          `json:"username" db:"username"`
	Email        string          `json:"email" db:"email"`
	PasswordHash string          `json:"-" db:"password_hash"`
	FirstName    string          `json:"first_name,omitempty" db:"first_name"`
	LastName     string          `json:"last_name,omitempty" db:"last_name"`
	CashBalance  decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	LastLoginAt  *time.Time      `json:"last_login_at,omitempty" db:"last_login_at"`

	// Pending password reset. Only the SHA-256 of the token is kept.
	ResetTokenHash string     `json:"-" db:"reset_token_hash"`
	ResetExpires   *time.Time `json:"-" db:"reset_expires"`
}

// Holding is a user's open position in one symbol. A holding with zero
// quantity never exists; it is deleted instead.
type Holding struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Symbol        string          `json:"symbol" db:"symbol"`
	DisplayName   string          `json:"display_name" db:"display_name"`
	Quantity      int64           `json:"quantity" db:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost" db:"average_cost"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"` // quantity * average_cost
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of a buy, sell or cash deposit.
// Once created, these are never modified or deleted.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol,omitempty" db:"symbol"`
	Type        TxType          `json:"type" db:"type"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	Price       decimal.Decimal `json:"price" db:"price"`               // price at execution
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"` // quantity * price, or the deposit
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// TxFilter narrows a transaction history query. Zero values mean "any".
type TxFilter struct {
	Type   TxType
	Symbol string
	From   time.Time
	To     time.Time
	Limit  int
}

// Match reports whether t passes the filter, ignoring Limit.
func (f TxFilter) Match(t Transaction) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Symbol != "" && t.Symbol != f.Symbol {
		return false
	}
	if !f.From.IsZero() && t.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.Timestamp.After(f.To) {
		return false
	}
	return true
}

// HoldingValue is a holding marked to market.
type HoldingValue struct {
	Holding
	CurrentPrice    decimal.Decimal `json:"current_price"`
	CurrentValue    decimal.Decimal `json:"current_value"`
	GainLoss        decimal.Decimal `json:"gain_loss"`
	GainLossPercent decimal.Decimal `json:"gain_loss_percent"`
	// Degraded is set when no live quote was available and CurrentPrice
	// fell back to AverageCost.
	Degraded bool `json:"degraded,omitempty"`
}

// Snapshot aggregates a user's cash and marked-to-market holdings.
type Snapshot struct {
	UserID               string          `json:"user_id"`
	CashBalance          decimal.Decimal `json:"cash_balance"`
	TotalInvested        decimal.Decimal `json:"total_invested"`
	CurrentValue         decimal.Decimal `json:"current_value"`
	TotalValue           decimal.Decimal `json:"total_value"` // current_value + cash_balance
	TotalGainLoss        decimal.Decimal `json:"total_gain_loss"`
	TotalGainLossPercent decimal.Decimal `json:"total_gain_loss_percent"`
	HoldingCount         int             `json:"holding_count"`
	Degraded             bool            `json:"degraded"`
	Holdings             []HoldingValue  `json:"holdings"`
	AsOf                 time.Time       `json:"as_of"`
}
