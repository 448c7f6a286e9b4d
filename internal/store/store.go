// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stocksim/portfolio-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a unique constraint (username, email,
	// user+symbol) would be violated.
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence interface. Reads outside InTx see committed
// state only and take no locks.
type Store interface {
	// --- Users ---

	// CreateUser persists a new user. Returns ErrConflict if the username
	// or email is taken.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByEmail retrieves a user by lower-cased email.
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)

	// UpdatePassword replaces a user's password hash and discards any
	// pending reset token.
	UpdatePassword(ctx context.Context, userID, hash string) error

	// SetResetToken records a pending password reset, replacing any
	// earlier one.
	SetResetToken(ctx context.Context, userID, tokenHash string, expires time.Time) error

	// GetUserByResetToken retrieves the user with the given pending reset
	// token hash. Expiry is the caller's concern.
	GetUserByResetToken(ctx context.Context, tokenHash string) (*model.User, error)

	// ResetPassword replaces the password hash and consumes the reset
	// token, provided tokenHash is still the user's pending one. Returns
	// ErrNotFound otherwise, so a token is used at most once.
	ResetPassword(ctx context.Context, userID, tokenHash, hash string) error

	// TouchLogin records a successful login.
	TouchLogin(ctx context.Context, userID string) error

	// --- Holdings ---

	// GetHolding retrieves a holding by ID, scoped to its owner.
	GetHolding(ctx context.Context, userID, holdingID string) (*model.Holding, error)

	// ListHoldings returns all holdings of a user ordered by symbol.
	ListHoldings(ctx context.Context, userID string) ([]model.Holding, error)

	// LoadPortfolio returns the user and their holdings as of one committed
	// state: no write transaction lands between the two reads.
	LoadPortfolio(ctx context.Context, userID string) (*model.User, []model.Holding, error)

	// --- Immutable transaction log ---

	// ListTransactions returns a user's transactions, newest first.
	ListTransactions(ctx context.Context, userID string, f model.TxFilter) ([]model.Transaction, error)

	// InTx runs fn as one atomic unit. If fn returns an error, or the
	// commit fails, nothing fn wrote is applied. Row locks taken through
	// tx are held until InTx returns.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the locking read/write view handed to InTx callbacks. Callers must
// lock the user row before any holding row of that user.
type Tx interface {
	// LockUser locks and returns the user row.
	LockUser(ctx context.Context, userID string) (*model.User, error)

	// LockHoldingBySymbol locks and returns the user's holding in symbol,
	// or ErrNotFound.
	LockHoldingBySymbol(ctx context.Context, userID, symbol string) (*model.Holding, error)

	// LockHolding locks and returns the holding with the given ID owned by
	// userID, or ErrNotFound.
	LockHolding(ctx context.Context, userID, holdingID string) (*model.Holding, error)

	// SetCashBalance overwrites the user's cash balance.
	SetCashBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	// InsertHolding creates a new holding.
	InsertHolding(ctx context.Context, h *model.Holding) error

	// UpdateHolding writes quantity, average cost and total invested.
	UpdateHolding(ctx context.Context, h *model.Holding) error

	// DeleteHolding removes a holding.
	DeleteHolding(ctx context.Context, holdingID string) error

	// InsertTransaction appends an immutable transaction record.
	InsertTransaction(ctx context.Context, t *model.Transaction) error
}

// DefaultHistoryLimit and MaxHistoryLimit bound ListTransactions.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// HistoryLimit normalizes a requested page size.
func HistoryLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultHistoryLimit
	case n > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return n
}
