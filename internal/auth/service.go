// Package auth handles account registration, login and bearer-token
// authentication.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/stocksim/portfolio-engine/internal/model"
	"github.com/stocksim/portfolio-engine/internal/store"
)

var (
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUserExists         = errors.New("auth: username or email already registered")
	ErrUserNotFound       = errors.New("auth: user not found")
	ErrUnauthorized       = errors.New("auth: unauthorized")
	ErrInvalidResetToken  = errors.New("auth: invalid or expired reset token")
)

// DefaultCost is the bcrypt work factor for new password hashes.
const DefaultCost = 12

const (
	minPassword = 6
	maxPassword = 72 // bcrypt ignores anything longer
	minUsername = 3
	maxUsername = 50
	maxName     = 100
)

// HashPassword generates a bcrypt hash of the password.
func HashPassword(password string, cost int) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hashed), nil
}

// CheckPasswordHash compares a plain password with a stored hash.
func CheckPasswordHash(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Service manages accounts.
type Service struct {
	store           store.Store
	tokens          *Tokens
	startingBalance decimal.Decimal
	cost            int
	resetTTL        time.Duration
	now             func() time.Time
}

// NewService creates an account service. New accounts open with
// startingBalance unless the registration names its own.
func NewService(st store.Store, tokens *Tokens, startingBalance decimal.Decimal) *Service {
	return &Service{
		store:           st,
		tokens:          tokens,
		startingBalance: startingBalance,
		cost:            DefaultCost,
		resetTTL:        DefaultResetTTL,
		now:             time.Now,
	}
}

// WithCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

// WithResetTTL sets how long a password reset token stays valid.
func (s *Service) WithResetTTL(ttl time.Duration) *Service {
	s.resetTTL = ttl
	return s
}

// WithClock overrides time.Now for reset token expiry.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RegisterRequest is the JSON body for POST /auth/register.
type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	// CashBalance optionally sets the opening balance.
	CashBalance *decimal.Decimal `json:"cash_balance,omitempty"`
}

// Session is returned by Register, Login and Refresh.
type Session struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      *model.User `json:"user"`
}

// Register creates an account and signs it in.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Session, error) {
	username := strings.TrimSpace(req.Username)
	email := normalizeEmail(req.Email)

	if n := utf8.RuneCountInString(username); n < minUsername || n > maxUsername {
		return nil, fmt.Errorf("%w: username must be %d-%d characters", ErrInvalidInput, minUsername, maxUsername)
	}
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(req.Password); err != nil {
		return nil, err
	}
	first, last := strings.TrimSpace(req.FirstName), strings.TrimSpace(req.LastName)
	if utf8.RuneCountInString(first) > maxName || utf8.RuneCountInString(last) > maxName {
		return nil, fmt.Errorf("%w: names are limited to %d characters", ErrInvalidInput, maxName)
	}

	balance := s.startingBalance
	if req.CashBalance != nil {
		if req.CashBalance.IsNegative() {
			return nil, fmt.Errorf("%w: opening balance cannot be negative", ErrInvalidInput)
		}
		if model.Cash(*req.CashBalance).GreaterThan(model.MaxCash) {
			return nil, fmt.Errorf("%w: opening balance cannot exceed %s", ErrInvalidInput,
				model.FormatMoney(model.MaxCash, model.Currency))
		}
		balance = *req.CashBalance
	}

	hash, err := HashPassword(req.Password, s.cost)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	u := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FirstName:    first,
		LastName:     last,
		CashBalance:  model.Cash(balance),
		CreatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("auth: create user: %w", err)
	}

	slog.Info("user registered", "user", u.ID, "username", u.Username, "cash", u.CashBalance.String())
	return s.session(ctx, u)
}

// Login checks an email and password and issues a token.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}

	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup user: %w", err)
	}
	if !CheckPasswordHash(password, u.PasswordHash) {
		slog.Warn("failed login", "user", u.ID)
		return nil, ErrInvalidCredentials
	}
	return s.session(ctx, u)
}

// Refresh issues a fresh token for an already authenticated user.
func (s *Service) Refresh(ctx context.Context, userID string) (*Session, error) {
	u, err := s.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	token, expires, err := s.tokens.Issue(u.ID, u.Username)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expires, User: u}, nil
}

// Profile returns the user's account.
func (s *Service) Profile(ctx context.Context, userID string) (*model.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("auth: load user: %w", err)
	}
	return u, nil
}

// ChangePassword replaces the password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if current == "" || next == "" {
		return fmt.Errorf("%w: current and new password are required", ErrInvalidInput)
	}
	if err := validatePassword(next); err != nil {
		return err
	}
	u, err := s.Profile(ctx, userID)
	if err != nil {
		return err
	}
	if !CheckPasswordHash(current, u.PasswordHash) {
		return ErrInvalidCredentials
	}
	hash, err := HashPassword(next, s.cost)
	if err != nil {
		return err
	}
	if err := s.store.UpdatePassword(ctx, userID, hash); err != nil {
		return fmt.Errorf("auth: update password: %w", err)
	}
	slog.Info("password changed", "user", userID)
	return nil
}

// session records the login and issues a token.
func (s *Service) session(ctx context.Context, u *model.User) (*Session, error) {
	token, expires, err := s.tokens.Issue(u.ID, u.Username)
	if err != nil {
		return nil, err
	}
	if err := s.store.TouchLogin(ctx, u.ID); err != nil {
		slog.Warn("failed to record login", "user", u.ID, "err", err)
	} else {
		now := time.Now().UTC()
		u.LastLoginAt = &now
	}
	return &Session{Token: token, ExpiresAt: expires, User: u}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: invalid email address", ErrInvalidInput)
	}
	return nil
}

func validatePassword(pw string) error {
	if len(pw) < minPassword {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPassword)
	}
	if len(pw) > maxPassword {
		return fmt.Errorf("%w: password must be at most %d bytes", ErrInvalidInput, maxPassword)
	}
	return nil
}
