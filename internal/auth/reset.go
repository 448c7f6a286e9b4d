package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stocksim/portfolio-engine/internal/model"
	"github.com/stocksim/portfolio-engine/internal/store"
)

// DefaultResetTTL is how long a password reset token stays valid.
const DefaultResetTTL = time.Hour

// RequestPasswordReset issues a single-use reset token for the account
// registered under email. An unknown email yields an empty token and no
// error, so callers cannot tell which addresses are registered.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = normalizeEmail(email)
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrInvalidInput)
	}

	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("password reset requested for unknown email")
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("auth: lookup user: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate reset token: %w", err)
	}
	token := hex.EncodeToString(raw)
	expires := s.now().UTC().Add(s.resetTTL)
	if err := s.store.SetResetToken(ctx, u.ID, hashResetToken(token), expires); err != nil {
		return "", fmt.Errorf("auth: store reset token: %w", err)
	}

	slog.Info("password reset requested", "user", u.ID, "expires", expires)
	return token, nil
}

// VerifyResetToken returns the email of the account a live token belongs to.
func (s *Service) VerifyResetToken(ctx context.Context, token string) (string, error) {
	u, err := s.resetUser(ctx, token)
	if err != nil {
		return "", err
	}
	return u.Email, nil
}

// ResetPassword sets a new password using a reset token and consumes the
// token.
func (s *Service) ResetPassword(ctx context.Context, token, next, confirm string) error {
	if token == "" || next == "" || confirm == "" {
		return fmt.Errorf("%w: token, new password and confirmation are required", ErrInvalidInput)
	}
	if next != confirm {
		return fmt.Errorf("%w: passwords do not match", ErrInvalidInput)
	}
	if err := validatePassword(next); err != nil {
		return err
	}

	u, err := s.resetUser(ctx, token)
	if err != nil {
		return err
	}
	hash, err := HashPassword(next, s.cost)
	if err != nil {
		return err
	}
	err = s.store.ResetPassword(ctx, u.ID, u.ResetTokenHash, hash)
	if errors.Is(err, store.ErrNotFound) {
		// Consumed or replaced since we looked it up.
		return ErrInvalidResetToken
	}
	if err != nil {
		return fmt.Errorf("auth: reset password: %w", err)
	}

	slog.Info("password reset", "user", u.ID)
	return nil
}

// resetUser resolves a token to its user, rejecting unknown and expired
// tokens alike.
func (s *Service) resetUser(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, ErrInvalidResetToken
	}
	u, err := s.store.GetUserByResetToken(ctx, hashResetToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidResetToken
	}
	if err != nil {
		return nil, fmt.Errorf("auth: lookup reset token: %w", err)
	}
	if u.ResetExpires == nil || !s.now().Before(*u.ResetExpires) {
		return nil, ErrInvalidResetToken
	}
	return u, nil
}

// hashResetToken is what the store keeps in place of the token itself.
func hashResetToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
