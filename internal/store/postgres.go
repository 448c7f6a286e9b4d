package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stocksim/portfolio-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Row locks are taken with SELECT ... FOR UPDATE inside InTx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const userColumns = `id, username, email, password_hash, first_name, last_name,
		cash_balance::TEXT, created_at, last_login_at,
		COALESCE(reset_token_hash, ''), reset_expires`

const holdingColumns = `id, user_id, symbol, display_name, quantity,
		average_cost::TEXT, total_invested::TEXT, created_at, updated_at`

const transactionColumns = `id, user_id, symbol, type, quantity,
		price::TEXT, total_amount::TEXT, timestamp`

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, first_name, last_name, cash_balance, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.FirstName, u.LastName,
		u.CashBalance.String(), u.CreatedAt,
	)
	return mapError(err, "create user "+u.Username)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err, "get user "+id)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		return nil, mapError(err, "get user by email "+email)
	}
	return u, nil
}

func (s *PostgresStore) UpdatePassword(ctx context.Context, userID, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET password_hash = $2, reset_token_hash = NULL, reset_expires = NULL
		 WHERE id = $1`, userID, hash)
	if err != nil {
		return mapError(err, "update password "+userID)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return nil
}

func (s *PostgresStore) SetResetToken(ctx context.Context, userID, tokenHash string, expires time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET reset_token_hash = $2, reset_expires = $3 WHERE id = $1`,
		userID, tokenHash, expires)
	if err != nil {
		return mapError(err, "set reset token "+userID)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return nil
}

func (s *PostgresStore) GetUserByResetToken(ctx context.Context, tokenHash string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE reset_token_hash = $1`, tokenHash))
	if err != nil {
		return nil, mapError(err, "get user by reset token")
	}
	return u, nil
}

func (s *PostgresStore) ResetPassword(ctx context.Context, userID, tokenHash, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET password_hash = $3, reset_token_hash = NULL, reset_expires = NULL
		 WHERE id = $1 AND reset_token_hash = $2`, userID, tokenHash, hash)
	if err != nil {
		return mapError(err, "reset password "+userID)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: reset token for user %s", ErrNotFound, userID)
	}
	return nil
}

func (s *PostgresStore) TouchLogin(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET last_login_at = NOW() WHERE id = $1`, userID)
	return mapError(err, "touch login "+userID)
}

func (s *PostgresStore) GetHolding(ctx context.Context, userID, holdingID string) (*model.Holding, error) {
	h, err := scanHolding(s.pool.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE id = $1 AND user_id = $2`,
		holdingID, userID))
	if err != nil {
		return nil, mapError(err, "get holding "+holdingID)
	}
	return h, nil
}

func (s *PostgresStore) ListHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	return listHoldings(ctx, s.pool, userID)
}

// LoadPortfolio reads the user and holdings in one REPEATABLE READ
// snapshot.
func (s *PostgresStore) LoadPortfolio(ctx context.Context, userID string) (*model.User, []model.Holding, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	u, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return nil, nil, mapError(err, "get user "+userID)
	}
	holdings, err := listHoldings(ctx, tx, userID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return u, holdings, nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listHoldings(ctx context.Context, q querier, userID string) ([]model.Holding, error) {
	rows, err := q.Query(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, mapError(err, "list holdings "+userID)
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, f model.TxFilter) ([]model.Transaction, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Symbol != "" {
		add("symbol = $%d", f.Symbol)
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp <= $%d", f.To)
	}
	args = append(args, HistoryLimit(f.Limit))

	query := fmt.Sprintf(
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE %s ORDER BY timestamp DESC, id DESC LIMIT $%d`,
		strings.Join(where, " AND "), len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list transactions "+userID)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var typ, priceS, totalS string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &typ, &t.Quantity,
			&priceS, &totalS, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Type = model.TxType(typ)
		t.Price, _ = decimal.NewFromString(priceS)
		t.TotalAmount, _ = decimal.NewFromString(totalS)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// InTx runs fn inside a database transaction. When ctx carries a deadline,
// lock waits are bounded by the same deadline via lock_timeout; on expiry
// the transaction rolls back.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	// Rollback is a no-op once Commit succeeded. It must run even if ctx
	// has already expired.
	defer tx.Rollback(context.WithoutCancel(ctx))

	if deadline, ok := ctx.Deadline(); ok {
		ms := time.Until(deadline).Milliseconds()
		if ms < 1 {
			ms = 1
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", ms)); err != nil {
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- transaction ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockUser(ctx context.Context, userID string) (*model.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, mapError(err, "lock user "+userID)
	}
	return u, nil
}

func (t *pgTx) LockHoldingBySymbol(ctx context.Context, userID, symbol string) (*model.Holding, error) {
	h, err := scanHolding(t.tx.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE user_id = $1 AND symbol = $2 FOR UPDATE`,
		userID, symbol))
	if err != nil {
		return nil, mapError(err, "lock holding "+symbol)
	}
	return h, nil
}

func (t *pgTx) LockHolding(ctx context.Context, userID, holdingID string) (*model.Holding, error) {
	h, err := scanHolding(t.tx.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		holdingID, userID))
	if err != nil {
		return nil, mapError(err, "lock holding "+holdingID)
	}
	return h, nil
}

func (t *pgTx) SetCashBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE users SET cash_balance = $2::NUMERIC WHERE id = $1`,
		userID, balance.String())
	if err != nil {
		return mapError(err, "set cash balance "+userID)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return nil
}

func (t *pgTx) InsertHolding(ctx context.Context, h *model.Holding) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (id, user_id, symbol, display_name, quantity, average_cost, total_invested, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		h.ID, h.UserID, h.Symbol, h.DisplayName, h.Quantity,
		h.AverageCost.String(), h.TotalInvested.String(),
		h.CreatedAt, h.UpdatedAt,
	)
	return mapError(err, "insert holding "+h.Symbol)
}

func (t *pgTx) UpdateHolding(ctx context.Context, h *model.Holding) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE holdings
		 SET quantity = $2, average_cost = $3::NUMERIC, total_invested = $4::NUMERIC,
		     display_name = $5, updated_at = $6
		 WHERE id = $1`,
		h.ID, h.Quantity, h.AverageCost.String(), h.TotalInvested.String(),
		h.DisplayName, h.UpdatedAt,
	)
	if err != nil {
		return mapError(err, "update holding "+h.ID)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: holding %s", ErrNotFound, h.ID)
	}
	return nil
}

func (t *pgTx) DeleteHolding(ctx context.Context, holdingID string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM holdings WHERE id = $1`, holdingID)
	if err != nil {
		return mapError(err, "delete holding "+holdingID)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: holding %s", ErrNotFound, holdingID)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, symbol, type, quantity, price, total_amount, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		tr.ID, tr.UserID, tr.Symbol, string(tr.Type), tr.Quantity,
		tr.Price.String(), tr.TotalAmount.String(), tr.Timestamp,
	)
	return mapError(err, "insert transaction "+tr.ID)
}

// --- scanning helpers ---

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*model.User, error) {
	var u model.User
	var cashS string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&u.FirstName, &u.LastName, &cashS, &u.CreatedAt, &u.LastLoginAt,
		&u.ResetTokenHash, &u.ResetExpires); err != nil {
		return nil, err
	}
	u.CashBalance, _ = decimal.NewFromString(cashS)
	return &u, nil
}

func scanHolding(row scanner) (*model.Holding, error) {
	var h model.Holding
	var avgS, investedS string
	if err := row.Scan(&h.ID, &h.UserID, &h.Symbol, &h.DisplayName, &h.Quantity,
		&avgS, &investedS, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.AverageCost, _ = decimal.NewFromString(avgS)
	h.TotalInvested, _ = decimal.NewFromString(investedS)
	return &h, nil
}

// mapError translates pgx errors into store sentinels.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
		return fmt.Errorf("%w: %s: %s", ErrConflict, op, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}
