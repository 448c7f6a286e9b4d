// Package ledger keeps a user's cash balance, holdings and transaction log
// mutually consistent.
//
// Every mutating operation prices the symbol first, then applies all of its
// writes inside one store transaction holding the user row lock (and the
// holding row lock, always taken after the user's). Either every write
// commits or none does. All money math uses shopspring/decimal.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stocksim/portfolio-engine/internal/metrics"
	"github.com/stocksim/portfolio-engine/internal/model"
	"github.com/stocksim/portfolio-engine/internal/quote"
	"github.com/stocksim/portfolio-engine/internal/store"
)

// Event kinds delivered to a Notifier.
const (
	EventTradeExecuted = "trade_executed"
	EventCashDeposited = "cash_deposited"
)

// Event describes a committed ledger change.
type Event struct {
	Kind        string
	UserID      string
	Transaction model.Transaction
	CashBalance decimal.Decimal
}

// Notifier is told about every committed ledger change. Notify must not block.
type Notifier interface {
	Notify(Event)
}

// Engine executes buys, sells and deposits and serves portfolio reads.
type Engine struct {
	store        store.Store
	quotes       quote.Source
	notifier     Notifier
	txTimeout    time.Duration
	quoteWorkers int
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the receiver of committed-change events.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithTxTimeout bounds each store transaction, lock waits included.
// Expiry rolls the transaction back and surfaces ErrPersistence.
func WithTxTimeout(d time.Duration) Option {
	return func(e *Engine) { e.txTimeout = d }
}

// WithQuoteWorkers bounds concurrent quote lookups in snapshots.
func WithQuoteWorkers(n int) Option {
	return func(e *Engine) { e.quoteWorkers = n }
}

// WithClock overrides time.Now for transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over st, pricing symbols with quotes.
func New(st store.Store, quotes quote.Source, opts ...Option) *Engine {
	e := &Engine{
		store:        st,
		quotes:       quotes,
		txTimeout:    5 * time.Second,
		quoteWorkers: 8,
		now:          time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// BuyResult is returned by Buy.
type BuyResult struct {
	RemainingCash decimal.Decimal   `json:"remaining_cash"`
	Holding       model.Holding     `json:"holding"`
	Transaction   model.Transaction `json:"transaction"`
}

// SellResult is returned by Sell.
type SellResult struct {
	SaleAmount        decimal.Decimal   `json:"sale_amount"`
	CostBasisRemoved  decimal.Decimal   `json:"cost_basis_removed"`
	ProfitLoss        decimal.Decimal   `json:"profit_loss"`
	ProfitLossPercent decimal.Decimal   `json:"profit_loss_percent"`
	NewCashBalance    decimal.Decimal   `json:"new_cash_balance"`
	RemainingShares   int64             `json:"remaining_shares"`
	Transaction       model.Transaction `json:"transaction"`
}

// DepositResult is returned by DepositCash.
type DepositResult struct {
	NewBalance  decimal.Decimal   `json:"new_balance"`
	Transaction model.Transaction `json:"transaction"`
}

// Buy purchases quantity shares of symbol at the current quote.
func (e *Engine) Buy(ctx context.Context, userID, symbol string, quantity int64) (*BuyResult, error) {
	start := time.Now()
	res, err := e.buy(ctx, userID, symbol, quantity)
	e.observe(model.TxBuy, start, err)
	if err != nil {
		return nil, err
	}

	metrics.TradedShares.WithLabelValues(string(model.TxBuy)).Add(float64(quantity))
	slog.Info("buy executed",
		"tx_id", res.Transaction.ID,
		"user", userID,
		"symbol", res.Holding.Symbol,
		"qty", quantity,
		"price", res.Transaction.Price.String(),
		"cost", res.Transaction.TotalAmount.String(),
		"cash", res.RemainingCash.String(),
	)
	e.notify(EventTradeExecuted, userID, res.Transaction, res.RemainingCash)
	return res, nil
}

func (e *Engine) buy(ctx context.Context, userID, symbol string, quantity int64) (*BuyResult, error) {
	if userID == "" {
		return nil, invalid("user id is required")
	}
	if quantity <= 0 {
		return nil, invalid("quantity must be a positive integer, got %d", quantity)
	}
	sym, err := quote.NormalizeSymbol(symbol)
	if err != nil {
		return nil, invalid("%v", err)
	}

	q, err := e.price(ctx, sym)
	if err != nil {
		return nil, err
	}
	cost := model.Cash(q.Price.Mul(decimal.NewFromInt(quantity)))

	var res BuyResult
	err = e.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return userErr(err, userID)
		}
		h, err := tx.LockHoldingBySymbol(ctx, userID, sym)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if u.CashBalance.LessThan(cost) {
			return fmt.Errorf("%w: cost %s exceeds balance %s", ErrInsufficientFunds,
				model.FormatMoney(cost, model.Currency), model.FormatMoney(u.CashBalance, model.Currency))
		}

		now := e.now().UTC()
		if h == nil {
			h = &model.Holding{
				ID:            uuid.New().String(),
				UserID:        userID,
				Symbol:        sym,
				DisplayName:   q.DisplayName,
				Quantity:      quantity,
				AverageCost:   q.Price,
				TotalInvested: cost,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.InsertHolding(ctx, h); err != nil {
				return err
			}
		} else {
			h.Quantity += quantity
			h.TotalInvested = h.TotalInvested.Add(cost)
			h.AverageCost = h.TotalInvested.Div(decimal.NewFromInt(h.Quantity)).Round(model.CostScale)
			h.UpdatedAt = now
			if err := tx.UpdateHolding(ctx, h); err != nil {
				return err
			}
		}

		cash := u.CashBalance.Sub(cost)
		if err := tx.SetCashBalance(ctx, userID, cash); err != nil {
			return err
		}

		t := model.Transaction{
			ID:          uuid.New().String(),
			UserID:      userID,
			Symbol:      sym,
			Type:        model.TxBuy,
			Quantity:    quantity,
			Price:       q.Price,
			TotalAmount: cost,
			Timestamp:   now,
		}
		if err := tx.InsertTransaction(ctx, &t); err != nil {
			return err
		}

		res = BuyResult{RemainingCash: cash, Holding: *h, Transaction: t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Sell sells quantity shares of the given holding at the current quote.
// Selling the whole position deletes the holding.
func (e *Engine) Sell(ctx context.Context, userID, holdingID string, quantity int64) (*SellResult, error) {
	start := time.Now()
	res, err := e.sell(ctx, userID, holdingID, quantity)
	e.observe(model.TxSell, start, err)
	if err != nil {
		return nil, err
	}

	metrics.TradedShares.WithLabelValues(string(model.TxSell)).Add(float64(quantity))
	slog.Info("sell executed",
		"tx_id", res.Transaction.ID,
		"user", userID,
		"symbol", res.Transaction.Symbol,
		"qty", quantity,
		"price", res.Transaction.Price.String(),
		"proceeds", res.SaleAmount.String(),
		"pnl", res.ProfitLoss.String(),
		"remaining", res.RemainingShares,
	)
	e.notify(EventTradeExecuted, userID, res.Transaction, res.NewCashBalance)
	return res, nil
}

func (e *Engine) sell(ctx context.Context, userID, holdingID string, quantity int64) (*SellResult, error) {
	if userID == "" || holdingID == "" {
		return nil, invalid("user id and holding id are required")
	}
	if quantity <= 0 {
		return nil, invalid("quantity must be a positive integer, got %d", quantity)
	}

	// Unlocked read to learn the symbol and reject obvious failures before
	// pricing. Everything is re-checked under the locks.
	pre, err := e.store.GetHolding(ctx, userID, holdingID)
	if err != nil {
		return nil, classify(holdingErr(err, holdingID))
	}
	if quantity > pre.Quantity {
		return nil, fmt.Errorf("%w: selling %d of %d %s", ErrInsufficientShares, quantity, pre.Quantity, pre.Symbol)
	}

	q, err := e.price(ctx, pre.Symbol)
	if err != nil {
		return nil, err
	}
	saleAmount := model.Cash(q.Price.Mul(decimal.NewFromInt(quantity)))

	var res SellResult
	err = e.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return userErr(err, userID)
		}
		h, err := tx.LockHolding(ctx, userID, holdingID)
		if err != nil {
			return holdingErr(err, holdingID)
		}
		if quantity > h.Quantity {
			return fmt.Errorf("%w: selling %d of %d %s", ErrInsufficientShares, quantity, h.Quantity, h.Symbol)
		}

		cash := u.CashBalance.Add(saleAmount)
		if cash.GreaterThan(model.MaxCash) {
			return invalid("proceeds would push the balance past %s", model.FormatMoney(model.MaxCash, model.Currency))
		}

		now := e.now().UTC()
		var basis, pctBase decimal.Decimal
		if quantity == h.Quantity {
			// The whole remaining basis leaves with the last share.
			basis = h.TotalInvested
			pctBase = basis
			if err := tx.DeleteHolding(ctx, h.ID); err != nil {
				return err
			}
			h.Quantity = 0
		} else {
			// Remaining basis stays quantity * average cost in cents;
			// the difference is what leaves with the sold shares.
			// Rounding can make that difference zero on tiny positions, so
			// the percentage is taken against average cost times quantity.
			pctBase = h.AverageCost.Mul(decimal.NewFromInt(quantity))
			h.Quantity -= quantity
			remaining := model.Cash(h.AverageCost.Mul(decimal.NewFromInt(h.Quantity)))
			basis = h.TotalInvested.Sub(remaining)
			h.TotalInvested = remaining
			h.UpdatedAt = now
			if err := tx.UpdateHolding(ctx, h); err != nil {
				return err
			}
		}

		if err := tx.SetCashBalance(ctx, userID, cash); err != nil {
			return err
		}

		t := model.Transaction{
			ID:          uuid.New().String(),
			UserID:      userID,
			Symbol:      h.Symbol,
			Type:        model.TxSell,
			Quantity:    quantity,
			Price:       q.Price,
			TotalAmount: saleAmount,
			Timestamp:   now,
		}
		if err := tx.InsertTransaction(ctx, &t); err != nil {
			return err
		}

		pnl := saleAmount.Sub(basis)
		res = SellResult{
			SaleAmount:        saleAmount,
			CostBasisRemoved:  basis,
			ProfitLoss:        pnl,
			ProfitLossPercent: model.Percent(pnl, pctBase),
			NewCashBalance:    cash,
			RemainingShares:   h.Quantity,
			Transaction:       t,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DepositCash credits amount to the user's balance and logs a DEPOSIT
// transaction in the same atomic unit.
func (e *Engine) DepositCash(ctx context.Context, userID string, amount decimal.Decimal) (*DepositResult, error) {
	start := time.Now()
	res, err := e.deposit(ctx, userID, amount)
	e.observe(model.TxDeposit, start, err)
	if err != nil {
		return nil, err
	}

	metrics.CashDeposited.Add(res.Transaction.TotalAmount.InexactFloat64())
	slog.Info("cash deposited",
		"tx_id", res.Transaction.ID,
		"user", userID,
		"amount", res.Transaction.TotalAmount.String(),
		"cash", res.NewBalance.String(),
	)
	e.notify(EventCashDeposited, userID, res.Transaction, res.NewBalance)
	return res, nil
}

func (e *Engine) deposit(ctx context.Context, userID string, amount decimal.Decimal) (*DepositResult, error) {
	if userID == "" {
		return nil, invalid("user id is required")
	}
	amount = model.Cash(amount)
	if !amount.IsPositive() {
		return nil, invalid("deposit amount must be positive, got %s", amount)
	}
	if amount.GreaterThan(model.MaxCash) {
		return nil, invalid("deposit amount exceeds %s", model.FormatMoney(model.MaxCash, model.Currency))
	}

	var res DepositResult
	err := e.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return userErr(err, userID)
		}
		cash := u.CashBalance.Add(amount)
		if cash.GreaterThan(model.MaxCash) {
			return invalid("deposit would push the balance past %s", model.FormatMoney(model.MaxCash, model.Currency))
		}
		if err := tx.SetCashBalance(ctx, userID, cash); err != nil {
			return err
		}
		t := model.Transaction{
			ID:          uuid.New().String(),
			UserID:      userID,
			Type:        model.TxDeposit,
			Price:       decimal.Zero,
			TotalAmount: amount,
			Timestamp:   e.now().UTC(),
		}
		if err := tx.InsertTransaction(ctx, &t); err != nil {
			return err
		}
		res = DepositResult{NewBalance: cash, Transaction: t}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// inTx runs fn in a store transaction bounded by the engine's timeout.
// Errors other than ledger errors surface as ErrPersistence.
func (e *Engine) inTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		return fn(ctx, tx)
	})
	return classify(err)
}

// price fetches a quote and rounds it to cents.
func (e *Engine) price(ctx context.Context, symbol string) (quote.Quote, error) {
	q, err := e.quotes.GetPrice(ctx, symbol)
	if err != nil {
		metrics.QuoteFailures.Inc()
		return quote.Quote{}, fmt.Errorf("%w: %s: %v", ErrQuoteUnavailable, symbol, err)
	}
	q.Price = model.Cash(q.Price)
	if !q.Price.IsPositive() {
		metrics.QuoteFailures.Inc()
		return quote.Quote{}, fmt.Errorf("%w: %s: non-positive price %s", ErrQuoteUnavailable, symbol, q.Price)
	}
	if q.DisplayName == "" {
		q.DisplayName = symbol
	}
	return q, nil
}

func (e *Engine) observe(typ model.TxType, start time.Time, err error) {
	metrics.TradesTotal.WithLabelValues(string(typ), outcome(err)).Inc()
	metrics.TradeLatency.WithLabelValues(string(typ)).Observe(time.Since(start).Seconds())
	if err != nil && errors.Is(err, ErrPersistence) {
		slog.Error("ledger operation failed", "type", typ, "err", err)
	}
}

func (e *Engine) notify(kind, userID string, t model.Transaction, cash decimal.Decimal) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(Event{Kind: kind, UserID: userID, Transaction: t, CashBalance: cash})
}

func userErr(err error, userID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return err
}

func holdingErr(err error, holdingID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrHoldingNotFound, holdingID)
	}
	return err
}
